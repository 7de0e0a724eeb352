package core

import (
	"context"
	"time"

	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
)

// LockState describes the stored record independent of who is asking.
type LockState string

const (
	LockStateUnlocked LockState = "unlocked"
	LockStateLocked   LockState = "locked"
	LockStateStale    LockState = "stale"
)

// Status is a point-in-time view of a lock.
type Status struct {
	Name  string
	State LockState
	// Mode is the access the inspecting process would get right now without
	// acquiring: writable only if it already holds a live record.
	Mode         Mode
	Record       *storage.Record
	HeartbeatAge time.Duration
	HeldFor      time.Duration
	StaleAfter   time.Duration
	OwnedBySelf  bool
	// OwnerAlive is only probed when the owner runs on this host.
	OwnerAlive identity.Liveness
	Self       identity.Identity
	CheckedAt  time.Time
}

// Owner returns the recorded owner, or nil when unlocked.
func (s Status) Owner() *identity.Identity {
	return ownerOf(s.Record)
}

// StaleIn returns how long until a live record becomes stale.
func (s Status) StaleIn() time.Duration {
	if s.State != LockStateLocked {
		return 0
	}
	return s.StaleAfter - s.HeartbeatAge
}

func (s *Status) fill(ctx context.Context, rec *storage.Record, detector Detector, now time.Time) {
	s.Record = rec
	if rec == nil {
		s.State = LockStateUnlocked
		s.Mode = ModeReadOnly
		return
	}
	s.HeartbeatAge = HeartbeatAge(*rec, now)
	if held := now.Sub(rec.LockedAt); held > 0 {
		s.HeldFor = held
	}
	s.OwnedBySelf = rec.OwnedBy(s.Self)
	if s.OwnedBySelf {
		s.OwnerAlive = identity.LivenessAlive
	} else {
		s.OwnerAlive = identity.Probe(ctx, s.Self, rec.Owner())
	}
	switch {
	case detector.IsStale(*rec, now):
		s.State = LockStateStale
		s.Mode = ModeReadOnly
	case s.OwnedBySelf:
		s.State = LockStateLocked
		s.Mode = ModeWritable
	default:
		s.State = LockStateLocked
		s.Mode = ModeReadOnly
	}
}
