package core

import (
	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
)

// Outcome is the closed set of results a lock operation can produce.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeAcquired means the caller now owns the lock.
	OutcomeAcquired
	// OutcomeBusy means another live owner holds the lock.
	OutcomeBusy
	// OutcomeRenewed means a heartbeat was written.
	OutcomeRenewed
	// OutcomeLost means the caller no longer owns the lock.
	OutcomeLost
	// OutcomeReleased means the caller gave the lock up (or never held it).
	OutcomeReleased
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcquired:
		return "acquired"
	case OutcomeBusy:
		return "busy"
	case OutcomeRenewed:
		return "renewed"
	case OutcomeLost:
		return "lost"
	case OutcomeReleased:
		return "released"
	default:
		return "none"
	}
}

// AcquireResult describes a single acquisition attempt.
type AcquireResult struct {
	Outcome Outcome
	// Record is the record as last seen: the one written on success, the
	// blocking one when busy.
	Record *storage.Record
	// Owner is set when Outcome is OutcomeBusy.
	Owner *identity.Identity
	// TookOver is set when a stale record from another process was replaced.
	TookOver bool
	// AlreadyOwned is set when the caller held a live record already and
	// nothing was written.
	AlreadyOwned bool
}

// Acquired reports whether the caller owns the lock.
func (r AcquireResult) Acquired() bool { return r.Outcome == OutcomeAcquired }

// RefreshResult describes a heartbeat attempt.
type RefreshResult struct {
	Outcome Outcome
	Record  *storage.Record
	// Owner is the new owner when the lock was lost to another process, nil
	// when the record vanished.
	Owner *identity.Identity
}

// Renewed reports whether the heartbeat was written.
func (r RefreshResult) Renewed() bool { return r.Outcome == OutcomeRenewed }

func ownerOf(rec *storage.Record) *identity.Identity {
	if rec == nil {
		return nil
	}
	id := rec.Owner()
	return &id
}
