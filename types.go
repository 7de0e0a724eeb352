package wlock

import (
	"pkt.systems/wlock/internal/core"
	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
)

// Identity names a lock owner by host, user and process id.
type Identity = identity.Identity

// Record is the persisted lock entry.
type Record = storage.Record

// Mode is the access level the process should apply to shared data.
type Mode = core.Mode

const (
	ModeUnknown  = core.ModeUnknown
	ModeWritable = core.ModeWritable
	ModeReadOnly = core.ModeReadOnly
)

// GateState is a consistent view of mode and blocking owner.
type GateState = core.GateState

// Outcome is the result kind of a lock operation.
type Outcome = core.Outcome

const (
	OutcomeAcquired = core.OutcomeAcquired
	OutcomeBusy     = core.OutcomeBusy
	OutcomeRenewed  = core.OutcomeRenewed
	OutcomeLost     = core.OutcomeLost
	OutcomeReleased = core.OutcomeReleased
)

// AcquireResult describes one acquisition attempt.
type AcquireResult = core.AcquireResult

// RefreshResult describes one heartbeat attempt.
type RefreshResult = core.RefreshResult

// Status is a point-in-time view of the lock.
type Status = core.Status

// LockState is the stored state of the lock independent of the caller.
type LockState = core.LockState

const (
	LockStateUnlocked = core.LockStateUnlocked
	LockStateLocked   = core.LockStateLocked
	LockStateStale    = core.LockStateStale
)

// StorageError reports an unreachable or failing store.
type StorageError = core.StorageError

// IsStorageError reports whether err is a storage failure rather than a
// lock outcome.
func IsStorageError(err error) bool {
	return core.IsStorageError(err)
}
