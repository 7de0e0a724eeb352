package storage

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/identity"
)

// DefaultClearAttempts bounds how often Clear re-reads after a conflicting
// write before giving up.
const DefaultClearAttempts = 3

// Snapshot is a record as observed by Read, together with the version token
// needed to replace or delete it conditionally. A nil Record means the lock
// has never been taken or was cleared.
type Snapshot struct {
	Record *Record
	ETag   string
}

// Empty reports whether no record was present.
func (s Snapshot) Empty() bool {
	return s.Record == nil
}

// LockStore reads and conditionally writes the single record behind one lock
// name. It is the only type that talks to the Backend on behalf of the lock
// manager.
type LockStore struct {
	backend Backend
	name    string
	logger  pslog.Logger
}

// NewLockStore binds backend to the lock called name.
func NewLockStore(backend Backend, name string, logger pslog.Logger) (*LockStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage: backend required")
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &LockStore{backend: backend, name: name, logger: logger}, nil
}

// Name returns the lock name.
func (s *LockStore) Name() string { return s.name }

// Backend exposes the underlying backend.
func (s *LockStore) Backend() Backend { return s.backend }

// Read returns the current record, or an empty snapshot when none exists.
func (s *LockStore) Read(ctx context.Context) (Snapshot, error) {
	res, err := s.backend.LoadRecord(ctx, s.name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	if res.Record == nil {
		return Snapshot{}, nil
	}
	return Snapshot{Record: res.Record.Clone(), ETag: res.ETag}, nil
}

// TryWrite stores next only if the lock still matches prior. A lost race
// returns false with a nil error.
func (s *LockStore) TryWrite(ctx context.Context, prior Snapshot, next Record) (bool, error) {
	expected := ""
	if !prior.Empty() {
		expected = prior.ETag
		if expected == "" {
			return false, fmt.Errorf("storage: snapshot for %q has no version token", s.name)
		}
	}
	rec := next
	_, err := s.backend.StoreRecord(ctx, s.name, &rec, expected)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrCASMismatch), errors.Is(err, ErrNotFound):
		s.logger.Debug("lockstore.try_write.conflict", "lock", s.name, "expected_etag", expected)
		return false, nil
	default:
		return false, err
	}
}

// Clear deletes the record if owner holds it. It returns false without error
// when the lock is already clear or held by someone else.
func (s *LockStore) Clear(ctx context.Context, owner identity.Identity) (bool, error) {
	for attempt := 1; attempt <= DefaultClearAttempts; attempt++ {
		snap, err := s.Read(ctx)
		if err != nil {
			return false, err
		}
		if snap.Empty() {
			return false, nil
		}
		if !snap.Record.OwnedBy(owner) {
			s.logger.Debug("lockstore.clear.not_owner",
				"lock", s.name,
				"owner", snap.Record.Owner().String(),
				"requested_by", owner.String(),
			)
			return false, nil
		}
		err = s.backend.DeleteRecord(ctx, s.name, snap.ETag)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrNotFound):
			return false, nil
		case errors.Is(err, ErrCASMismatch):
			s.logger.Debug("lockstore.clear.conflict", "lock", s.name, "attempt", attempt)
			continue
		default:
			return false, err
		}
	}
	return false, nil
}
