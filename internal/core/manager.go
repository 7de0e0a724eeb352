package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
	"pkt.systems/wlock/internal/svcfields"
)

// DefaultCASRetries bounds how many conditional writes a single Acquire or
// Refresh attempts before reporting the contention.
const DefaultCASRetries = 3

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store      *storage.LockStore
	Self       identity.Identity
	Clock      clock.Clock
	StaleAfter time.Duration
	CASRetries int
	// Gate receives every outcome. A new gate is created when nil.
	Gate    *Gate
	Logger  pslog.Logger
	Metrics *Metrics
}

// Manager acquires, renews and releases one lock on behalf of one identity.
// All operations are serialised so a heartbeat never interleaves with a
// user-triggered call.
type Manager struct {
	mu         sync.Mutex
	store      *storage.LockStore
	self       identity.Identity
	clock      clock.Clock
	detector   Detector
	casRetries int
	gate       *Gate
	state      *ownership
	logger     pslog.Logger
	metrics    *Metrics

	// renewed holds the last heartbeat this process confirmed in the store
	// as unix nanoseconds, or 0 while it does not own the lock.
	renewed atomic.Int64
}

// NewManager validates cfg and returns a Manager in the unlocked state.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lock: store required")
	}
	if err := cfg.Self.Validate(); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = DefaultCASRetries
	}
	if cfg.Gate == nil {
		cfg.Gate = NewGate(cfg.Clock)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.LockManager).With("lock", cfg.Store.Name(), "self", cfg.Self.String())
	cfg.Metrics.trackGate(cfg.Store.Name(), cfg.Gate)
	return &Manager{
		store:      cfg.Store,
		self:       cfg.Self,
		clock:      cfg.Clock,
		detector:   NewDetector(cfg.StaleAfter),
		casRetries: cfg.CASRetries,
		gate:       cfg.Gate,
		state:      newOwnership(logger),
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Self returns the identity the manager acts for.
func (m *Manager) Self() identity.Identity { return m.self }

// Gate returns the access gate driven by this manager.
func (m *Manager) Gate() *Gate { return m.gate }

// Name returns the lock name.
func (m *Manager) Name() string { return m.store.Name() }

// Detector returns the staleness rule in effect.
func (m *Manager) Detector() Detector { return m.detector }

// State returns the current ownership state (StateOwned, StateReadOnly, ...).
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.current()
}

// renewedAt returns the heartbeat this process last confirmed in the store,
// or the zero time when it does not own the lock. It does not take m.mu, so
// it stays readable while a refresh is blocked on storage.
func (m *Manager) renewedAt() time.Time {
	ns := m.renewed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func (m *Manager) setRenewed(hb time.Time) {
	if hb.IsZero() {
		m.renewed.Store(0)
		return
	}
	m.renewed.Store(hb.UnixNano())
}

// Acquire makes one attempt to take the lock. Busy is an outcome, not an
// error; only storage failures return a *StorageError.
func (m *Manager) Acquire(ctx context.Context) (AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.clock.Now()
	res, err := m.acquireLocked(ctx)
	m.metrics.recordOp(ctx, "acquire", m.store.Name(), resultLabel(res.Outcome, err), m.clock.Now().Sub(start))
	return res, err
}

func (m *Manager) acquireLocked(ctx context.Context) (AcquireResult, error) {
	m.state.fire(eventAcquire)
	for attempt := 1; ; attempt++ {
		snap, err := m.store.Read(ctx)
		if err != nil {
			return AcquireResult{}, m.acquireFailed("read", err)
		}
		now := m.clock.Now()
		if !snap.Empty() && !m.detector.IsStale(*snap.Record, now) {
			if snap.Record.OwnedBy(m.self) {
				m.setRenewed(snap.Record.LastHeartbeat)
				m.state.fire(eventGrant)
				m.gate.setWritable(OutcomeAcquired.String())
				m.logger.Debug("lock.acquire.already_owned")
				return AcquireResult{Outcome: OutcomeAcquired, Record: snap.Record, AlreadyOwned: true}, nil
			}
			return m.busyLocked(snap.Record), nil
		}
		if attempt > m.casRetries {
			m.logger.Warn("lock.acquire.contention_exhausted", "attempts", m.casRetries)
			return m.busyLocked(nil), nil
		}
		next := storage.NewRecord(m.self, now)
		ok, err := m.store.TryWrite(ctx, snap, next)
		if err != nil {
			return AcquireResult{}, m.acquireFailed("write", err)
		}
		if !ok {
			m.logger.Debug("lock.acquire.race_lost", "attempt", attempt)
			continue
		}
		m.setRenewed(next.LastHeartbeat)
		m.state.fire(eventGrant)
		m.gate.setWritable(OutcomeAcquired.String())
		res := AcquireResult{Outcome: OutcomeAcquired, Record: &next, TookOver: !snap.Empty()}
		if res.TookOver {
			prev := snap.Record
			m.logger.Info("lock.acquire.took_over",
				"previous_owner", prev.Owner().String(),
				"previous_heartbeat", prev.LastHeartbeat,
				"silence", HeartbeatAge(*prev, now),
			)
		} else {
			m.logger.Info("lock.acquire.granted")
		}
		return res, nil
	}
}

func (m *Manager) busyLocked(rec *storage.Record) AcquireResult {
	owner := ownerOf(rec)
	m.setRenewed(time.Time{})
	m.state.fire(eventDeny)
	m.gate.setReadOnly(owner, OutcomeBusy.String())
	if owner != nil {
		m.logger.Info("lock.acquire.busy", "owner", owner.String(), "last_heartbeat", rec.LastHeartbeat)
	}
	return AcquireResult{Outcome: OutcomeBusy, Record: rec, Owner: owner}
}

func (m *Manager) acquireFailed(step string, err error) error {
	m.state.fire(eventAbort)
	m.gate.setUnknown("storage_error")
	m.logger.Warn("lock.acquire.storage_error", "step", step, "error", err)
	return storageErr("acquire", err)
}

// Refresh renews the heartbeat of a lock this process owns. It reports Lost
// when the record is gone or names another owner.
func (m *Manager) Refresh(ctx context.Context) (RefreshResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.clock.Now()
	res, err := m.refreshLocked(ctx)
	m.metrics.recordOp(ctx, "refresh", m.store.Name(), resultLabel(res.Outcome, err), m.clock.Now().Sub(start))
	return res, err
}

func (m *Manager) refreshLocked(ctx context.Context) (RefreshResult, error) {
	for attempt := 1; attempt <= m.casRetries; attempt++ {
		snap, err := m.store.Read(ctx)
		if err != nil {
			return RefreshResult{}, m.refreshFailed(err)
		}
		if snap.Empty() || !snap.Record.OwnedBy(m.self) {
			return m.lostLocked(snap.Record, ownerOf(snap.Record)), nil
		}
		next := snap.Record.Heartbeat(m.clock.Now())
		ok, err := m.store.TryWrite(ctx, snap, next)
		if err != nil {
			return RefreshResult{}, m.refreshFailed(err)
		}
		if ok {
			m.setRenewed(next.LastHeartbeat)
			m.state.fire(eventRenew)
			m.gate.setWritable(OutcomeRenewed.String())
			m.logger.Trace("lock.refresh.renewed", "last_heartbeat", next.LastHeartbeat)
			return RefreshResult{Outcome: OutcomeRenewed, Record: &next}, nil
		}
		m.logger.Debug("lock.refresh.race_lost", "attempt", attempt)
	}
	// Something else keeps rewriting the record, so this process can no
	// longer vouch for it. The writer is unknown.
	m.logger.Warn("lock.refresh.contention_exhausted", "attempts", m.casRetries)
	return m.lostLocked(nil, nil), nil
}

func (m *Manager) lostLocked(rec *storage.Record, owner *identity.Identity) RefreshResult {
	m.setRenewed(time.Time{})
	m.state.fire(eventLose)
	m.gate.setReadOnly(owner, OutcomeLost.String())
	m.logger.Warn("lock.refresh.lost", "owner", identityLabel(owner))
	return RefreshResult{Outcome: OutcomeLost, Record: rec, Owner: owner}
}

func (m *Manager) refreshFailed(err error) error {
	m.gate.setUnknown("storage_error")
	m.logger.Warn("lock.refresh.storage_error", "error", err)
	return storageErr("refresh", err)
}

// Release deletes the record if this process owns it. Releasing a lock held
// by someone else, or no lock at all, returns false without error.
func (m *Manager) Release(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.clock.Now()
	ok, err := m.store.Clear(ctx, m.self)
	result := "released"
	switch {
	case err != nil:
		result = "storage_error"
	case !ok:
		result = "not_owner"
	}
	m.metrics.recordOp(ctx, "release", m.store.Name(), result, m.clock.Now().Sub(start))
	if err != nil {
		m.gate.setUnknown("storage_error")
		m.logger.Warn("lock.release.storage_error", "error", err)
		return false, storageErr("release", err)
	}
	m.setRenewed(time.Time{})
	m.state.fire(eventRelease)
	m.gate.setReadOnly(nil, OutcomeReleased.String())
	if !ok {
		m.logger.Info("lock.release.not_owner")
		return false, nil
	}
	m.logger.Info("lock.release.done")
	return true, nil
}

// Inspect reads the lock without changing ownership or the gate.
func (m *Manager) Inspect(ctx context.Context) (Status, error) {
	now := m.clock.Now()
	status := Status{Name: m.store.Name(), Self: m.self, CheckedAt: now, StaleAfter: m.detector.Timeout}
	snap, err := m.store.Read(ctx)
	if err != nil {
		status.Mode = ModeUnknown
		return status, storageErr("inspect", err)
	}
	status.fill(ctx, snap.Record, m.detector, now)
	return status, nil
}
