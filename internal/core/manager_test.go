package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
	"pkt.systems/wlock/internal/storage/memory"
)

var (
	procA = identity.Identity{Hostname: "host1", Username: "userA", ProcessID: 100}
	procB = identity.Identity{Hostname: "host2", Username: "userB", ProcessID: 200}
	t0    = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
)

func newTestManager(t *testing.T, backend storage.Backend, clk clock.Clock, self identity.Identity) *Manager {
	t.Helper()
	store, err := storage.NewLockStore(backend, "wlock", pslog.NoopLogger())
	if err != nil {
		t.Fatalf("lock store: %v", err)
	}
	m, err := NewManager(ManagerConfig{
		Store:  store,
		Self:   self,
		Clock:  clk,
		Logger: pslog.NoopLogger(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func readRecord(t *testing.T, backend storage.Backend) *storage.Record {
	t.Helper()
	res, err := backend.LoadRecord(context.Background(), "wlock")
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	return res.Record
}

func TestTwoProcessScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(t0)
	a := newTestManager(t, backend, clk, procA)
	b := newTestManager(t, backend, clk, procB)

	// 1. A acquires an empty store.
	res, err := a.Acquire(ctx)
	if err != nil || res.Outcome != OutcomeAcquired {
		t.Fatalf("A acquire: %+v err=%v", res, err)
	}
	if res.TookOver || res.AlreadyOwned {
		t.Fatalf("unexpected flags on first acquire: %+v", res)
	}
	if a.Gate().Mode() != ModeWritable {
		t.Fatalf("A gate %s, want writable", a.Gate().Mode())
	}
	rec := readRecord(t, backend)
	if rec == nil || !rec.OwnedBy(procA) || !rec.LockedAt.Equal(t0) || !rec.LastHeartbeat.Equal(t0) {
		t.Fatalf("unexpected stored record %+v", rec)
	}

	// 2. B is busy while A is fresh.
	res, err = b.Acquire(ctx)
	if err != nil || res.Outcome != OutcomeBusy {
		t.Fatalf("B acquire: %+v err=%v", res, err)
	}
	if res.Owner == nil || res.Owner.Hostname != "host1" || res.Owner.Username != "userA" {
		t.Fatalf("busy owner %v, want host1/userA", res.Owner)
	}
	gs := b.Gate().Snapshot()
	if gs.Mode != ModeReadOnly || gs.Owner == nil || !gs.Owner.Equal(procA) {
		t.Fatalf("B gate %+v", gs)
	}

	// 3. After 130s of silence B takes over.
	clk.Advance(130 * time.Second)
	res, err = b.Acquire(ctx)
	if err != nil || res.Outcome != OutcomeAcquired || !res.TookOver {
		t.Fatalf("B takeover: %+v err=%v", res, err)
	}
	if b.Gate().Mode() != ModeWritable {
		t.Fatal("B gate must be writable after takeover")
	}
	rec = readRecord(t, backend)
	if !rec.OwnedBy(procB) || !rec.LockedAt.Equal(t0.Add(130*time.Second)) {
		t.Fatalf("unexpected record after takeover %+v", rec)
	}

	// 4. A's refresh reports Lost with B as the new owner.
	ref, err := a.Refresh(ctx)
	if err != nil || ref.Outcome != OutcomeLost {
		t.Fatalf("A refresh: %+v err=%v", ref, err)
	}
	if ref.Owner == nil || !ref.Owner.Equal(procB) {
		t.Fatalf("lost owner %v, want B", ref.Owner)
	}
	gs = a.Gate().Snapshot()
	if gs.Mode != ModeReadOnly || gs.Owner == nil || !gs.Owner.Equal(procB) {
		t.Fatalf("A gate after loss %+v", gs)
	}
	if a.State() != StateLost {
		t.Fatalf("A state %s, want lost", a.State())
	}
	if !readRecord(t, backend).OwnedBy(procB) {
		t.Fatal("A's refresh must not modify B's record")
	}

	// 5. B releases; the store is empty and anyone may acquire.
	released, err := b.Release(ctx)
	if err != nil || !released {
		t.Fatalf("B release: %v err=%v", released, err)
	}
	if readRecord(t, backend) != nil {
		t.Fatal("store must be empty after release")
	}
	if b.Gate().Mode() != ModeReadOnly || b.State() != StateUnlocked {
		t.Fatalf("B after release: gate %s state %s", b.Gate().Mode(), b.State())
	}
	res, err = a.Acquire(ctx)
	if err != nil || res.Outcome != OutcomeAcquired || res.TookOver {
		t.Fatalf("A re-acquire: %+v err=%v", res, err)
	}
}

func TestTakeoverNeverBeforeTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(t0)
	a := newTestManager(t, backend, clk, procA)
	b := newTestManager(t, backend, clk, procB)
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clk.Advance(DefaultStaleAfter)
	res, err := b.Acquire(ctx)
	if err != nil || res.Outcome != OutcomeBusy {
		t.Fatalf("at exactly the timeout B must be busy: %+v err=%v", res, err)
	}
	clk.Advance(time.Microsecond)
	res, err = b.Acquire(ctx)
	if err != nil || res.Outcome != OutcomeAcquired {
		t.Fatalf("past the timeout B must acquire: %+v err=%v", res, err)
	}
}

func TestHeartbeatKeepsOwnerLive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(t0)
	a := newTestManager(t, backend, clk, procA)
	b := newTestManager(t, backend, clk, procB)
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 10; i++ {
		clk.Advance(DefaultHeartbeatInterval)
		ref, err := a.Refresh(ctx)
		if err != nil || ref.Outcome != OutcomeRenewed {
			t.Fatalf("refresh %d: %+v err=%v", i, ref, err)
		}
		if !ref.Record.LastHeartbeat.Equal(clk.Now()) || !ref.Record.LockedAt.Equal(t0) {
			t.Fatalf("refresh %d wrote %+v", i, ref.Record)
		}
		res, err := b.Acquire(ctx)
		if err != nil || res.Outcome != OutcomeBusy {
			t.Fatalf("B must stay busy while A renews: %+v err=%v", res, err)
		}
	}
}

func TestAcquireIsIdempotentForOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(t0)
	a := newTestManager(t, backend, clk, procA)
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before, _ := backend.LoadRecord(ctx, "wlock")
	clk.Advance(10 * time.Second)
	res, err := a.Acquire(ctx)
	if err != nil || res.Outcome != OutcomeAcquired || !res.AlreadyOwned {
		t.Fatalf("second acquire: %+v err=%v", res, err)
	}
	after, _ := backend.LoadRecord(ctx, "wlock")
	if before.ETag != after.ETag {
		t.Fatal("idempotent acquire must not write")
	}
	if a.State() != StateOwned {
		t.Fatalf("state %s, want owned", a.State())
	}
}

func TestReleaseByNonOwnerIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(t0)
	a := newTestManager(t, backend, clk, procA)
	b := newTestManager(t, backend, clk, procB)
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	released, err := b.Release(ctx)
	if err != nil || released {
		t.Fatalf("non-owner release: %v err=%v", released, err)
	}
	if rec := readRecord(t, backend); rec == nil || !rec.OwnedBy(procA) {
		t.Fatalf("record changed by non-owner release: %+v", rec)
	}
	released, err = newTestManager(t, memory.New(), clk, procA).Release(ctx)
	if err != nil || released {
		t.Fatalf("release on empty store: %v err=%v", released, err)
	}
}

func TestSameHostUserDifferentPIDIsAnotherOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(t0)
	a := newTestManager(t, backend, clk, procA)
	restarted := procA
	restarted.ProcessID = 101
	a2 := newTestManager(t, backend, clk, restarted)
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res, err := a2.Acquire(ctx)
	if err != nil || res.Outcome != OutcomeBusy {
		t.Fatalf("restarted process must see busy: %+v err=%v", res, err)
	}
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(t0)
	const contenders = 16
	managers := make([]*Manager, contenders)
	for i := range managers {
		managers[i] = newTestManager(t, backend, clk, identity.Identity{Hostname: "host", Username: "user", ProcessID: 1000 + i})
	}
	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		busy     atomic.Int32
	)
	start := make(chan struct{})
	for _, m := range managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			<-start
			res, err := m.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			switch res.Outcome {
			case OutcomeAcquired:
				acquired.Add(1)
			case OutcomeBusy:
				busy.Add(1)
			}
		}(m)
	}
	close(start)
	wg.Wait()
	if acquired.Load() != 1 || busy.Load() != contenders-1 {
		t.Fatalf("expected 1 winner, got acquired=%d busy=%d", acquired.Load(), busy.Load())
	}
	writable := 0
	for _, m := range managers {
		if m.Gate().Writable() {
			writable++
		}
	}
	if writable != 1 {
		t.Fatalf("expected exactly one writable gate, got %d", writable)
	}
}

// casOnceBackend lets a competitor write right before the first conditional
// write of the wrapped process.
type casOnceBackend struct {
	storage.Backend
	competitor storage.Record
	fired      atomic.Bool
}

func (b *casOnceBackend) StoreRecord(ctx context.Context, name string, rec *storage.Record, expected string) (string, error) {
	if b.fired.CompareAndSwap(false, true) {
		injectRecord(ctx, b.Backend, name, b.competitor)
	}
	return b.Backend.StoreRecord(ctx, name, rec, expected)
}

// casAlwaysBackend injects a competitor before every conditional write.
type casAlwaysBackend struct {
	storage.Backend
	competitor func() storage.Record
}

func (b *casAlwaysBackend) StoreRecord(ctx context.Context, name string, rec *storage.Record, expected string) (string, error) {
	injectRecord(ctx, b.Backend, name, b.competitor())
	return b.Backend.StoreRecord(ctx, name, rec, expected)
}

func injectRecord(ctx context.Context, backend storage.Backend, name string, rec storage.Record) {
	etag := ""
	if res, err := backend.LoadRecord(ctx, name); err == nil {
		etag = res.ETag
	}
	_, _ = backend.StoreRecord(ctx, name, &rec, etag)
}

func TestAcquireRaceLostToLiveWinnerIsBusy(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0)
	backend := &casOnceBackend{Backend: memory.New(), competitor: storage.NewRecord(procB, t0)}
	a := newTestManager(t, backend, clk, procA)
	res, err := a.Acquire(context.Background())
	if err != nil || res.Outcome != OutcomeBusy {
		t.Fatalf("expected busy after losing the race: %+v err=%v", res, err)
	}
	if res.Owner == nil || !res.Owner.Equal(procB) {
		t.Fatalf("busy owner %v, want B", res.Owner)
	}
	if a.State() != StateReadOnly {
		t.Fatalf("state %s, want readonly", a.State())
	}
}

func TestAcquireRaceLostToStaleWriterRetries(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0)
	backend := &casOnceBackend{Backend: memory.New(), competitor: storage.NewRecord(procB, t0.Add(-time.Hour))}
	a := newTestManager(t, backend, clk, procA)
	res, err := a.Acquire(context.Background())
	if err != nil || res.Outcome != OutcomeAcquired || !res.TookOver {
		t.Fatalf("expected takeover on retry: %+v err=%v", res, err)
	}
}

func TestAcquireContentionExhausted(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0)
	var n atomic.Int32
	backend := &casAlwaysBackend{Backend: memory.New(), competitor: func() storage.Record {
		id := procB
		id.ProcessID = 200 + int(n.Add(1))
		return storage.NewRecord(id, t0.Add(-time.Hour))
	}}
	a := newTestManager(t, backend, clk, procA)
	res, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("contention is not a storage error: %v", err)
	}
	if res.Outcome != OutcomeBusy || res.Owner != nil {
		t.Fatalf("expected busy without owner: %+v", res)
	}
	if got := n.Load(); got != DefaultCASRetries {
		t.Fatalf("expected %d write attempts, got %d", DefaultCASRetries, got)
	}
}

func TestRefreshContentionReportsLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewManual(t0)
	inner := memory.New()
	a := newTestManager(t, inner, clk, procA)
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var bump atomic.Int64
	contended := &casAlwaysBackend{Backend: inner, competitor: func() storage.Record {
		return storage.NewRecord(procA, t0).Heartbeat(t0.Add(time.Duration(bump.Add(1)) * time.Second))
	}}
	a.store = mustLockStore(t, contended)
	res, err := a.Refresh(ctx)
	if err != nil {
		t.Fatalf("contention is not a storage error: %v", err)
	}
	if res.Outcome != OutcomeLost || res.Owner != nil {
		t.Fatalf("expected lost without a known owner: %+v", res)
	}
	gs := a.Gate().Snapshot()
	if gs.Mode != ModeReadOnly || gs.Owner != nil {
		t.Fatalf("gate %+v, want read-only", gs)
	}
	if !a.renewedAt().IsZero() {
		t.Fatal("a lost lock must not keep a renewal time")
	}
}

func mustLockStore(t *testing.T, backend storage.Backend) *storage.LockStore {
	t.Helper()
	store, err := storage.NewLockStore(backend, "wlock", pslog.NoopLogger())
	if err != nil {
		t.Fatalf("lock store: %v", err)
	}
	return store
}

// flakyBackend fails every call while down is set.
type flakyBackend struct {
	storage.Backend
	down atomic.Bool
}

var errStoreDown = errors.New("store unreachable")

func (b *flakyBackend) LoadRecord(ctx context.Context, name string) (storage.LoadResult, error) {
	if b.down.Load() {
		return storage.LoadResult{}, errStoreDown
	}
	return b.Backend.LoadRecord(ctx, name)
}

func (b *flakyBackend) StoreRecord(ctx context.Context, name string, rec *storage.Record, expected string) (string, error) {
	if b.down.Load() {
		return "", errStoreDown
	}
	return b.Backend.StoreRecord(ctx, name, rec, expected)
}

func (b *flakyBackend) DeleteRecord(ctx context.Context, name, expected string) error {
	if b.down.Load() {
		return errStoreDown
	}
	return b.Backend.DeleteRecord(ctx, name, expected)
}

func TestStorageErrorsSetGateUnknown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewManual(t0)
	backend := &flakyBackend{Backend: memory.New()}
	a := newTestManager(t, backend, clk, procA)

	backend.down.Store(true)
	_, err := a.Acquire(ctx)
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "acquire" || !errors.Is(err, errStoreDown) {
		t.Fatalf("expected acquire storage error, got %v", err)
	}
	if a.Gate().Mode() != ModeUnknown || a.State() != StateUnlocked {
		t.Fatalf("after failed acquire: gate %s state %s", a.Gate().Mode(), a.State())
	}

	backend.down.Store(false)
	if res, err := a.Acquire(ctx); err != nil || !res.Acquired() {
		t.Fatalf("acquire after recovery: %+v err=%v", res, err)
	}

	backend.down.Store(true)
	if _, err := a.Refresh(ctx); !IsStorageError(err) {
		t.Fatalf("expected refresh storage error, got %v", err)
	}
	if a.Gate().Mode() != ModeUnknown {
		t.Fatalf("gate %s after refresh failure, want unknown", a.Gate().Mode())
	}
	if a.State() != StateOwned {
		t.Fatalf("refresh failure must not drop ownership, state %s", a.State())
	}
	if _, err := a.Release(ctx); !IsStorageError(err) {
		t.Fatalf("expected release storage error, got %v", err)
	}

	backend.down.Store(false)
	ref, err := a.Refresh(ctx)
	if err != nil || ref.Outcome != OutcomeRenewed {
		t.Fatalf("refresh after recovery: %+v err=%v", ref, err)
	}
	if a.Gate().Mode() != ModeWritable {
		t.Fatalf("gate %s after recovery, want writable", a.Gate().Mode())
	}
}

func TestRefreshAfterRecordVanishedIsLostWithoutOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(t0)
	a := newTestManager(t, backend, clk, procA)
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res, _ := backend.LoadRecord(ctx, "wlock")
	if err := backend.DeleteRecord(ctx, "wlock", res.ETag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ref, err := a.Refresh(ctx)
	if err != nil || ref.Outcome != OutcomeLost || ref.Owner != nil {
		t.Fatalf("refresh: %+v err=%v", ref, err)
	}
	gs := a.Gate().Snapshot()
	if gs.Mode != ModeReadOnly || gs.Owner != nil {
		t.Fatalf("gate %+v", gs)
	}
}

func TestInspect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &flakyBackend{Backend: memory.New()}
	clk := clock.NewManual(t0)
	a := newTestManager(t, backend, clk, procA)
	b := newTestManager(t, backend, clk, procB)

	st, err := b.Inspect(ctx)
	if err != nil || st.State != LockStateUnlocked || st.Mode != ModeReadOnly || st.Owner() != nil {
		t.Fatalf("empty status %+v err=%v", st, err)
	}

	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(45 * time.Second)
	st, err = b.Inspect(ctx)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if st.State != LockStateLocked || st.Mode != ModeReadOnly || st.OwnedBySelf {
		t.Fatalf("status for B %+v", st)
	}
	if st.HeartbeatAge != 45*time.Second || st.HeldFor != 45*time.Second || st.StaleIn() != 75*time.Second {
		t.Fatalf("ages: heartbeat %s held %s stale in %s", st.HeartbeatAge, st.HeldFor, st.StaleIn())
	}
	if st.OwnerAlive != identity.LivenessUnknown {
		t.Fatalf("remote owner liveness %s, want unknown", st.OwnerAlive)
	}
	if b.Gate().Mode() != ModeUnknown {
		t.Fatal("inspect must not touch the gate")
	}

	st, err = a.Inspect(ctx)
	if err != nil || st.Mode != ModeWritable || !st.OwnedBySelf || st.OwnerAlive != identity.LivenessAlive {
		t.Fatalf("status for A %+v err=%v", st, err)
	}

	clk.Advance(2 * time.Minute)
	st, err = b.Inspect(ctx)
	if err != nil || st.State != LockStateStale || st.Mode != ModeReadOnly {
		t.Fatalf("stale status %+v err=%v", st, err)
	}

	backend.down.Store(true)
	st, err = b.Inspect(ctx)
	if !IsStorageError(err) || st.Mode != ModeUnknown {
		t.Fatalf("status on failure %+v err=%v", st, err)
	}
}

func TestManagerWithMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mustLockStore(t, memory.New())
	m, err := NewManager(ManagerConfig{
		Store:   store,
		Self:    procA,
		Clock:   clock.NewManual(t0),
		Logger:  pslog.NoopLogger(),
		Metrics: NewMetrics(pslog.NoopLogger()),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if ok, err := m.Release(ctx); err != nil || !ok {
		t.Fatalf("release: %v %v", ok, err)
	}
}

func TestNewManagerValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(ManagerConfig{Self: procA}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := NewManager(ManagerConfig{Store: mustLockStore(t, memory.New())}); err == nil {
		t.Fatal("expected error for zero identity")
	}
}
