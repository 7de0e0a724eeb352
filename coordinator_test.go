package wlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/storage"
	"pkt.systems/wlock/internal/storage/memory"
)

var (
	hostA = Identity{Hostname: "host1", Username: "userA", ProcessID: 100}
	hostB = Identity{Hostname: "host2", Username: "userB", ProcessID: 200}
	epoch = time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)
)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestCoordinator(t *testing.T, backend storage.Backend, clk clock.Clock, id Identity, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{Store: "mem://"}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg,
		WithBackend(backend),
		WithClock(clk),
		WithIdentity(id),
		WithLogger(pslog.NoopLogger()),
	)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func loadRecord(t *testing.T, backend storage.Backend) *storage.Record {
	t.Helper()
	res, err := backend.LoadRecord(context.Background(), DefaultLockName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return res.Record
}

func TestCoordinatorScenarioTwoProcesses(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(epoch)

	a := newTestCoordinator(t, backend, clk, hostA, nil)
	if a.Mode() != ModeUnknown {
		t.Fatalf("fresh coordinator mode %s", a.Mode())
	}
	res, err := a.Start(ctx)
	if err != nil || res.Outcome != OutcomeAcquired {
		t.Fatalf("A start: %+v err=%v", res, err)
	}
	if a.Mode() != ModeWritable || !a.Heartbeating() {
		t.Fatalf("A mode %s heartbeating=%t", a.Mode(), a.Heartbeating())
	}

	b := newTestCoordinator(t, backend, clk, hostB, nil)
	res, err = b.Start(ctx)
	if err != nil || res.Outcome != OutcomeBusy {
		t.Fatalf("B start: %+v err=%v", res, err)
	}
	gate := b.Gate()
	if gate.Mode != ModeReadOnly || gate.Owner == nil || !gate.Owner.Equal(hostA) {
		t.Fatalf("B gate %+v", gate)
	}
	if b.Heartbeating() {
		t.Fatal("B must not heartbeat a lock it does not hold")
	}

	clk.Advance(DefaultHeartbeatInterval)
	want := epoch.Add(DefaultHeartbeatInterval)
	waitUntil(t, "heartbeat", func() bool {
		rec := loadRecord(t, backend)
		return rec != nil && rec.LastHeartbeat.Equal(want)
	})

	if err := a.Close(ctx); err != nil {
		t.Fatalf("A close: %v", err)
	}
	if rec := loadRecord(t, backend); rec != nil {
		t.Fatalf("record survived close: %+v", rec)
	}
	res, err = b.Start(ctx)
	if err != nil || res.Outcome != OutcomeAcquired || res.TookOver {
		t.Fatalf("B second start: %+v err=%v", res, err)
	}
	if b.Mode() != ModeWritable {
		t.Fatalf("B mode %s", b.Mode())
	}
}

func TestCoordinatorTakesOverAfterStaleness(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(epoch)

	a := newTestCoordinator(t, backend, clk, hostA, nil)
	if res, err := a.Acquire(ctx); err != nil || !res.Acquired() {
		t.Fatalf("A acquire: %+v err=%v", res, err)
	}
	if a.Heartbeating() {
		t.Fatal("one-shot acquire must not start the heartbeat")
	}

	b := newTestCoordinator(t, backend, clk, hostB, nil)
	clk.Advance(DefaultStaleAfter)
	if res, _ := b.Acquire(ctx); res.Outcome != OutcomeBusy {
		t.Fatalf("takeover at exactly the timeout: %+v", res)
	}
	clk.Advance(10 * time.Second)
	res, err := b.Acquire(ctx)
	if err != nil || !res.Acquired() || !res.TookOver {
		t.Fatalf("takeover after 130s: %+v err=%v", res, err)
	}
	rec := loadRecord(t, backend)
	if rec == nil || !rec.OwnedBy(hostB) || !rec.LockedAt.Equal(epoch.Add(130*time.Second)) {
		t.Fatalf("record after takeover: %+v", rec)
	}
}

func TestCoordinatorLosesOwnership(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(epoch)

	a := newTestCoordinator(t, backend, clk, hostA, nil)
	if _, err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	var modes []Mode
	modeCh := make(chan Mode, 8)
	unsubscribe := a.Subscribe(func(s GateState) { modeCh <- s.Mode })
	defer unsubscribe()

	snap, err := backend.LoadRecord(ctx, DefaultLockName)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	intruder := storage.NewRecord(hostB, clk.Now())
	if _, err := backend.StoreRecord(ctx, DefaultLockName, &intruder, snap.ETag); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	clk.Advance(DefaultHeartbeatInterval)
	waitUntil(t, "heartbeat exit", func() bool { return !a.Heartbeating() })
	if a.Mode() != ModeReadOnly {
		t.Fatalf("mode after loss %s", a.Mode())
	}
	if owner := a.Gate().Owner; owner == nil || !owner.Equal(hostB) {
		t.Fatalf("owner after loss %+v", owner)
	}
	select {
	case m := <-modeCh:
		modes = append(modes, m)
	case <-time.After(5 * time.Second):
		t.Fatal("no gate notification")
	}
	if modes[0] != ModeReadOnly {
		t.Fatalf("notified modes %v", modes)
	}
	if rec := loadRecord(t, backend); rec == nil || !rec.OwnedBy(hostB) {
		t.Fatalf("B record must stay untouched: %+v", rec)
	}
}

func TestCoordinatorWaitContendsUntilRelease(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(epoch)

	a := newTestCoordinator(t, backend, clk, hostA, nil)
	if _, err := a.Start(ctx); err != nil {
		t.Fatalf("A start: %v", err)
	}
	b := newTestCoordinator(t, backend, clk, hostB, func(c *Config) { c.Wait = true })
	res, err := b.Start(ctx)
	if err != nil || res.Outcome != OutcomeBusy {
		t.Fatalf("B start: %+v err=%v", res, err)
	}
	if b.Mode() != ModeReadOnly {
		t.Fatalf("B mode %s", b.Mode())
	}

	if ok, err := a.Release(ctx); err != nil || !ok {
		t.Fatalf("A release: %t err=%v", ok, err)
	}
	waitUntil(t, "B writable", func() bool { return b.Mode() == ModeWritable })
	waitUntil(t, "B heartbeating", b.Heartbeating)
	if rec := loadRecord(t, backend); rec == nil || !rec.OwnedBy(hostB) {
		t.Fatalf("record after contention: %+v", rec)
	}
}

func TestCoordinatorAcquireAsync(t *testing.T) {
	backend := memory.New()
	clk := clock.NewManual(epoch)
	a := newTestCoordinator(t, backend, clk, hostA, nil)
	select {
	case out := <-a.AcquireAsync(context.Background()):
		if out.Err != nil || !out.Result.Acquired() {
			t.Fatalf("async: %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async acquire did not complete")
	}
	waitUntil(t, "heartbeating", a.Heartbeating)
}

func TestCoordinatorStatus(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(epoch)
	a := newTestCoordinator(t, backend, clk, hostA, nil)
	b := newTestCoordinator(t, backend, clk, hostB, nil)

	st, err := b.Status(ctx)
	if err != nil || st.State != LockStateUnlocked || st.Record != nil {
		t.Fatalf("empty status: %+v err=%v", st, err)
	}
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(45 * time.Second)
	st, err = b.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != LockStateLocked || st.OwnedBySelf || st.HeartbeatAge != 45*time.Second {
		t.Fatalf("held status: %+v", st)
	}
	if owner := st.Owner(); owner == nil || !owner.Equal(hostA) {
		t.Fatalf("owner %+v", owner)
	}
	if b.Mode() != ModeUnknown {
		t.Fatalf("status must not move the gate, got %s", b.Mode())
	}
	clk.Advance(2 * time.Minute)
	st, _ = b.Status(ctx)
	if st.State != LockStateStale {
		t.Fatalf("expected stale, got %s", st.State)
	}
}

func TestCoordinatorCloseWithoutHeartbeatKeepsLock(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(epoch)
	a := newTestCoordinator(t, backend, clk, hostA, nil)
	if _, err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if rec := loadRecord(t, backend); rec == nil || !rec.OwnedBy(hostA) {
		t.Fatalf("one-shot lock must survive close: %+v", rec)
	}
}

func TestNewRejectsInvalidInput(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected config error")
	}
	_, err := New(Config{Store: "mem://"}, WithBackend(memory.New()), WithIdentity(Identity{Hostname: "h"}))
	if err == nil {
		t.Fatal("expected identity validation error")
	}
}
