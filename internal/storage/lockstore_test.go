package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
	"pkt.systems/wlock/internal/storage/memory"
)

var (
	procA = identity.Identity{Hostname: "host1", Username: "userA", ProcessID: 100}
	procB = identity.Identity{Hostname: "host2", Username: "userB", ProcessID: 200}
	t0    = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
)

func newLockStore(t *testing.T, backend storage.Backend) *storage.LockStore {
	t.Helper()
	store, err := storage.NewLockStore(backend, "wlock", pslog.NoopLogger())
	if err != nil {
		t.Fatalf("new lock store: %v", err)
	}
	return store
}

func TestLockStoreReadEmpty(t *testing.T) {
	t.Parallel()

	store := newLockStore(t, memory.New())
	snap, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !snap.Empty() {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestLockStoreTryWriteFromEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newLockStore(t, memory.New())
	ok, err := store.TryWrite(ctx, storage.Snapshot{}, storage.NewRecord(procA, t0))
	if err != nil || !ok {
		t.Fatalf("expected write to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = store.TryWrite(ctx, storage.Snapshot{}, storage.NewRecord(procB, t0))
	if err != nil {
		t.Fatalf("unexpected error on race loss: %v", err)
	}
	if ok {
		t.Fatal("second create-only write must fail")
	}
	snap, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !snap.Record.OwnedBy(procA) {
		t.Fatalf("expected procA to own the lock, got %+v", snap.Record)
	}
}

func TestLockStoreTryWriteStalePrior(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newLockStore(t, memory.New())
	if ok, err := store.TryWrite(ctx, storage.Snapshot{}, storage.NewRecord(procA, t0)); !ok || err != nil {
		t.Fatalf("seed: ok=%v err=%v", ok, err)
	}
	prior, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ok, err := store.TryWrite(ctx, prior, prior.Record.Heartbeat(t0.Add(time.Second))); !ok || err != nil {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	ok, err := store.TryWrite(ctx, prior, storage.NewRecord(procB, t0.Add(time.Hour)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("write against an outdated snapshot must fail")
	}
}

func TestLockStoreTryWriteRace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newLockStore(t, memory.New())
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []identity.Identity
	)
	for _, id := range []identity.Identity{procA, procB} {
		wg.Add(1)
		go func(id identity.Identity) {
			defer wg.Done()
			ok, err := store.TryWrite(ctx, storage.Snapshot{}, storage.NewRecord(id, t0))
			if err != nil {
				t.Errorf("try write: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins = append(wins, id)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	if len(wins) != 1 {
		t.Fatalf("expected exactly one winner, got %v", wins)
	}
}

func TestLockStoreClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newLockStore(t, memory.New())
	if ok, err := store.Clear(ctx, procA); ok || err != nil {
		t.Fatalf("clear on empty store: ok=%v err=%v", ok, err)
	}
	if ok, err := store.TryWrite(ctx, storage.Snapshot{}, storage.NewRecord(procA, t0)); !ok || err != nil {
		t.Fatalf("seed: ok=%v err=%v", ok, err)
	}
	if ok, err := store.Clear(ctx, procB); ok || err != nil {
		t.Fatalf("non-owner clear must be a no-op: ok=%v err=%v", ok, err)
	}
	sameHostOtherPID := procA
	sameHostOtherPID.ProcessID = 101
	if ok, _ := store.Clear(ctx, sameHostOtherPID); ok {
		t.Fatal("a different pid on the same host must not clear the lock")
	}
	if ok, err := store.Clear(ctx, procA); !ok || err != nil {
		t.Fatalf("owner clear: ok=%v err=%v", ok, err)
	}
	snap, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !snap.Empty() {
		t.Fatalf("expected empty store after clear, got %+v", snap.Record)
	}
}

type failingBackend struct {
	storage.Backend
	err error
}

func (f failingBackend) LoadRecord(context.Context, string) (storage.LoadResult, error) {
	return storage.LoadResult{}, f.err
}

func (f failingBackend) StoreRecord(context.Context, string, *storage.Record, string) (string, error) {
	return "", f.err
}

func TestLockStoreSurfacesBackendErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk on fire")
	store := newLockStore(t, failingBackend{Backend: memory.New(), err: boom})
	ctx := context.Background()
	if _, err := store.Read(ctx); !errors.Is(err, boom) {
		t.Fatalf("read: expected backend error, got %v", err)
	}
	if ok, err := store.TryWrite(ctx, storage.Snapshot{}, storage.NewRecord(procA, t0)); ok || !errors.Is(err, boom) {
		t.Fatalf("try write: expected backend error, got ok=%v err=%v", ok, err)
	}
	if _, err := store.Clear(ctx, procA); !errors.Is(err, boom) {
		t.Fatalf("clear: expected backend error, got %v", err)
	}
}

func TestNewLockStoreValidatesName(t *testing.T) {
	t.Parallel()

	if _, err := storage.NewLockStore(memory.New(), "../escape", nil); err == nil {
		t.Fatal("expected invalid name error")
	}
	if _, err := storage.NewLockStore(nil, "wlock", nil); err == nil {
		t.Fatal("expected nil backend error")
	}
}
