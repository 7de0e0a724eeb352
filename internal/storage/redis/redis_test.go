package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
	"pkt.systems/wlock/internal/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := New(context.Background(), Config{URL: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisBackendContract(t *testing.T) {
	store, _ := newTestStore(t)
	storagetest.Run(t, store, "contract", storagetest.Options{Concurrency: 8})
}

func TestRecordStoredAsJSON(t *testing.T) {
	store, mr := newTestStore(t)
	at := time.Date(2026, 3, 4, 4, 6, 7, 123456000, time.UTC)
	rec := storage.NewRecord(identity.Identity{Hostname: "host1", Username: "userA", ProcessID: 100}, at)
	if _, err := store.StoreRecord(context.Background(), "wlock", &rec, ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := mr.Get(DefaultPrefix + "wlock")
	if err != nil {
		t.Fatalf("miniredis get: %v", err)
	}
	want := `{"hostname":"host1","username":"userA","process_id":100,"locked_at":"2026-03-04T04:06:07.123456Z","last_heartbeat":"2026-03-04T04:06:07.123456Z"}`
	if got != want {
		t.Fatalf("stored value\n got %s\nwant %s", got, want)
	}
}

func TestExternalChangeBreaksCAS(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	rec := storage.NewRecord(identity.Identity{Hostname: "h", Username: "u", ProcessID: 1}, time.Now())
	etag, err := store.StoreRecord(ctx, "wlock", &rec, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	other := storage.NewRecord(identity.Identity{Hostname: "h2", Username: "u", ProcessID: 2}, time.Now())
	payload, _ := storage.MarshalRecord(&other)
	if err := mr.Set(DefaultPrefix+"wlock", string(payload)); err != nil {
		t.Fatalf("external set: %v", err)
	}
	next := rec.Heartbeat(time.Now().Add(time.Second))
	if _, err := store.StoreRecord(ctx, "wlock", &next, etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
}

func TestWatchRecordReceivesAnnouncements(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, stop, err := store.WatchRecord(ctx, "wlock")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	rec := storage.NewRecord(identity.Identity{Hostname: "h", Username: "u", ProcessID: 1}, time.Now())
	etag, err := store.StoreRecord(ctx, "wlock", &rec, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	waitSignal(t, events)
	if err := store.DeleteRecord(ctx, "wlock", etag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitSignal(t, events)
}

func waitSignal(t *testing.T, events <-chan struct{}) {
	t.Helper()
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("expected change announcement")
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected url error")
	}
	if _, err := New(context.Background(), Config{URL: "http://nope"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTransientClassification(t *testing.T) {
	if !isTransient(errors.New("LOADING Redis is loading the dataset in memory")) {
		t.Fatal("LOADING should be transient")
	}
	if isTransient(errors.New("WRONGTYPE Operation against a key")) {
		t.Fatal("WRONGTYPE should not be transient")
	}
	if !isTransient(context.DeadlineExceeded) {
		t.Fatal("deadline should be transient")
	}
}
