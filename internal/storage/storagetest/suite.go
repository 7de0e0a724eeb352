// Package storagetest holds the behaviour every storage.Backend must share.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
)

// Options tunes the suite for backends whose test doubles cannot enforce
// every precondition.
type Options struct {
	// SkipCreateConflict skips asserting that a second create-only write
	// fails. Some fakes ignore If-None-Match.
	SkipCreateConflict bool
	// SkipStaleWrite skips asserting that a write with an outdated version
	// token fails. Some fakes ignore If-Match.
	SkipStaleWrite bool
	// Concurrency is the number of parallel create-only writers used to
	// check race resolution (0 disables).
	Concurrency int
}

var (
	ownerA = identity.Identity{Hostname: "host1", Username: "userA", ProcessID: 100}
	ownerB = identity.Identity{Hostname: "host2", Username: "userB", ProcessID: 200}
	epoch  = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
)

// Run exercises backend. name must be unused in the backend.
func Run(t *testing.T, backend storage.Backend, name string, opts Options) {
	t.Helper()
	ctx := context.Background()

	if _, err := backend.LoadRecord(ctx, name); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load on empty store: expected ErrNotFound, got %v", err)
	}
	if err := backend.DeleteRecord(ctx, name, "missing"); !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("conditional delete on empty store: expected ErrNotFound, got %v", err)
	}

	first := storage.NewRecord(ownerA, epoch)
	etag1, err := backend.StoreRecord(ctx, name, &first, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if etag1 == "" {
		t.Fatal("create returned empty etag")
	}

	if !opts.SkipCreateConflict {
		other := storage.NewRecord(ownerB, epoch)
		if _, err := backend.StoreRecord(ctx, name, &other, ""); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("second create: expected ErrCASMismatch, got %v", err)
		}
	}

	loaded, err := backend.LoadRecord(ctx, name)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Record == nil || !loaded.Record.Equal(first) {
		t.Fatalf("unexpected record %+v", loaded.Record)
	}
	if loaded.ETag != etag1 {
		t.Fatalf("load etag %q does not match create etag %q", loaded.ETag, etag1)
	}

	renewed := first.Heartbeat(epoch.Add(30 * time.Second))
	etag2, err := backend.StoreRecord(ctx, name, &renewed, etag1)
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if etag2 == "" || etag2 == etag1 {
		t.Fatalf("expected a new etag after update, got %q (was %q)", etag2, etag1)
	}

	if !opts.SkipStaleWrite {
		stale := first.Heartbeat(epoch.Add(60 * time.Second))
		if _, err := backend.StoreRecord(ctx, name, &stale, etag1); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("stale update: expected ErrCASMismatch, got %v", err)
		}
	}

	if err := backend.DeleteRecord(ctx, name, etag1); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale delete: expected ErrCASMismatch, got %v", err)
	}
	loaded, err = backend.LoadRecord(ctx, name)
	if err != nil {
		t.Fatalf("load after stale delete: %v", err)
	}
	if !loaded.Record.Equal(renewed) {
		t.Fatalf("record changed by rejected writes: %+v", loaded.Record)
	}
	if err := backend.DeleteRecord(ctx, name, loaded.ETag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := backend.LoadRecord(ctx, name); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load after delete: expected ErrNotFound, got %v", err)
	}

	again := storage.NewRecord(ownerB, epoch.Add(time.Minute))
	etag3, err := backend.StoreRecord(ctx, name, &again, "")
	if err != nil {
		t.Fatalf("create after delete: %v", err)
	}
	if err := backend.DeleteRecord(ctx, name, etag3); err != nil {
		t.Fatalf("cleanup delete: %v", err)
	}

	if opts.Concurrency > 1 {
		runCreateRace(t, backend, name+"-race", opts.Concurrency)
	}
}

func runCreateRace(t *testing.T, backend storage.Backend, name string, writers int) {
	t.Helper()
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		errs    []error
		startCh = make(chan struct{})
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			<-startCh
			rec := storage.NewRecord(identity.Identity{Hostname: "racer", Username: "u", ProcessID: pid}, epoch)
			_, err := backend.StoreRecord(ctx, name, &rec, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrCASMismatch):
			default:
				errs = append(errs, err)
			}
		}(i + 1)
	}
	close(startCh)
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("race produced errors: %v", errs)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one create to win, got %d", wins)
	}
}
