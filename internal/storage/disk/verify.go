package disk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
)

// Check represents a verification step outcome. Warning is set for
// conditions that do not fail verification but weaken guarantees.
type Check struct {
	Name    string
	Err     error
	Warning string
}

// Verify exercises the disk backend for concurrency safety. It opens two
// independent Store instances on the same root, races conditional writes
// between them and expects exactly one winner per round.
func Verify(ctx context.Context, cfg Config) []Check {
	result := []Check{}
	store1, err := New(cfg)
	if err != nil {
		return append(result, Check{Name: "InitPrimary", Err: err})
	}
	defer store1.Close()
	store2, err := New(cfg)
	if err != nil {
		return append(result, Check{Name: "InitReplica", Err: err})
	}
	defer store2.Close()

	if store1.NFS() {
		result = append(result, Check{Name: "Filesystem", Warning: "root is on NFS; mutual exclusion depends on server-side lock support"})
	}

	name := "wlock-verify-" + uuid.NewString()
	var baseETag string

	race := func(a, b storage.Record, expected string) error {
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, pair := range []struct {
			store *Store
			rec   storage.Record
		}{{store1, a}, {store2, b}} {
			wg.Add(1)
			go func(s *Store, rec storage.Record) {
				defer wg.Done()
				_, err := s.StoreRecord(ctx, name, &rec, expected)
				errs <- err
			}(pair.store, pair.rec)
		}
		wg.Wait()
		close(errs)
		success := 0
		for err := range errs {
			if err == nil {
				success++
			} else if !errors.Is(err, storage.ErrCASMismatch) {
				return err
			}
		}
		if success != 1 {
			return fmt.Errorf("expected 1 successful write, got %d", success)
		}
		return nil
	}

	now := time.Now()
	checks := []struct {
		name string
		fn   func() error
	}{
		{
			name: "ConcurrentCreate",
			fn: func() error {
				a := storage.NewRecord(identity.Identity{Hostname: "verify-a", Username: "verify", ProcessID: 1}, now)
				b := storage.NewRecord(identity.Identity{Hostname: "verify-b", Username: "verify", ProcessID: 2}, now)
				return race(a, b, "")
			},
		},
		{
			name: "LoadWinner",
			fn: func() error {
				res, err := store2.LoadRecord(ctx, name)
				if err != nil {
					return err
				}
				baseETag = res.ETag
				return nil
			},
		},
		{
			name: "ConcurrentRecordCAS",
			fn: func() error {
				a := storage.NewRecord(identity.Identity{Hostname: "verify-a", Username: "verify", ProcessID: 1}, now.Add(time.Second))
				b := storage.NewRecord(identity.Identity{Hostname: "verify-b", Username: "verify", ProcessID: 2}, now.Add(2*time.Second))
				return race(a, b, baseETag)
			},
		},
		{
			name: "Cleanup",
			fn: func() error {
				res, err := store1.LoadRecord(ctx, name)
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := store1.DeleteRecord(ctx, name, res.ETag); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				return nil
			},
		},
	}

	for _, check := range checks {
		err := check.fn()
		result = append(result, Check{Name: check.name, Err: err})
	}
	return result
}
