// Package memory provides an in-process storage.Backend for tests and for
// coordinating goroutines or embedded instances that share one process.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"pkt.systems/wlock/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// DisableWatch turns off in-process change notifications.
	DisableWatch bool
}

// Store implements storage.Backend in memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entry

	watchEnabled bool
	watchMu      sync.Mutex
	watchers     map[string]map[*subscription]struct{}
}

type entry struct {
	rec  storage.Record
	etag string
}

// New returns a ready to use in-memory store with change notifications.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		records:      make(map[string]*entry),
		watchEnabled: !cfg.DisableWatch,
		watchers:     make(map[string]map[*subscription]struct{}),
	}
}

// Close drops every watcher subscription.
func (s *Store) Close() error {
	s.watchMu.Lock()
	var subs []*subscription
	for _, set := range s.watchers {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.watchers = make(map[string]map[*subscription]struct{})
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// LoadRecord returns a copy of the record stored under name.
func (s *Store) LoadRecord(_ context.Context, name string) (storage.LoadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[name]
	if !ok {
		return storage.LoadResult{}, storage.ErrNotFound
	}
	rec := e.rec
	return storage.LoadResult{Record: &rec, ETag: e.etag}, nil
}

// StoreRecord writes rec under name, enforcing CAS on expectedETag.
func (s *Store) StoreRecord(_ context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("memory: nil record")
	}
	s.mu.Lock()
	e, exists := s.records[name]
	if expectedETag != "" {
		if !exists {
			s.mu.Unlock()
			return "", storage.ErrNotFound
		}
		if e.etag != expectedETag {
			s.mu.Unlock()
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		s.mu.Unlock()
		return "", storage.ErrCASMismatch
	}
	etag := uuid.Must(uuid.NewV7()).String()
	stored := *rec
	stored.LockedAt = storage.NormalizeTime(stored.LockedAt)
	stored.LastHeartbeat = storage.NormalizeTime(stored.LastHeartbeat)
	s.records[name] = &entry{rec: stored, etag: etag}
	s.mu.Unlock()
	s.notify(name)
	return etag, nil
}

// DeleteRecord removes the record, respecting expectedETag when present.
func (s *Store) DeleteRecord(_ context.Context, name string, expectedETag string) error {
	s.mu.Lock()
	e, ok := s.records[name]
	if !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	if expectedETag != "" && e.etag != expectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(s.records, name)
	s.mu.Unlock()
	s.notify(name)
	return nil
}

// WatchRecord implements storage.Watcher.
func (s *Store) WatchRecord(ctx context.Context, name string) (<-chan struct{}, func(), error) {
	if !s.watchEnabled {
		return nil, nil, fmt.Errorf("memory: watch disabled")
	}
	sub := &subscription{store: s, name: name, events: make(chan struct{}, 1), stop: make(chan struct{})}
	s.watchMu.Lock()
	set := s.watchers[name]
	if set == nil {
		set = make(map[*subscription]struct{})
		s.watchers[name] = set
	}
	set[sub] = struct{}{}
	s.watchMu.Unlock()
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				sub.cancel()
			case <-sub.stop:
			}
		}()
	}
	return sub.events, sub.cancel, nil
}

func (s *Store) notify(name string) {
	if !s.watchEnabled {
		return
	}
	s.watchMu.Lock()
	subs := make([]*subscription, 0, len(s.watchers[name]))
	for sub := range s.watchers[name] {
		subs = append(subs, sub)
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func (s *Store) removeSubscription(sub *subscription) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if set, ok := s.watchers[sub.name]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.watchers, sub.name)
		}
	}
}

type subscription struct {
	store  *Store
	name   string
	events chan struct{}
	stop   chan struct{}
	closed atomic.Bool
	mu     sync.Mutex
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) cancel() {
	s.store.removeSubscription(s)
	s.close()
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return
	}
	close(s.stop)
	close(s.events)
}
