// Package redis stores lock records as JSON strings in Redis. Conditional
// writes use WATCH/MULTI, and changes are announced on a pub/sub channel so
// waiters can react without polling.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/storage"
)

// DefaultPrefix namespaces keys when Config.Prefix is empty.
const DefaultPrefix = "wlock:"

// Config controls the Redis backend.
type Config struct {
	// URL is a redis:// or rediss:// URL understood by redis.ParseURL.
	URL    string
	Prefix string
	// Client overrides URL with an existing client.
	Client *redis.Client
}

// Store implements storage.Backend and storage.Watcher on Redis.
type Store struct {
	client    *redis.Client
	prefix    string
	ownClient bool
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := cfg.Client
	own := false
	if client == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("redis: url is required")
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		client = redis.NewClient(opts)
		own = true
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if own {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Store{client: client, prefix: prefix, ownClient: own}, nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(name string) (string, error) {
	if err := storage.ValidateName(name); err != nil {
		return "", err
	}
	return s.prefix + name, nil
}

func (s *Store) channel(name string) string {
	return s.prefix + "events:" + name
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return pslog.LoggerFromContext(ctx)
}

func (s *Store) announce(ctx context.Context, name string) {
	if err := s.client.Publish(ctx, s.channel(name), "changed").Err(); err != nil {
		s.logger(ctx).Debug("redis.publish.error", "lock", name, "error", err)
	}
}

// LoadRecord reads the record. The version token is a hash of the stored
// value.
func (s *Store) LoadRecord(ctx context.Context, name string) (storage.LoadResult, error) {
	key, err := s.key(name)
	if err != nil {
		return storage.LoadResult{}, err
	}
	payload, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		return storage.LoadResult{}, wrapError(err, "redis: get record")
	}
	rec, err := storage.UnmarshalRecord(payload)
	if err != nil {
		return storage.LoadResult{}, err
	}
	return storage.LoadResult{Record: rec, ETag: storage.ContentETag(payload)}, nil
}

// StoreRecord writes rec. Creation uses SET NX; updates run under WATCH and
// only commit when the current value still hashes to expectedETag.
func (s *Store) StoreRecord(ctx context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	key, err := s.key(name)
	if err != nil {
		return "", err
	}
	payload, err := storage.MarshalRecord(rec)
	if err != nil {
		return "", err
	}
	if expectedETag == "" {
		ok, err := s.client.SetNX(ctx, key, payload, 0).Result()
		if err != nil {
			return "", wrapError(err, "redis: create record")
		}
		if !ok {
			s.logger(ctx).Debug("redis.store_record.cas_exists", "lock", name)
			return "", storage.ErrCASMismatch
		}
		s.announce(ctx, name)
		return storage.ContentETag(payload), nil
	}
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := checkCurrent(ctx, tx, key, expectedETag); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return "", s.classify(ctx, name, "store_record", err)
	}
	s.announce(ctx, name)
	return storage.ContentETag(payload), nil
}

// DeleteRecord removes the record, under WATCH when expectedETag is set.
func (s *Store) DeleteRecord(ctx context.Context, name string, expectedETag string) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}
	if expectedETag == "" {
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return wrapError(err, "redis: delete record")
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		s.announce(ctx, name)
		return nil
	}
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := checkCurrent(ctx, tx, key, expectedETag); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return s.classify(ctx, name, "delete_record", err)
	}
	s.announce(ctx, name)
	return nil
}

func checkCurrent(ctx context.Context, tx *redis.Tx, key, expectedETag string) error {
	current, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		return err
	}
	if storage.ContentETag(current) != expectedETag {
		return storage.ErrCASMismatch
	}
	return nil
}

func (s *Store) classify(ctx context.Context, name, op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return storage.ErrNotFound
	case errors.Is(err, storage.ErrCASMismatch), errors.Is(err, redis.TxFailedErr):
		s.logger(ctx).Debug("redis."+op+".cas_mismatch", "lock", name)
		return storage.ErrCASMismatch
	default:
		return wrapError(err, "redis: "+strings.ReplaceAll(op, "_", " "))
	}
}

// WatchRecord subscribes to change announcements for name.
func (s *Store) WatchRecord(ctx context.Context, name string) (<-chan struct{}, func(), error) {
	if _, err := s.key(name); err != nil {
		return nil, nil, err
	}
	sub := s.client.Subscribe(ctx, s.channel(name))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, wrapError(err, "redis: subscribe")
	}
	events := make(chan struct{}, 1)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			_ = sub.Close()
		})
	}
	go func() {
		defer close(events)
		msgs := sub.Channel()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				cancel()
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case events <- struct{}{}:
				default:
				}
			}
		}
	}()
	return events, cancel, nil
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isTransient(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "READONLY", "CLUSTERDOWN", "TRYAGAIN", "MASTERDOWN"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
