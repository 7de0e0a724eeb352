// Package retry wraps a storage.Backend and retries operations that fail
// with errors marked transient by the backend.
package retry

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
// CAS mismatches and not-found results are never retried; they are answers,
// not failures.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

// Unwrap returns the wrapped backend.
func (b *backend) Unwrap() storage.Backend { return b.inner }

func (b *backend) LoadRecord(ctx context.Context, name string) (storage.LoadResult, error) {
	var result storage.LoadResult
	err := b.withRetry(ctx, "load_record", name, func(ctx context.Context) error {
		var err error
		result, err = b.inner.LoadRecord(ctx, name)
		return err
	})
	return result, err
}

func (b *backend) StoreRecord(ctx context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	var newETag string
	err := b.withRetry(ctx, "store_record", name, func(ctx context.Context) error {
		var err error
		newETag, err = b.inner.StoreRecord(ctx, name, rec, expectedETag)
		return err
	})
	return newETag, err
}

func (b *backend) DeleteRecord(ctx context.Context, name string, expectedETag string) error {
	return b.withRetry(ctx, "delete_record", name, func(ctx context.Context) error {
		return b.inner.DeleteRecord(ctx, name, expectedETag)
	})
}

// WatchRecord forwards to the wrapped backend when it supports watching.
func (b *backend) WatchRecord(ctx context.Context, name string) (<-chan struct{}, func(), error) {
	if w, ok := b.inner.(storage.Watcher); ok {
		return w.WatchRecord(ctx, name)
	}
	return nil, nil, fmt.Errorf("retry: backend %T does not support watching", b.inner)
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, name string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"lock", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
