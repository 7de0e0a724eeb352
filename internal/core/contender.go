package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/storage"
	"pkt.systems/wlock/internal/svcfields"
)

const (
	DefaultContendInitialInterval = time.Second
	DefaultContendMaxInterval     = 30 * time.Second
)

// ContenderConfig wires a Contender.
type ContenderConfig struct {
	Manager         *Manager
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Clock           clock.Clock
	Logger          pslog.Logger
}

// Contender keeps retrying Acquire until the lock is taken. Attempts back
// off exponentially; a change notification from the backend or the current
// owner's staleness deadline triggers an earlier attempt.
type Contender struct {
	manager *Manager
	initial time.Duration
	max     time.Duration
	clock   clock.Clock
	logger  pslog.Logger
}

// NewContender validates cfg.
func NewContender(cfg ContenderConfig) (*Contender, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("contend: manager required")
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultContendInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultContendMaxInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Contender{
		manager: cfg.Manager,
		initial: cfg.InitialInterval,
		max:     cfg.MaxInterval,
		clock:   cfg.Clock,
		logger:  svcfields.WithSubsystem(cfg.Logger, svcfields.Contender).With("lock", cfg.Manager.Name()),
	}, nil
}

// Run blocks until the lock is acquired or ctx ends. Storage errors do not
// stop it; the gate reports Unknown until the store answers again.
func (c *Contender) Run(ctx context.Context) (AcquireResult, error) {
	events, stopWatch := c.watch(ctx)
	defer stopWatch()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.max
	b.Reset()

	for attempt := 1; ; attempt++ {
		res, err := c.manager.Acquire(ctx)
		if err == nil && res.Acquired() {
			c.logger.Info("contend.acquired", "attempts", attempt, "took_over", res.TookOver)
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		wait := b.NextBackOff()
		if err != nil {
			c.logger.Warn("contend.acquire.storage_error", "attempt", attempt, "error", err, "retry_in", wait)
		} else if res.Record != nil {
			staleAt := c.manager.Detector().StaleAt(*res.Record)
			if untilStale := staleAt.Sub(c.clock.Now()); untilStale > 0 && untilStale < wait {
				wait = untilStale
			}
			c.logger.Debug("contend.busy", "attempt", attempt, "owner", identityLabel(res.Owner), "retry_in", wait)
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-c.clock.After(wait):
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.logger.Debug("contend.wakeup", "attempt", attempt)
			b.Reset()
		}
	}
}

func (c *Contender) watch(ctx context.Context) (<-chan struct{}, func()) {
	watcher, ok := c.manager.store.Backend().(storage.Watcher)
	if !ok {
		return nil, func() {}
	}
	events, cancel, err := watcher.WatchRecord(ctx, c.manager.Name())
	if err != nil {
		c.logger.Debug("contend.watch.unavailable", "error", err)
		return nil, func() {}
	}
	return events, cancel
}
