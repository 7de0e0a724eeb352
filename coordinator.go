package wlock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/core"
	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
	"pkt.systems/wlock/internal/svcfields"
)

// Coordinator owns one named lock for the running process: it acquires it,
// keeps it alive, reports the resulting access mode and releases it on Close.
type Coordinator struct {
	cfg         Config
	logger      pslog.Logger
	baseLogger  pslog.Logger
	clock       clock.Clock
	self        Identity
	session     string
	backend     storage.Backend
	ownsBackend bool
	manager     *core.Manager
	metrics     *core.Metrics
	telemetry   *telemetry

	runCtx    context.Context
	runCancel context.CancelFunc

	mu            sync.Mutex
	scheduler     *core.Scheduler
	contendCancel context.CancelFunc
	closed        bool
	bg            sync.WaitGroup
}

// AsyncResult carries the outcome of AcquireAsync.
type AsyncResult struct {
	Result AcquireResult
	Err    error
}

// New validates cfg, resolves the process identity, opens the store and
// returns a Coordinator that has not touched the lock yet.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	ctx := context.Background()
	session := xid.New().String()
	base := o.logger.With("session", session)
	logger := svcfields.WithSubsystem(base, svcfields.Coordinator).With("lock", cfg.LockName)

	var self Identity
	if o.identity != nil {
		self = *o.identity
		if err := self.Validate(); err != nil {
			return nil, fmt.Errorf("wlock: %w", err)
		}
	} else {
		detected, err := identity.Detect(ctx, identity.Overrides{
			Hostname:  cfg.Hostname,
			Username:  cfg.Username,
			ProcessID: cfg.PID,
		})
		if err != nil {
			return nil, fmt.Errorf("wlock: detect identity: %w", err)
		}
		self = detected
	}

	tel, err := startTelemetry(ctx, cfg, base)
	if err != nil {
		return nil, err
	}

	backend := o.backend
	ownsBackend := false
	if backend == nil {
		backend, err = openStore(ctx, cfg, base, o.clock)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, err
		}
		ownsBackend = true
	}
	fail := func(err error) (*Coordinator, error) {
		if ownsBackend {
			_ = backend.Close()
		}
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	store, err := storage.NewLockStore(backend, cfg.LockName, base)
	if err != nil {
		return fail(err)
	}
	metrics := core.NewMetrics(logger)
	manager, err := core.NewManager(core.ManagerConfig{
		Store:      store,
		Self:       self,
		Clock:      o.clock,
		StaleAfter: cfg.StaleAfter,
		CASRetries: cfg.CASRetries,
		Gate:       core.NewGate(o.clock),
		Logger:     base,
		Metrics:    metrics,
	})
	if err != nil {
		return fail(err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	logger.Info("coordinator.ready",
		"self", self.String(),
		"store", RedactStore(cfg.Store),
		"heartbeat_interval", cfg.HeartbeatInterval,
		"stale_after", cfg.StaleAfter,
		"wait", cfg.Wait,
	)
	return &Coordinator{
		cfg:         cfg,
		logger:      logger,
		baseLogger:  base,
		clock:       o.clock,
		self:        self,
		session:     session,
		backend:     backend,
		ownsBackend: ownsBackend,
		manager:     manager,
		metrics:     metrics,
		telemetry:   tel,
		runCtx:      runCtx,
		runCancel:   runCancel,
	}, nil
}

// Identity returns the identity written into lock records.
func (c *Coordinator) Identity() Identity { return c.self }

// Session returns a unique id for this Coordinator, used in logs.
func (c *Coordinator) Session() string { return c.session }

// Config returns the validated configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Mode returns the current access mode.
func (c *Coordinator) Mode() Mode { return c.manager.Gate().Mode() }

// Gate returns the current mode together with the blocking owner.
func (c *Coordinator) Gate() GateState { return c.manager.Gate().Snapshot() }

// Subscribe registers fn for mode and owner changes. fn must not call back
// into the Coordinator synchronously.
func (c *Coordinator) Subscribe(fn func(GateState)) func() {
	return c.manager.Gate().Subscribe(fn)
}

// Heartbeating reports whether the renewal loop is running.
func (c *Coordinator) Heartbeating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scheduler == nil {
		return false
	}
	select {
	case <-c.scheduler.Done():
		return false
	default:
		return true
	}
}

// HeartbeatDone returns a channel closed when the running heartbeat exits,
// or nil when no heartbeat has been started.
func (c *Coordinator) HeartbeatDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scheduler == nil {
		return nil
	}
	return c.scheduler.Done()
}

// Start acquires the lock and keeps it alive until Close. When the lock is
// busy and Config.Wait is set, contention continues in the background and
// the gate turns writable once it succeeds.
func (c *Coordinator) Start(ctx context.Context) (AcquireResult, error) {
	res, err := c.manager.Acquire(ctx)
	if err == nil && res.Acquired() {
		c.startHeartbeat()
		return res, nil
	}
	if c.cfg.Wait {
		c.contendInBackground()
	}
	return res, err
}

// AcquireAsync runs Start on another goroutine and delivers the result.
func (c *Coordinator) AcquireAsync(ctx context.Context) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		res, err := c.Start(ctx)
		out <- AsyncResult{Result: res, Err: err}
	}()
	return out
}

// Contend blocks until the lock is acquired or ctx ends, then starts the
// heartbeat.
func (c *Coordinator) Contend(ctx context.Context) (AcquireResult, error) {
	contender, err := core.NewContender(core.ContenderConfig{
		Manager:         c.manager,
		InitialInterval: c.cfg.ContendInitialInterval,
		MaxInterval:     c.cfg.ContendMaxInterval,
		Clock:           c.clock,
		Logger:          c.baseLogger,
	})
	if err != nil {
		return AcquireResult{}, err
	}
	res, err := contender.Run(ctx)
	if err != nil {
		return res, err
	}
	if !c.startHeartbeat() {
		// Closed while contending: hand the lock straight back.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReleaseTimeout)
		defer cancel()
		_, _ = c.manager.Release(releaseCtx)
		return res, fmt.Errorf("wlock: coordinator closed")
	}
	return res, nil
}

// Acquire makes a single attempt without starting the heartbeat. It suits
// one-shot tools acting for a long-running owner.
func (c *Coordinator) Acquire(ctx context.Context) (AcquireResult, error) {
	return c.manager.Acquire(ctx)
}

// Refresh renews the heartbeat once.
func (c *Coordinator) Refresh(ctx context.Context) (RefreshResult, error) {
	return c.manager.Refresh(ctx)
}

// Release stops the heartbeat and any background contention, then deletes
// the record if this identity owns it.
func (c *Coordinator) Release(ctx context.Context) (bool, error) {
	c.mu.Lock()
	s := c.scheduler
	c.scheduler = nil
	if c.contendCancel != nil {
		c.contendCancel()
		c.contendCancel = nil
	}
	c.mu.Unlock()
	if s != nil {
		s.Stop()
		select {
		case <-s.Done():
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return c.manager.Release(ctx)
}

// Status reads the lock without changing it.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	return c.manager.Inspect(ctx)
}

// Close stops background work, releases the lock if the heartbeat was
// running (bounded by Config.ReleaseTimeout), closes the store and flushes
// telemetry.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.scheduler
	c.scheduler = nil
	if c.contendCancel != nil {
		c.contendCancel()
		c.contendCancel = nil
	}
	c.mu.Unlock()
	c.runCancel()

	var errs []error
	if s != nil {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release: %w", err))
		}
	}
	c.bg.Wait()
	if c.ownsBackend {
		if err := c.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := c.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("coordinator.close.error", "error", err)
	} else {
		c.logger.Info("coordinator.closed")
	}
	return err
}

func (c *Coordinator) startHeartbeat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.scheduler != nil {
		select {
		case <-c.scheduler.Done():
		default:
			return true
		}
	}
	s, err := core.NewScheduler(core.SchedulerConfig{
		Manager:        c.manager,
		Interval:       c.cfg.HeartbeatInterval,
		ReleaseTimeout: c.cfg.ReleaseTimeout,
		Clock:          c.clock,
		Logger:         c.baseLogger,
		Metrics:        c.metrics,
	})
	if err == nil {
		err = s.Start(c.runCtx)
	}
	if err != nil {
		c.logger.Error("coordinator.heartbeat.start_failed", "error", err)
		return false
	}
	c.scheduler = s
	c.bg.Add(1)
	go c.superviseHeartbeat(s)
	return true
}

func (c *Coordinator) superviseHeartbeat(s *core.Scheduler) {
	defer c.bg.Done()
	<-s.Done()
	if s.Reason() != core.ExitLost {
		return
	}
	c.logger.Warn("coordinator.ownership.lost", "wait", c.cfg.Wait)
	if c.cfg.Wait {
		c.contendInBackground()
	}
}

func (c *Coordinator) contendInBackground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.contendCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	c.contendCancel = cancel
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		_, err := c.Contend(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("coordinator.contend.error", "error", err)
		}
		c.mu.Lock()
		if ctx.Err() == nil && c.contendCancel != nil {
			c.contendCancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()
}
