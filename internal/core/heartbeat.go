package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/svcfields"
)

const (
	// DefaultHeartbeatInterval is the renewal period while the lock is owned.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultReleaseTimeout bounds the release performed by Shutdown.
	DefaultReleaseTimeout = 5 * time.Second
)

// ExitReason tells why a scheduler loop ended.
type ExitReason int32

const (
	ExitNone ExitReason = iota
	// ExitStopped means Stop, Shutdown or the parent context ended the loop.
	ExitStopped
	// ExitLost means ownership was lost and could not be re-acquired.
	ExitLost
)

func (r ExitReason) String() string {
	switch r {
	case ExitStopped:
		return "stopped"
	case ExitLost:
		return "lost"
	default:
		return "running"
	}
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Manager        *Manager
	Interval       time.Duration
	ReleaseTimeout time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
	Metrics        *Metrics
}

// Scheduler refreshes an owned lock on a fixed interval. Ticks never
// overlap: a tick that fires while a refresh is still running is dropped.
// Each refresh is bounded by the interval. Once the last confirmed heartbeat
// is older than the staleness timeout minus one interval, a writable gate
// drops to ModeUnknown until a refresh succeeds again.
// A Scheduler runs once; create a new one to start again.
type Scheduler struct {
	manager        *Manager
	interval       time.Duration
	releaseTimeout time.Duration
	overdueAfter   time.Duration
	clock          clock.Clock
	logger         pslog.Logger
	metrics        *Metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	wg       sync.WaitGroup
	inflight atomic.Bool
	skipped  atomic.Int64
	beats    atomic.Int64
	reason   atomic.Int32
}

// NewScheduler validates cfg.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("heartbeat: manager required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	staleAfter := cfg.Manager.Detector().Timeout
	overdue := staleAfter - cfg.Interval
	if overdue <= 0 {
		overdue = staleAfter / 2
	}
	return &Scheduler{
		manager:        cfg.Manager,
		interval:       cfg.Interval,
		releaseTimeout: cfg.ReleaseTimeout,
		overdueAfter:   overdue,
		clock:          cfg.Clock,
		logger:         svcfields.WithSubsystem(cfg.Logger, svcfields.Heartbeat).With("lock", cfg.Manager.Name()),
		metrics:        cfg.Metrics,
		done:           make(chan struct{}),
	}, nil
}

// Start launches the loop. The loop ends when ctx ends, Stop is called or
// ownership is lost for good.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("heartbeat: already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	ticker := s.clock.NewTicker(s.interval)
	s.logger.Info("heartbeat.start", "interval", s.interval)
	go s.run(loopCtx, ticker)
	return nil
}

func (s *Scheduler) run(ctx context.Context, ticker clock.Ticker) {
	defer close(s.done)
	defer s.wg.Wait()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.reason.CompareAndSwap(int32(ExitNone), int32(ExitStopped))
			s.logger.Info("heartbeat.stop", "reason", s.Reason().String())
			return
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.inflight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.metrics.recordSkippedTick(ctx, s.manager.Name())
		s.logger.Warn("heartbeat.tick.skipped", "skipped_total", s.skipped.Load())
		s.checkOverdue()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.beat(ctx)
		s.inflight.Store(false)
		s.beats.Add(1)
	}()
}

func (s *Scheduler) beat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	res, err := s.manager.Refresh(beatCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("heartbeat.refresh.storage_error", "error", err)
		s.checkOverdue()
		return
	}
	if res.Outcome == OutcomeRenewed {
		return
	}
	s.logger.Warn("heartbeat.lost", "owner", identityLabel(res.Owner))
	acq, err := s.manager.Acquire(beatCtx)
	switch {
	case err == nil && acq.Acquired():
		s.logger.Info("heartbeat.reacquired", "took_over", acq.TookOver)
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("heartbeat.reacquire.storage_error", "error", err)
	default:
		s.logger.Warn("heartbeat.reacquire.busy", "owner", identityLabel(acq.Owner))
	}
	s.reason.CompareAndSwap(int32(ExitNone), int32(ExitLost))
	s.mu.Lock()
	stop := s.cancel
	s.mu.Unlock()
	stop()
}

// checkOverdue takes the gate out of ModeWritable once the last confirmed
// heartbeat is close enough to the staleness timeout that another process
// may take over before the next refresh lands. It never takes the manager
// lock, which a blocked refresh may be holding.
func (s *Scheduler) checkOverdue() {
	last := s.manager.renewedAt()
	if last.IsZero() {
		return
	}
	age := s.clock.Now().Sub(last)
	if age < s.overdueAfter {
		return
	}
	if s.manager.Gate().expireWritable("renewal_overdue") {
		s.logger.Warn("heartbeat.renewal_overdue", "heartbeat_age", age, "limit", s.overdueAfter)
	}
}

// Stop ends the loop and cancels an in-flight refresh. It does not wait;
// use Done for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		s.reason.Store(int32(ExitStopped))
		close(s.done)
		return
	}
	s.reason.CompareAndSwap(int32(ExitNone), int32(ExitStopped))
	if s.cancel != nil {
		s.cancel()
	}
}

// Shutdown stops the loop and then releases the lock, all within the
// release timeout. The release runs even when ctx is already cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	bounded, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.releaseTimeout)
	defer cancel()
	select {
	case <-s.done:
	case <-bounded.Done():
		s.logger.Warn("heartbeat.shutdown.timeout", "timeout", s.releaseTimeout)
		return fmt.Errorf("heartbeat: loop did not stop within %s", s.releaseTimeout)
	}
	released, err := s.manager.Release(bounded)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("heartbeat.shutdown.release_timeout", "timeout", s.releaseTimeout)
		}
		return err
	}
	s.logger.Info("heartbeat.shutdown", "released", released)
	return nil
}

// Done is closed once the loop and any in-flight refresh have finished.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Reason reports why the loop ended, or ExitNone while running.
func (s *Scheduler) Reason() ExitReason { return ExitReason(s.reason.Load()) }

// Skipped returns the number of ticks dropped because a refresh was running.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// Beats returns the number of completed refresh attempts.
func (s *Scheduler) Beats() int64 { return s.beats.Load() }

func identityLabel(id *identity.Identity) string {
	if id == nil {
		return "none"
	}
	return id.String()
}
