package wlock

import (
	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/identity"
	"pkt.systems/wlock/internal/storage"
)

// Option customises a Coordinator.
type Option func(*options)

type options struct {
	logger   pslog.Logger
	clock    clock.Clock
	backend  storage.Backend
	identity *identity.Identity
}

// WithLogger sets the logger used by the coordinator and its components.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithBackend uses backend instead of opening Config.Store. The caller keeps
// ownership; Close does not close it.
func WithBackend(backend storage.Backend) Option {
	return func(o *options) {
		o.backend = backend
	}
}

// WithIdentity skips detection and acts as id.
func WithIdentity(id Identity) Option {
	return func(o *options) {
		cp := id
		o.identity = &cp
	}
}
