package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the log key carrying the subsystem tag.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem tags used across wlock.
const (
	LockManager = "lock.manager"
	Heartbeat   = "lock.heartbeat"
	Contender   = "lock.contender"
	Coordinator = "wlock.coordinator"
	Storage     = "storage"
	CLI         = "cli"
)

// Join builds a dot-delimited subsystem path, skipping empty parts, so
// Join(Storage, "disk") yields "storage.disk".
func Join(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry written through logger with subsystem. A
// nil logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if subsystem = Join(subsystem); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
