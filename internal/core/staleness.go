package core

import (
	"time"

	"pkt.systems/wlock/internal/storage"
)

// DefaultStaleAfter is how long a record may go without a heartbeat before
// another process may take it over.
const DefaultStaleAfter = 120 * time.Second

// IsStale reports whether rec has gone more than timeout without a
// heartbeat at now. An age of exactly timeout is still live.
func IsStale(rec storage.Record, now time.Time, timeout time.Duration) bool {
	return HeartbeatAge(rec, now) > timeout
}

// HeartbeatAge returns how long ago rec was last renewed, relative to now.
// Heartbeats from the future (clock skew) yield zero.
func HeartbeatAge(rec storage.Record, now time.Time) time.Duration {
	age := now.Sub(rec.LastHeartbeat)
	if age < 0 {
		return 0
	}
	return age
}

// Detector binds a staleness timeout.
type Detector struct {
	Timeout time.Duration
}

// NewDetector returns a Detector, defaulting a non-positive timeout to
// DefaultStaleAfter.
func NewDetector(timeout time.Duration) Detector {
	if timeout <= 0 {
		timeout = DefaultStaleAfter
	}
	return Detector{Timeout: timeout}
}

// IsStale reports whether rec is stale at now.
func (d Detector) IsStale(rec storage.Record, now time.Time) bool {
	return IsStale(rec, now, d.Timeout)
}

// StaleAt returns the first instant at which rec counts as stale.
func (d Detector) StaleAt(rec storage.Record) time.Time {
	return rec.LastHeartbeat.Add(d.Timeout).Add(time.Nanosecond)
}
