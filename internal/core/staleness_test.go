package core

import (
	"testing"
	"time"

	"pkt.systems/wlock/internal/storage"
)

func TestIsStaleBoundary(t *testing.T) {
	t.Parallel()

	rec := storage.NewRecord(procA, t0)
	cases := []struct {
		name  string
		age   time.Duration
		stale bool
	}{
		{"fresh", 0, false},
		{"one heartbeat", 30 * time.Second, false},
		{"exactly timeout", DefaultStaleAfter, false},
		{"just past timeout", DefaultStaleAfter + time.Microsecond, true},
		{"scenario silence", 130 * time.Second, true},
		{"future heartbeat", -time.Minute, false},
	}
	for _, tc := range cases {
		if got := IsStale(rec, t0.Add(tc.age), DefaultStaleAfter); got != tc.stale {
			t.Fatalf("%s: IsStale = %v, want %v", tc.name, got, tc.stale)
		}
	}
}

func TestDetectorDefaults(t *testing.T) {
	t.Parallel()

	d := NewDetector(0)
	if d.Timeout != DefaultStaleAfter {
		t.Fatalf("expected default timeout, got %s", d.Timeout)
	}
	rec := storage.NewRecord(procA, t0)
	staleAt := d.StaleAt(rec)
	if d.IsStale(rec, staleAt.Add(-time.Nanosecond)) {
		t.Fatal("record must be live just before StaleAt")
	}
	if !d.IsStale(rec, staleAt) {
		t.Fatal("record must be stale at StaleAt")
	}
}

func TestHeartbeatAgeClampsSkew(t *testing.T) {
	t.Parallel()

	rec := storage.NewRecord(procA, t0.Add(time.Minute))
	if age := HeartbeatAge(rec, t0); age != 0 {
		t.Fatalf("expected zero age for future heartbeat, got %s", age)
	}
	if age := HeartbeatAge(rec, t0.Add(2*time.Minute)); age != time.Minute {
		t.Fatalf("expected 1m age, got %s", age)
	}
}
