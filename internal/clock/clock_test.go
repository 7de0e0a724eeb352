package clock_test

import (
	"testing"
	"time"

	"pkt.systems/wlock/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealTickerTicks(t *testing.T) {
	t.Parallel()

	ticker := clock.Real{}.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := clock.NewManual(start)
	ch := clk.After(time.Minute)
	if clk.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", clk.Pending())
	}
	clk.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	clk.Advance(30 * time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Minute)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualTickerDropsWhenFull(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	ticker := clk.NewTicker(10 * time.Second)
	clk.Advance(10 * time.Second)
	clk.Advance(10 * time.Second)
	clk.Advance(10 * time.Second)

	select {
	case <-ticker.C():
	default:
		t.Fatal("expected a buffered tick")
	}
	select {
	case <-ticker.C():
		t.Fatal("ticks must not queue up")
	default:
	}

	ticker.Stop()
	if clk.Tickers() != 0 {
		t.Fatalf("expected stopped ticker to be removed, got %d", clk.Tickers())
	}
	clk.Advance(time.Minute)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestSinceUsesClock(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0).UTC()
	clk := clock.NewManual(start)
	clk.Advance(90 * time.Second)
	if got := clock.Since(clk, start); got != 90*time.Second {
		t.Fatalf("unexpected elapsed %v", got)
	}
}
