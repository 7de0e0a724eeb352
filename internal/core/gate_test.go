package core

import (
	"sync"
	"testing"

	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/identity"
)

func TestGateStartsUnknown(t *testing.T) {
	t.Parallel()

	g := NewGate(clock.NewManual(t0))
	st := g.Snapshot()
	if st.Mode != ModeUnknown || st.Owner != nil || st.Cause != "initial" {
		t.Fatalf("unexpected initial state %+v", st)
	}
	if g.Writable() {
		t.Fatal("new gate must not be writable")
	}
}

func TestGateTransitions(t *testing.T) {
	t.Parallel()

	owner := procB
	cases := []struct {
		name  string
		apply func(*Gate)
		mode  Mode
		owner *identity.Identity
	}{
		{"acquired", func(g *Gate) { g.setWritable("acquired") }, ModeWritable, nil},
		{"busy", func(g *Gate) { g.setReadOnly(&owner, "busy") }, ModeReadOnly, &owner},
		{"lost unknown owner", func(g *Gate) { g.setReadOnly(nil, "lost") }, ModeReadOnly, nil},
		{"storage error", func(g *Gate) { g.setUnknown("storage_error") }, ModeUnknown, nil},
	}
	for _, tc := range cases {
		g := NewGate(clock.NewManual(t0))
		tc.apply(g)
		st := g.Snapshot()
		if st.Mode != tc.mode {
			t.Fatalf("%s: mode %s, want %s", tc.name, st.Mode, tc.mode)
		}
		switch {
		case tc.owner == nil && st.Owner != nil:
			t.Fatalf("%s: unexpected owner %v", tc.name, st.Owner)
		case tc.owner != nil && (st.Owner == nil || !st.Owner.Equal(*tc.owner)):
			t.Fatalf("%s: owner %v, want %v", tc.name, st.Owner, tc.owner)
		}
	}
}

func TestGateOwnerIsCopied(t *testing.T) {
	t.Parallel()

	g := NewGate(clock.NewManual(t0))
	owner := procB
	g.setReadOnly(&owner, "busy")
	owner.Hostname = "mutated"
	got := g.Owner()
	if got == nil || got.Hostname != procB.Hostname {
		t.Fatalf("gate owner changed through caller pointer: %v", got)
	}
	got.Hostname = "mutated"
	if g.Owner().Hostname != procB.Hostname {
		t.Fatal("gate owner changed through returned pointer")
	}
}

func TestGateSubscribeNotifiesOnChangeOnly(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0)
	g := NewGate(clk)
	var (
		mu   sync.Mutex
		seen []Mode
	)
	unsubscribe := g.Subscribe(func(st GateState) {
		mu.Lock()
		seen = append(seen, st.Mode)
		mu.Unlock()
	})

	g.setWritable("acquired")
	g.setWritable("renewed")
	owner := procB
	g.setReadOnly(&owner, "lost")
	g.setReadOnly(&owner, "busy")
	other := procA
	g.setReadOnly(&other, "busy")
	unsubscribe()
	unsubscribe()
	g.setUnknown("storage_error")

	mu.Lock()
	defer mu.Unlock()
	want := []Mode{ModeWritable, ModeReadOnly, ModeReadOnly}
	if len(seen) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notification %d: got %s want %s", i, seen[i], want[i])
		}
	}
}

func TestModeString(t *testing.T) {
	t.Parallel()

	if ModeWritable.String() != "writable" || ModeReadOnly.String() != "readonly" || ModeUnknown.String() != "unknown" {
		t.Fatal("unexpected mode names")
	}
}
