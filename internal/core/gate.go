package core

import (
	"sync"
	"time"

	"pkt.systems/wlock/internal/clock"
	"pkt.systems/wlock/internal/identity"
)

// Mode is the access level the local process should apply to shared data.
type Mode int

const (
	// ModeUnknown means the lock state could not be determined.
	ModeUnknown Mode = iota
	// ModeWritable means this process owns the lock.
	ModeWritable
	// ModeReadOnly means another process owns the lock or this one gave it up.
	ModeReadOnly
)

func (m Mode) String() string {
	switch m {
	case ModeWritable:
		return "writable"
	case ModeReadOnly:
		return "readonly"
	default:
		return "unknown"
	}
}

// GateState is an atomic view of the gate.
type GateState struct {
	Mode Mode
	// Owner is the blocking owner when Mode is ModeReadOnly and it is known.
	Owner *identity.Identity
	// Cause is the outcome that produced this state ("storage_error" for
	// failures, "initial" before any operation).
	Cause string
	Since time.Time
}

func (s GateState) sameAs(other GateState) bool {
	if s.Mode != other.Mode {
		return false
	}
	switch {
	case s.Owner == nil && other.Owner == nil:
		return true
	case s.Owner == nil || other.Owner == nil:
		return false
	default:
		return s.Owner.Equal(*other.Owner)
	}
}

// Gate exposes the access mode derived from the last lock outcome. Only the
// Manager changes it.
type Gate struct {
	mu        sync.Mutex
	clock     clock.Clock
	state     GateState
	listeners map[uint64]func(GateState)
	nextID    uint64
}

// NewGate returns a gate in ModeUnknown.
func NewGate(clk clock.Clock) *Gate {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Gate{
		clock:     clk,
		state:     GateState{Mode: ModeUnknown, Cause: "initial", Since: clk.Now()},
		listeners: make(map[uint64]func(GateState)),
	}
}

// Mode returns the current mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Mode
}

// Owner returns the blocking owner, or nil.
func (g *Gate) Owner() *identity.Identity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return cloneIdentity(g.state.Owner)
}

// Snapshot returns mode and owner together.
func (g *Gate) Snapshot() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state
	st.Owner = cloneIdentity(st.Owner)
	return st
}

// Writable reports whether the mode is ModeWritable.
func (g *Gate) Writable() bool {
	return g.Mode() == ModeWritable
}

// Subscribe registers fn for every mode or owner change and returns a
// function that removes it. fn runs on the goroutine that performed the lock
// operation and must not call back into the Manager.
func (g *Gate) Subscribe(fn func(GateState)) func() {
	if fn == nil {
		return func() {}
	}
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.listeners, id)
			g.mu.Unlock()
		})
	}
}

func (g *Gate) setWritable(cause string) {
	g.apply(GateState{Mode: ModeWritable, Cause: cause})
}

func (g *Gate) setReadOnly(owner *identity.Identity, cause string) {
	g.apply(GateState{Mode: ModeReadOnly, Owner: cloneIdentity(owner), Cause: cause})
}

func (g *Gate) setUnknown(cause string) {
	g.apply(GateState{Mode: ModeUnknown, Cause: cause})
}

// expireWritable moves a writable gate to ModeUnknown. Other modes are left
// alone. It reports whether the mode changed.
func (g *Gate) expireWritable(cause string) bool {
	return g.applyWhen(GateState{Mode: ModeUnknown, Cause: cause}, func(cur GateState) bool {
		return cur.Mode == ModeWritable
	})
}

func (g *Gate) apply(next GateState) {
	g.applyWhen(next, nil)
}

func (g *Gate) applyWhen(next GateState, cond func(GateState) bool) bool {
	g.mu.Lock()
	if (cond != nil && !cond(g.state)) || next.sameAs(g.state) {
		g.mu.Unlock()
		return false
	}
	next.Since = g.clock.Now()
	g.state = next
	listeners := make([]func(GateState), 0, len(g.listeners))
	for _, fn := range g.listeners {
		listeners = append(listeners, fn)
	}
	g.mu.Unlock()
	for _, fn := range listeners {
		st := next
		st.Owner = cloneIdentity(next.Owner)
		fn(st)
	}
	return true
}

func cloneIdentity(id *identity.Identity) *identity.Identity {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}
