package core

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"pkt.systems/pslog"
)

// Ownership states of the local process with respect to one lock.
const (
	StateUnlocked  = "unlocked"
	StateAcquiring = "acquiring"
	StateOwned     = "owned"
	StateLost      = "lost"
	StateReadOnly  = "readonly"
)

const (
	eventAcquire = "acquire"
	eventGrant   = "grant"
	eventDeny    = "deny"
	eventAbort   = "abort"
	eventRenew   = "renew"
	eventLose    = "lose"
	eventRelease = "release"
)

// ownership tracks the local view of the lock. Callers serialise access
// through Manager.mu.
type ownership struct {
	fsm    *fsm.FSM
	logger pslog.Logger
}

func newOwnership(logger pslog.Logger) *ownership {
	o := &ownership{logger: logger}
	o.fsm = fsm.NewFSM(
		StateUnlocked,
		fsm.Events{
			{Name: eventAcquire, Src: []string{StateUnlocked, StateReadOnly, StateLost, StateOwned}, Dst: StateAcquiring},
			{Name: eventGrant, Src: []string{StateAcquiring}, Dst: StateOwned},
			{Name: eventDeny, Src: []string{StateAcquiring}, Dst: StateReadOnly},
			{Name: eventAbort, Src: []string{StateAcquiring}, Dst: StateUnlocked},
			{Name: eventRenew, Src: []string{StateUnlocked, StateReadOnly, StateLost}, Dst: StateOwned},
			{Name: eventLose, Src: []string{StateOwned, StateUnlocked, StateReadOnly}, Dst: StateLost},
			{Name: eventRelease, Src: []string{StateAcquiring, StateOwned, StateLost, StateReadOnly}, Dst: StateUnlocked},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				o.logger.Trace("lock.state.transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return o
}

// fire applies event when the current state allows it. Events that do not
// apply are ignored, so callers can fire unconditionally.
func (o *ownership) fire(event string) {
	if !o.fsm.Can(event) {
		return
	}
	// Transitions never observe request cancellation.
	if err := o.fsm.Event(context.Background(), event); err != nil {
		var noop fsm.NoTransitionError
		if errors.As(err, &noop) {
			return
		}
		o.logger.Warn("lock.state.transition_failed", "event", event, "state", o.fsm.Current(), "error", err)
	}
}

func (o *ownership) current() string {
	return o.fsm.Current()
}
