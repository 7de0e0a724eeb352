package core

import (
	"testing"

	"pkt.systems/pslog"
)

func TestOwnershipTransitions(t *testing.T) {
	cases := []struct {
		name   string
		events []string
		want   string
	}{
		{"fresh", nil, StateUnlocked},
		{"granted", []string{eventAcquire, eventGrant}, StateOwned},
		{"denied", []string{eventAcquire, eventDeny}, StateReadOnly},
		{"aborted", []string{eventAcquire, eventAbort}, StateUnlocked},
		{"renewed then lost", []string{eventAcquire, eventGrant, eventRenew, eventLose}, StateLost},
		{"reacquired after loss", []string{eventAcquire, eventGrant, eventLose, eventAcquire, eventGrant}, StateOwned},
		{"released while owned", []string{eventAcquire, eventGrant, eventRelease}, StateUnlocked},
		{"grant without acquire is ignored", []string{eventGrant}, StateUnlocked},
		{"release while unlocked is ignored", []string{eventRelease}, StateUnlocked},
		{"renew adopts an existing record", []string{eventRenew}, StateOwned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newOwnership(pslog.NoopLogger())
			for _, ev := range tc.events {
				o.fire(ev)
			}
			if got := o.current(); got != tc.want {
				t.Fatalf("state %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOutcomeStrings(t *testing.T) {
	want := map[Outcome]string{
		OutcomeAcquired: "acquired",
		OutcomeBusy:     "busy",
		OutcomeRenewed:  "renewed",
		OutcomeLost:     "lost",
		OutcomeReleased: "released",
	}
	for outcome, s := range want {
		if outcome.String() != s {
			t.Fatalf("%d: got %q want %q", outcome, outcome.String(), s)
		}
	}
}
