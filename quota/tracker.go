// Package quota tracks the per-account send budget of a rolling window and
// derives the earliest instant the account may send again.
package quota

import (
	"time"

	"github.com/rs/zerolog"

	"sheetmail/internal/clock"
)

// Tracker owns the State of one account. It is not safe for concurrent use;
// the dispatcher drives all trackers from a single goroutine.
type Tracker struct {
	state State
	clock clock.Clock
	log   zerolog.Logger
}

// NewTracker validates st and brings it up to date with the current time:
// an expired window is rolled over and the account is allowed to send
// immediately when budget is left.
func NewTracker(st State, clk clock.Clock, log zerolog.Logger) (*Tracker, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if st.RemainingInWindow > st.AllowedPerWindow {
		st.RemainingInWindow = st.AllowedPerWindow
	}
	if st.RemainingInWindow < 0 {
		st.RemainingInWindow = 0
	}
	t := &Tracker{state: st, clock: clk, log: log}
	t.OnWindowCheck()
	t.refresh(t.clock.Now())
	return t, nil
}

// OnWindowCheck rolls the window over when it has ended. It reports whether
// a rollover happened. Repeated calls without an intervening send leave the
// state unchanged.
func (t *Tracker) OnWindowCheck() bool {
	now := t.clock.Now()
	if now.Before(t.state.WindowEnd) {
		return false
	}
	t.state.WindowEnd = now.Add(t.state.WindowLength)
	t.state.RemainingInWindow = t.state.AllowedPerWindow
	t.state.NextSend = now.Add(t.state.WindowLength)
	t.log.Debug().
		Int("remaining", t.state.RemainingInWindow).
		Time("window_end", t.state.WindowEnd).
		Msg("new quota window")
	return true
}

// RecordSend accounts for one delivered message and recomputes NextSend.
func (t *Tracker) RecordSend() {
	t.OnWindowCheck()
	now := t.clock.Now()

	if t.state.RemainingInWindow <= 0 {
		// The budget can only be overdrawn when a persisted window was
		// resumed mid-way in fixed mode; never let the counter go negative.
		t.log.Warn().
			Int("allowed", t.state.AllowedPerWindow).
			Time("window_end", t.state.WindowEnd).
			Msg("send recorded with no budget left in window")
		t.state.RemainingInWindow = 0
	} else {
		t.state.RemainingInWindow--
	}

	switch t.state.Pacing {
	case Fixed:
		next := now.Add(ceilSeconds(t.state.WindowLength, t.state.AllowedPerWindow))
		if t.state.RemainingInWindow == 0 && next.Before(t.state.WindowEnd) {
			next = t.state.WindowEnd
		}
		t.state.NextSend = next
	default:
		if t.state.RemainingInWindow > 0 {
			delay := ceilSeconds(t.state.WindowEnd.Sub(now), t.state.RemainingInWindow)
			t.state.NextSend = now.Add(delay)
			t.log.Debug().
				Dur("delay", delay).
				Int("remaining", t.state.RemainingInWindow).
				Msg("adaptive pacing")
		} else {
			t.state.NextSend = t.state.WindowEnd
		}
	}
}

// PeekNextSend rolls the window if needed and returns the earliest instant
// the account may send. The bool reports whether the state changed.
func (t *Tracker) PeekNextSend() (time.Time, bool) {
	if t.OnWindowCheck() {
		t.refresh(t.clock.Now())
		return t.state.NextSend, true
	}
	return t.state.NextSend, false
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	return t.state
}

// refresh recomputes NextSend without a send: a fresh budget may be used at
// once, an empty one waits for the window to end.
func (t *Tracker) refresh(now time.Time) {
	if t.state.RemainingInWindow > 0 {
		t.state.NextSend = now
		return
	}
	t.state.NextSend = t.state.WindowEnd
}
