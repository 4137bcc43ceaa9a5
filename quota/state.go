package quota

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode selects how the delay between two sends is derived.
type Mode int

const (
	// Adaptive spreads the remaining budget over the remaining window time,
	// recomputed after every send.
	Adaptive Mode = iota
	// Fixed sends at a constant cadence of windowLength/allowedPerWindow.
	Fixed
)

func (m Mode) String() string {
	switch m {
	case Fixed:
		return "fixed"
	case Adaptive:
		return "adaptive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "fixed" or "adaptive" (case-insensitive). Empty input
// yields Adaptive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "adaptive":
		return Adaptive, nil
	case "fixed":
		return Fixed, nil
	default:
		return Adaptive, fmt.Errorf("quota: unknown pacing mode %q", s)
	}
}

// State is the rate-limit bookkeeping of one account.
type State struct {
	WindowLength      time.Duration
	WindowEnd         time.Time
	AllowedPerWindow  int
	RemainingInWindow int
	Pacing            Mode
	NextSend          time.Time
	// PersistOnChange asks the owner to write the whole pool back after
	// every mutation.
	PersistOnChange bool
}

var (
	ErrWindowLength = errors.New("quota: window length must be positive")
	ErrAllowed      = errors.New("quota: allowed sends per window must be at least 1")
)

// Validate checks the static parts of the state.
func (s State) Validate() error {
	if s.WindowLength <= 0 {
		return ErrWindowLength
	}
	if s.AllowedPerWindow < 1 {
		return ErrAllowed
	}
	return nil
}

// ceilSeconds returns ceil(d/n) rounded up to whole seconds.
func ceilSeconds(d time.Duration, n int) time.Duration {
	if d <= 0 || n <= 0 {
		return 0
	}
	unit := int64(time.Second) * int64(n)
	secs := (int64(d) + unit - 1) / unit
	return time.Duration(secs) * time.Second
}
