package engine

import "time"

// State is the derived lockout state of a user. It is never persisted:
// it is recomputed from the tally, the configuration and the current
// time on every evaluation.
type State int

const (
	// StateOpen means the failure count is within the free tries; every
	// attempt is allowed.
	StateOpen State = iota
	// StateAccruing means the free tries are exhausted but the current
	// delay has elapsed; the attempt is allowed, and the next failure
	// will produce a larger delay.
	StateAccruing
	// StateLocked means the current delay has not elapsed yet; the
	// attempt is denied until UnlockTime.
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAccruing:
		return "accruing"
	case StateLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Decision is the outcome of evaluating a user's lockout state. Computed
// fresh on every call, never stored.
type Decision struct {
	// Allowed reports whether the attempt may proceed.
	Allowed bool
	// State is the derived lockout state the decision was computed from.
	// With the root bypass active, Allowed can be true while State is
	// StateLocked; the bypass affects the decision, not the bookkeeping.
	State State
	// FailureCount is the tally count the decision was derived from.
	FailureCount int
	// UnlockTime is when the account unlocks. Zero in StateOpen.
	UnlockTime time.Time
	// Remaining is the time left until UnlockTime when denied.
	Remaining time.Duration
}
