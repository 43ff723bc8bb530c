// Package engine answers "may this user attempt to authenticate now?"
// and records attempt outcomes against the persistent per-user tally.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/authramp/internal/config"
	"github.com/BradenHooton/authramp/internal/ramp"
	"github.com/BradenHooton/authramp/internal/tally"
	"github.com/BradenHooton/authramp/pkg/logger"
)

// rootUser is the privileged identity exempt from lockout decisions
// unless even_deny_root is set.
const rootUser = "root"

// TallyStore defines the persistence operations the engine needs.
type TallyStore interface {
	Get(ctx context.Context, user string) (tally.Tally, error)
	RecordFailure(ctx context.Context, user string) (tally.Tally, error)
	Reset(ctx context.Context, user string) (bool, error)
}

// Engine evaluates and mutates lockout state. It holds no mutable state
// of its own: every decision derives from the persisted tally, the
// configuration and a single read of the wall clock, so independent
// process invocations can never disagree about what "locked" means.
type Engine struct {
	store  TallyStore
	config *config.Config
	audit  *logger.AuditLogger
}

// New creates an Engine over the given store and configuration.
func New(store TallyStore, cfg *config.Config, log *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		config: cfg,
		audit:  logger.NewAuditLogger(log),
	}
}

// Check evaluates whether user may attempt to authenticate now. It never
// mutates the tally.
//
// When even_deny_root is disabled, root is always allowed; only the
// decision is bypassed, the derived state and failure count still report
// reality so the bypass never costs observability.
func (e *Engine) Check(ctx context.Context, user string) (Decision, error) {
	t, err := e.store.Get(ctx, user)
	if err != nil {
		return Decision{}, err
	}

	d := e.decide(t, time.Now().UTC())

	if !d.Allowed && e.rootBypass(user) {
		d.Allowed = true
		return d, nil
	}
	if !d.Allowed {
		e.audit.LogLockoutBounce(user, d.FailureCount, d.UnlockTime)
	}
	return d, nil
}

// OnFailure records a failed authentication attempt and returns the
// resulting decision, so the caller can report the updated remaining
// delay immediately. The tally is incremented regardless of the current
// state, root bypass included.
func (e *Engine) OnFailure(ctx context.Context, user string) (Decision, error) {
	t, err := e.store.RecordFailure(ctx, user)
	if err != nil {
		return Decision{}, err
	}

	d := e.decide(t, time.Now().UTC())

	if d.Allowed {
		e.audit.LogFailureRecorded(user, t.Count, time.Time{})
	} else {
		e.audit.LogFailureRecorded(user, t.Count, d.UnlockTime)
	}

	if !d.Allowed && e.rootBypass(user) {
		d.Allowed = true
	}
	return d, nil
}

// OnSuccess clears the user's tally after a successful authentication.
func (e *Engine) OnSuccess(ctx context.Context, user string) error {
	_, err := e.clear(ctx, user, "authentication success")
	return err
}

// AdministrativeReset clears the user's tally on behalf of an operator.
// Identical in effect to OnSuccess; the returned bool reports whether a
// record existed, so the caller can distinguish a clear from a no-op.
func (e *Engine) AdministrativeReset(ctx context.Context, user string) (bool, error) {
	return e.clear(ctx, user, "administrative reset")
}

func (e *Engine) clear(ctx context.Context, user, source string) (bool, error) {
	prior, err := e.store.Get(ctx, user)
	if err != nil {
		return false, err
	}

	cleared, err := e.store.Reset(ctx, user)
	if err != nil {
		return false, err
	}

	if cleared && prior.Count > 0 {
		e.audit.LogTallyCleared(user, prior.Count, source)
	}
	return cleared, nil
}

// Countdown reports whether callers should present a live-updating
// remaining-time message while an account is locked. Presentation only;
// the engine computes nothing differently either way.
func (e *Engine) Countdown() bool {
	return e.config.Countdown
}

// decide derives the lockout decision from a tally and the current time.
func (e *Engine) decide(t tally.Tally, now time.Time) Decision {
	if t.Count <= e.config.FreeTries {
		return Decision{
			Allowed:      true,
			State:        StateOpen,
			FailureCount: t.Count,
		}
	}

	unlock := ramp.UnlockTime(t.Instant, t.Count, e.config.FreeTries, e.config.RampMultiplier, e.config.BaseDelay)
	if now.Before(unlock) {
		return Decision{
			Allowed:      false,
			State:        StateLocked,
			FailureCount: t.Count,
			UnlockTime:   unlock,
			Remaining:    unlock.Sub(now),
		}
	}

	return Decision{
		Allowed:      true,
		State:        StateAccruing,
		FailureCount: t.Count,
		UnlockTime:   unlock,
	}
}

func (e *Engine) rootBypass(user string) bool {
	return user == rootUser && !e.config.EvenDenyRoot
}
