// Command authramp-hook adapts the lockout engine to an authentication
// stack that can run external programs at its phases (pam_exec style).
// It maps the three phases onto the engine's operations and translates
// decisions into exit codes:
//
//	preauth   check(user):       0 allow, 1 deny, 75 try again
//	authfail  on_failure(user):  always 1 (the credential check failed)
//	authsucc  on_success(user):  0, or 1 when the tally cannot be cleared
//
// The username is taken from PAM_USER, overridable with --user. No
// lockout policy lives here; this binary only renders decisions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BradenHooton/authramp/internal/config"
	"github.com/BradenHooton/authramp/internal/engine"
	"github.com/BradenHooton/authramp/internal/ramp"
	"github.com/BradenHooton/authramp/internal/tally"
	"github.com/spf13/cobra"
)

const (
	exitAllow = 0
	exitDeny  = 1
	// EX_TEMPFAIL: the per-user lock was contended, the caller should
	// simply retry the attempt.
	exitTempFail = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	var (
		configPath string
		userFlag   string
		code       = exitDeny
	)

	root := &cobra.Command{
		Use:           "authramp-hook",
		Short:         "Authentication stack adapter for the authramp lockout engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the authramp configuration file")
	root.PersistentFlags().StringVar(&userFlag, "user", "", "username (defaults to $PAM_USER)")

	phase := func(name string, fn func(ctx context.Context, eng *engine.Engine, user string) int) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: name + " phase",
			Run: func(cmd *cobra.Command, args []string) {
				user, err := resolveUser(userFlag)
				if err != nil {
					logger.Error("cannot resolve user", slog.Any("error", err))
					code = exitDeny
					return
				}
				eng, err := setup(name, configPath, logger)
				if err != nil {
					logger.Error("cannot initialize lockout engine", slog.Any("error", err))
					code = exitDeny
					return
				}
				code = fn(cmd.Context(), eng, user)
			},
		}
	}

	root.AddCommand(
		phase("preauth", func(ctx context.Context, eng *engine.Engine, user string) int {
			return preauth(ctx, eng, user, logger)
		}),
		phase("authfail", func(ctx context.Context, eng *engine.Engine, user string) int {
			return authfail(ctx, eng, user, logger)
		}),
		phase("authsucc", func(ctx context.Context, eng *engine.Engine, user string) int {
			return authsucc(ctx, eng, user, logger)
		}),
	)

	if err := root.Execute(); err != nil {
		logger.Error("hook invocation failed", slog.Any("error", err))
		return exitDeny
	}
	return code
}

// setup resolves configuration and builds the engine. Only the failure
// phase writes a record, so only it insists on a creatable tally dir.
func setup(phase, configPath string, logger *slog.Logger) (*engine.Engine, error) {
	var cfg *config.Config
	if phase == "authfail" {
		var err error
		cfg, err = config.Load(configPath, logger)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Resolve(configPath, logger)
	}
	store := tally.NewStore(cfg.TallyDir, logger)
	return engine.New(store, cfg, logger), nil
}

func resolveUser(flagValue string) (string, error) {
	user := flagValue
	if user == "" {
		user = os.Getenv("PAM_USER")
	}
	if err := tally.ValidateUsername(user); err != nil {
		return "", err
	}
	return user, nil
}

// preauth rejects a locked account before the credential check runs.
// When the store itself is unusable the hook fails open: an unreadable
// tally must not lock every user out of the host.
func preauth(ctx context.Context, eng *engine.Engine, user string, logger *slog.Logger) int {
	d, err := eng.Check(ctx, user)
	if err != nil {
		if errors.Is(err, tally.ErrLockTimeout) {
			return exitTempFail
		}
		logger.Error("lockout check unavailable, failing open", slog.Any("error", err))
		return exitAllow
	}

	if d.Allowed {
		return exitAllow
	}

	if !eng.Countdown() {
		fmt.Fprintf(os.Stderr, "Account locked! Unlocking in %s.\n", ramp.FormatRemaining(d.Remaining))
		return exitDeny
	}

	countdown(d.UnlockTime)
	return exitAllow
}

func authfail(ctx context.Context, eng *engine.Engine, user string, logger *slog.Logger) int {
	d, err := eng.OnFailure(ctx, user)
	if err != nil {
		if errors.Is(err, tally.ErrLockTimeout) {
			return exitTempFail
		}
		logger.Error("recording authentication failure failed", slog.Any("error", err))
		return exitDeny
	}

	if !d.Allowed {
		fmt.Fprintf(os.Stderr, "Account locked! Unlocking in %s.\n", ramp.FormatRemaining(d.Remaining))
	}
	return exitDeny
}

func authsucc(ctx context.Context, eng *engine.Engine, user string, logger *slog.Logger) int {
	if err := eng.OnSuccess(ctx, user); err != nil {
		logger.Error("clearing tally failed", slog.Any("error", err))
		return exitDeny
	}
	return exitAllow
}

// countdown re-renders the remaining lock time once per second until the
// account unlocks, then lets the attempt proceed.
func countdown(unlock time.Time) {
	for {
		remaining := time.Until(unlock)
		if remaining <= 0 {
			break
		}
		fmt.Fprintf(os.Stderr, "\rAccount locked! Unlocking in %s.    ", ramp.FormatRemaining(remaining))
		time.Sleep(time.Second)
	}
	fmt.Fprintln(os.Stderr)
}
