// Command authramp is the administrative companion tool for the
// authramp lockout engine. It resets locked users and inspects their
// derived lockout state; all policy lives in the engine.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BradenHooton/authramp/internal/config"
	"github.com/BradenHooton/authramp/internal/engine"
	"github.com/BradenHooton/authramp/internal/ramp"
	"github.com/BradenHooton/authramp/internal/tally"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	successLabel = color.New(color.FgGreen, color.Bold).Sprint("success:")
	infoLabel    = color.New(color.FgYellow, color.Bold).Sprint("info:")
	errorLabel   = color.New(color.FgRed, color.Bold).Sprint("error:")
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	var configPath string

	root := &cobra.Command{
		Use:           "authramp",
		Short:         "Manage authramp lockout tallies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the authramp configuration file")

	root.AddCommand(newResetCmd(&configPath, logger))
	root.AddCommand(newStatusCmd(&configPath, logger))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorLabel, err)
		return 1
	}
	return 0
}

func newEngine(configPath string, logger *slog.Logger) *engine.Engine {
	cfg := config.Resolve(configPath, logger)
	store := tally.NewStore(cfg.TallyDir, logger)
	return engine.New(store, cfg, logger)
}

func newResetCmd(configPath *string, logger *slog.Logger) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a locked user",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := newEngine(*configPath, logger)

			cleared, err := eng.AdministrativeReset(cmd.Context(), user)
			if err != nil {
				return err
			}

			// A missing record is a successful no-op, not a failure.
			if cleared {
				fmt.Fprintf(cmd.OutOrStdout(), "%s tally reset for user '%s'\n", successLabel, user)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s no tally found for user '%s'\n", infoLabel, user)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "user whose tally should be reset")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newStatusCmd(configPath *string, logger *slog.Logger) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a user's lockout state",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := newEngine(*configPath, logger)

			d, err := eng.Check(cmd.Context(), user)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user:     %s\n", user)
			fmt.Fprintf(out, "state:    %s\n", colorState(d.State))
			fmt.Fprintf(out, "failures: %d\n", d.FailureCount)
			if d.State == engine.StateLocked {
				fmt.Fprintf(out, "unlocks:  %s (in %s)\n",
					d.UnlockTime.Local().Format("2006-01-02 15:04:05"),
					ramp.FormatRemaining(d.Remaining))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "user to inspect")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func colorState(s engine.State) string {
	switch s {
	case engine.StateLocked:
		return color.RedString(s.String())
	case engine.StateAccruing:
		return color.YellowString(s.String())
	default:
		return color.GreenString(s.String())
	}
}
