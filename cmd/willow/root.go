// Package main provides the CLI entrypoint for willow.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/saim20/willow/internal/config"
	"github.com/saim20/willow/internal/dbus"
	"github.com/saim20/willow/internal/session"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Global configuration and state
var (
	settings   *config.Settings
	globalOpts struct {
		verbose      bool
		settingsPath string
		format       string
		timeout      time.Duration
	}
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "willow",
	Short: "Control the willow voice assistant daemon",
	Long: `willow talks to the willowd daemon over the session bus.

It can query and change the listening mode, start and stop listening,
read and edit the live configuration, and follow the daemon's events.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()

		var err error
		settings, err = config.LoadSettings(globalOpts.settingsPath)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		if globalOpts.format != "" {
			settings.Output.Format = globalOpts.format
		}
		return settings.Validate()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.verbose, "verbose", "v", false,
		"Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&globalOpts.settingsPath, "settings", "",
		"Path to settings file (default: ~/.config/willow/willow.toml)")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.format, "format", "o", "",
		"Output format: text, json, yaml (default from settings)")
	rootCmd.PersistentFlags().DurationVar(&globalOpts.timeout, "timeout", dbus.DefaultCallTimeout,
		"Time to wait for the daemon")
}

// setupLogger configures the global slog logger.
func setupLogger() {
	level := slog.LevelWarn
	if globalOpts.verbose {
		level = slog.LevelDebug
	}

	// Log to stderr so stdout is clean for output
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// callContext bounds a one-shot command.
func callContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), globalOpts.timeout)
}

// withClient dials the bus and runs fn with a client proxy.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *dbus.Client) error) error {
	ctx, cancel := callContext(cmd)
	defer cancel()

	c, err := dbus.Dial(ctx, logger)
	if err != nil {
		return fmt.Errorf("%w: %w", session.ErrConnection, err)
	}
	defer c.Close()
	return fn(ctx, c)
}

// withSession runs one intent through a short-lived session, so failures are
// classified the same way the watch command sees them.
func withSession(cmd *cobra.Command, intent func(s *session.Session) *session.Future) error {
	ctx, cancel := callContext(cmd)
	defer cancel()

	s := session.New(session.BusDialer(logger), logger)
	s.SetAutoStart(false)
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Close()

	return intent(s).Wait(ctx)
}
