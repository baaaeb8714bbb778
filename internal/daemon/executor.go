package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Executor launches the shell command bound to a voice command.
type Executor interface {
	Run(ctx context.Context, command string) error
}

// Typer types text into the focused window.
type Typer interface {
	Type(ctx context.Context, text string) error
}

// SystemdExecutor starts commands in their own transient user scope so they
// outlive the daemon and are accounted to app.slice.
type SystemdExecutor struct {
	logger *slog.Logger
	// Binary is the systemd-run executable.
	Binary string
}

// NewSystemdExecutor creates a SystemdExecutor.
func NewSystemdExecutor(logger *slog.Logger) *SystemdExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemdExecutor{logger: logger, Binary: "systemd-run"}
}

// Args returns the argv used for command.
func (e *SystemdExecutor) Args(command string) []string {
	return []string{
		e.Binary, "--user", "--scope", "--slice=app.slice", "--quiet", "--collect",
		"/bin/sh", "-c", command,
	}
}

// Run starts command without waiting for it to exit.
func (e *SystemdExecutor) Run(ctx context.Context, command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("empty command")
	}
	args := e.Args(command)
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %q: %w", command, err)
	}
	e.logger.Debug("command started", "command", command, "pid", cmd.Process.Pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			e.logger.Warn("command exited with error", "command", command, "error", err)
		}
	}()
	return nil
}

// YdotoolTyper types with ydotool.
type YdotoolTyper struct {
	// Binary is the ydotool executable.
	Binary string
}

// Type types text followed by a space.
func (y YdotoolTyper) Type(ctx context.Context, text string) error {
	bin := y.Binary
	if bin == "" {
		bin = "ydotool"
	}
	out, err := exec.CommandContext(ctx, bin, "type", "--", text+" ").CombinedOutput()
	if err != nil {
		return fmt.Errorf("ydotool type failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
