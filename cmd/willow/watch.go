package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/saim20/willow/internal/dbus"
	"github.com/saim20/willow/internal/session"
)

var watchOpts struct {
	autoStart bool
	noStart   bool
	retry     time.Duration
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the daemon's status and events",
	Long: `Follow the daemon's status and events until interrupted.

The status shown merges the daemon's signals with a poll every two
seconds. Shortly after connecting, the daemon is told to start listening
if it is idle (see [session] auto_start in the settings file).`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchOpts.autoStart, "auto-start", false,
		"Start listening if the daemon is idle (overrides settings)")
	watchCmd.Flags().BoolVar(&watchOpts.noStart, "no-start", false,
		"Never start listening automatically (overrides settings)")
	watchCmd.Flags().DurationVar(&watchOpts.retry, "retry", 5*time.Second,
		"Interval between reconnect attempts while the daemon is unreachable")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	autoStart := settings.Session.AutoStart
	switch {
	case watchOpts.noStart:
		autoStart = false
	case watchOpts.autoStart:
		autoStart = true
	}

	out := cmd.OutOrStdout()
	w := &watcher{out: out, bufferSize: settings.Output.BufferSize}

	s := session.New(session.BusDialer(logger), logger)
	s.SetAutoStart(autoStart)
	s.SetErrorCallback(func(err error) {
		if errors.Is(err, session.ErrClosed) {
			return
		}
		w.line("error: %v", err)
	})
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Close()

	retry := time.NewTicker(watchOpts.retry)
	defer retry.Stop()

	updates, events := s.Updates(), s.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			w.snapshot(snap)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.event(ev)
		case <-retry.C:
			if s.Snapshot().State == session.StateDisconnected {
				s.Connect()
			}
		}
	}
}

// watcher renders snapshot changes and events as log lines.
type watcher struct {
	out        io.Writer
	bufferSize int

	last       session.Snapshot
	modeSince  time.Time
	haveStatus bool
}

func (w *watcher) line(format string, args ...any) {
	fmt.Fprintf(w.out, "%s  %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func (w *watcher) snapshot(snap session.Snapshot) {
	prev := w.last
	w.last = snap

	if snap.State != prev.State {
		w.line("%s", snap.State)
	}
	if !snap.Known {
		w.haveStatus = false
		return
	}

	st := snap.Status
	if !w.haveStatus {
		w.haveStatus = true
		w.modeSince = snap.UpdatedAt
		w.line("listening=%t mode=%s engine=%s commands=%d", st.IsRunning, st.CurrentMode, st.EngineState, st.CommandCount)
		return
	}

	old := prev.Status
	if st.CurrentMode != old.CurrentMode {
		w.line("mode %s -> %s (after %s, via %s)", old.CurrentMode, st.CurrentMode, since(w.modeSince, snap.UpdatedAt), snap.Source)
		w.modeSince = snap.UpdatedAt
	}
	if st.IsRunning != old.IsRunning {
		if st.IsRunning {
			w.line("listening started")
		} else {
			w.line("listening stopped")
		}
	}
	if st.EngineState != old.EngineState {
		w.line("engine %s", st.EngineState)
	}
	if st.CurrentBuffer != old.CurrentBuffer && st.CurrentBuffer != "" {
		w.line("buffer %q", truncate(st.CurrentBuffer, w.bufferSize))
	}
}

func (w *watcher) event(ev dbus.Event) {
	switch e := ev.(type) {
	case dbus.CommandExecutedEvent:
		w.line("ran %s (%q, %.0f%%)", e.Command, e.Phrase, e.Confidence*100)
	case dbus.ErrorEvent:
		w.line("daemon error: %s: %s", e.Message, e.Details)
	case dbus.NotificationEvent:
		w.line("[%s] %s", e.Urgency, e.Message)
	case dbus.ConfigChangedEvent:
		w.line("configuration changed (%s)", humanize.Bytes(uint64(len(e.Config))))
	}
}

// since renders the time between two instants, e.g. "3 minutes".
func since(from, to time.Time) string {
	if from.IsZero() {
		return "unknown"
	}
	return strings.TrimSpace(humanize.RelTime(from, to, "", ""))
}
