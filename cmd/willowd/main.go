// Package main is the entry point for the willowd voice assistant daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/saim20/willow/internal/audio"
	"github.com/saim20/willow/internal/config"
	"github.com/saim20/willow/internal/daemon"
	"github.com/saim20/willow/internal/dbus"
	"github.com/saim20/willow/internal/engine"
	"github.com/saim20/willow/internal/metrics"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

var opts struct {
	configPath    string
	modelDir      string
	whisperServer string
	threads       int
	metricsAddr   string
	logLevel      string
	noCapture     bool
	listen        bool
}

var rootCmd = &cobra.Command{
	Use:   "willowd",
	Short: "Voice assistant daemon",
	Long: `willowd listens to the microphone, transcribes speech with a local
whisper model and acts on it according to the current mode:

  normal   wait for the hotword, then switch to command mode
  command  run the configured command whose phrase matches
  typing   type the dictated text into the focused window

It is controlled over the session bus as ` + dbus.BusName + `.
Configuration edits, from the bus or the config file, apply without a
restart; changing the model or GPU flag reloads the recognizer.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	RunE:         run,
	Args:         cobra.NoArgs,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&opts.configPath, "config", "",
		"Path to config file (default: ~/.config/willow/config.json)")
	rootCmd.Flags().StringVar(&opts.modelDir, "model-dir", "",
		"Directory holding whisper models (default: ~/.local/share/willow/models)")
	rootCmd.Flags().StringVar(&opts.whisperServer, "whisper-server", "whisper-server",
		"whisper-server executable")
	rootCmd.Flags().IntVar(&opts.threads, "threads", 4,
		"Inference threads per recognizer")
	rootCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	rootCmd.Flags().StringVar(&opts.logLevel, "log-level", "info",
		"Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&opts.noCapture, "no-capture", false,
		"Do not open the microphone (bus and config only)")
	rootCmd.Flags().BoolVar(&opts.listen, "listen", false,
		"Start listening as soon as the model is loaded")
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func run(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	logger.Info("starting willowd", "version", version)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := opts.configPath
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	modelDir := opts.modelDir
	if modelDir == "" {
		if err := config.EnsureDataDir(); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		modelDir = config.ModelDir()
	}

	store, err := config.Open(configPath, logger.With("component", "config"))
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}
	logger.Info("configuration loaded", "path", store.Path(), "model_dir", modelDir)

	reg := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)

	factory := engine.NewServerFactory(engine.ServerOptions{
		Binary:  opts.whisperServer,
		Threads: opts.threads,
		Logger:  logger.With("component", "whisper"),
	})
	eng := engine.NewManager(factory, modelDir, logger.With("component", "engine"))
	eng.SetMetrics(recorder)

	svc := daemon.NewService(store, eng, logger.With("component", "service"))
	svc.SetMetrics(recorder)
	svc.SetContext(ctx)

	server := dbus.NewServer(svc, logger.With("component", "dbus"))
	svc.SetEmitter(server)

	var capture *audio.Manager
	if !opts.noCapture {
		source, err := audio.NewPulseSource()
		if err != nil {
			return fmt.Errorf("failed to connect to audio server: %w", err)
		}
		defer source.Close()

		capture = audio.NewManager(source, svc.ProcessAudio, logger.With("component", "audio"))
		capture.SetMetrics(recorder)
		capture.SetErrorCallback(func(err error) {
			_ = server.EmitError("Audio Error", err.Error())
			// Stop waits for the pipeline; the callback runs on it.
			go func() {
				if err := svc.Stop(); err != nil {
					logger.Warn("failed to stop listening", "error", err)
				}
			}()
		})
		svc.SetCapture(capture)
	}

	watcher, err := daemon.NewConfigWatcher(store.Path(), logger.With("component", "watcher"))
	if err != nil {
		return err
	}
	watcher.SetReloadCallback(func() error {
		_, err := store.Reload()
		return err
	})
	watcher.SetErrorCallback(svc.Notifier().NotifyConfigError)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start D-Bus server: %w", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Warn("error stopping D-Bus server", "error", err)
		}
	}()

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config file watching disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res := <-eng.Load(store.Get())
		if res.Err != nil {
			logger.Error("failed to load speech model", "model", res.Params.Model, "error", res.Err)
			return nil
		}
		logger.Info("speech model loaded", "model", res.Params.Model, "gpu", res.Params.GPU, "duration", res.Duration)
		if opts.listen {
			if err := svc.Start(); err != nil {
				logger.Warn("failed to start listening", "error", err)
			}
		}
		return nil
	})

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HTTPHandler(reg))
		srv := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("serving metrics", "addr", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("willowd ready", "bus_name", dbus.BusName, "capture", capture != nil)

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()

	logger.Info("shutting down")
	if stopErr := svc.Stop(); stopErr != nil {
		logger.Warn("error stopping service", "error", stopErr)
	}
	svc.Wait()
	return err
}
