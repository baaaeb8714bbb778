package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/saim20/willow/internal/audio"
	"github.com/saim20/willow/internal/config"
	"github.com/saim20/willow/internal/dbus"
	"github.com/saim20/willow/internal/engine"
	"github.com/saim20/willow/internal/metrics"
)

// Emitter publishes the control interface's signals.
type Emitter interface {
	EmitModeChanged(newMode, oldMode dbus.Mode) error
	EmitBufferChanged(buffer string) error
	EmitCommandExecuted(command, phrase string, confidence float64) error
	EmitStatusChanged(status dbus.Status) error
	EmitError(message, details string) error
	EmitNotification(title, message, urgency string) error
	EmitConfigChanged(config string) error
}

// Capture is the audio capture lifecycle used by Start and Stop.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// Service implements the bus methods on top of the config store, the engine
// manager and the capture pipeline.
type Service struct {
	mu       sync.Mutex
	mode     dbus.Mode
	running  bool
	buffer   string
	executed map[string]time.Time

	store    *config.Store
	engine   *engine.Manager
	capture  Capture
	executor Executor
	typer    Typer
	emitter  Emitter
	notifier *Notifier
	clock    clockwork.Clock
	metrics  metrics.Recorder
	logger   *slog.Logger

	restartDelay time.Duration
	ctx          context.Context

	// reloads tracks goroutines waiting on reload results.
	reloads sync.WaitGroup
}

// NewService creates a Service and registers its hooks on store and eng.
func NewService(store *config.Store, eng *engine.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		mode:         dbus.ModeNormal,
		executed:     make(map[string]time.Time),
		store:        store,
		engine:       eng,
		executor:     NewSystemdExecutor(logger),
		typer:        YdotoolTyper{},
		emitter:      nopEmitter{},
		notifier:     NewNotifier(logger),
		clock:        clockwork.NewRealClock(),
		metrics:      metrics.NoopRecorder{},
		logger:       logger,
		restartDelay: 500 * time.Millisecond,
		ctx:          context.Background(),
	}
	s.notifier.SetEmitter(s.emitter.EmitNotification)

	store.SetApplyHook(s.onConfigApplied)
	eng.SetErrorCallback(s.onReloadFailed)
	eng.SetReadyCallback(s.onReloadReady)
	eng.SetTransitionCallback(func(_, _ engine.State) { s.publishStatus() })
	eng.SetVAD(VADFor(s.mode))
	return s
}

// SetEmitter sets the signal emitter. It must be called before the service
// receives calls.
func (s *Service) SetEmitter(e Emitter) {
	if e == nil {
		e = nopEmitter{}
	}
	s.mu.Lock()
	s.emitter = e
	s.mu.Unlock()
	s.notifier.SetEmitter(e.EmitNotification)
}

// SetCapture sets the audio capture pipeline.
func (s *Service) SetCapture(c Capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture = c
}

// SetExecutor sets the command executor.
func (s *Service) SetExecutor(e Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = e
}

// SetTyper sets the text typer.
func (s *Service) SetTyper(t Typer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typer = t
}

// SetClock replaces the clock used for duplicate suppression and restarts.
func (s *Service) SetClock(c clockwork.Clock) {
	s.mu.Lock()
	s.clock = c
	s.mu.Unlock()
	s.notifier.SetClock(c)
}

// SetMetrics sets the metrics recorder.
func (s *Service) SetMetrics(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = r
}

// SetContext sets the context used for capture and command execution.
func (s *Service) SetContext(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

// Notifier returns the rate-limited notifier.
func (s *Service) Notifier() *Notifier {
	return s.notifier
}

// ProcessAudio feeds captured samples through the engine and dispatches the
// resulting transcriptions. It is the audio.Sink of the capture pipeline.
func (s *Service) ProcessAudio(ctx context.Context, samples []float32) {
	texts, err := s.engine.Feed(ctx, samples)
	for _, text := range texts {
		s.logger.Debug("transcription", "text", text, "mode", s.GetMode())
		s.HandleTranscript(ctx, text)
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("transcription failed", "error", err)
		s.emitter.EmitError("Transcription Error", err.Error())
	}
}

var _ Capture = (*audio.Manager)(nil)

// SetMode switches mode.
func (s *Service) SetMode(mode dbus.Mode) error {
	if _, err := dbus.ParseMode(string(mode)); err != nil {
		return err
	}
	s.switchMode(mode)
	return nil
}

// GetMode returns the current mode.
func (s *Service) GetMode() dbus.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// GetStatus returns the current status.
func (s *Service) GetStatus() dbus.Status {
	s.mu.Lock()
	running, mode, buffer := s.running, s.mode, s.buffer
	s.mu.Unlock()

	return dbus.Status{
		IsRunning:     running,
		CurrentMode:   mode,
		CurrentBuffer: buffer,
		CommandCount:  int32(len(s.store.Get().Commands())),
		WhisperLoaded: s.engine.Loaded(),
		EngineState:   s.engine.State().String(),
	}
}

// GetConfig returns the serialized configuration.
func (s *Service) GetConfig() string {
	return s.store.Get().String()
}

// GetBuffer returns the last transcription shown to the user.
func (s *Service) GetBuffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// UpdateConfig merges a JSON document into the configuration.
func (s *Service) UpdateConfig(doc string) error {
	update, err := config.Parse([]byte(doc))
	if err != nil {
		s.recordUpdate(err)
		return err
	}
	_, err = s.store.ApplyUpdate(update)
	s.recordUpdate(err)
	return err
}

// SetConfigValue sets one configuration key.
func (s *Service) SetConfigValue(key string, value any) error {
	_, err := s.store.SetValue(key, value)
	s.recordUpdate(err)
	return err
}

func (s *Service) recordUpdate(err error) {
	s.mu.Lock()
	rec := s.metrics
	s.mu.Unlock()

	switch {
	case err == nil:
		rec.IncConfigUpdate(metrics.ResultSuccess)
	case errors.Is(err, config.ErrUnknownKey), errors.Is(err, config.ErrValidation):
		rec.IncConfigUpdate(metrics.ResultRejected)
	default:
		rec.IncConfigUpdate(metrics.ResultFailed)
	}
}

// Start begins listening. The recognition engine must be loaded.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	capture, ctx := s.capture, s.ctx
	s.mu.Unlock()

	if !s.engine.Loaded() {
		err := fmt.Errorf("cannot start: %w", engine.ErrNotLoaded)
		s.emitter.EmitError("Start Error", err.Error())
		return err
	}
	if capture != nil {
		if err := capture.Start(ctx); err != nil {
			s.emitter.EmitError("Start Error", err.Error())
			return fmt.Errorf("failed to start capture: %w", err)
		}
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("listening started", "mode", s.GetMode())
	s.notifier.NotifyStarted()
	s.publishStatus()
	return nil
}

// Stop stops listening.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	capture := s.capture
	s.mu.Unlock()

	if capture != nil {
		capture.Stop()
	}

	s.logger.Info("listening stopped")
	s.notifier.NotifyStopped()
	s.publishStatus()
	return nil
}

// Restart stops, pauses briefly and starts again.
func (s *Service) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	clock, delay := s.clock, s.restartDelay
	s.mu.Unlock()
	clock.Sleep(delay)
	return s.Start()
}

// SetRestartDelay sets the pause between Stop and Start in Restart.
func (s *Service) SetRestartDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartDelay = d
}

// Wait blocks until every pending reload result has been handled.
func (s *Service) Wait() {
	s.reloads.Wait()
}

func (s *Service) switchMode(mode dbus.Mode) {
	s.mu.Lock()
	old := s.mode
	if old == mode {
		s.mu.Unlock()
		return
	}
	s.mode = mode
	clearBuffer := s.buffer != ""
	s.buffer = ""
	s.mu.Unlock()

	s.engine.SetVAD(VADFor(mode))
	s.logger.Info("mode changed", "from", old, "to", mode)
	s.emitter.EmitModeChanged(mode, old)
	if clearBuffer {
		s.emitter.EmitBufferChanged("")
	}
	s.notifier.NotifyModeChanged(mode)
	s.publishStatus()
}

func (s *Service) setBuffer(text string) {
	s.mu.Lock()
	if s.buffer == text {
		s.mu.Unlock()
		return
	}
	s.buffer = text
	s.mu.Unlock()

	s.emitter.EmitBufferChanged(text)
	s.publishStatus()
}

func (s *Service) publishStatus() {
	s.emitter.EmitStatusChanged(s.GetStatus())
}

// onConfigApplied runs for every successful store apply. Diffs without
// reload-triggering keys announce the new configuration immediately; other
// diffs announce it once the engine is Ready again. The announced document
// is always the store's current one, which may already include updates
// applied while the reload was running.
func (s *Service) onConfigApplied(diff config.Diff, cfg *config.Configuration) {
	result := s.engine.Evaluate(diff, cfg)
	if diff.Empty() {
		return
	}
	if !diff.NeedsReload() {
		<-result
		s.emitter.EmitConfigChanged(cfg.String())
		return
	}

	s.reloads.Add(1)
	go func() {
		defer s.reloads.Done()
		res := <-result
		if res.Err != nil {
			return
		}
		current := s.store.Get()
		if current != res.Config {
			s.logger.Debug("configuration changed during reload",
				"reload_id", res.ID,
				"keys", config.Compare(res.Config, current).All(),
			)
		}
		s.emitter.EmitConfigChanged(current.String())
	}()
}

func (s *Service) onReloadReady(res engine.Result) {
	s.notifier.NotifyEngineReady(res.Params.Model)
}

func (s *Service) onReloadFailed(res engine.Result) {
	if errors.Is(res.Err, context.Canceled) {
		return
	}
	s.emitter.EmitError("Model Reload Failed", res.Err.Error())
}

type nopEmitter struct{}

func (nopEmitter) EmitModeChanged(dbus.Mode, dbus.Mode) error              { return nil }
func (nopEmitter) EmitBufferChanged(string) error                          { return nil }
func (nopEmitter) EmitCommandExecuted(string, string, float64) error       { return nil }
func (nopEmitter) EmitStatusChanged(dbus.Status) error                     { return nil }
func (nopEmitter) EmitError(string, string) error                          { return nil }
func (nopEmitter) EmitNotification(string, string, string) error           { return nil }
func (nopEmitter) EmitConfigChanged(string) error                          { return nil }
