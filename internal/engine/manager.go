package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/saim20/willow/internal/config"
	"github.com/saim20/willow/internal/metrics"
)

// Manager owns the active Recognizer and runs the reload state machine.
type Manager struct {
	// mu guards the engine handle and state. The audio path holds it for
	// reading across a transcription, so a teardown never races a decode.
	mu     sync.RWMutex
	state  State
	rec    Recognizer
	params Params
	gen    string
	active *config.Configuration

	segMu sync.Mutex
	seg   *Segmenter

	reqMu   sync.Mutex
	pending *config.Configuration
	waiters []chan Result
	wake    chan struct{}

	factory   Factory
	preflight func(Params) error
	modelDir  string
	clock     clockwork.Clock
	metrics   metrics.Recorder
	logger    *slog.Logger

	cbMu         sync.RWMutex
	onReady      func(Result)
	onError      func(Result)
	onTransition func(from, to State)

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a Manager that builds engines with factory. The manager
// starts Degraded with no engine until the first Load completes.
func NewManager(factory Factory, modelDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		state:     StateDegraded,
		seg:       NewSegmenter(DefaultVAD),
		wake:      make(chan struct{}, 1),
		factory:   factory,
		preflight: checkModelFile,
		modelDir:  modelDir,
		clock:     clockwork.NewRealClock(),
		metrics:   metrics.NoopRecorder{},
		logger:    logger,
	}
}

// SetClock replaces the clock used for reload durations.
func (m *Manager) SetClock(c clockwork.Clock) {
	m.clock = c
}

// SetMetrics sets the metrics recorder.
func (m *Manager) SetMetrics(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	m.metrics = r
}

// SetPreflight replaces the check run before the current engine is torn
// down. A failing preflight leaves the previous engine in place.
func (m *Manager) SetPreflight(fn func(Params) error) {
	if fn == nil {
		fn = func(Params) error { return nil }
	}
	m.preflight = fn
}

// SetReadyCallback sets the callback invoked when a reload reaches Ready.
func (m *Manager) SetReadyCallback(fn func(Result)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onReady = fn
}

// SetErrorCallback sets the callback invoked once per failed reload.
func (m *Manager) SetErrorCallback(fn func(Result)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onError = fn
}

// SetTransitionCallback sets the callback invoked on every state change.
func (m *Manager) SetTransitionCallback(fn func(from, to State)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onTransition = fn
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Loaded reports whether an engine instance is available.
func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec != nil
}

// Params returns the parameters of the loaded engine.
func (m *Manager) Params() Params {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params
}

// Active returns the configuration of the last successful reload.
func (m *Manager) Active() *config.Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Generation returns the ID of the reload that built the loaded engine.
func (m *Manager) Generation() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

// Start launches the reload worker.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.loop(ctx)

	// Requests queued before Start still need a wakeup.
	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.logger.Debug("engine manager started")
	return nil
}

// Stop stops the reload worker and releases the loaded engine. Requests
// still pending resolve with a context error.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()

	<-m.doneCh

	m.mu.Lock()
	rec := m.rec
	m.rec = nil
	m.mu.Unlock()
	if rec != nil {
		if err := rec.Close(); err != nil {
			m.logger.Warn("failed to close engine", "error", err)
		}
	}
	m.logger.Debug("engine manager stopped")
}

// Load requests an unconditional reload with cfg. Used at startup.
func (m *Manager) Load(cfg *config.Configuration) <-chan Result {
	ch := make(chan Result, 1)
	m.enqueue(cfg, ch)
	return ch
}

// Evaluate decides whether diff requires a reload. Diffs without
// reload-triggering keys resolve immediately and leave the state untouched;
// otherwise a reload with cfg is queued. The returned channel receives
// exactly one Result.
func (m *Manager) Evaluate(diff config.Diff, cfg *config.Configuration) <-chan Result {
	ch := make(chan Result, 1)
	if !diff.NeedsReload() {
		m.mu.RLock()
		res := Result{State: m.state, Params: m.params, Config: cfg, Requests: 1}
		m.mu.RUnlock()
		ch <- res
		return ch
	}
	m.enqueue(cfg, ch)
	return ch
}

func (m *Manager) enqueue(cfg *config.Configuration, ch chan Result) {
	m.reqMu.Lock()
	m.pending = cfg
	m.waiters = append(m.waiters, ch)
	n := len(m.waiters)
	m.reqMu.Unlock()

	if n > 1 {
		m.logger.Debug("reload request coalesced", "pending_requests", n)
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SetVAD replaces the segmentation parameters. Buffered speech is kept.
func (m *Manager) SetVAD(p VADParams) {
	m.segMu.Lock()
	defer m.segMu.Unlock()
	m.seg.SetParams(p)
}

// Feed pushes captured samples through the segmenter and transcribes every
// completed speech segment with the active engine. Samples are dropped while
// the engine is reloading or absent.
func (m *Manager) Feed(ctx context.Context, samples []float32) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state == StateReloading || m.rec == nil {
		m.metrics.IncFramesDropped(max(1, len(samples)/FrameSize))
		return nil, nil
	}

	m.segMu.Lock()
	segments := m.seg.Push(samples)
	m.segMu.Unlock()

	var texts []string
	for _, segment := range segments {
		raw, err := m.rec.Transcribe(ctx, segment)
		if err != nil {
			return texts, fmt.Errorf("failed to transcribe segment: %w", err)
		}
		m.metrics.IncTranscriptions()
		if text := CleanTranscript(raw); text != "" {
			texts = append(texts, text)
		}
	}
	return texts, nil
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.doneCh)

	for {
		select {
		case <-ctx.Done():
			m.abandon(ctx.Err())
			return
		case <-m.stopCh:
			m.abandon(context.Canceled)
			return
		case <-m.wake:
			m.drain(ctx)
		}
	}
}

type attempt struct {
	id     string
	params Params
	cfg    *config.Configuration
	err    error
}

// drain runs reloads until no request is pending. Only the last attempt
// publishes a terminal state; every request collected along the way resolves
// with its result.
func (m *Manager) drain(ctx context.Context) {
	var waiters []chan Result
	var start time.Time

	for {
		m.reqMu.Lock()
		cfg := m.pending
		waiters = append(waiters, m.waiters...)
		m.pending, m.waiters = nil, nil
		m.reqMu.Unlock()

		if cfg == nil {
			return
		}
		if start.IsZero() {
			start = m.clock.Now()
		}

		a := m.reload(ctx, cfg)

		m.reqMu.Lock()
		more := m.pending != nil
		m.reqMu.Unlock()
		if more && ctx.Err() == nil {
			m.logger.Debug("applying coalesced reload", "superseded", a.id)
			continue
		}

		m.finish(a, waiters, m.clock.Since(start))
		return
	}
}

func (m *Manager) reload(ctx context.Context, cfg *config.Configuration) attempt {
	a := attempt{
		id:     ulid.Make().String(),
		params: ParamsFrom(cfg, m.modelDir),
		cfg:    cfg,
	}
	m.setState(StateReloading)

	m.segMu.Lock()
	m.seg.Reset()
	m.segMu.Unlock()

	m.logger.Info("reloading recognition engine",
		"reload_id", a.id,
		"model", a.params.Model,
		"gpu", a.params.GPU,
	)

	if err := m.preflight(a.params); err != nil {
		a.err = fmt.Errorf("%w: %w", ErrReload, err)
		return a
	}

	m.mu.Lock()
	old := m.rec
	m.rec = nil
	m.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("failed to close previous engine", "reload_id", a.id, "error", err)
		}
	}

	rec, err := m.factory(ctx, a.params)
	if err != nil {
		a.err = fmt.Errorf("%w: %w", ErrReload, err)
		return a
	}

	m.mu.Lock()
	m.rec = rec
	m.params = a.params
	m.gen = a.id
	m.mu.Unlock()
	return a
}

func (m *Manager) finish(a attempt, waiters []chan Result, d time.Duration) {
	state := StateReady
	label := metrics.ResultSuccess
	if a.err != nil {
		state = StateDegraded
		label = metrics.ResultFailed
	} else {
		m.mu.Lock()
		m.active = a.cfg
		m.mu.Unlock()
	}
	m.setState(state)

	m.metrics.IncReload(label)
	m.metrics.ObserveReloadDuration(d)

	res := Result{
		ID:       a.id,
		Reloaded: true,
		State:    state,
		Params:   a.params,
		Config:   a.cfg,
		Requests: len(waiters),
		Duration: d,
		Err:      a.err,
	}

	m.cbMu.RLock()
	onReady, onError := m.onReady, m.onError
	m.cbMu.RUnlock()

	if a.err != nil {
		m.logger.Error("recognition engine reload failed",
			"reload_id", a.id,
			"model", a.params.Model,
			"gpu", a.params.GPU,
			"loaded", m.Loaded(),
			"error", a.err,
		)
		if onError != nil {
			onError(res)
		}
	} else {
		m.logger.Info("recognition engine ready",
			"reload_id", a.id,
			"duration", d,
			"requests", len(waiters),
		)
		if onReady != nil {
			onReady(res)
		}
	}

	for _, ch := range waiters {
		ch <- res
	}
}

func (m *Manager) abandon(err error) {
	m.reqMu.Lock()
	waiters := m.waiters
	m.pending, m.waiters = nil, nil
	m.reqMu.Unlock()

	state := m.State()
	for _, ch := range waiters {
		ch <- Result{State: state, Requests: len(waiters), Err: err}
	}
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.cbMu.RLock()
	fn := m.onTransition
	m.cbMu.RUnlock()
	if fn != nil {
		fn(from, to)
	}
}

func checkModelFile(p Params) error {
	info, err := os.Stat(p.ModelPath)
	if err != nil {
		return fmt.Errorf("model file %s: %w", p.ModelPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path %s is a directory", p.ModelPath)
	}
	return nil
}
