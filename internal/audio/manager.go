package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/saim20/willow/internal/metrics"
)

// SampleRate is the capture rate expected by the recognizer.
const SampleRate = 16000

// Source produces mono float32 samples at SampleRate.
type Source interface {
	// Stream delivers captured chunks to fn until ctx is done. fn must not
	// retain the slice.
	Stream(ctx context.Context, fn func(samples []float32)) error
}

// Sink consumes captured chunks.
type Sink func(ctx context.Context, samples []float32)

// Manager runs a Source and forwards its chunks to a Sink.
type Manager struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	source  Source
	sink    Sink
	metrics metrics.Recorder

	queueSize int
	onError   func(error)

	cancel  context.CancelFunc
	doneCh  chan struct{}
	errCh   chan error
	running bool
}

// NewManager creates a capture manager.
func NewManager(source Source, sink Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger,
		source:    source,
		sink:      sink,
		metrics:   metrics.NoopRecorder{},
		queueSize: 64,
	}
}

// SetMetrics sets the recorder for dropped chunks.
func (m *Manager) SetMetrics(r metrics.Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	m.metrics = r
}

// SetErrorCallback sets the callback invoked when the source stops on its
// own. Capture is not restarted.
func (m *Manager) SetErrorCallback(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// SetQueueSize sets how many chunks may wait for the sink.
func (m *Manager) SetQueueSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.queueSize = n
	}
}

// Start begins capturing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.source == nil {
		return fmt.Errorf("no audio source configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	m.errCh = make(chan error, 1)
	m.running = true

	queue := make(chan []float32, m.queueSize)
	go m.consume(ctx, queue, m.doneCh)
	go m.produce(ctx, queue, m.errCh)

	m.logger.Debug("audio capture started")
	return nil
}

// Stop stops capturing and waits for the sink to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	done := m.doneCh
	m.mu.Unlock()

	<-done
	m.logger.Debug("audio capture stopped")
}

// IsRunning returns whether capture is active.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Err returns a channel that receives the source's error if it stops on its
// own.
func (m *Manager) Err() <-chan error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errCh
}

func (m *Manager) produce(ctx context.Context, queue chan<- []float32, errCh chan<- error) {
	defer close(queue)

	err := m.source.Stream(ctx, func(samples []float32) {
		chunk := make([]float32, len(samples))
		copy(chunk, samples)
		select {
		case queue <- chunk:
		default:
			m.mu.RLock()
			rec := m.metrics
			m.mu.RUnlock()
			rec.IncFramesDropped(max(1, len(chunk)*50/SampleRate))
		}
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Error("audio source failed", "error", err)
		errCh <- err
		m.mu.RLock()
		fn := m.onError
		m.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	}
}

func (m *Manager) consume(ctx context.Context, queue <-chan []float32, done chan struct{}) {
	defer close(done)

	for chunk := range queue {
		if ctx.Err() != nil {
			continue
		}
		m.sink(ctx, chunk)
	}
}
