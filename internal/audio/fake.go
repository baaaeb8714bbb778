package audio

import (
	"context"
	"sync"
)

// FakeSource replays queued chunks and then waits for cancellation.
type FakeSource struct {
	mu      sync.Mutex
	chunks  [][]float32
	err     error
	started chan struct{}
	once    sync.Once
}

// NewFakeSource creates a FakeSource that delivers chunks in order.
func NewFakeSource(chunks ...[]float32) *FakeSource {
	return &FakeSource{chunks: chunks, started: make(chan struct{})}
}

// Fail makes Stream return err after delivering the queued chunks.
func (f *FakeSource) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Started is closed once Stream has been called.
func (f *FakeSource) Started() <-chan struct{} {
	return f.started
}

// Stream delivers the queued chunks.
func (f *FakeSource) Stream(ctx context.Context, fn func(samples []float32)) error {
	f.once.Do(func() { close(f.started) })

	f.mu.Lock()
	chunks := f.chunks
	f.chunks = nil
	err := f.err
	f.mu.Unlock()

	for _, c := range chunks {
		if ctx.Err() != nil {
			return nil
		}
		fn(c)
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
