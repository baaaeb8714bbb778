package engine

import (
	"context"
	"fmt"
	"sync"
)

// FakeRecognizer returns a fixed transcript. FakeFactory builds it for tests
// of packages that drive a Manager.
type FakeRecognizer struct {
	mu     sync.Mutex
	text   string
	err    error
	params Params
	calls  int
	closed bool
}

// NewFake creates a FakeRecognizer.
func NewFake(text string, err error) *FakeRecognizer {
	return &FakeRecognizer{text: text, err: err}
}

func (f *FakeRecognizer) Transcribe(_ context.Context, _ []float32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", fmt.Errorf("fake recognizer error: %w", f.err)
	}
	return f.text, nil
}

// SetText changes the transcript returned by later calls.
func (f *FakeRecognizer) SetText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
}

func (f *FakeRecognizer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeRecognizer) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Calls returns the number of Transcribe calls.
func (f *FakeRecognizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Params returns the parameters the instance was built with.
func (f *FakeRecognizer) Params() Params {
	return f.params
}

// FakeFactory builds FakeRecognizers and records every instance.
type FakeFactory struct {
	mu        sync.Mutex
	text      string
	fail      error
	gate      chan struct{}
	instances []*FakeRecognizer
}

// NewFakeFactory creates a FakeFactory whose instances return text.
func NewFakeFactory(text string) *FakeFactory {
	return &FakeFactory{text: text}
}

// Fail makes later builds return err (nil to succeed again).
func (f *FakeFactory) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

// Hold makes later builds block until Release is called.
func (f *FakeFactory) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// Release unblocks builds waiting since Hold.
func (f *FakeFactory) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Instances returns every recognizer built so far.
func (f *FakeFactory) Instances() []*FakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeRecognizer(nil), f.instances...)
}

// Build implements Factory.
func (f *FakeFactory) Build(ctx context.Context, p Params) (Recognizer, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	r := NewFake(f.text, nil)
	r.params = p
	f.instances = append(f.instances, r)
	return r, nil
}
