package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
)

// PulseSource captures from the default PulseAudio (or PipeWire) source.
type PulseSource struct {
	mu     sync.Mutex
	client *pulse.Client
	// Latency is the requested buffering in seconds.
	Latency float64
	// Gain multiplies every sample. Zero means unity.
	Gain float32
}

// NewPulseSource connects to the sound server.
func NewPulseSource() (*PulseSource, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &PulseSource{client: c, Latency: 0.05}, nil
}

// Stream records until ctx is done.
func (p *PulseSource) Stream(ctx context.Context, fn func(samples []float32)) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return fmt.Errorf("pulse: client closed")
	}

	gain := p.Gain
	writer := pulse.Float32Writer(func(buf []float32) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		if gain != 0 && gain != 1 {
			for i := range buf {
				buf[i] = clamp(buf[i] * gain)
			}
		}
		fn(buf)
		return len(buf), nil
	})

	stream, err := client.NewRecord(writer,
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordLatency(p.Latency),
	)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}
	defer stream.Close()

	stream.Start()
	<-ctx.Done()
	stream.Stop()

	if err := stream.Error(); err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}
	return nil
}

// Close disconnects from the sound server.
func (p *PulseSource) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}

func clamp(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
