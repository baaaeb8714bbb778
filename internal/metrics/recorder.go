// Package metrics exposes daemon counters. The Recorder interface keeps the
// engine and daemon packages independent of the Prometheus client.
package metrics

import "time"

// ResultLabel enumerates outcome categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultRejected ResultLabel = "rejected"
)

// Recorder defines observability hooks for the reload engine and the bus
// service. Implementations must tolerate concurrent use.
type Recorder interface {
	IncReload(result ResultLabel)
	ObserveReloadDuration(d time.Duration)
	IncFramesDropped(n int)
	IncTranscriptions()
	IncConfigUpdate(result ResultLabel)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncReload(ResultLabel)                {}
func (NoopRecorder) ObserveReloadDuration(time.Duration) {}
func (NoopRecorder) IncFramesDropped(int)                 {}
func (NoopRecorder) IncTranscriptions()                   {}
func (NoopRecorder) IncConfigUpdate(ResultLabel)          {}
