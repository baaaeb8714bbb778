// Package engine owns the speech recognition engine handle and decides, for
// every applied configuration diff, whether the engine must be rebuilt.
//
// Reloads are serialized on a single worker goroutine. Requests arriving
// while a reload is in flight are coalesced so that only the most recent
// configuration is applied next, and every coalesced requester observes the
// same terminal Result. Audio fed while the engine is reloading is dropped.
package engine

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/saim20/willow/internal/config"
)

// ErrReload wraps every engine reinitialization failure.
var ErrReload = errors.New("engine reload failed")

// ErrNotLoaded is returned when no engine instance is available.
var ErrNotLoaded = errors.New("recognition engine not loaded")

// State is the reload state machine state.
type State int

const (
	// StateReady means an engine instance is loaded and accepts audio.
	StateReady State = iota
	// StateReloading means a reinitialization is in progress. Audio is dropped.
	StateReloading
	// StateDegraded means the last reload failed. The previous instance is kept
	// when it was not yet torn down.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateReloading:
		return "reloading"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Recognizer is an initialized speech recognition engine instance.
type Recognizer interface {
	// Transcribe converts 16 kHz mono samples to text.
	Transcribe(ctx context.Context, samples []float32) (string, error)
	// Close releases the instance's resources.
	Close() error
}

// Params are the init-time parameters of an engine instance.
type Params struct {
	Model     string // model file name as configured
	ModelPath string // absolute path to the model file
	GPU       bool
}

// ParamsFrom derives engine parameters from a configuration.
func ParamsFrom(cfg *config.Configuration, modelDir string) Params {
	model := cfg.Str(config.KeyWhisperModel)
	path := model
	if !filepath.IsAbs(path) {
		path = filepath.Join(modelDir, model)
	}
	return Params{
		Model:     model,
		ModelPath: path,
		GPU:       cfg.Bool(config.KeyGPUAcceleration),
	}
}

// Factory creates a new engine instance.
type Factory func(ctx context.Context, p Params) (Recognizer, error)

// Result is the outcome of one evaluation.
type Result struct {
	// ID identifies the reload attempt that produced this result. Empty when
	// no reload was needed.
	ID string
	// Reloaded is true when the diff required reinitialization.
	Reloaded bool
	State    State
	Params   Params
	// Config is the configuration the engine now reflects.
	Config *config.Configuration
	// Requests is the number of coalesced requests resolved by this result.
	Requests int
	Duration time.Duration
	Err      error
}
