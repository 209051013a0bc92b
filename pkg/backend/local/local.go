// Package local provides the on-device inference backend: a normalized
// autocorrelation pitch detector with an interchangeable parameter model.
//
// The detector is pure CPU-bound math with no allocation beyond the result,
// so a call on a 1024-sample frame completes well inside the fast-path
// latency budget on any host that reports local-ML capability.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/backend"
)

// Compile-time assertion that *Detector satisfies backend.Local.
var _ backend.Local = (*Detector)(nil)

// Model holds the tunable parameters of the autocorrelation detector.
// Models are registered by id and swapped atomically via LoadModel.
type Model struct {
	// Name is the model id used in config and LoadModel calls.
	Name string

	// MinFrequency and MaxFrequency bound the search range in Hz.
	MinFrequency float64
	MaxFrequency float64

	// RMSGate is the minimum frame energy; quieter frames yield no note.
	RMSGate float64

	// MinClarity is the minimum normalized autocorrelation peak value for a
	// detection to be reported. Doubles as the confidence floor.
	MinClarity float64
}

// builtinModels are the parameter sets that ship with the engine.
//
// "piano-full" covers the full piano range; "piano-fast" trades the lowest
// octave for a smaller lag search space on weak hosts.
var builtinModels = map[string]Model{
	"piano-full": {
		Name:         "piano-full",
		MinFrequency: 27.5,
		MaxFrequency: 4200,
		RMSGate:      0.01,
		MinClarity:   0.80,
	},
	"piano-fast": {
		Name:         "piano-fast",
		MinFrequency: 55,
		MaxFrequency: 4200,
		RMSGate:      0.015,
		MinClarity:   0.85,
	},
}

// DefaultModel is loaded when no model id is configured.
const DefaultModel = "piano-full"

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithModels replaces the built-in model registry. Used by tests and by
// deployments that ship tuned parameter sets.
func WithModels(models map[string]Model) Option {
	return func(d *Detector) {
		d.registry = models
	}
}

// Detector implements backend.Local using time-domain normalized
// autocorrelation with parabolic peak interpolation.
//
// Safe for concurrent use of Infer with LoadModel; Infer calls observe either
// the old or the new model, never a partial one.
type Detector struct {
	registry map[string]Model

	mu    sync.RWMutex
	model Model
}

// New creates a Detector with modelID loaded from the registry.
func New(modelID string, opts ...Option) (*Detector, error) {
	d := &Detector{registry: builtinModels}
	for _, o := range opts {
		o(d)
	}
	if modelID == "" {
		modelID = DefaultModel
	}
	if err := d.LoadModel(context.Background(), modelID); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadModel swaps in the model registered under id. The previous model stays
// active when the load fails.
func (d *Detector) LoadModel(_ context.Context, id string) error {
	m, ok := d.registry[id]
	if !ok {
		return fmt.Errorf("local: model %q: %w", id, backend.ErrModelNotFound)
	}
	if m.MinFrequency <= 0 || m.MaxFrequency <= m.MinFrequency {
		return fmt.Errorf("local: model %q has invalid frequency range: %w", id, backend.ErrModelLoadFailed)
	}

	d.mu.Lock()
	d.model = m
	d.mu.Unlock()

	slog.Info("local model loaded", "model", id)
	return nil
}

// ModelName returns the id of the currently loaded model, or "" when no
// model has been loaded yet.
func (d *Detector) ModelName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.model.Name
}

// Close releases detector resources. The detector holds no external
// resources, so Close only exists to satisfy the backend contract.
func (d *Detector) Close() error { return nil }

// Infer runs pitch detection on one frame. Returns (nil, nil) for frames
// below the energy gate or without a clear periodic component.
func (d *Detector) Infer(ctx context.Context, frame audio.Frame) (*audio.DetectedNote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.SampleRate <= 0 || len(frame.Samples) == 0 {
		return nil, fmt.Errorf("local: empty frame")
	}

	d.mu.RLock()
	m := d.model
	d.mu.RUnlock()

	rms := audio.RMS(frame.Samples)
	if rms < m.RMSGate {
		return nil, nil
	}

	freq, clarity := detectPitch(frame.Samples, frame.SampleRate, m)
	if clarity < m.MinClarity {
		return nil, nil
	}

	note, ok := audio.NoteFromFrequency(freq)
	if !ok {
		return nil, nil
	}
	note.Confidence = clarity
	note.Velocity = velocityFromRMS(rms)
	note.Timestamp = frame.Timestamp
	return &note, nil
}

// detectPitch estimates the fundamental frequency via normalized
// autocorrelation over the lag range implied by the model's frequency bounds.
// Returns the frequency and the peak clarity in [0, 1].
func detectPitch(samples []float32, sampleRate int, m Model) (float64, float64) {
	minLag := int(float64(sampleRate) / m.MaxFrequency)
	maxLag := int(float64(sampleRate) / m.MinFrequency)
	if minLag < 2 {
		minLag = 2
	}
	if maxLag >= len(samples) {
		maxLag = len(samples) - 1
	}
	if maxLag <= minLag {
		return 0, 0
	}

	// Energy of the full window, reused as the lag-0 normalization term.
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	if energy == 0 {
		return 0, 0
	}

	// Normalized autocorrelation across the lag range.
	norms := make([]float64, maxLag-minLag+1)
	for lag := minLag; lag <= maxLag; lag++ {
		var corr, lagEnergy float64
		n := len(samples) - lag
		for i := 0; i < n; i++ {
			corr += float64(samples[i]) * float64(samples[i+lag])
			lagEnergy += float64(samples[i+lag]) * float64(samples[i+lag])
		}
		if lagEnergy > 0 {
			norms[lag-minLag] = corr / math.Sqrt(energy*lagEnergy)
		}
	}

	// Pick the first local maximum above the clarity floor. Favouring the
	// first peak over the global one avoids octave-down errors on
	// harmonically rich tones. Fall back to the global maximum.
	bestIdx, bestCorr := -1, 0.0
	for i := 1; i < len(norms)-1; i++ {
		if norms[i] >= m.MinClarity && norms[i] >= norms[i-1] && norms[i] > norms[i+1] {
			bestIdx, bestCorr = i, norms[i]
			break
		}
	}
	if bestIdx < 0 {
		for i, n := range norms {
			if n > bestCorr {
				bestIdx, bestCorr = i, n
			}
		}
	}
	if bestIdx < 0 || bestCorr <= 0 {
		return 0, 0
	}

	// Parabolic interpolation around the peak for sub-lag precision.
	refined := float64(minLag + bestIdx)
	if bestIdx > 0 && bestIdx < len(norms)-1 {
		c0, c1, c2 := norms[bestIdx-1], norms[bestIdx], norms[bestIdx+1]
		denom := c0 - 2*c1 + c2
		if denom != 0 {
			refined += 0.5 * (c0 - c2) / denom
		}
	}

	if bestCorr > 1 {
		bestCorr = 1
	}
	return float64(sampleRate) / refined, bestCorr
}

// velocityFromRMS maps frame energy to a MIDI-style velocity in [1, 127].
// A full-scale sine (RMS ≈ 0.707) maps to maximum velocity.
func velocityFromRMS(rms float64) int {
	v := int(rms / 0.707 * 127)
	if v < 1 {
		v = 1
	}
	if v > 127 {
		v = 127
	}
	return v
}
