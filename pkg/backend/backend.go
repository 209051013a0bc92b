// Package backend defines the contracts for note/rhythm inference backends.
//
// Two backend kinds exist:
//
//   - [Local] — on-device detection, bounded by model load state. Calls are
//     expected to complete within the fast-path latency budget (<5 ms).
//   - [Edge] — remote detection over a network transport. Calls may take
//     10–20 ms and must carry an explicit deadline.
//
// The inference coordinator holds at most one in-flight call per backend;
// implementations therefore do not need internal request queues, but must be
// safe for concurrent use with their own lifecycle methods.
package backend

import (
	"context"
	"errors"

	"github.com/seminote/engine/pkg/audio"
)

// Model load errors returned by [Local.LoadModel].
var (
	// ErrModelNotFound indicates the requested model id is unknown.
	ErrModelNotFound = errors.New("backend: model not found")

	// ErrModelLoadFailed indicates the model exists but could not be loaded.
	ErrModelLoadFailed = errors.New("backend: model load failed")
)

// Transport errors returned by [Edge.Infer].
var (
	// ErrUnreachable indicates the edge service cannot be reached.
	ErrUnreachable = errors.New("backend: edge service unreachable")

	// ErrTimeout indicates the call deadline expired before a result arrived.
	ErrTimeout = errors.New("backend: edge inference timed out")
)

// Result is the outcome of one edge inference call. Either field may be nil;
// rhythm results only appear once the edge service has accumulated a long
// enough analysis window.
type Result struct {
	Note   *audio.DetectedNote
	Rhythm *audio.RhythmAnalysis
}

// Local is an on-device inference backend.
type Local interface {
	// Infer analyses one frame. Returns (nil, nil) when the frame contains
	// no detectable pitch (silence, noise below the gate).
	Infer(ctx context.Context, frame audio.Frame) (*audio.DetectedNote, error)

	// LoadModel loads the detector model identified by id, replacing any
	// previously loaded model. Blocking; callers that need asynchronous
	// loading run it in a goroutine. Returns [ErrModelNotFound] or
	// [ErrModelLoadFailed] on failure, leaving the previous model active.
	LoadModel(ctx context.Context, id string) error

	// Close releases model resources.
	Close() error
}

// Edge is a remote inference backend.
type Edge interface {
	// Infer uploads one frame and waits for the result. The context should
	// carry a deadline; without one, implementations apply their own
	// default. Returns [ErrUnreachable] or [ErrTimeout] on transport
	// failure.
	Infer(ctx context.Context, frame audio.Frame) (Result, error)

	// Close tears down the transport.
	Close() error
}
