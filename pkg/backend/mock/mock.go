// Package mock provides test doubles for the backend package interfaces.
//
// Use LocalBackend and EdgeBackend to script per-call results and failures,
// to count in-flight calls, and to block calls until released — the levers
// the coordinator tests need to verify single-flight dispatch and
// stale-result discard.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/backend"
)

// LocalBackend is a mock implementation of backend.Local.
type LocalBackend struct {
	mu sync.Mutex

	// Note is returned from Infer when NoteFn is nil.
	Note *audio.DetectedNote

	// NoteFn, if non-nil, computes the result per call.
	NoteFn func(frame audio.Frame) (*audio.DetectedNote, error)

	// InferErr, if non-nil, is returned as the error from Infer.
	InferErr error

	// LoadModelErr, if non-nil, is returned from LoadModel.
	LoadModelErr error

	// Gate, if non-nil, blocks every Infer call until the channel is closed
	// or the context is cancelled.
	Gate chan struct{}

	// InferCalls records every frame passed to Infer.
	InferCalls []audio.Frame

	// LoadModelCalls records every model id passed to LoadModel.
	LoadModelCalls []string

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// Infer records the call, honours Gate, and returns the scripted result.
func (b *LocalBackend) Infer(ctx context.Context, frame audio.Frame) (*audio.DetectedNote, error) {
	cur := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		max := b.maxInFlight.Load()
		if cur <= max || b.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	b.mu.Lock()
	b.InferCalls = append(b.InferCalls, frame)
	gate := b.Gate
	noteFn := b.NoteFn
	note, inferErr := b.Note, b.InferErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if noteFn != nil {
		return noteFn(frame)
	}
	if inferErr != nil {
		return nil, inferErr
	}
	if note == nil {
		return nil, nil
	}
	n := *note
	n.Timestamp = frame.Timestamp
	return &n, nil
}

// LoadModel records the call and returns LoadModelErr.
func (b *LocalBackend) LoadModel(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LoadModelCalls = append(b.LoadModelCalls, id)
	return b.LoadModelErr
}

// Close is a no-op.
func (b *LocalBackend) Close() error { return nil }

// SetInferErr updates the scripted Infer error.
func (b *LocalBackend) SetInferErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.InferErr = err
}

// Calls returns the number of Infer invocations so far.
func (b *LocalBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.InferCalls)
}

// ModelLoads returns the model ids passed to LoadModel so far.
func (b *LocalBackend) ModelLoads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.LoadModelCalls))
	copy(out, b.LoadModelCalls)
	return out
}

// MaxInFlight reports the highest number of concurrent Infer calls observed.
func (b *LocalBackend) MaxInFlight() int {
	return int(b.maxInFlight.Load())
}

// EdgeBackend is a mock implementation of backend.Edge.
type EdgeBackend struct {
	mu sync.Mutex

	// Result is returned from Infer when ResultFn is nil.
	Result backend.Result

	// ResultFn, if non-nil, computes the result per call.
	ResultFn func(frame audio.Frame) (backend.Result, error)

	// InferErr, if non-nil, is returned as the error from Infer.
	InferErr error

	// Gate, if non-nil, blocks every Infer call until the channel is closed
	// or the context is cancelled.
	Gate chan struct{}

	// InferCalls records every frame passed to Infer.
	InferCalls []audio.Frame

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// Infer records the call, honours Gate, and returns the scripted result.
func (b *EdgeBackend) Infer(ctx context.Context, frame audio.Frame) (backend.Result, error) {
	cur := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		max := b.maxInFlight.Load()
		if cur <= max || b.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	b.mu.Lock()
	b.InferCalls = append(b.InferCalls, frame)
	gate := b.Gate
	resultFn := b.ResultFn
	result, inferErr := b.Result, b.InferErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		}
	}
	if resultFn != nil {
		return resultFn(frame)
	}
	if inferErr != nil {
		return backend.Result{}, inferErr
	}
	out := result
	if out.Note != nil {
		n := *out.Note
		n.Timestamp = frame.Timestamp
		out.Note = &n
	}
	if out.Rhythm != nil {
		r := *out.Rhythm
		r.Timestamp = frame.Timestamp
		out.Rhythm = &r
	}
	return out, nil
}

// Close is a no-op.
func (b *EdgeBackend) Close() error { return nil }

// Calls returns the number of Infer invocations so far.
func (b *EdgeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.InferCalls)
}

// MaxInFlight reports the highest number of concurrent Infer calls observed.
func (b *EdgeBackend) MaxInFlight() int {
	return int(b.maxInFlight.Load())
}
