package resilience

import (
	"context"
	"errors"

	"github.com/seminote/engine/pkg/sink"
)

// SinkFallback implements [sink.Sink] with automatic failover across multiple
// delivery targets. Each target has its own circuit breaker, so a broker that
// keeps timing out is skipped until its breaker resets and events land on the
// next target instead, typically a local log sink.
type SinkFallback struct {
	group *FallbackGroup[sink.Sink]
	sinks []sink.Sink
}

// Compile-time interface assertion.
var _ sink.Sink = (*SinkFallback)(nil)

// NewSinkFallback creates a [SinkFallback] with primary as the preferred target.
func NewSinkFallback(primary sink.Sink, primaryName string, cfg FallbackConfig) *SinkFallback {
	return &SinkFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		sinks: []sink.Sink{primary},
	}
}

// AddFallback registers an additional sink as a fallback.
func (f *SinkFallback) AddFallback(name string, s sink.Sink) {
	f.group.AddFallback(name, s)
	f.sinks = append(f.sinks, s)
}

// PublishNote delivers the note to the first healthy target.
func (f *SinkFallback) PublishNote(ctx context.Context, msg sink.NoteMessage) error {
	return f.group.Execute(func(s sink.Sink) error {
		return s.PublishNote(ctx, msg)
	})
}

// PublishRhythm delivers the rhythm analysis to the first healthy target.
func (f *SinkFallback) PublishRhythm(ctx context.Context, msg sink.RhythmMessage) error {
	return f.group.Execute(func(s sink.Sink) error {
		return s.PublishRhythm(ctx, msg)
	})
}

// Close closes every registered target, not just the healthy one.
func (f *SinkFallback) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
