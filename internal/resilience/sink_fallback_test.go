package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seminote/engine/pkg/sink"
)

// fakeSink records publishes and optionally fails every call.
type fakeSink struct {
	notes   int
	rhythms int
	closed  bool
	err     error
}

func (f *fakeSink) PublishNote(ctx context.Context, msg sink.NoteMessage) error {
	if f.err != nil {
		return f.err
	}
	f.notes++
	return nil
}

func (f *fakeSink) PublishRhythm(ctx context.Context, msg sink.RhythmMessage) error {
	if f.err != nil {
		return f.err
	}
	f.rhythms++
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestSinkFallback_PrimaryDelivers(t *testing.T) {
	primary := &fakeSink{}
	secondary := &fakeSink{}
	f := NewSinkFallback(primary, "mqtt", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("log", secondary)

	if err := f.PublishNote(context.Background(), sink.NoteMessage{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.notes != 1 {
		t.Errorf("primary notes = %d, want 1", primary.notes)
	}
	if secondary.notes != 0 {
		t.Errorf("secondary notes = %d, want 0", secondary.notes)
	}
}

func TestSinkFallback_FailoverToSecondary(t *testing.T) {
	primary := &fakeSink{err: errTest}
	secondary := &fakeSink{}
	f := NewSinkFallback(primary, "mqtt", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("log", secondary)

	if err := f.PublishRhythm(context.Background(), sink.RhythmMessage{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secondary.rhythms != 1 {
		t.Errorf("secondary rhythms = %d, want 1", secondary.rhythms)
	}
}

func TestSinkFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &fakeSink{err: errTest}
	secondary := &fakeSink{}
	f := NewSinkFallback(primary, "mqtt", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	f.AddFallback("log", secondary)

	// Trip the primary's breaker.
	for i := 0; i < 3; i++ {
		if err := f.PublishNote(context.Background(), sink.NoteMessage{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// All deliveries landed on the secondary.
	if secondary.notes != 3 {
		t.Errorf("secondary notes = %d, want 3", secondary.notes)
	}
}

func TestSinkFallback_AllFail(t *testing.T) {
	primary := &fakeSink{err: errTest}
	f := NewSinkFallback(primary, "mqtt", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	err := f.PublishNote(context.Background(), sink.NoteMessage{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSinkFallback_CloseClosesAll(t *testing.T) {
	primary := &fakeSink{}
	secondary := &fakeSink{}
	f := NewSinkFallback(primary, "mqtt", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("log", secondary)

	if err := f.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !primary.closed || !secondary.closed {
		t.Error("Close did not close all targets")
	}
}
