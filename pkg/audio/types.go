// Package audio defines the value types and device contracts shared by the
// Seminote inference pipeline.
//
// The two primary abstractions are:
//
//   - [Frame] — a fixed-length block of normalized samples with a monotonic
//     capture timestamp. Frames are the atomic unit of audio transport;
//     ownership moves capture → buffer → inference and is never shared.
//   - [InputDevice] — opens a microphone stream and yields raw sample blocks.
//
// Implementations of [InputDevice] are provided by platform adapter packages
// (CoreAudio, ALSA, test fakes). The interface is intentionally narrow to keep
// the capture engine decoupled from any particular audio API.
//
// This package lives under pkg/ because external code (platform adapters,
// inference backends) is expected to implement its interfaces.
package audio

import (
	"context"
	"errors"
	"time"
)

// Frame is a single block of captured audio flowing through the pipeline.
//
// A Frame is immutable once produced. The stage that currently holds it owns
// it exclusively; handing it to the next stage transfers that ownership.
type Frame struct {
	// Samples holds signed-normalized mono samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (44100 for live capture).
	SampleRate int

	// Timestamp marks when this frame was captured, measured on a monotonic
	// clock relative to session start. Never derived from wall-clock time, so
	// latency math survives clock adjustments.
	Timestamp time.Duration
}

// Duration returns the wall time spanned by the frame's samples.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Stream errors returned by [InputDevice.OpenStream].
var (
	// ErrNoInputDevice indicates that no microphone is available.
	ErrNoInputDevice = errors.New("audio: no input device available")

	// ErrConfigurationFailed indicates the requested sample rate or frame
	// size cannot be honoured by the device. The caller may retry with
	// degraded settings.
	ErrConfigurationFailed = errors.New("audio: stream configuration rejected")
)

// StreamConfig describes the capture format requested from an [InputDevice].
type StreamConfig struct {
	// SampleRate in Hz.
	SampleRate int

	// FrameSize is the number of samples delivered per block.
	FrameSize int
}

// InputStream is an open microphone stream.
//
// Blocks delivered on the channel are owned by the receiver. The channel is
// closed when the stream ends or [InputStream.Close] is called.
type InputStream interface {
	// Blocks returns the channel delivering raw sample blocks as they are
	// captured. Each block has exactly the configured frame size.
	Blocks() <-chan []float32

	// Close stops capture and releases device resources. Safe to call more
	// than once; subsequent calls are no-ops.
	Close() error
}

// InputDevice is the entry point for a microphone source.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// OpenStream opens the input device with the requested configuration.
	// Returns [ErrNoInputDevice] when no microphone is present and
	// [ErrConfigurationFailed] when cfg cannot be honoured.
	OpenStream(ctx context.Context, cfg StreamConfig) (InputStream, error)
}
