package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seminote/engine/pkg/audio"
)

// CaptureEngine owns the microphone stream and is the sole producer into the
// frame buffer. Capture faults are fatal to the engine only: after a failed
// Start the engine remains stopped and the caller may retry with degraded
// settings.
//
// All exported methods are safe for concurrent use.
type CaptureEngine struct {
	dev   audio.InputDevice
	buf   *FrameBuffer
	cfg   audio.StreamConfig
	clock *sessionClock
	obs   Observer

	paused atomic.Bool

	mu      sync.Mutex
	stream  audio.InputStream
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	produced atomic.Uint64
}

// NewCaptureEngine creates an engine producing cfg-sized frames into buf.
func NewCaptureEngine(dev audio.InputDevice, buf *FrameBuffer, cfg audio.StreamConfig, clock *sessionClock) *CaptureEngine {
	return &CaptureEngine{
		dev:   dev,
		buf:   buf,
		cfg:   cfg,
		clock: clock,
		obs:   nopObserver{},
	}
}

// Start opens the input stream and begins enqueuing frames. Returns
// [audio.ErrNoInputDevice] or [audio.ErrConfigurationFailed] unchanged so the
// caller can distinguish retry strategies; the engine stays stopped on error.
// Calling Start on a running engine is an error.
func (e *CaptureEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("capture: already started")
	}

	stream, err := e.dev.OpenStream(ctx, e.cfg)
	if err != nil {
		return fmt.Errorf("capture: open stream: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.stream = stream
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.run(runCtx, stream, e.done)

	slog.Info("capture started",
		"sample_rate", e.cfg.SampleRate,
		"frame_size", e.cfg.FrameSize,
	)
	return nil
}

// run moves blocks from the device into the frame buffer. It performs no
// allocation besides the frame headers and never blocks on the buffer.
func (e *CaptureEngine) run(ctx context.Context, stream audio.InputStream, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-stream.Blocks():
			if !ok {
				slog.Warn("capture stream ended")
				return
			}
			if e.paused.Load() {
				continue
			}
			evicted := e.buf.Push(&audio.Frame{
				Samples:    block,
				SampleRate: e.cfg.SampleRate,
				Timestamp:  e.clock.Now(),
			})
			e.produced.Add(1)
			e.obs.FrameCaptured()
			if evicted {
				e.obs.FrameDropped()
			}
		}
	}
}

// Stop halts frame production and tears down the stream. Idempotent.
func (e *CaptureEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.cancel()
	_ = e.stream.Close()
	<-e.done

	e.stream = nil
	e.cancel = nil
	e.done = nil
	e.running = false
	e.paused.Store(false)

	slog.Info("capture stopped", "frames_produced", e.produced.Load())
}

// Pause suspends frame production without tearing down the stream. Used when
// the application backgrounds. Blocks arriving while paused are discarded.
func (e *CaptureEngine) Pause() {
	e.paused.Store(true)
}

// Resume continues frame production after a Pause.
func (e *CaptureEngine) Resume() {
	e.paused.Store(false)
}

// Running reports whether the engine is currently producing frames.
func (e *CaptureEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Produced returns the total number of frames pushed since creation.
func (e *CaptureEngine) Produced() uint64 {
	return e.produced.Load()
}

// FrameInterval returns the nominal time between frames at the configured
// format, used by consumers to size polling intervals.
func (e *CaptureEngine) FrameInterval() time.Duration {
	if e.cfg.SampleRate <= 0 {
		return 0
	}
	return time.Duration(e.cfg.FrameSize) * time.Second / time.Duration(e.cfg.SampleRate)
}
