// Package pipeline implements the real-time audio-to-note processing chain:
// capture → frame buffer → mode-aware inference dispatch → event publication.
//
// The [Pipeline] struct owns the full lifecycle: New wires the components
// together, Start probes the device and launches the processing goroutines,
// and Stop tears everything down in order (capture first, so in-flight
// inference can drain).
//
// Latency discipline is the organising principle. Audio frames move through
// a fixed-capacity drop-oldest buffer, each backend has at most one call in
// flight, and a feedback loop between the [LatencyTracker] and the
// [ModeSelector] pulls processing back on-device whenever the measured
// capture-to-publish latency degrades.
//
// Three execution contexts run the pipeline:
//
//   - the capture goroutine, which touches only the frame buffer and must
//     never block on locks, allocation, or I/O;
//   - the inference workers (one per backend kind), bounded to a single
//     in-flight call each;
//   - the coordination goroutine, which runs mode selection and event
//     dispatch and is not latency-critical.
//
// The frame buffer is the only structure shared between the capture and
// inference contexts.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/backend"
	"github.com/seminote/engine/pkg/netmon"
)

const (
	// bufferHeadroom scales the probed recommended buffer depth so that a
	// transient consumer stall does not immediately evict frames.
	bufferHeadroom = 4

	defaultFeedbackPeriod = 250 * time.Millisecond
)

// Config holds the pipeline composition knobs. Zero values select defaults.
type Config struct {
	// Stream is the capture format.
	Stream audio.StreamConfig

	// BufferFrames overrides the frame buffer capacity. When zero, the
	// capacity is the probed RecommendedBufferFrames × bufferHeadroom.
	BufferFrames int

	// LatencyWindow is the number of samples in the latency tracker's
	// rolling window. Default: 200.
	LatencyWindow int

	// FeedbackPeriod is how often the latency feedback loop runs.
	// Default: 250ms.
	FeedbackPeriod time.Duration

	// Modes configures the mode selection policy.
	Modes ModeConfig

	// Coordinator configures inference dispatch.
	Coordinator CoordinatorConfig
}

func (c Config) withDefaults() Config {
	if c.FeedbackPeriod <= 0 {
		c.FeedbackPeriod = defaultFeedbackPeriod
	}
	return c
}

// Pipeline owns the capture-to-publication processing chain for one session.
type Pipeline struct {
	cfg     Config
	dev     audio.InputDevice
	local   backend.Local
	edge    backend.Edge
	monitor netmon.Monitor

	clock     *sessionClock
	tracker   *LatencyTracker
	publisher *Publisher
	obs       Observer

	// Built in Start, once the device capability is known.
	buf      *FrameBuffer
	capture  *CaptureEngine
	selector *ModeSelector
	coord    *Coordinator

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Pipeline)

// WithClock injects a session clock. Intended for tests that need to share
// one clock between the pipeline and scripted inputs.
func WithClock(c *sessionClock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithObserver wires telemetry callbacks into the pipeline's hot paths.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.obs = o
		}
	}
}

// New wires a pipeline from its inputs. Nothing runs until Start.
func New(cfg Config, dev audio.InputDevice, local backend.Local, edge backend.Edge, monitor netmon.Monitor, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:     cfg,
		dev:     dev,
		local:   local,
		edge:    edge,
		monitor: monitor,
		clock:   newSessionClock(),
		tracker: NewLatencyTracker(cfg.LatencyWindow),
		obs:     nopObserver{},
	}
	for _, o := range opts {
		o(p)
	}
	p.publisher = NewPublisher(p.clock, p.tracker)
	p.publisher.obs = p.obs
	return p
}

// Start probes the input device, builds the mode selector from the measured
// capability, and launches capture, dispatch, and the latency feedback loop.
// It returns once everything is running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline: already started")
	}

	caps := audio.ProbeCapability(ctx, p.dev, p.cfg.Stream)
	slog.Info("input device probed",
		"cpus", caps.CPUCount,
		"local_ml", caps.SupportsLocalML,
		"ultra_low_latency", caps.SupportsUltraLowLatency,
	)

	// The buffer is sized from the probed capability so weak hosts get the
	// deeper buffering their scheduling jitter requires. An explicit config
	// value takes precedence.
	frames := p.cfg.BufferFrames
	if frames <= 0 {
		frames = caps.RecommendedBufferFrames * bufferHeadroom
	}
	p.buf = NewFrameBuffer(frames)

	p.selector = NewModeSelector(p.cfg.Modes, caps, p.clock)
	p.selector.OnTransition(p.obs.ModeChanged)
	p.coord = NewCoordinator(p.cfg.Coordinator, p.buf, p.local, p.edge, p.selector, p.publisher.Publish)
	p.coord.obs = p.obs
	p.capture = NewCaptureEngine(p.dev, p.buf, p.cfg.Stream, p.clock)
	p.capture.obs = p.obs

	// Connectivity feeds the selector; seed with the current state before
	// the first change notification.
	p.monitor.OnChange(p.selector.SetReachable)
	p.selector.SetReachable(p.monitor.Reachable())

	runCtx, cancel := context.WithCancel(context.Background())
	if err := p.capture.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("pipeline: start capture: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return p.coord.Run(gctx) })
	g.Go(func() error { return p.feedbackLoop(gctx) })

	p.cancel = cancel
	p.group = g
	p.running = true
	slog.Info("pipeline started",
		"sample_rate", p.cfg.Stream.SampleRate,
		"frame_size", p.cfg.Stream.FrameSize,
		"buffer_frames", p.buf.Capacity(),
	)
	return nil
}

// feedbackLoop periodically checks the latency tracker and re-runs mode
// evaluation so cooldown expiry takes effect without an input event.
func (p *Pipeline) feedbackLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FeedbackPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if p.tracker.Degraded() {
			p.selector.NoteDegraded()
		}
		p.selector.Reevaluate()
	}
}

// Stop shuts the pipeline down: capture stops first so no new frames enter,
// then dispatch drains within the context deadline, then subscribers are
// closed. Safe to call more than once.
func (p *Pipeline) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		running := p.running
		cancel, group := p.cancel, p.group
		p.running = false
		p.mu.Unlock()
		if !running {
			return
		}

		p.capture.Stop()
		cancel()

		done := make(chan struct{})
		go func() {
			group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("pipeline: drain timeout: %w", ctx.Err())
		}

		p.publisher.Close()
		slog.Info("pipeline stopped",
			"frames_captured", p.capture.Produced(),
			"frames_dropped", p.buf.Dropped(),
			"events_published", p.publisher.Published(),
		)
	})
	return err
}

// Subscribe registers a new event subscriber. See [Publisher.Subscribe].
func (p *Pipeline) Subscribe(buffer int) *Subscription {
	return p.publisher.Subscribe(buffer)
}

// Unsubscribe removes an event subscriber.
func (p *Pipeline) Unsubscribe(id string) {
	p.publisher.Unsubscribe(id)
}

// Mode returns the active processing mode and its epoch. Valid after Start.
func (p *Pipeline) Mode() (Mode, uint64) {
	return p.selector.Current()
}

// SetMode pins the processing mode manually until ClearModeOverride.
func (p *Pipeline) SetMode(mode Mode) {
	p.selector.SetOverride(mode)
}

// ClearModeOverride returns mode selection to automatic.
func (p *Pipeline) ClearModeOverride() {
	p.selector.ClearOverride()
}

// LatencyStats returns a snapshot of the capture-to-publish latency window.
func (p *Pipeline) LatencyStats() LatencyStats {
	return p.tracker.Stats()
}

// Pause suspends frame capture without tearing the pipeline down.
func (p *Pipeline) Pause() { p.capture.Pause() }

// Resume restarts frame capture after Pause.
func (p *Pipeline) Resume() { p.capture.Resume() }

// Stats summarises pipeline activity for diagnostics and health reporting.
type Stats struct {
	FramesCaptured  uint64
	FramesDropped   uint64
	EventsPublished uint64
	Subscribers     int
	Dispatch        CoordinatorStats
	Latency         LatencyStats
}

// Snapshot returns current pipeline counters. Valid after Start.
func (p *Pipeline) Snapshot() Stats {
	return Stats{
		FramesCaptured:  p.capture.Produced(),
		FramesDropped:   p.buf.Dropped(),
		EventsPublished: p.publisher.Published(),
		Subscribers:     p.publisher.SubscriberCount(),
		Dispatch:        p.coord.Stats(),
		Latency:         p.tracker.Stats(),
	}
}

// Running reports whether the pipeline has been started and not stopped.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
