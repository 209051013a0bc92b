// Package app wires all engine subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the capture-to-publication loop, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDevice, WithLocalBackend, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seminote/engine/internal/config"
	"github.com/seminote/engine/internal/health"
	"github.com/seminote/engine/internal/observe"
	"github.com/seminote/engine/internal/pipeline"
	"github.com/seminote/engine/internal/resilience"
	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/backend"
	edgebackend "github.com/seminote/engine/pkg/backend/edge"
	localbackend "github.com/seminote/engine/pkg/backend/local"
	"github.com/seminote/engine/pkg/netmon"
	"github.com/seminote/engine/pkg/sink"
)

// namedSink pairs a configured sink with its config name for logging.
type namedSink struct {
	name string
	sink sink.Sink
}

// App owns all subsystem lifetimes and orchestrates the inference pipeline.
type App struct {
	cfg *config.Config
	reg *config.Registry

	// Subsystems — initialised in New, torn down in Shutdown.
	device  audio.InputDevice
	local   backend.Local
	edge    backend.Edge
	monitor netmon.Monitor
	probe   *netmon.Probe
	sinks   []namedSink
	pipe    *pipeline.Pipeline
	metrics *observe.Metrics
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects an input device instead of creating one via the registry.
func WithDevice(d audio.InputDevice) Option {
	return func(a *App) { a.device = d }
}

// WithLocalBackend injects a local inference backend.
func WithLocalBackend(l backend.Local) Option {
	return func(a *App) { a.local = l }
}

// WithEdgeBackend injects an edge inference backend.
func WithEdgeBackend(e backend.Edge) Option {
	return func(a *App) { a.edge = e }
}

// WithMonitor injects a connectivity monitor instead of creating a TCP probe.
func WithMonitor(m netmon.Monitor) Option {
	return func(a *App) { a.monitor = m }
}

// WithSink appends a pre-built sink, bypassing the registry.
func WithSink(name string, s sink.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, namedSink{name: name, sink: s}) }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry supplies
// device and sink constructors; main registers the built-in implementations.
// Use Option functions to inject test doubles for any subsystem.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Input device ──────────────────────────────────────────────────
	if err := a.initDevice(); err != nil {
		return nil, fmt.Errorf("app: init device: %w", err)
	}

	// ── 2. Inference backends ────────────────────────────────────────────
	if err := a.initBackends(); err != nil {
		return nil, fmt.Errorf("app: init backends: %w", err)
	}

	// ── 3. Connectivity monitor ──────────────────────────────────────────
	if err := a.initMonitor(); err != nil {
		return nil, fmt.Errorf("app: init monitor: %w", err)
	}

	// ── 4. Event sinks ───────────────────────────────────────────────────
	if err := a.initSinks(); err != nil {
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}
	for _, ns := range a.sinks {
		a.closers = append(a.closers, ns.sink.Close)
	}

	// ── 5. Pipeline ──────────────────────────────────────────────────────
	a.initPipeline()

	// ── 6. Diagnostics server ────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDevice builds the input device from the registry unless injected.
func (a *App) initDevice() error {
	if a.device != nil {
		return nil
	}
	dev, err := a.reg.CreateDevice(a.cfg.Engine.Device)
	if err != nil {
		return err
	}
	a.device = dev
	slog.Info("input device ready", "name", a.cfg.Engine.Device.Name)
	return nil
}

// initBackends builds the local detector and, when an edge URL is configured,
// the edge client. Without an edge URL the mode must be pinned local or
// offline; the edge slot stays nil and is never dispatched to.
func (a *App) initBackends() error {
	if a.local == nil {
		det, err := localbackend.New(a.cfg.Local.Model)
		if err != nil {
			return fmt.Errorf("local backend: %w", err)
		}
		a.local = det
		a.closers = append(a.closers, det.Close)
		slog.Info("local backend ready", "model", a.cfg.Local.Model)
	}

	if a.edge != nil {
		return nil
	}
	if a.cfg.Edge.URL == "" {
		if pin := a.cfg.Modes.Pin; pin != config.ModeLocal && pin != config.ModeOffline {
			return fmt.Errorf("edge.url is empty; pin the mode to local or offline to run without an edge service")
		}
		return nil
	}

	var edgeOpts []edgebackend.Option
	if a.cfg.Edge.TimeoutMS > 0 {
		edgeOpts = append(edgeOpts, edgebackend.WithTimeout(time.Duration(a.cfg.Edge.TimeoutMS)*time.Millisecond))
	}
	if a.cfg.Edge.Codec != "" {
		edgeOpts = append(edgeOpts, edgebackend.WithCodec(edgebackend.Codec(a.cfg.Edge.Codec)))
	}
	client, err := edgebackend.New(a.cfg.Edge.URL, edgeOpts...)
	if err != nil {
		return fmt.Errorf("edge backend: %w", err)
	}
	a.edge = client
	a.closers = append(a.closers, client.Close)
	slog.Info("edge backend ready", "url", a.cfg.Edge.URL, "codec", a.cfg.Edge.Codec)
	return nil
}

// initMonitor builds the TCP reachability probe unless a monitor was injected.
// Without an edge backend the monitor is pinned unreachable so the selector
// never leaves the on-device modes.
func (a *App) initMonitor() error {
	if a.monitor != nil {
		return nil
	}
	if a.edge == nil {
		a.monitor = netmon.NewStatic(false)
		return nil
	}

	target := a.cfg.Netmon.ProbeAddr
	if target == "" {
		u, err := url.Parse(a.cfg.Edge.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("netmon.probe_addr is empty and edge.url %q has no host", a.cfg.Edge.URL)
		}
		target = u.Host
	}

	a.probe = netmon.NewProbe(netmon.ProbeConfig{
		Target:   target,
		Interval: time.Duration(a.cfg.Netmon.IntervalMS) * time.Millisecond,
		Timeout:  time.Duration(a.cfg.Netmon.TimeoutMS) * time.Millisecond,
	})
	a.monitor = a.probe
	slog.Info("connectivity probe ready", "target", target)
	return nil
}

// initSinks builds each configured sink via the registry. Every non-log sink
// gets a log sink as its last-resort fallback so events survive a broker
// outage.
func (a *App) initSinks() error {
	for _, entry := range a.cfg.Sinks {
		s, err := a.reg.CreateSink(entry)
		if err != nil {
			return fmt.Errorf("sink %q: %w", entry.Name, err)
		}
		if entry.Name != "log" {
			fb := resilience.NewSinkFallback(s, entry.Name, resilience.FallbackConfig{})
			fb.AddFallback("log", &sink.Log{})
			s = fb
		}
		a.sinks = append(a.sinks, namedSink{name: entry.Name, sink: s})
		slog.Info("sink ready", "name", entry.Name)
	}
	return nil
}

// initPipeline assembles the pipeline from the typed config sections.
func (a *App) initPipeline() {
	cfg := pipeline.Config{
		Stream: audio.StreamConfig{
			SampleRate: a.cfg.Engine.SampleRate,
			FrameSize:  a.cfg.Engine.FrameSize,
		},
		BufferFrames:  a.cfg.Engine.BufferFrames,
		LatencyWindow: a.cfg.Engine.LatencyWindow,
		Modes: pipeline.ModeConfig{
			LocalBPM:         a.cfg.Modes.LocalBPM,
			EdgeBPM:          a.cfg.Modes.EdgeBPM,
			HysteresisBPM:    a.cfg.Modes.HysteresisBPM,
			DegradedCooldown: time.Duration(a.cfg.Modes.DegradedCooldownMS) * time.Millisecond,
		},
		Coordinator: pipeline.CoordinatorConfig{
			EdgeTimeout: time.Duration(a.cfg.Edge.TimeoutMS) * time.Millisecond,
			Model:       a.cfg.Local.Model,
		},
	}
	a.pipe = pipeline.New(cfg, a.device, a.local, a.edge, a.monitor,
		pipeline.WithObserver(&pipelineTelemetry{m: a.metrics}))
}

// initServer assembles the diagnostics HTTP server when a listen address is
// configured.
func (a *App) initServer() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}

	checker := health.New(
		health.Checker{Name: "capture", Check: func(_ context.Context) error {
			if !a.pipe.Running() {
				return fmt.Errorf("pipeline not running")
			}
			return nil
		}},
		health.Checker{Name: "edge", Check: func(_ context.Context) error {
			if a.edge == nil {
				return nil // no edge configured; nothing to be unready about
			}
			if !a.monitor.Reachable() {
				return fmt.Errorf("edge service unreachable")
			}
			return nil
		}},
		health.Checker{Name: "model", Check: func(_ context.Context) error {
			named, ok := a.local.(interface{ ModelName() string })
			if !ok {
				return nil
			}
			if named.ModelName() == "" {
				return fmt.Errorf("no model loaded")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	checker.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /stats", http.HandlerFunc(a.handleStats))

	a.server = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the pipeline, the diagnostics server, and the sink fan-out loop,
// then blocks until ctx is cancelled. Returns ctx.Err() on normal shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.pipe.Start(ctx); err != nil {
		return fmt.Errorf("app: start pipeline: %w", err)
	}

	if pin := a.cfg.Modes.Pin; pin != "" {
		a.pipe.SetMode(PipelineMode(pin))
		slog.Info("mode pinned", "mode", pin)
	}

	if a.probe != nil {
		go a.probe.Run(ctx)
	}

	if a.server != nil {
		go a.serveHTTP()
	}

	var wg sync.WaitGroup
	if len(a.sinks) > 0 {
		sub := a.pipe.Subscribe(0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.fanOut(ctx, sub)
		}()
	}

	slog.Info("engine running", "sinks", len(a.sinks))
	<-ctx.Done()

	wg.Wait()
	return ctx.Err()
}

// serveHTTP runs the diagnostics server until Shutdown closes it.
func (a *App) serveHTTP() {
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = a.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		slog.Error("diagnostics server error", "err", err)
	}
}

// fanOut forwards pipeline events to every configured sink and records
// publication metrics.
func (a *App) fanOut(ctx context.Context, sub *pipeline.Subscription) {
	defer a.pipe.Unsubscribe(sub.ID())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			a.deliver(ctx, ev)
		}
	}
}

// deliver publishes one event to all sinks.
func (a *App) deliver(ctx context.Context, ev pipeline.Event) {
	a.metrics.RecordNotePublished(ctx, ev.Source)

	mode := ev.Mode.String()
	for _, ns := range a.sinks {
		var err error
		switch {
		case ev.Note != nil:
			err = ns.sink.PublishNote(ctx, sink.NoteMessage{
				Note:   *ev.Note,
				Mode:   mode,
				Source: ev.Source,
			})
		case ev.Rhythm != nil:
			err = ns.sink.PublishRhythm(ctx, sink.RhythmMessage{
				Rhythm: *ev.Rhythm,
				Mode:   mode,
				Source: ev.Source,
			})
		}
		if err != nil {
			slog.Warn("sink publish failed", "sink", ns.name, "err", err)
		}
	}
}

// handleStats serves a JSON snapshot of pipeline counters.
func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := a.pipe.Snapshot()
	mode, epoch := a.pipe.Mode()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w,
		`{"mode":%q,"epoch":%d,"frames_captured":%d,"frames_dropped":%d,`+
			`"events_published":%d,"subscribers":%d,`+
			`"local_calls":%d,"edge_calls":%d,"stale_discards":%d,`+
			`"latency_mean_us":%d,"latency_p95_us":%d}`+"\n",
		mode, epoch, snap.FramesCaptured, snap.FramesDropped,
		snap.EventsPublished, snap.Subscribers,
		snap.Dispatch.LocalCalls, snap.Dispatch.EdgeCalls, snap.Dispatch.StaleDiscards,
		snap.Latency.Mean.Microseconds(), snap.Latency.P95.Microseconds(),
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the capture chain first so no new events are produced.
		if err := a.pipe.Stop(ctx); err != nil {
			slog.Warn("pipeline stop error", "err", err)
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("diagnostics server shutdown error", "err", err)
			}
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// Pipeline exposes the running pipeline for callers that need mode control
// or latency stats, such as the config hot-reload hook.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// PipelineMode converts a config mode name to the pipeline's mode type.
func PipelineMode(m config.Mode) pipeline.Mode {
	switch m {
	case config.ModeEdge:
		return pipeline.ModeEdge
	case config.ModeHybrid:
		return pipeline.ModeHybrid
	case config.ModeOffline:
		return pipeline.ModeOffline
	default:
		return pipeline.ModeLocal
	}
}
