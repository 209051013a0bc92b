package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seminote/engine/internal/resilience"
	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/backend"
)

// Event is one inference outcome flowing to subscribers. Exactly one of Note
// and Rhythm is set per event. Timestamps inside carry the original capture
// time of the frame that produced them.
type Event struct {
	Note   *audio.DetectedNote
	Rhythm *audio.RhythmAnalysis

	// Mode and Epoch identify the processing mode active when the frame was
	// dispatched.
	Mode  Mode
	Epoch uint64

	// Source names the backend that produced the event: "local" or "edge".
	Source string
}

// CoordinatorConfig holds dispatch tuning knobs.
type CoordinatorConfig struct {
	// PollInterval is how often the dispatch loop checks the frame buffer
	// when it is empty. Default: 5ms.
	PollInterval time.Duration

	// EdgeTimeout bounds each edge inference call. Default: 50ms.
	EdgeTimeout time.Duration

	// LocalFailureLimit is the number of consecutive local inference errors
	// before the coordinator falls back to offline and reloads the model.
	// Default: 3.
	LocalFailureLimit int

	// EdgeBreakerHold is how long the selector is pinned away from edge
	// after the edge circuit breaker opens. Default: 5s.
	EdgeBreakerHold time.Duration

	// Model is the local model identifier used for reload attempts.
	Model string
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	if c.EdgeTimeout <= 0 {
		c.EdgeTimeout = 50 * time.Millisecond
	}
	if c.LocalFailureLimit <= 0 {
		c.LocalFailureLimit = 3
	}
	if c.EdgeBreakerHold <= 0 {
		c.EdgeBreakerHold = 5 * time.Second
	}
	return c
}

// CoordinatorStats is a snapshot of dispatch counters.
type CoordinatorStats struct {
	LocalCalls    uint64
	LocalErrors   uint64
	EdgeCalls     uint64
	EdgeErrors    uint64
	StaleDiscards uint64
	ModelReloads  uint64
}

// Coordinator pops frames from the buffer and dispatches them to the
// backends the current mode calls for. At most one call is in flight per
// backend; while a backend is busy, newer frames skip it so the freshest
// audio is always the next thing processed.
//
// Edge calls run behind a circuit breaker. Results from an earlier mode
// epoch are discarded rather than published.
type Coordinator struct {
	cfg      CoordinatorConfig
	buf      *FrameBuffer
	local    backend.Local
	edge     backend.Edge
	selector *ModeSelector
	breaker  *resilience.CircuitBreaker
	emit     func(Event)
	obs      Observer

	localBusy atomic.Bool
	edgeBusy  atomic.Bool
	reloading atomic.Bool
	wg        sync.WaitGroup

	localFails atomic.Uint64

	localCalls    atomic.Uint64
	localErrors   atomic.Uint64
	edgeCalls     atomic.Uint64
	edgeErrors    atomic.Uint64
	staleDiscards atomic.Uint64
	modelReloads  atomic.Uint64
}

// NewCoordinator wires the dispatch loop to its inputs. emit receives every
// publishable event and must be safe for concurrent use; it is called from
// the backend worker goroutines.
func NewCoordinator(cfg CoordinatorConfig, buf *FrameBuffer, local backend.Local, edge backend.Edge, selector *ModeSelector, emit func(Event)) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:      cfg,
		buf:      buf,
		local:    local,
		edge:     edge,
		selector: selector,
		emit:     emit,
		obs:      nopObserver{},
	}
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "edge-inference",
		ResetTimeout:  cfg.EdgeBreakerHold,
		OnStateChange: c.onBreakerChange,
	})
	return c
}

// onBreakerChange reacts to edge breaker state changes. An opened breaker
// pins selection on-device until the breaker starts probing again; a closed
// breaker re-runs selection so edge becomes eligible without waiting for the
// next input signal.
func (c *Coordinator) onBreakerChange(_, to resilience.State) {
	switch to {
	case resilience.StateOpen:
		c.selector.Force(ModeLocal, "edge-circuit-open", c.cfg.EdgeBreakerHold)
	case resilience.StateClosed:
		c.selector.Reevaluate()
	}
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight backend calls to finish.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			frame, ok := c.buf.Pop()
			if !ok {
				break
			}
			c.dispatch(ctx, *frame)
		}
	}
}

// Stats returns a snapshot of the dispatch counters.
func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		LocalCalls:    c.localCalls.Load(),
		LocalErrors:   c.localErrors.Load(),
		EdgeCalls:     c.edgeCalls.Load(),
		EdgeErrors:    c.edgeErrors.Load(),
		StaleDiscards: c.staleDiscards.Load(),
		ModelReloads:  c.modelReloads.Load(),
	}
}

// dispatch routes one frame according to the current mode. Busy backends are
// skipped; the drop-oldest buffer guarantees the skipped audio ages out
// instead of queueing.
func (c *Coordinator) dispatch(ctx context.Context, frame audio.Frame) {
	mode, epoch := c.selector.Current()

	switch mode {
	case ModeLocal, ModeOffline:
		c.tryLocal(ctx, frame, mode, epoch)
	case ModeEdge:
		c.tryEdge(ctx, frame, mode, epoch)
	case ModeHybrid:
		c.tryLocal(ctx, frame, mode, epoch)
		c.tryEdge(ctx, frame, mode, epoch)
	}
}

func (c *Coordinator) tryLocal(ctx context.Context, frame audio.Frame, mode Mode, epoch uint64) {
	if !c.localBusy.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.localBusy.Store(false)
		c.runLocal(ctx, frame, mode, epoch)
	}()
}

func (c *Coordinator) tryEdge(ctx context.Context, frame audio.Frame, mode Mode, epoch uint64) {
	if c.edge == nil {
		return
	}
	if !c.edgeBusy.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.edgeBusy.Store(false)
		c.runEdge(ctx, frame, mode, epoch)
	}()
}

func (c *Coordinator) runLocal(ctx context.Context, frame audio.Frame, mode Mode, epoch uint64) {
	c.localCalls.Add(1)
	start := time.Now()
	note, err := c.local.Infer(ctx, frame)
	c.obs.InferenceDone("local", time.Since(start), err)
	if err != nil {
		c.localErrors.Add(1)
		fails := c.localFails.Add(1)
		slog.Warn("local inference failed",
			"error", err,
			"consecutive", fails,
		)
		if fails >= uint64(c.cfg.LocalFailureLimit) {
			c.escalateLocalFailure(ctx)
		}
		return
	}
	c.localFails.Store(0)
	if note == nil {
		// Silence or an unpitched frame. Not an error, nothing to publish.
		return
	}
	c.emit(Event{Note: note, Mode: mode, Epoch: epoch, Source: "local"})
}

func (c *Coordinator) runEdge(ctx context.Context, frame audio.Frame, mode Mode, epoch uint64) {
	c.edgeCalls.Add(1)

	var res backend.Result
	start := time.Now()
	err := c.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.EdgeTimeout)
		defer cancel()
		var inferErr error
		res, inferErr = c.edge.Infer(callCtx, frame)
		return inferErr
	})
	c.obs.InferenceDone("edge", time.Since(start), err)
	if err != nil {
		c.edgeErrors.Add(1)
		slog.Warn("edge inference failed", "error", err)
		return
	}

	// A mode change between dispatch and completion means the user context
	// this result belonged to is gone. Drop it.
	if _, current := c.selector.Current(); current != epoch {
		c.staleDiscards.Add(1)
		c.obs.StaleDiscard()
		return
	}

	if res.Rhythm != nil {
		c.selector.ObserveTempo(res.Rhythm.TempoBPM)
		c.emit(Event{Rhythm: res.Rhythm, Mode: mode, Epoch: epoch, Source: "edge"})
	}
	// In hybrid mode the local path already confirmed this note with lower
	// latency; a second note event for the same audio would double-count.
	// Edge contributes rhythm only there.
	if res.Note != nil && mode != ModeHybrid {
		c.emit(Event{Note: res.Note, Mode: mode, Epoch: epoch, Source: "edge"})
	}
}

// escalateLocalFailure moves the pipeline offline and kicks off a model
// reload in the background. Releasing user audio into an edge-only mode on
// a broken local model would violate the fallback guarantee, so offline is
// forced even when the network is healthy.
func (c *Coordinator) escalateLocalFailure(ctx context.Context) {
	if !c.reloading.CompareAndSwap(false, true) {
		return
	}
	c.selector.Force(ModeOffline, "local-inference-failures", c.cfg.EdgeBreakerHold)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reloading.Store(false)
		c.modelReloads.Add(1)

		if err := c.local.LoadModel(ctx, c.cfg.Model); err != nil {
			slog.Error("model reload failed", "model", c.cfg.Model, "error", err)
			return
		}
		slog.Info("model reloaded after local failures", "model", c.cfg.Model)
		c.localFails.Store(0)
		c.selector.Reevaluate()
	}()
}
