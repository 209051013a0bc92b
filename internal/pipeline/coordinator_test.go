package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/backend"
	"github.com/seminote/engine/pkg/backend/mock"
)

func coordFrame(ts time.Duration) audio.Frame {
	return audio.Frame{Samples: make([]float32, 256), SampleRate: 44100, Timestamp: ts}
}

type coordFixture struct {
	coord    *Coordinator
	buf      *FrameBuffer
	local    *mock.LocalBackend
	edge     *mock.EdgeBackend
	selector *ModeSelector
	events   chan Event
}

func newCoordFixture(cfg CoordinatorConfig) *coordFixture {
	f := &coordFixture{
		buf:      NewFrameBuffer(16),
		local:    &mock.LocalBackend{},
		edge:     &mock.EdgeBackend{},
		selector: newTestSelector(ModeConfig{}),
		events:   make(chan Event, 32),
	}
	if cfg.Model == "" {
		cfg.Model = "piano-full"
	}
	f.coord = NewCoordinator(cfg, f.buf, f.local, f.edge, f.selector,
		func(ev Event) { f.events <- ev })
	return f
}

// drain waits for in-flight backend calls and returns the collected events.
func (f *coordFixture) drain() []Event {
	f.coord.wg.Wait()
	var out []Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCoordinatorLocalDispatch(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	f.local.Note = &audio.DetectedNote{Pitch: audio.PitchA, Octave: 4, Frequency: 440, Confidence: 0.95}

	f.coord.dispatch(context.Background(), coordFrame(10*time.Millisecond))
	events := f.drain()

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Source != "local" || ev.Note == nil {
		t.Fatalf("event = %+v, want local note", ev)
	}
	if ev.Note.Timestamp != 10*time.Millisecond {
		t.Fatalf("note timestamp = %v, want capture time 10ms", ev.Note.Timestamp)
	}
	if ev.Mode != ModeLocal {
		t.Fatalf("event mode = %v, want local", ev.Mode)
	}
	if f.edge.Calls() != 0 {
		t.Fatalf("edge called %d times in local mode", f.edge.Calls())
	}
}

func TestCoordinatorRunPopsBuffer(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{PollInterval: time.Millisecond})
	f.local.Note = &audio.DetectedNote{Pitch: audio.PitchC, Octave: 4, Frequency: 261.63}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	fr := coordFrame(5 * time.Millisecond)
	f.buf.Push(&fr)

	select {
	case ev := <-f.events:
		if ev.Note == nil || ev.Note.Timestamp != 5*time.Millisecond {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event published from buffered frame")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestCoordinatorSingleFlightPerBackend(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	gate := make(chan struct{})
	f.local.Gate = gate
	f.local.Note = &audio.DetectedNote{Pitch: audio.PitchA, Octave: 4, Frequency: 440}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.coord.dispatch(ctx, coordFrame(time.Duration(i)*10*time.Millisecond))
	}
	close(gate)
	f.drain()

	if got := f.local.Calls(); got != 1 {
		t.Fatalf("local called %d times while gated, want 1 (others skipped)", got)
	}
	if got := f.local.MaxInFlight(); got != 1 {
		t.Fatalf("max in-flight local calls = %d, want 1", got)
	}
}

func TestCoordinatorStaleEdgeResultDiscarded(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	f.selector.ObserveTempo(40) // edge mode
	gate := make(chan struct{})
	f.edge.Gate = gate
	f.edge.Result = backend.Result{
		Note: &audio.DetectedNote{Pitch: audio.PitchA, Octave: 4, Frequency: 440},
	}

	f.coord.dispatch(context.Background(), coordFrame(10*time.Millisecond))

	// Mode flips while the edge call is in flight.
	f.selector.ObserveTempo(150)
	close(gate)
	events := f.drain()

	if len(events) != 0 {
		t.Fatalf("stale edge result published: %+v", events)
	}
	if got := f.coord.Stats().StaleDiscards; got != 1 {
		t.Fatalf("stale discards = %d, want 1", got)
	}
}

func TestCoordinatorLocalFailureEscalation(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{Model: "piano-full"})
	f.local.SetInferErr(errors.New("inference engine fault"))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.coord.dispatch(ctx, coordFrame(time.Duration(i)*10*time.Millisecond))
		f.coord.wg.Wait()
	}

	if mode, _ := f.selector.Current(); mode != ModeOffline {
		t.Fatalf("mode after repeated local failures = %v, want offline", mode)
	}
	loads := f.local.ModelLoads()
	if len(loads) != 1 || loads[0] != "piano-full" {
		t.Fatalf("model reloads = %v, want one reload of piano-full", loads)
	}
	stats := f.coord.Stats()
	if stats.LocalErrors != 3 || stats.ModelReloads != 1 {
		t.Fatalf("stats = %+v, want 3 local errors and 1 reload", stats)
	}
}

func TestCoordinatorHybridDispatchesBoth(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	f.selector.ObserveTempo(90) // hybrid mode
	f.local.Note = &audio.DetectedNote{Pitch: audio.PitchA, Octave: 4, Frequency: 440}
	f.edge.Result = backend.Result{
		Rhythm: &audio.RhythmAnalysis{TempoBPM: 92, Confidence: 0.8},
	}

	f.coord.dispatch(context.Background(), coordFrame(10*time.Millisecond))
	events := f.drain()

	var sawLocalNote, sawEdgeRhythm bool
	for _, ev := range events {
		if ev.Source == "local" && ev.Note != nil {
			sawLocalNote = true
		}
		if ev.Source == "edge" && ev.Rhythm != nil {
			sawEdgeRhythm = true
		}
	}
	if !sawLocalNote || !sawEdgeRhythm {
		t.Fatalf("events = %+v, want local note and edge rhythm", events)
	}
}

func TestCoordinatorHybridEdgeFailureIsolated(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	f.selector.ObserveTempo(90) // hybrid mode
	f.local.Note = &audio.DetectedNote{Pitch: audio.PitchA, Octave: 4, Frequency: 440}
	f.edge.InferErr = errors.New("edge service down")

	f.coord.dispatch(context.Background(), coordFrame(10*time.Millisecond))
	events := f.drain()

	if len(events) != 1 || events[0].Source != "local" {
		t.Fatalf("events = %+v, want the local note alone", events)
	}
	if got := f.coord.Stats().EdgeErrors; got != 1 {
		t.Fatalf("edge errors = %d, want 1", got)
	}
}

func TestCoordinatorEdgeRhythmFeedsTempo(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	f.selector.ObserveTempo(90) // hybrid mode
	f.edge.Result = backend.Result{
		Rhythm: &audio.RhythmAnalysis{TempoBPM: 150, Confidence: 0.9},
	}

	f.coord.dispatch(context.Background(), coordFrame(10*time.Millisecond))
	f.drain()

	if mode, _ := f.selector.Current(); mode != ModeLocal {
		t.Fatalf("mode after 150 BPM rhythm = %v, want local", mode)
	}
}

func TestCoordinatorBreakerOpensAndPinsLocal(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	f.selector.ObserveTempo(40) // edge mode
	f.edge.InferErr = errors.New("edge service down")

	ctx := context.Background()
	// The fifth consecutive failure opens the breaker, whose state-change
	// notification pins selection on-device. The sixth frame is dispatched
	// in local mode and never reaches edge.
	for i := 0; i < 6; i++ {
		f.coord.dispatch(ctx, coordFrame(time.Duration(i)*10*time.Millisecond))
		f.coord.wg.Wait()
	}

	if mode, _ := f.selector.Current(); mode != ModeLocal {
		t.Fatalf("mode after breaker opened = %v, want local", mode)
	}
	if got := f.edge.Calls(); got != 5 {
		t.Fatalf("edge called %d times, want 5 (sixth frame stayed local)", got)
	}
}

func TestCoordinatorHybridEdgeNoteSuppressed(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	f.selector.ObserveTempo(90) // hybrid mode
	f.local.Note = &audio.DetectedNote{Pitch: audio.PitchA, Octave: 4, Frequency: 440}
	f.edge.Result = backend.Result{
		Note:   &audio.DetectedNote{Pitch: audio.PitchA, Octave: 4, Frequency: 440.2},
		Rhythm: &audio.RhythmAnalysis{TempoBPM: 92, Confidence: 0.8},
	}

	f.coord.dispatch(context.Background(), coordFrame(10*time.Millisecond))
	events := f.drain()

	var notes, rhythms int
	for _, ev := range events {
		if ev.Note != nil {
			notes++
			if ev.Source != "local" {
				t.Fatalf("note event from %q, want local only in hybrid", ev.Source)
			}
		}
		if ev.Rhythm != nil {
			rhythms++
		}
	}
	if notes != 1 {
		t.Fatalf("got %d note events for one frame, want 1", notes)
	}
	if rhythms != 1 {
		t.Fatalf("got %d rhythm events, want 1", rhythms)
	}
}

func TestCoordinatorEdgeModeStillEmitsEdgeNote(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	f.selector.ObserveTempo(40) // edge mode
	f.edge.Result = backend.Result{
		Note: &audio.DetectedNote{Pitch: audio.PitchC, Octave: 5, Frequency: 523.25},
	}

	f.coord.dispatch(context.Background(), coordFrame(10*time.Millisecond))
	events := f.drain()

	if len(events) != 1 || events[0].Note == nil || events[0].Source != "edge" {
		t.Fatalf("events = %+v, want one edge note", events)
	}
}

func TestCoordinatorWithoutEdgeBackend(t *testing.T) {
	buf := NewFrameBuffer(16)
	local := &mock.LocalBackend{
		Note: &audio.DetectedNote{Pitch: audio.PitchA, Octave: 4, Frequency: 440},
	}
	selector := newTestSelector(ModeConfig{})
	events := make(chan Event, 8)
	coord := NewCoordinator(CoordinatorConfig{Model: "piano-full"}, buf, local, nil, selector,
		func(ev Event) { events <- ev })

	selector.ObserveTempo(40) // would pick edge if one existed

	coord.dispatch(context.Background(), coordFrame(10*time.Millisecond))
	coord.wg.Wait()

	if got := coord.Stats().EdgeCalls; got != 0 {
		t.Fatalf("edge calls = %d, want 0 without an edge backend", got)
	}
}

// TestCoordinatorHybridLocalNotDelayedByEdge holds the edge call open and
// checks the local note arrives anyway: the fast path must not wait for the
// slow one.
func TestCoordinatorHybridLocalNotDelayedByEdge(t *testing.T) {
	f := newCoordFixture(CoordinatorConfig{})
	f.selector.ObserveTempo(90) // hybrid mode
	f.local.Note = &audio.DetectedNote{Pitch: audio.PitchA, Octave: 4, Frequency: 440}
	gate := make(chan struct{})
	f.edge.Gate = gate
	f.edge.Result = backend.Result{
		Rhythm: &audio.RhythmAnalysis{TempoBPM: 92, Confidence: 0.8},
	}

	f.coord.dispatch(context.Background(), coordFrame(10*time.Millisecond))

	select {
	case ev := <-f.events:
		if ev.Source != "local" || ev.Note == nil {
			t.Fatalf("event while edge pending = %+v, want local note", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local note blocked behind pending edge call")
	}

	close(gate)
	f.drain()
}
