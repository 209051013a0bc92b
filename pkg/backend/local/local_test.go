package local

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/backend"
)

// sineFrame produces a frame of a pure sine at the given frequency.
func sineFrame(hz float64, sampleRate, samples int, amplitude float64) audio.Frame {
	s := make([]float32, samples)
	for i := range s {
		s[i] = float32(amplitude * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
	}
	return audio.Frame{Samples: s, SampleRate: sampleRate, Timestamp: 10 * time.Millisecond}
}

func TestDetector_A440(t *testing.T) {
	d, err := New(DefaultModel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	note, err := d.Infer(context.Background(), sineFrame(440, 44100, 4096, 0.5))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if note == nil {
		t.Fatal("expected a detection for a full-amplitude 440 Hz sine")
	}
	if note.Pitch != audio.PitchA || note.Octave != 4 {
		t.Errorf("note = %s, want A4", note.Name())
	}
	if note.Confidence < 0.9 {
		t.Errorf("confidence = %f, want >= 0.9 for a pure sine", note.Confidence)
	}
	if note.Timestamp != 10*time.Millisecond {
		t.Errorf("timestamp = %v, want capture timestamp carried through", note.Timestamp)
	}
	if note.Velocity <= 0 || note.Velocity > 127 {
		t.Errorf("velocity = %d, want in [1, 127]", note.Velocity)
	}
}

func TestDetector_PitchTable(t *testing.T) {
	d, err := New(DefaultModel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		hz     float64
		pitch  audio.PitchClass
		octave int
	}{
		{261.63, audio.PitchC, 4},
		{329.63, audio.PitchE, 4},
		{880, audio.PitchA, 5},
		{110, audio.PitchA, 2},
	}
	for _, tt := range tests {
		note, err := d.Infer(context.Background(), sineFrame(tt.hz, 44100, 4096, 0.5))
		if err != nil {
			t.Errorf("%f Hz: %v", tt.hz, err)
			continue
		}
		if note == nil {
			t.Errorf("%f Hz: no detection", tt.hz)
			continue
		}
		if note.Pitch != tt.pitch || note.Octave != tt.octave {
			t.Errorf("%f Hz = %s, want %s%d", tt.hz, note.Name(), tt.pitch, tt.octave)
		}
	}
}

func TestDetector_SilenceYieldsNoNote(t *testing.T) {
	d, err := New(DefaultModel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	note, err := d.Infer(context.Background(), audio.Frame{
		Samples:    make([]float32, 2048),
		SampleRate: 44100,
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if note != nil {
		t.Errorf("silence produced %s, want no note", note.Name())
	}
}

func TestDetector_QuietSignalGated(t *testing.T) {
	d, err := New(DefaultModel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Amplitude well below the RMS gate.
	note, err := d.Infer(context.Background(), sineFrame(440, 44100, 2048, 0.001))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if note != nil {
		t.Error("sub-gate signal should yield no note")
	}
}

func TestDetector_LoadModel(t *testing.T) {
	d, err := New(DefaultModel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.LoadModel(context.Background(), "piano-fast"); err != nil {
		t.Errorf("LoadModel(piano-fast): %v", err)
	}
	err = d.LoadModel(context.Background(), "does-not-exist")
	if !errors.Is(err, backend.ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}

	// Previous model must survive the failed load.
	note, err := d.Infer(context.Background(), sineFrame(440, 44100, 4096, 0.5))
	if err != nil || note == nil {
		t.Fatalf("detector unusable after failed load: note=%v err=%v", note, err)
	}
}

func TestDetector_InvalidModelRejected(t *testing.T) {
	_, err := New("broken", WithModels(map[string]Model{
		"broken": {Name: "broken", MinFrequency: 100, MaxFrequency: 50},
	}))
	if !errors.Is(err, backend.ErrModelLoadFailed) {
		t.Errorf("err = %v, want ErrModelLoadFailed", err)
	}
}

func TestDetector_CancelledContext(t *testing.T) {
	d, err := New(DefaultModel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Infer(ctx, sineFrame(440, 44100, 1024, 0.5)); err == nil {
		t.Error("expected error for cancelled context")
	}
}
