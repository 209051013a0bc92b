package audio

import (
	"context"
	"testing"
)

// fakeDevice implements InputDevice with a scripted OpenStream result.
type fakeDevice struct {
	err error
}

func (d *fakeDevice) OpenStream(_ context.Context, _ StreamConfig) (InputStream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &fakeStream{blocks: make(chan []float32)}, nil
}

type fakeStream struct {
	blocks chan []float32
}

func (s *fakeStream) Blocks() <-chan []float32 { return s.blocks }
func (s *fakeStream) Close() error             { return nil }

func TestProbeCapability_NilDevice(t *testing.T) {
	cap := ProbeCapability(context.Background(), nil, StreamConfig{})
	if cap.SupportsUltraLowLatency {
		t.Error("nil device should not report ultra-low latency")
	}
	if cap.CPUCount <= 0 {
		t.Errorf("CPUCount = %d, want > 0", cap.CPUCount)
	}
	if cap.RecommendedBufferFrames <= 0 {
		t.Errorf("RecommendedBufferFrames = %d, want > 0", cap.RecommendedBufferFrames)
	}
}

func TestProbeCapability_DeviceAvailable(t *testing.T) {
	cap := ProbeCapability(context.Background(), &fakeDevice{}, StreamConfig{SampleRate: 44100, FrameSize: 1024})
	if !cap.SupportsUltraLowLatency {
		t.Error("open-able device should report ultra-low latency")
	}
}

func TestProbeCapability_ConfigurationRejected(t *testing.T) {
	cap := ProbeCapability(context.Background(), &fakeDevice{err: ErrConfigurationFailed}, StreamConfig{})
	if cap.SupportsUltraLowLatency {
		t.Error("rejected configuration should not report ultra-low latency")
	}
}

func TestProbeCapability_NoDevice(t *testing.T) {
	cap := ProbeCapability(context.Background(), &fakeDevice{err: ErrNoInputDevice}, StreamConfig{})
	if cap.SupportsUltraLowLatency {
		t.Error("absent device should not report ultra-low latency")
	}
}
