package audio

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// Capability thresholds. A device below minLocalMLCPUs cannot run on-device
// inference at real-time rates.
const (
	minLocalMLCPUs = 4

	defaultBufferFrames   = 8
	lowLatencyProbeFrames = 2
)

// DeviceCapability describes what the host can sustain. Computed once at
// session start via [ProbeCapability]; read-only thereafter.
type DeviceCapability struct {
	// CPUCount is the number of logical processors.
	CPUCount int

	// MemoryBytes is the physical memory size, or 0 when it cannot be
	// determined.
	MemoryBytes uint64

	// SupportsLocalML reports whether on-device inference is viable.
	SupportsLocalML bool

	// SupportsUltraLowLatency reports whether an input device is available
	// and responsive enough for the fast path.
	SupportsUltraLowLatency bool

	// RecommendedBufferFrames is the suggested frame-buffer depth before
	// headroom scaling.
	RecommendedBufferFrames int
}

// ProbeCapability queries the host once at session start. dev may be nil when
// no input device is configured; the result then reports no ultra-low-latency
// support.
//
// The input probe opens and immediately closes a short stream; devices that
// reject the probe configuration are treated as present but not
// low-latency-capable.
func ProbeCapability(ctx context.Context, dev InputDevice, cfg StreamConfig) DeviceCapability {
	cap := DeviceCapability{
		CPUCount:                runtime.NumCPU(),
		MemoryBytes:             physicalMemory(),
		RecommendedBufferFrames: defaultBufferFrames,
	}
	cap.SupportsLocalML = cap.CPUCount >= minLocalMLCPUs

	if dev != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()

		stream, err := dev.OpenStream(probeCtx, cfg)
		switch {
		case err == nil:
			cap.SupportsUltraLowLatency = true
			_ = stream.Close()
		case errors.Is(err, ErrConfigurationFailed):
			// Device exists but cannot honour the fast-path format.
			cap.SupportsUltraLowLatency = false
		}
	}

	if !cap.SupportsLocalML {
		// Weak hosts get deeper buffering to ride out scheduling jitter.
		cap.RecommendedBufferFrames = defaultBufferFrames * 2
	}
	return cap
}
