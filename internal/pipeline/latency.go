package pipeline

import (
	"sort"
	"sync"
	"time"
)

// Latency classification thresholds.
const (
	// fastThreshold is the fast-mode compliance bound for local inference.
	fastThreshold = 5 * time.Millisecond

	// degradedThreshold marks the bound beyond which the pipeline is
	// considered degraded and the mode selector should prefer Local.
	degradedThreshold = 20 * time.Millisecond
)

// defaultLatencyWindow is the number of measurements retained for statistics.
const defaultLatencyWindow = 200

// LatencyClass buckets a measured latency against the pipeline budgets.
type LatencyClass int

const (
	// LatencyFast is <5 ms: fast-mode compliant.
	LatencyFast LatencyClass = iota

	// LatencyAcceptable is 5–20 ms.
	LatencyAcceptable

	// LatencyDegraded is >20 ms.
	LatencyDegraded
)

// String returns the human-readable name of the class.
func (c LatencyClass) String() string {
	switch c {
	case LatencyFast:
		return "fast"
	case LatencyAcceptable:
		return "acceptable"
	case LatencyDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Classify buckets a single latency value.
func Classify(d time.Duration) LatencyClass {
	switch {
	case d < fastThreshold:
		return LatencyFast
	case d <= degradedThreshold:
		return LatencyAcceptable
	default:
		return LatencyDegraded
	}
}

// LatencyMeasurement is one capture→publish observation. Immutable.
type LatencyMeasurement struct {
	Captured  time.Duration
	Published time.Duration
}

// Latency returns publish − capture.
func (m LatencyMeasurement) Latency() time.Duration {
	return m.Published - m.Captured
}

// LatencyStats summarises the rolling measurement window.
type LatencyStats struct {
	Count int
	Min   time.Duration
	Mean  time.Duration
	P95   time.Duration
}

// Class buckets the window's p95.
func (s LatencyStats) Class() LatencyClass {
	return Classify(s.P95)
}

// LatencyTracker maintains a rolling window of capture→publish latency
// measurements and exposes summary statistics. The degraded signal is based
// on the window p95 so that a single slow event does not flip the mode
// selector.
//
// All methods are safe for concurrent use.
type LatencyTracker struct {
	mu      sync.RWMutex
	window  []LatencyMeasurement
	next    int
	filled  bool
	maxSize int
}

// NewLatencyTracker creates a tracker retaining windowSize measurements.
// windowSize <= 0 selects the default of 200.
func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = defaultLatencyWindow
	}
	return &LatencyTracker{
		window:  make([]LatencyMeasurement, windowSize),
		maxSize: windowSize,
	}
}

// Record adds one measurement, evicting the oldest when the window is full.
func (t *LatencyTracker) Record(captured, published time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window[t.next] = LatencyMeasurement{Captured: captured, Published: published}
	t.next++
	if t.next == t.maxSize {
		t.next = 0
		t.filled = true
	}
}

// Stats computes min/mean/p95 over the current window. A zero Count means no
// measurements have been recorded yet.
func (t *LatencyTracker) Stats() LatencyStats {
	t.mu.RLock()
	n := t.next
	if t.filled {
		n = t.maxSize
	}
	latencies := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		latencies[i] = t.window[i].Latency()
	}
	t.mu.RUnlock()

	if n == 0 {
		return LatencyStats{}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	// Nearest-rank p95.
	rank := (n*95 + 99) / 100
	if rank < 1 {
		rank = 1
	}

	return LatencyStats{
		Count: n,
		Min:   latencies[0],
		Mean:  sum / time.Duration(n),
		P95:   latencies[rank-1],
	}
}

// Degraded reports whether the window p95 exceeds the degraded threshold.
// Requires a minimum of 10 measurements to avoid flapping on startup noise.
func (t *LatencyTracker) Degraded() bool {
	s := t.Stats()
	return s.Count >= 10 && s.P95 > degradedThreshold
}
