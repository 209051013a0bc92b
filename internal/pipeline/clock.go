package pipeline

import "time"

// sessionClock measures elapsed time since session start on the runtime's
// monotonic clock. Capture and publish timestamps share one clock instance
// so latency math is immune to wall-clock adjustments.
type sessionClock struct {
	start time.Time
}

func newSessionClock() *sessionClock {
	return &sessionClock{start: time.Now()}
}

// Now returns the monotonic elapsed time since session start.
func (c *sessionClock) Now() time.Duration {
	return time.Since(c.start)
}
