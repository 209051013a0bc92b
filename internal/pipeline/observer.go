package pipeline

import "time"

// Observer receives telemetry callbacks from the pipeline's hot paths. The
// methods are invoked from the capture goroutine and the inference workers,
// so implementations must be safe for concurrent use and must return
// quickly; anything slow belongs behind the implementation's own buffering.
//
// Wire one with [WithObserver]. Without it the pipeline runs silent.
type Observer interface {
	// FrameCaptured is called once per frame pushed into the frame buffer.
	FrameCaptured()

	// FrameDropped is called when a push evicted an unread frame.
	FrameDropped()

	// InferenceDone is called after each backend call with the backend name
	// ("local" or "edge"), the call duration, and its error, if any.
	InferenceDone(backend string, d time.Duration, err error)

	// StaleDiscard is called when an edge result is dropped because the mode
	// epoch moved on while the call was in flight.
	StaleDiscard()

	// EventPublished is called per published event with its
	// capture-to-publish latency.
	EventPublished(latency time.Duration)

	// ModeChanged is called on every mode transition.
	ModeChanged(t ModeTransition)

	// SubscriberChange is called with +1 on subscribe and -1 on unsubscribe
	// or publisher close.
	SubscriberChange(delta int)
}

// nopObserver is the default Observer when none is wired.
type nopObserver struct{}

func (nopObserver) FrameCaptured()                             {}
func (nopObserver) FrameDropped()                              {}
func (nopObserver) InferenceDone(string, time.Duration, error) {}
func (nopObserver) StaleDiscard()                              {}
func (nopObserver) EventPublished(time.Duration)               {}
func (nopObserver) ModeChanged(ModeTransition)                 {}
func (nopObserver) SubscriberChange(int)                       {}
