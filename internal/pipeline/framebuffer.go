package pipeline

import (
	"sync/atomic"

	"github.com/seminote/engine/pkg/audio"
)

// FrameBuffer is a fixed-capacity single-producer/single-consumer ring of
// audio frames with a drop-oldest overflow policy.
//
// Push and Pop are lock-free and never block; Push additionally never
// allocates, so it is safe to call from the capture goroutine. The drop
// counter makes overflow observable instead of fatal.
type FrameBuffer struct {
	slots []atomic.Pointer[audio.Frame]
	cap   uint64

	// head and tail are monotonically increasing slot sequence numbers;
	// the occupied range is [head, tail). head advances via CAS because
	// both the consumer (Pop) and the producer (overflow eviction) move it.
	head atomic.Uint64
	tail atomic.Uint64

	dropped atomic.Uint64
}

// NewFrameBuffer creates a buffer holding at most capacity frames.
// Capacity must be at least 1.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameBuffer{
		slots: make([]atomic.Pointer[audio.Frame], capacity),
		cap:   uint64(capacity),
	}
}

// Push stores a frame, evicting the oldest unread frame when full. Never
// blocks, never fails; the return value reports whether an unread frame was
// evicted to make room. Must only be called from the single producer.
func (b *FrameBuffer) Push(frame *audio.Frame) (evicted bool) {
	for {
		tail := b.tail.Load()
		head := b.head.Load()
		if tail-head >= b.cap {
			// Full: evict the oldest unread frame. The CAS can lose to a
			// concurrent Pop, which also frees a slot — retry either way.
			if b.head.CompareAndSwap(head, head+1) {
				b.dropped.Add(1)
				evicted = true
			}
			continue
		}
		b.slots[tail%b.cap].Store(frame)
		b.tail.Store(tail + 1)
		return evicted
	}
}

// Pop returns the oldest unread frame, or (nil, false) when the buffer is
// empty. Never blocks. Must only be called from the single consumer.
func (b *FrameBuffer) Pop() (*audio.Frame, bool) {
	for {
		head := b.head.Load()
		tail := b.tail.Load()
		if head == tail {
			return nil, false
		}
		frame := b.slots[head%b.cap].Load()
		// The load above must precede the CAS: once head advances the
		// producer may reuse the slot.
		if b.head.CompareAndSwap(head, head+1) {
			return frame, true
		}
		// Lost to a producer eviction; retry at the new head.
	}
}

// Len returns the number of unread frames currently held.
func (b *FrameBuffer) Len() int {
	// tail is loaded first so the subtraction can never observe tail < head.
	tail := b.tail.Load()
	head := b.head.Load()
	if head > tail {
		return 0
	}
	return int(tail - head)
}

// Capacity returns the fixed capacity.
func (b *FrameBuffer) Capacity() int { return int(b.cap) }

// Dropped returns the total number of frames evicted by overflow.
func (b *FrameBuffer) Dropped() uint64 { return b.dropped.Load() }
