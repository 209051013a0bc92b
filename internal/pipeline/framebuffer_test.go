package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/seminote/engine/pkg/audio"
)

// frameAt builds a marker frame whose timestamp encodes its push order.
func frameAt(n int) *audio.Frame {
	return &audio.Frame{
		Samples:    []float32{float32(n)},
		SampleRate: 44100,
		Timestamp:  time.Duration(n) * time.Millisecond,
	}
}

func TestFrameBuffer_FIFO(t *testing.T) {
	b := NewFrameBuffer(4)
	for i := 0; i < 3; i++ {
		b.Push(frameAt(i))
	}
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	for i := 0; i < 3; i++ {
		f, ok := b.Pop()
		if !ok {
			t.Fatalf("Pop %d: empty", i)
		}
		if f.Timestamp != time.Duration(i)*time.Millisecond {
			t.Errorf("Pop %d = frame %v, want %v", i, f.Timestamp, time.Duration(i)*time.Millisecond)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Error("Pop on empty buffer returned a frame")
	}
}

func TestFrameBuffer_OverflowEvictsOldest(t *testing.T) {
	b := NewFrameBuffer(4)
	for i := 0; i < 6; i++ {
		b.Push(frameAt(i))
	}

	if b.Len() != 4 {
		t.Fatalf("Len = %d, want 4 after overflow", b.Len())
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", b.Dropped())
	}

	// Frames 0 and 1 must be gone; 2–5 survive in order.
	for i := 2; i < 6; i++ {
		f, ok := b.Pop()
		if !ok {
			t.Fatalf("Pop: empty, want frame %d", i)
		}
		if f.Timestamp != time.Duration(i)*time.Millisecond {
			t.Errorf("got frame %v, want %v", f.Timestamp, time.Duration(i)*time.Millisecond)
		}
	}
}

func TestFrameBuffer_PushReportsEviction(t *testing.T) {
	b := NewFrameBuffer(2)
	if b.Push(frameAt(0)) {
		t.Error("eviction reported on empty buffer")
	}
	if b.Push(frameAt(1)) {
		t.Error("eviction reported with space remaining")
	}
	if !b.Push(frameAt(2)) {
		t.Error("overflow push did not report eviction")
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", b.Dropped())
	}
}

func TestFrameBuffer_NeverExceedsCapacity(t *testing.T) {
	b := NewFrameBuffer(8)
	for i := 0; i < 1000; i++ {
		b.Push(frameAt(i))
		if b.Len() > 8 {
			t.Fatalf("Len = %d exceeds capacity after push %d", b.Len(), i)
		}
	}
	if b.Dropped() != 992 {
		t.Errorf("Dropped = %d, want 992", b.Dropped())
	}
}

func TestFrameBuffer_MinimumCapacity(t *testing.T) {
	b := NewFrameBuffer(0)
	if b.Capacity() != 1 {
		t.Errorf("Capacity = %d, want clamped to 1", b.Capacity())
	}
	b.Push(frameAt(1))
	b.Push(frameAt(2))
	f, ok := b.Pop()
	if !ok || f.Timestamp != 2*time.Millisecond {
		t.Errorf("Pop = (%v, %v), want newest frame after eviction", f, ok)
	}
}

func TestFrameBuffer_ConcurrentProducerConsumer(t *testing.T) {
	const total = 50000
	b := NewFrameBuffer(64)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			b.Push(frameAt(i))
		}
	}()

	var popped uint64
	var lastTS time.Duration = -1
	go func() {
		defer wg.Done()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			f, ok := b.Pop()
			if !ok {
				if popped+b.Dropped() >= total {
					return
				}
				continue
			}
			// Drop-oldest preserves order: timestamps strictly increase.
			if f.Timestamp <= lastTS {
				t.Errorf("out-of-order pop: %v after %v", f.Timestamp, lastTS)
				return
			}
			lastTS = f.Timestamp
			popped++
		}
	}()

	wg.Wait()
	if popped+b.Dropped() != total {
		t.Errorf("popped %d + dropped %d != pushed %d", popped, b.Dropped(), total)
	}
}
