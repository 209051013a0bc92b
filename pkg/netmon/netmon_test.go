package netmon

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestStatic_SetNotifiesOnFlip(t *testing.T) {
	s := NewStatic(true)
	if !s.Reachable() {
		t.Fatal("initial state should be reachable")
	}

	flips := make(chan bool, 4)
	s.OnChange(func(r bool) { flips <- r })

	s.Set(false)
	select {
	case r := <-flips:
		if r {
			t.Error("callback value = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked on flip")
	}

	// Same value again — no callback.
	s.Set(false)
	select {
	case <-flips:
		t.Error("callback invoked without a state change")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProbe_ReachableTarget(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewProbe(ProbeConfig{Target: l.Addr().String(), Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go p.Run(ctx)

	deadline := time.After(400 * time.Millisecond)
	for !p.Reachable() {
		select {
		case <-deadline:
			t.Fatal("probe never reported the listener reachable")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProbe_UnreachableTargetFlips(t *testing.T) {
	p := NewProbe(ProbeConfig{
		Target:   "127.0.0.1:1",
		Interval: 10 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	})

	flips := make(chan bool, 1)
	p.OnChange(func(r bool) {
		select {
		case flips <- r:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go p.Run(ctx)

	select {
	case r := <-flips:
		if r {
			t.Error("flip value = true, want false")
		}
	case <-time.After(900 * time.Millisecond):
		t.Fatal("probe never flipped to unreachable")
	}
	if p.Reachable() {
		t.Error("Reachable() = true after failed probes")
	}
}

func TestProbe_Defaults(t *testing.T) {
	p := NewProbe(ProbeConfig{Target: "example.com:443"})
	if p.interval != 2*time.Second {
		t.Errorf("interval = %v, want 2s", p.interval)
	}
	if p.timeout != 500*time.Millisecond {
		t.Errorf("timeout = %v, want 500ms", p.timeout)
	}
	if !p.Reachable() {
		t.Error("probe should be optimistic before the first result")
	}
}
