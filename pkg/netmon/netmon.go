// Package netmon provides the network reachability signal consumed by the
// mode selector.
//
// [Monitor] is the contract; [Probe] is the default implementation, a
// periodic TCP dial against the edge service endpoint. [Static] is a
// controllable monitor for tests and manual overrides.
package netmon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Monitor exposes the current reachability state and change notifications.
//
// Implementations must be safe for concurrent use.
type Monitor interface {
	// Reachable reports whether the network target is currently reachable.
	Reachable() bool

	// OnChange registers cb to be invoked whenever reachability flips. Only
	// one callback may be registered at a time; subsequent calls replace the
	// previous registration. The callback is invoked on an internal
	// goroutine and must not block.
	OnChange(cb func(reachable bool))
}

// Static is a [Monitor] with an externally controlled state. Used in tests
// and as the monitor of last resort when probing is disabled.
type Static struct {
	mu        sync.Mutex
	reachable bool
	cb        func(bool)
}

// NewStatic creates a Static monitor with the given initial state.
func NewStatic(reachable bool) *Static {
	return &Static{reachable: reachable}
}

// Reachable returns the current state.
func (s *Static) Reachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reachable
}

// OnChange registers the change callback.
func (s *Static) OnChange(cb func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Set updates the state, invoking the callback when it flips.
func (s *Static) Set(reachable bool) {
	s.mu.Lock()
	flipped := s.reachable != reachable
	s.reachable = reachable
	cb := s.cb
	s.mu.Unlock()

	if flipped && cb != nil {
		go cb(reachable)
	}
}

// ProbeConfig holds tuning knobs for a [Probe].
type ProbeConfig struct {
	// Target is the "host:port" dialled by each probe.
	Target string

	// Interval between probes. Default: 2s.
	Interval time.Duration

	// Timeout for a single dial. Default: 500ms.
	Timeout time.Duration
}

// Probe implements [Monitor] with periodic TCP dial probes. Until the first
// probe completes, the target counts as reachable so that a cold start does
// not force the pipeline offline spuriously.
type Probe struct {
	target   string
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	reachable bool
	cb        func(bool)
}

// NewProbe creates a Probe. Zero-value config fields are replaced with
// defaults. Call [Probe.Run] to start probing.
func NewProbe(cfg ProbeConfig) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &Probe{
		target:    cfg.Target,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		reachable: true,
	}
}

// Reachable returns the result of the most recent probe.
func (p *Probe) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

// OnChange registers the change callback.
func (p *Probe) OnChange(cb func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

// Run probes the target until ctx is cancelled. Blocking; run in a goroutine.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.update(p.dial(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dial performs one probe.
func (p *Probe) dial(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.target)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// update records a probe result, invoking the callback on a flip.
func (p *Probe) update(reachable bool) {
	p.mu.Lock()
	flipped := p.reachable != reachable
	p.reachable = reachable
	cb := p.cb
	p.mu.Unlock()

	if flipped {
		slog.Info("network reachability changed", "target", p.target, "reachable", reachable)
		if cb != nil {
			go cb(reachable)
		}
	}
}
