package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/seminote/engine/pkg/audio"
)

// Mode is the active inference strategy.
type Mode int

const (
	// ModeLocal runs on-device inference only.
	ModeLocal Mode = iota

	// ModeEdge runs remote inference only.
	ModeEdge

	// ModeHybrid runs both: local for immediate pitch, edge for rhythm.
	ModeHybrid

	// ModeOffline runs local inference with all edge calls suppressed.
	ModeOffline
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeEdge:
		return "edge"
	case ModeHybrid:
		return "hybrid"
	case ModeOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ModeTransition is an edge-triggered mode change event. Epoch increases by
// one per transition and is used to detect stale inference results.
type ModeTransition struct {
	From   Mode
	To     Mode
	Reason string
	Epoch  uint64
}

// ModeConfig holds the selection policy knobs.
type ModeConfig struct {
	// LocalBPM is the tempo above which local mode is selected. Default: 120.
	LocalBPM float64

	// EdgeBPM is the tempo below which edge mode is selected. Default: 60.
	EdgeBPM float64

	// HysteresisBPM is the band a tempo estimate must clear beyond a
	// threshold before a tempo-driven transition fires. Guards against
	// mode-flapping when the tempo oscillates near a boundary. Default: 8.
	HysteresisBPM float64

	// DegradedCooldown is how long the selector pins Local after a latency
	// degradation signal. Default: 5s.
	DegradedCooldown time.Duration
}

// withDefaults fills zero-valued fields.
func (c ModeConfig) withDefaults() ModeConfig {
	if c.LocalBPM <= 0 {
		c.LocalBPM = 120
	}
	if c.EdgeBPM <= 0 {
		c.EdgeBPM = 60
	}
	if c.HysteresisBPM < 0 {
		c.HysteresisBPM = 0
	} else if c.HysteresisBPM == 0 {
		c.HysteresisBPM = 8
	}
	if c.DegradedCooldown <= 0 {
		c.DegradedCooldown = 5 * time.Second
	}
	return c
}

// ModeSelector maps observed tempo, connectivity, device capability, and
// latency degradation to a processing mode. Tie-break order: manual override,
// then connectivity, then tempo, then degradation cooldown.
//
// State is mutated only from the coordination goroutine; reads from the
// inference workers may observe a stale-by-one-frame mode, which is safe
// because stale results are discarded by epoch at publication time.
type ModeSelector struct {
	cfg   ModeConfig
	cap   audio.DeviceCapability
	clock *sessionClock

	mu            sync.Mutex
	mode          Mode
	epoch         uint64
	override      *Mode
	reachable     bool
	tempo         float64
	haveTempo     bool
	cooldownUntil time.Duration
	cb            func(ModeTransition)
}

// NewModeSelector creates a selector in the initial Local state (the safe
// default: no network dependency). Connectivity starts optimistic; the first
// monitor report corrects it.
func NewModeSelector(cfg ModeConfig, cap audio.DeviceCapability, clock *sessionClock) *ModeSelector {
	return &ModeSelector{
		cfg:       cfg.withDefaults(),
		cap:       cap,
		clock:     clock,
		mode:      ModeLocal,
		reachable: true,
	}
}

// OnTransition registers cb to be invoked on every mode change. Only one
// callback may be registered; subsequent calls replace it. The callback runs
// synchronously on the goroutine that triggered the transition and must not
// block.
func (s *ModeSelector) OnTransition(cb func(ModeTransition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Current returns the active mode and its epoch.
func (s *ModeSelector) Current() (Mode, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.epoch
}

// ObserveTempo feeds a tempo estimate from the most recent rhythm analysis
// and re-evaluates the mode.
func (s *ModeSelector) ObserveTempo(bpm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bpm > 0 {
		s.tempo = bpm
		s.haveTempo = true
	}
	s.evaluate("tempo")
}

// SetReachable feeds the connectivity signal and re-evaluates the mode.
func (s *ModeSelector) SetReachable(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = reachable
	s.evaluate("connectivity")
}

// NoteDegraded signals that the latency tracker reports degradation. While
// in Edge or Hybrid this forces Local for the cooldown period, after which
// normal evaluation resumes.
func (s *ModeSelector) NoteDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override != nil {
		return
	}
	if s.mode != ModeEdge && s.mode != ModeHybrid {
		return
	}
	s.cooldownUntil = s.clock.Now() + s.cfg.DegradedCooldown
	s.transition(ModeLocal, "latency-degraded")
}

// Force moves the selector to mode for the given hold duration, bypassing
// normal policy. Used by the coordinator's local-failure escalation.
func (s *ModeSelector) Force(mode Mode, reason string, hold time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override != nil {
		return
	}
	if hold > 0 {
		s.cooldownUntil = s.clock.Now() + hold
	}
	s.transition(mode, reason)
}

// SetOverride pins the mode manually, superseding automatic selection until
// ClearOverride is called.
func (s *ModeSelector) SetOverride(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = &mode
	s.transition(mode, "manual-override")
}

// ClearOverride removes a manual override and re-evaluates.
func (s *ModeSelector) ClearOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override == nil {
		return
	}
	s.override = nil
	s.evaluate("override-cleared")
}

// Reevaluate re-runs the policy without new inputs. Called periodically so
// that cooldown expiry takes effect even when no input changes.
func (s *ModeSelector) Reevaluate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluate("periodic")
}

// evaluate applies the selection policy and transitions when the target mode
// differs from the current one. Must be called with s.mu held.
func (s *ModeSelector) evaluate(reason string) {
	if s.override != nil {
		return
	}
	if s.cooldownUntil > 0 && s.clock.Now() < s.cooldownUntil {
		return
	}
	s.cooldownUntil = 0
	s.transition(s.target(), reason)
}

// target computes the policy's desired mode from current inputs.
// Must be called with s.mu held.
func (s *ModeSelector) target() Mode {
	// Connectivity first: no network means offline, regardless of tempo.
	if !s.reachable {
		return ModeOffline
	}

	// Hosts without local-ML capability cannot serve Local or Hybrid;
	// every decision collapses to Edge while the network holds.
	if !s.cap.SupportsLocalML {
		return ModeEdge
	}

	// Cold start: no tempo estimate yet.
	if !s.haveTempo {
		return ModeLocal
	}
	return s.tempoTarget()
}

// tempoTarget maps the tempo estimate to a mode, applying hysteresis around
// the band boundaries relative to the current mode. Must be called with
// s.mu held.
func (s *ModeSelector) tempoTarget() Mode {
	low, high, band := s.cfg.EdgeBPM, s.cfg.LocalBPM, s.cfg.HysteresisBPM

	// Nominal band for the estimate.
	var nominal Mode
	switch {
	case s.tempo > high:
		nominal = ModeLocal
	case s.tempo < low:
		nominal = ModeEdge
	default:
		nominal = ModeHybrid
	}
	if nominal == s.mode {
		return s.mode
	}

	// Leaving the current band requires clearing it by the hysteresis band.
	switch s.mode {
	case ModeLocal:
		if s.tempo > high-band {
			return ModeLocal
		}
	case ModeEdge:
		if s.tempo < low+band {
			return ModeEdge
		}
	case ModeHybrid:
		if s.tempo <= high+band && s.tempo >= low-band {
			return ModeHybrid
		}
	}
	return nominal
}

// transition switches to the target mode, bumping the epoch and notifying
// the registered callback. No-op when target equals the current mode.
// Must be called with s.mu held.
func (s *ModeSelector) transition(to Mode, reason string) {
	if to == s.mode {
		return
	}
	from := s.mode
	s.mode = to
	s.epoch++

	t := ModeTransition{From: from, To: to, Reason: reason, Epoch: s.epoch}
	slog.Info("processing mode changed",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"epoch", t.Epoch,
	)
	if s.cb != nil {
		s.cb(t)
	}
}
