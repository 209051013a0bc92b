package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidImplementationNames lists known implementation names per slot kind.
// Used by [Validate] to warn about unrecognised names.
var ValidImplementationNames = map[string][]string{
	"device": {"stdin", "file"},
	"sink":   {"mqtt", "log"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Implementation name validation — warn for unknown names.
	validateImplementationName("device", cfg.Engine.Device.Name)
	for _, sink := range cfg.Sinks {
		validateImplementationName("sink", sink.Name)
	}

	// Engine format
	if cfg.Engine.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("engine.sample_rate %d must not be negative", cfg.Engine.SampleRate))
	}
	if cfg.Engine.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("engine.frame_size %d must not be negative", cfg.Engine.FrameSize))
	}
	if cfg.Engine.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("engine.buffer_frames %d must not be negative", cfg.Engine.BufferFrames))
	}

	// Mode policy
	if cfg.Modes.LocalBPM < 0 || cfg.Modes.EdgeBPM < 0 {
		errs = append(errs, fmt.Errorf("modes.local_bpm and modes.edge_bpm must not be negative"))
	}
	if cfg.Modes.LocalBPM > 0 && cfg.Modes.EdgeBPM > 0 && cfg.Modes.EdgeBPM >= cfg.Modes.LocalBPM {
		errs = append(errs, fmt.Errorf("modes.edge_bpm %.0f must be below modes.local_bpm %.0f", cfg.Modes.EdgeBPM, cfg.Modes.LocalBPM))
	}
	if cfg.Modes.Pin != "" && !cfg.Modes.Pin.IsValid() {
		errs = append(errs, fmt.Errorf("modes.pin %q is invalid; valid values: local, edge, hybrid, offline", cfg.Modes.Pin))
	}

	// Edge
	if cfg.Edge.Codec != "" && !cfg.Edge.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("edge.codec %q is invalid; valid values: pcm16, opus", cfg.Edge.Codec))
	}
	if cfg.Edge.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("edge.timeout_ms %d must not be negative", cfg.Edge.TimeoutMS))
	}
	if cfg.Edge.URL == "" {
		switch cfg.Modes.Pin {
		case ModeLocal, ModeOffline:
			// Edge is never used; no URL needed.
		default:
			slog.Warn("edge.url is empty; edge and hybrid modes will be unavailable")
		}
	}

	// Netmon
	if cfg.Netmon.IntervalMS < 0 || cfg.Netmon.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("netmon.interval_ms and netmon.timeout_ms must not be negative"))
	}

	// Sinks
	sinkNamesSeen := make(map[string]int, len(cfg.Sinks))
	for i, sink := range cfg.Sinks {
		prefix := fmt.Sprintf("sinks[%d]", i)
		if sink.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := sinkNamesSeen[sink.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of sinks[%d]", prefix, sink.Name, prev))
		}
		sinkNamesSeen[sink.Name] = i

		if sink.QoS < 0 || sink.QoS > 2 {
			errs = append(errs, fmt.Errorf("%s.qos %d is out of range [0, 2]", prefix, sink.QoS))
		}
		if sink.Name == "mqtt" && sink.BrokerURL == "" {
			errs = append(errs, fmt.Errorf("%s.broker_url is required for the mqtt sink", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateImplementationName logs a warning if name is non-empty and not
// found in the [ValidImplementationNames] list for the given kind.
func validateImplementationName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidImplementationNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown implementation name — may be a typo or an externally registered one",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
