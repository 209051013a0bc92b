package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModesChanged is true if any mode-policy knob changed. The new policy
	// can be applied to a running selector without restart.
	ModesChanged bool
	NewModes     ModesConfig

	// EdgeChanged is true if the edge endpoint or codec changed. Applying it
	// requires a reconnect, which the engine does lazily on the next call.
	EdgeChanged bool

	SinksChanged bool
	SinkChanges  []SinkDiff
}

// SinkDiff describes what changed for a single sink between two configs.
type SinkDiff struct {
	Name    string
	Changed bool
	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Modes != new.Modes {
		d.ModesChanged = true
		d.NewModes = new.Modes
	}

	if old.Edge != new.Edge {
		d.EdgeChanged = true
	}

	// Build sink lookup maps keyed by name.
	oldSinks := make(map[string]*SinkEntry, len(old.Sinks))
	for i := range old.Sinks {
		oldSinks[old.Sinks[i].Name] = &old.Sinks[i]
	}
	newSinks := make(map[string]*SinkEntry, len(new.Sinks))
	for i := range new.Sinks {
		newSinks[new.Sinks[i].Name] = &new.Sinks[i]
	}

	// Detect modified and removed sinks.
	for name, oldSink := range oldSinks {
		newSink, exists := newSinks[name]
		if !exists {
			d.SinkChanges = append(d.SinkChanges, SinkDiff{Name: name, Removed: true})
			d.SinksChanged = true
			continue
		}
		if !sinkEqual(oldSink, newSink) {
			d.SinkChanges = append(d.SinkChanges, SinkDiff{Name: name, Changed: true})
			d.SinksChanged = true
		}
	}

	// Detect added sinks.
	for name := range newSinks {
		if _, exists := oldSinks[name]; !exists {
			d.SinkChanges = append(d.SinkChanges, SinkDiff{Name: name, Added: true})
			d.SinksChanged = true
		}
	}

	return d
}

// sinkEqual compares two sink entries including the free-form Options map.
func sinkEqual(a, b *SinkEntry) bool {
	if a.BrokerURL != b.BrokerURL ||
		a.ClientID != b.ClientID ||
		a.Topic != b.Topic ||
		a.QoS != b.QoS ||
		a.Username != b.Username ||
		a.Password != b.Password {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
