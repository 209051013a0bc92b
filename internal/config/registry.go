package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/sink"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: implementation not registered")

// Registry maps implementation names to their constructor functions for each
// pluggable slot. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]func(DeviceEntry) (audio.InputDevice, error)
	sinks   map[string]func(SinkEntry) (sink.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]func(DeviceEntry) (audio.InputDevice, error)),
		sinks:   make(map[string]func(SinkEntry) (sink.Sink, error)),
	}
}

// RegisterDevice registers an input device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDevice(name string, factory func(DeviceEntry) (audio.InputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// RegisterSink registers an event sink factory under name.
func (r *Registry) RegisterSink(name string, factory func(SinkEntry) (sink.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateDevice instantiates an input device using the factory registered
// under entry.Name. Returns [ErrNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateDevice(entry DeviceEntry) (audio.InputDevice, error) {
	r.mu.RLock()
	factory, ok := r.devices[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSink instantiates an event sink using the factory registered under
// entry.Name.
func (r *Registry) CreateSink(entry SinkEntry) (sink.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}
