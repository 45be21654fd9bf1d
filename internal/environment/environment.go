// Package environment provides the controlled machine or simulation a routine tunes.
package environment

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cwbudde/badgerctl/internal/routine"
)

// Environment is the interface a driver uses to set inputs and read observables.
// Implementations must be safe for concurrent use.
type Environment interface {
	// GetVariables returns the current values of the named variables.
	GetVariables(names []string) (map[string]float64, error)

	// SetVariables applies new variable values.
	SetVariables(values map[string]float64) error

	// GetObservables reads the named observables.
	GetObservables(names []string) (map[string]float64, error)

	// StopRecording writes the interface log collected so far to path.
	// Environments that do not record return ErrNotRecording.
	StopRecording(path string) error
}

// ErrNotRecording is returned by StopRecording on environments without an interface log.
var ErrNotRecording = errors.New("environment does not record interface calls")

// Factory builds an environment for a routine.
type Factory func(cfg routine.EnvironmentConfig, vocs routine.VOCS) (Environment, error)

// Registry maps environment names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in environments.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("synthetic", func(cfg routine.EnvironmentConfig, vocs routine.VOCS) (Environment, error) {
		return NewSynthetic(vocs.Variables, cfg.Noise, cfg.Seed), nil
	})
	return reg
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the environment named in cfg.
func (r *Registry) New(cfg routine.EnvironmentConfig, vocs routine.VOCS) (Environment, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown environment %q (available: %v)", cfg.Name, r.Names())
	}
	return f(cfg, vocs)
}

// Names lists registered environments in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
