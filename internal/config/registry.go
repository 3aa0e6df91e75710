package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxcart/voxcart/pkg/provider/speech"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use. Subsequent registrations under the same name overwrite
// the previous one.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func(ProviderConfig) (speech.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func(ProviderConfig) (speech.Provider, error)),
	}
}

// Register registers a provider factory under name.
func (r *Registry) Register(name string, factory func(ProviderConfig) (speech.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names lists the registered provider names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Create instantiates a provider using the factory registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(cfg ProviderConfig) (speech.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
