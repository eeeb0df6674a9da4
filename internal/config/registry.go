package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/pkg/segment"
)

// ErrBackendNotRegistered is returned by [Registry.CreateStore] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: storage backend not registered")

// StoreFactory opens a segment store from the storage section. The returned
// close function releases the store's resources; it may be nil.
type StoreFactory func(ctx context.Context, cfg StorageConfig) (segment.Store, func(), error)

// Registry maps storage backend names to their factories. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]StoreFactory)}
}

// RegisterStore registers a store factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterStore(name string, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = factory
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for n := range r.stores {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateStore opens the store registered under cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateStore(ctx context.Context, cfg StorageConfig) (segment.Store, func(), error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	s, closeFn, err := factory(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("config: open %s store: %w", cfg.Backend, err)
	}
	if closeFn == nil {
		closeFn = func() {}
	}
	return s, closeFn, nil
}
