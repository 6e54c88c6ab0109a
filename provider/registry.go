package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/convergelabs/modelgate/core"
)

// Registry is the mutable catalogue of registered provider adapters.
// Lookups return the adapter by reference; holders obtained before an
// Unregister keep working until their call completes.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
	logger   core.Logger
}

// NewRegistry creates an empty provider registry
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		adapters: make(map[string]*Adapter),
		logger:   logger,
	}
}

// Register adds an adapter under its provider id
func (r *Registry) Register(a *Adapter) error {
	if a == nil {
		return core.Errorf(core.KindInvalidArgument, "registry.Register", "nil adapter")
	}
	id := a.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return core.NewGatewayError(core.KindInvalidArgument, "registry.Register", core.ErrAlreadyRegistered)
	}
	r.adapters[id] = a

	r.logger.Info("Provider registered", map[string]interface{}{
		"operation":   "provider_registered",
		"provider_id": id,
		"streaming":   a.Capabilities().Streaming,
	})
	return nil
}

// Unregister removes an adapter from the catalogue. The adapter itself
// is not shut down; in-flight calls through previously obtained
// references complete normally.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, existed := r.adapters[id]
	delete(r.adapters, id)
	r.mu.Unlock()

	if existed {
		r.logger.Info("Provider unregistered", map[string]interface{}{
			"operation":   "provider_unregistered",
			"provider_id": id,
		})
	}
	return existed
}

// Get returns the adapter for a provider id
func (r *Registry) Get(id string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// List returns every registered adapter sorted by provider id
func (r *Registry) List() []*Adapter {
	r.mu.RLock()
	out := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ForModel returns adapters that can serve the model, sorted by id
func (r *Registry) ForModel(modelID string) []*Adapter {
	all := r.List()
	out := all[:0]
	for _, a := range all {
		if a.Supports(modelID) {
			out = append(out, a)
		}
	}
	return out
}

// Where returns adapters matching a capability predicate, sorted by id
func (r *Registry) Where(match func(Capabilities) bool) []*Adapter {
	all := r.List()
	out := all[:0]
	for _, a := range all {
		if match(a.Capabilities()) {
			out = append(out, a)
		}
	}
	return out
}

// ShutdownAll stops every adapter and empties the catalogue
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[string]*Adapter)
	r.mu.Unlock()

	for id, a := range adapters {
		if err := a.Shutdown(ctx); err != nil {
			r.logger.Warn("Provider shutdown failed", map[string]interface{}{
				"operation":   "provider_shutdown",
				"provider_id": id,
				"error":       err.Error(),
			})
		}
	}
}
