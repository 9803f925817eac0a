// Package tenant resolves provider channel instance keys to tenants.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
)

// ErrUnknownInstance is returned when no tenant owns the instance key.
var ErrUnknownInstance = errors.New("tenant: unknown channel instance")

// Lookup is the tenant configuration source.
type Lookup interface {
	GetInstance(ctx context.Context, key string) (*model.Instance, error)
}

// Resolver caches instance key to tenant mappings for the process lifetime.
// Entries are never evicted; Clear drops them all.
type Resolver struct {
	lookup Lookup

	mu    sync.RWMutex
	cache map[string]model.Instance
}

// NewResolver creates a resolver backed by lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{
		lookup: lookup,
		cache:  make(map[string]model.Instance),
	}
}

// Resolve returns the instance for key, querying the lookup once per unseen key.
// Misses are not cached.
func (r *Resolver) Resolve(ctx context.Context, key string) (model.Instance, error) {
	if key == "" {
		return model.Instance{}, ErrUnknownInstance
	}

	r.mu.RLock()
	inst, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return inst, nil
	}

	found, err := r.lookup.GetInstance(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return model.Instance{}, fmt.Errorf("%w: %s", ErrUnknownInstance, key)
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("failed to look up instance %s: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = *found
	size := len(r.cache)
	r.mu.Unlock()
	metrics.TenantCacheEntries.Set(float64(size))

	return *found, nil
}

// Clear drops every cached mapping and returns how many were removed.
func (r *Resolver) Clear() int {
	r.mu.Lock()
	n := len(r.cache)
	r.cache = make(map[string]model.Instance)
	r.mu.Unlock()
	metrics.TenantCacheEntries.Set(0)
	return n
}

// Len returns the number of cached mappings.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
