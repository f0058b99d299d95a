package claims

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wasmcloud/lattice/pkg/store"
	"github.com/wasmcloud/lattice/pkg/types"
)

const storeKeyPrefix = "CLAIMS_"

// StoreKey returns the lattice bucket key for a subject's claims
func StoreKey(subject string) string {
	return storeKeyPrefix + subject
}

// Registry holds the in-memory claims indices and persists claims to the
// lattice bucket keyed by subject
type Registry struct {
	data store.Store

	mu         sync.RWMutex
	components map[string]*types.Claims
	providers  map[string]*types.Claims
}

// NewRegistry creates an empty claims registry backed by the lattice bucket
func NewRegistry(data store.Store) *Registry {
	return &Registry{
		data:       data,
		components: make(map[string]*types.Claims),
		providers:  make(map[string]*types.Claims),
	}
}

// Store persists the claims to the lattice bucket and indexes them locally
func (r *Registry) Store(c *types.Claims) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize claims for %s: %w", c.Subject, err)
	}
	if err := r.data.Put(StoreKey(c.Subject), raw); err != nil {
		return fmt.Errorf("failed to store claims for %s: %w", c.Subject, err)
	}
	r.Index(c)
	return nil
}

// Index records the claims in the local index without touching the store.
// Used by the state watcher applying replicated claims entries.
func (r *Registry) Index(c *types.Claims) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Provider {
		r.providers[c.Subject] = c
	} else {
		r.components[c.Subject] = c
	}
}

// Remove drops the claims for subject from the local index
func (r *Registry) Remove(subject string, provider bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if provider {
		delete(r.providers, subject)
	} else {
		delete(r.components, subject)
	}
}

// Component returns the indexed component claims for subject
func (r *Registry) Component(subject string) (*types.Claims, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[subject]
	return c, ok
}

// Provider returns the indexed provider claims for subject
func (r *Registry) Provider(subject string) (*types.Claims, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.providers[subject]
	return c, ok
}

// All returns every indexed claim, components first
func (r *Registry) All() []*types.Claims {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Claims, 0, len(r.components)+len(r.providers))
	for _, c := range r.components {
		out = append(out, c)
	}
	for _, c := range r.providers {
		out = append(out, c)
	}
	return out
}
