package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/store"
)

// Bundle is a merged, watchable view over an ordered list of named config
// entries. Later names shadow earlier ones.
type Bundle struct {
	names []string

	mu     sync.RWMutex
	merged map[string]string

	changed chan struct{}
	close   func()
}

// Get returns a snapshot of the merged configuration
func (b *Bundle) Get() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.merged))
	for k, v := range b.merged {
		out[k] = v
	}
	return out
}

// Names returns the config names the bundle was generated from, in order
func (b *Bundle) Names() []string {
	return b.names
}

// Changed fires whenever any referenced name is put or deleted
func (b *Bundle) Changed() <-chan struct{} {
	return b.changed
}

// Close detaches the bundle from the generator's change feed
func (b *Bundle) Close() {
	if b.close != nil {
		b.close()
	}
}

func (b *Bundle) references(name string) bool {
	for _, n := range b.names {
		if n == name {
			return true
		}
	}
	return false
}

// Generator produces config bundles and keeps them current by watching the
// config bucket
type Generator struct {
	data   store.Store
	logger zerolog.Logger

	mu      sync.Mutex
	nextID  int
	bundles map[int]*Bundle
}

// NewGenerator creates a bundle generator over the config bucket
func NewGenerator(data store.Store) *Generator {
	return &Generator{
		data:    data,
		logger:  log.WithComponent("config"),
		bundles: make(map[int]*Bundle),
	}
}

// Generate assembles a bundle from the named configs. Unknown names are an
// error.
func (g *Generator) Generate(names []string) (*Bundle, error) {
	merged, err := g.merge(names)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		names:   append([]string(nil), names...),
		merged:  merged,
		changed: make(chan struct{}, 1),
	}

	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.bundles[id] = b
	g.mu.Unlock()

	b.close = func() {
		g.mu.Lock()
		delete(g.bundles, id)
		g.mu.Unlock()
	}
	return b, nil
}

// merge loads and merges the named configs left-to-right
func (g *Generator) merge(names []string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, name := range names {
		raw, found, err := g.data.Get(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", name, err)
		}
		if !found {
			return nil, fmt.Errorf("config %s not found in config store", name)
		}
		var entry map[string]string
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("config %s is not a string map: %w", name, err)
		}
		for k, v := range entry {
			merged[k] = v
		}
	}
	return merged, nil
}

// Run watches the config bucket and refreshes affected bundles until ctx is
// cancelled or the watch channel closes. Only a failure to start the watch
// is reported, as the returned error.
func (g *Generator) Run(ctx context.Context) error {
	events, err := g.data.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch config bucket: %w", err)
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			g.refresh(ev.Key)
		case <-ctx.Done():
			return nil
		}
	}
}

// refresh recomputes every bundle referencing the mutated name and signals
// its change watch
func (g *Generator) refresh(name string) {
	g.mu.Lock()
	affected := make([]*Bundle, 0)
	for _, b := range g.bundles {
		if b.references(name) {
			affected = append(affected, b)
		}
	}
	g.mu.Unlock()

	for _, b := range affected {
		merged := make(map[string]string)
		for _, n := range b.names {
			raw, found, err := g.data.Get(n)
			if err != nil {
				g.logger.Error().Err(err).Str("config", n).Msg("failed to reload config")
				continue
			}
			if !found {
				// A referenced name was deleted, it simply stops
				// contributing to the merge
				continue
			}
			var entry map[string]string
			if err := json.Unmarshal(raw, &entry); err != nil {
				g.logger.Error().Err(err).Str("config", n).Msg("stored config is not a string map")
				continue
			}
			for k, v := range entry {
				merged[k] = v
			}
		}
		b.mu.Lock()
		b.merged = merged
		b.mu.Unlock()
		select {
		case b.changed <- struct{}{}:
		default:
		}
	}
}
