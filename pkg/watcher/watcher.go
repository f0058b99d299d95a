package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/claims"
	"github.com/wasmcloud/lattice/pkg/component"
	"github.com/wasmcloud/lattice/pkg/links"
	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/metrics"
	"github.com/wasmcloud/lattice/pkg/provider"
	"github.com/wasmcloud/lattice/pkg/store"
	"github.com/wasmcloud/lattice/pkg/types"
)

// ComponentIndex is the view of the component supervisor the watcher needs
type ComponentIndex interface {
	Get(id string) (*component.Instance, bool)
	IsRunning(id string) bool
}

// ProviderIndex is the view of the provider supervisor the watcher needs
type ProviderIndex interface {
	Get(id string) (*provider.Provider, bool)
	PutLink(ctx context.Context, p *provider.Provider, link *types.Link) error
}

// Watcher applies lattice bucket events to the local indices: the link
// table, running component handlers, local providers and the claims
// registry
type Watcher struct {
	data       store.Store
	table      *links.Table
	claims     *claims.Registry
	components ComponentIndex
	providers  ProviderIndex
	logger     zerolog.Logger
}

// New creates a state watcher
func New(data store.Store, table *links.Table, cl *claims.Registry, cs ComponentIndex, ps ProviderIndex) *Watcher {
	return &Watcher{
		data:       data,
		table:      table,
		claims:     cl,
		components: cs,
		providers:  ps,
		logger:     log.WithComponent("watcher"),
	}
}

// Run subscribes to the live watch, replays all pre-existing keys without
// re-emitting events for state that already existed, then applies incoming
// events until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	events, err := w.data.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch lattice bucket: %w", err)
	}

	// Reconcile pre-existing state after the live subscription is in
	// place so no mutation is lost in between
	keys, err := w.data.Keys()
	if err != nil {
		return fmt.Errorf("failed to enumerate lattice bucket keys: %w", err)
	}
	for _, key := range keys {
		value, found, err := w.data.Get(key)
		if err != nil {
			w.logger.Error().Err(err).Str("key", key).Msg("failed to read lattice bucket entry")
			continue
		}
		if !found {
			continue
		}
		w.ProcessEntry(ctx, store.Event{Operation: store.OperationPut, Key: key, Value: value}, false)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			metrics.StoreEventsTotal.WithLabelValues(string(ev.Operation)).Inc()
			w.ProcessEntry(ctx, ev, true)
		case <-ctx.Done():
			return nil
		}
	}
}

// ProcessEntry applies a single bucket event. publish is false during the
// startup replay; no branch here publishes events, so both values apply the
// entry the same way.
func (w *Watcher) ProcessEntry(ctx context.Context, ev store.Event, publish bool) {
	prefix, id, ok := strings.Cut(ev.Key, "_")
	if !ok {
		w.logger.Warn().Str("key", ev.Key).Msg("unsupported lattice bucket entry")
		return
	}

	var err error
	switch {
	case prefix == "COMPONENT" && ev.Operation == store.OperationPut:
		err = w.processComponentSpecPut(ctx, id, ev.Value)
	case prefix == "COMPONENT" && ev.Operation == store.OperationDelete:
		w.processComponentSpecDelete(id)
	case prefix == "CLAIMS" && ev.Operation == store.OperationPut:
		err = w.processClaimsPut(id, ev.Value)
	case prefix == "CLAIMS" && ev.Operation == store.OperationDelete:
		err = w.processClaimsDelete(id, ev.Value)
	case prefix == "LINKDEF":
		w.logger.Debug().Str("key", ev.Key).Msg("ignoring deprecated LINKDEF entry")
	case prefix == "REFMAP":
		w.logger.Debug().Str("key", ev.Key).Msg("ignoring REFMAP entry")
	default:
		w.logger.Warn().Str("key", ev.Key).Str("operation", string(ev.Operation)).Msg("unsupported lattice bucket entry")
	}
	if err != nil {
		w.logger.Error().Err(err).
			Str("key", ev.Key).
			Str("operation", string(ev.Operation)).
			Msg("failed to process lattice bucket entry")
	}
	_ = publish
}

// processComponentSpecPut pushes links new to this host to local providers,
// refreshes the running component's handler and overwrites the link table
// entry for the source id
func (w *Watcher) processComponentSpecPut(ctx context.Context, id string, value []byte) error {
	var spec types.ComponentSpec
	if err := json.Unmarshal(value, &spec); err != nil {
		return fmt.Errorf("failed to decode component specification: %w", err)
	}

	// Links not yet present in the local table, delivered to any local
	// provider at either end
	for _, link := range spec.Links {
		if w.table.Contains(link) {
			continue
		}
		for _, end := range []string{link.SourceID, link.Target} {
			p, ok := w.providers.Get(end)
			if !ok {
				continue
			}
			if err := w.providers.PutLink(ctx, p, link); err != nil {
				w.logger.Error().Err(err).
					Str("provider_id", end).
					Msg("failed to put provider link")
			}
		}
	}

	if inst, ok := w.components.Get(id); ok {
		var sourceLinks []*types.Link
		for _, link := range spec.Links {
			if link.SourceID == id {
				sourceLinks = append(sourceLinks, link)
			}
		}
		inst.Handler.SetLinks(sourceLinks)
	}

	w.table.Replace(id, spec.Links)
	return nil
}

// processComponentSpecDelete only warns, a deleted spec does not stop a
// running component
func (w *Watcher) processComponentSpecDelete(id string) {
	if w.components.IsRunning(id) {
		w.logger.Warn().
			Str("component_id", id).
			Msg("component spec deleted, but component is still running")
	}
}

func (w *Watcher) processClaimsPut(pubkey string, value []byte) error {
	var c types.Claims
	if err := json.Unmarshal(value, &c); err != nil {
		return fmt.Errorf("failed to decode stored claims: %w", err)
	}
	if c.Subject != pubkey {
		return fmt.Errorf("claims subject %s does not match key %s", c.Subject, pubkey)
	}
	w.claims.Index(&c)
	return nil
}

func (w *Watcher) processClaimsDelete(pubkey string, value []byte) error {
	var c types.Claims
	if err := json.Unmarshal(value, &c); err != nil {
		return fmt.Errorf("failed to decode stored claims: %w", err)
	}
	if c.Subject != pubkey {
		return fmt.Errorf("claims subject %s does not match key %s", c.Subject, pubkey)
	}
	w.claims.Remove(c.Subject, c.Provider)
	return nil
}
