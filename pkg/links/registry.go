package links

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/bus"
	"github.com/wasmcloud/lattice/pkg/events"
	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/store"
	"github.com/wasmcloud/lattice/pkg/types"
)

const specKeyPrefix = "COMPONENT_"

// SpecKey returns the lattice bucket key for a component spec document
func SpecKey(id string) string {
	return specKeyPrefix + id
}

// LoadSpec reads a component spec from the lattice bucket. The boolean
// reports presence.
func LoadSpec(data store.Store, id string) (*types.ComponentSpec, bool, error) {
	raw, found, err := data.Get(SpecKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get component spec for %s: %w", id, err)
	}
	if !found {
		return nil, false, nil
	}
	var spec types.ComponentSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, false, fmt.Errorf("failed to decode component spec for %s: %w", id, err)
	}
	return &spec, true, nil
}

// SaveSpec persists a component spec to the lattice bucket, which fans it
// out to every host through the bucket watch
func SaveSpec(data store.Store, id string, spec *types.ComponentSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to serialize component spec for %s: %w", id, err)
	}
	if err := data.Put(SpecKey(id), raw); err != nil {
		return fmt.Errorf("failed to store component spec for %s: %w", id, err)
	}
	return nil
}

// Registry validates, merges and persists link definitions, and delivers
// resolved links to running providers
type Registry struct {
	data     store.Store
	configs  store.Store
	bus      bus.Publisher
	events   *events.Publisher
	resolver *Resolver
	lattice  string
	logger   zerolog.Logger
}

// NewRegistry creates a link registry
func NewRegistry(data, configs store.Store, b bus.Publisher, ev *events.Publisher, resolver *Resolver, lattice string) *Registry {
	return &Registry{
		data:     data,
		configs:  configs,
		bus:      b,
		events:   ev,
		resolver: resolver,
		lattice:  lattice,
		logger:   log.WithComponent("links").With().Str("lattice", lattice).Logger(),
	}
}

// Put validates and persists a link definition. Redirecting an existing
// link key to a different target is rejected, an identical key is an
// upsert. Emits linkdef_set or linkdef_set_failed.
func (r *Registry) Put(ctx context.Context, link *types.Link) error {
	err := r.put(ctx, link)
	if err != nil {
		if evErr := r.events.Publish(ctx, events.LinkdefSetFailed, events.LinkdefSetFailedData(link, err)); evErr != nil {
			r.logger.Error().Err(evErr).Msg("failed to publish linkdef_set_failed event")
		}
		return err
	}
	if evErr := r.events.Publish(ctx, events.LinkdefSet, events.LinkdefSetData(link)); evErr != nil {
		r.logger.Error().Err(evErr).Msg("failed to publish linkdef_set event")
	}
	return nil
}

func (r *Registry) put(ctx context.Context, link *types.Link) error {
	if err := r.validateConfigNames(append(append([]string(nil), link.SourceConfig...), link.TargetConfig...)); err != nil {
		return err
	}

	spec, found, err := LoadSpec(r.data, link.SourceID)
	if err != nil {
		return err
	}
	if !found {
		spec = &types.ComponentSpec{}
	}

	key := link.Key()
	replaced := false
	for i, existing := range spec.Links {
		if existing.Key() != key {
			continue
		}
		if existing.Target != link.Target {
			return fmt.Errorf("link already exists with different target, consider deleting the existing link or using a different link name")
		}
		spec.Links[i] = link
		replaced = true
		break
	}
	if !replaced {
		spec.Links = append(spec.Links, link)
	}

	if err := SaveSpec(r.data, link.SourceID, spec); err != nil {
		return err
	}

	r.publishBackwardsCompat(ctx, link)
	return nil
}

// validateConfigNames checks every referenced config and secret name exists
// in the config bucket, accumulating per-name errors
func (r *Registry) validateConfigNames(names []string) error {
	var problems []string
	for _, name := range names {
		_, found, err := r.configs.Get(name)
		switch {
		case err != nil:
			problems = append(problems, err.Error())
		case !found && strings.HasPrefix(name, types.SecretPrefix):
			problems = append(problems, fmt.Sprintf("secret reference %s not found in config store", name))
		case !found:
			problems = append(problems, fmt.Sprintf("configuration %s not found in config store", name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("failed to validate configuration and secrets: %s", strings.Join(problems, ". "))
	}
	return nil
}

// publishBackwardsCompat publishes the resolved link to the legacy source
// and target subjects so providers built before sealed secrets observe it.
// Links referencing any secret are never published this way.
func (r *Registry) publishBackwardsCompat(ctx context.Context, link *types.Link) {
	for _, name := range link.SourceConfig {
		if strings.HasPrefix(name, types.SecretPrefix) {
			r.logger.Debug().Msg("link contains secrets and is not backwards compatible, skipping")
			return
		}
	}
	for _, name := range link.TargetConfig {
		if strings.HasPrefix(name, types.SecretPrefix) {
			r.logger.Debug().Msg("link contains secrets and is not backwards compatible, skipping")
			return
		}
	}

	resolved, err := r.resolver.Resolve(ctx, link, "", "", "")
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to resolve link for backwards-compatible publication")
		return
	}
	payload, err := json.Marshal(resolved)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to serialize backwards-compatible link")
		return
	}
	for _, id := range []string{link.SourceID, link.Target} {
		subject := fmt.Sprintf("wasmbus.rpc.%s.%s.linkdefs.put", r.lattice, id)
		if err := r.bus.Publish(ctx, subject, payload); err != nil {
			r.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish backwards-compatible link")
		}
	}
}

// Del removes a link by its uniqueness key. Deleting an absent link is a
// success. The bare link is published to both the source and target
// provider delete subjects, and linkdef_deleted is emitted either way.
func (r *Registry) Del(ctx context.Context, req *types.DeleteLinkRequest) (*types.Link, error) {
	spec, found, err := LoadSpec(r.data, req.SourceID)
	var deleted *types.Link
	if err != nil {
		return nil, err
	}
	if found {
		key := types.LinkKey{
			SourceID:     req.SourceID,
			WitNamespace: req.WitNamespace,
			WitPackage:   req.WitPackage,
			Name:         req.LinkName,
		}
		for i, existing := range spec.Links {
			if existing.Key() == key {
				deleted = existing
				spec.Links = append(spec.Links[:i], spec.Links[i+1:]...)
				break
			}
		}
		if deleted != nil {
			if err := SaveSpec(r.data, req.SourceID, spec); err != nil {
				return nil, err
			}
			r.publishDelete(ctx, deleted)
		}
	}

	data := events.LinkdefDeletedData(req.SourceID, req.LinkName, req.WitNamespace, req.WitPackage, deleted)
	if evErr := r.events.Publish(ctx, events.LinkdefDeleted, data); evErr != nil {
		r.logger.Error().Err(evErr).Msg("failed to publish linkdef_deleted event")
	}
	return deleted, nil
}

// publishDelete notifies both ends of the link, config is not needed for
// deletion
func (r *Registry) publishDelete(ctx context.Context, link *types.Link) {
	bare := &types.ResolvedLink{
		SourceID:     link.SourceID,
		Target:       link.Target,
		WitNamespace: link.WitNamespace,
		WitPackage:   link.WitPackage,
		Name:         link.Name,
		Interfaces:   link.Interfaces,
	}
	payload, err := json.Marshal(bare)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to serialize link delete")
		return
	}
	for _, id := range []string{link.SourceID, link.Target} {
		subject := fmt.Sprintf("wasmbus.rpc.%s.%s.linkdefs.del", r.lattice, id)
		if err := r.bus.Publish(ctx, subject, payload); err != nil {
			r.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish link delete")
		}
	}
}
