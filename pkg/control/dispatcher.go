package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/bus"
	"github.com/wasmcloud/lattice/pkg/claims"
	"github.com/wasmcloud/lattice/pkg/component"
	"github.com/wasmcloud/lattice/pkg/events"
	"github.com/wasmcloud/lattice/pkg/links"
	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/metrics"
	"github.com/wasmcloud/lattice/pkg/provider"
	"github.com/wasmcloud/lattice/pkg/registry"
	"github.com/wasmcloud/lattice/pkg/store"
	"github.com/wasmcloud/lattice/pkg/types"
)

// DefaultTopicPrefix is the control subject prefix unless configured
const DefaultTopicPrefix = "wasmbus.ctl"

const version = "v1"

// Config holds dispatcher configuration
type Config struct {
	TopicPrefix string
	Lattice     string
	HostID      string
}

// Bus is the subset of the bus client the dispatcher uses
type Bus interface {
	SubscribeQueue(subject, group string) (<-chan *nats.Msg, func(), error)
	PublishReply(ctx context.Context, reply string, payload []byte) error
	Flush() error
}

// Dispatcher subscribes to the control topic hierarchy and routes commands
// by (kind, verb, target). Every reply is a CtlResponse, auctions stay
// silent when unsatisfied.
type Dispatcher struct {
	cfg        Config
	bus        Bus
	components *component.Supervisor
	providers  *provider.Supervisor
	linksReg   *links.Registry
	table      *links.Table
	claims     *claims.Registry
	configs    store.Store
	resolver   *registry.Resolver
	labels     *Labels
	events     *events.Publisher
	inventory  func() types.HostInventory
	logger     zerolog.Logger
}

// NewDispatcher creates a control dispatcher
func NewDispatcher(cfg Config, b Bus, cs *component.Supervisor, ps *provider.Supervisor, lr *links.Registry, table *links.Table, cl *claims.Registry, configs store.Store, resolver *registry.Resolver, labels *Labels, ev *events.Publisher, inventory func() types.HostInventory) *Dispatcher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	return &Dispatcher{
		cfg:        cfg,
		bus:        b,
		components: cs,
		providers:  ps,
		linksReg:   lr,
		table:      table,
		claims:     cl,
		configs:    configs,
		resolver:   resolver,
		labels:     labels,
		events:     ev,
		inventory:  inventory,
		logger:     log.WithComponent("control").With().Str("lattice", cfg.Lattice).Logger(),
	}
}

// Run consumes the control queue until ctx is cancelled. The queue group is
// scoped to (lattice, host) so multiple connections of the same host
// load-balance while peer hosts each observe every command.
func (d *Dispatcher) Run(ctx context.Context) error {
	subject := fmt.Sprintf("%s.%s.%s.>", d.cfg.TopicPrefix, version, d.cfg.Lattice)
	group := fmt.Sprintf("ctl.%s.%s", d.cfg.Lattice, d.cfg.HostID)
	ch, cancel, err := d.bus.SubscribeQueue(subject, group)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			go d.handle(ctx, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

// handle routes one control message and replies. A nil response means the
// host intentionally stays silent, as with unsatisfied auctions.
func (d *Dispatcher) handle(ctx context.Context, msg *nats.Msg) {
	ctx = bus.ExtractContext(ctx, msg)

	trimmed := strings.TrimPrefix(msg.Subject, d.cfg.TopicPrefix+".")
	parts := strings.Split(trimmed, ".")
	if len(parts) < 4 {
		d.reply(ctx, msg, ptr(types.CtlError("unsupported subject")), "", "")
		return
	}
	// parts[0] is the version, parts[1] the lattice
	kind, verb := parts[2], parts[3]
	target := ""
	if len(parts) > 4 {
		target = strings.Join(parts[4:], ".")
	}

	resp := d.route(ctx, kind, verb, target, msg.Data)
	d.reply(ctx, msg, resp, kind, verb)
}

func (d *Dispatcher) route(ctx context.Context, kind, verb, target string, payload []byte) *types.CtlResponse {
	switch {
	case kind == "component" && verb == "auction" && target == "":
		return d.handleComponentAuction(payload)
	case kind == "component" && verb == "scale" && target == d.cfg.HostID:
		return d.handleScaleComponent(ctx, payload)
	case kind == "component" && verb == "update" && target == d.cfg.HostID:
		return d.handleUpdateComponent(ctx, payload)
	case kind == "provider" && verb == "auction" && target == "":
		return d.handleProviderAuction(payload)
	case kind == "provider" && verb == "start" && target == d.cfg.HostID:
		return d.handleStartProvider(ctx, payload)
	case kind == "provider" && verb == "stop" && target == d.cfg.HostID:
		return d.handleStopProvider(ctx, payload)
	case kind == "claims" && verb == "get" && target == "":
		return ptr(types.CtlSuccess("", d.claims.All()))
	case kind == "link" && verb == "get" && target == "":
		return ptr(types.CtlSuccess("", d.table.All()))
	case kind == "link" && verb == "put" && target == "":
		return d.handleLinkPut(ctx, payload)
	case kind == "link" && verb == "del" && target == "":
		return d.handleLinkDel(ctx, payload)
	case kind == "registry" && verb == "put" && target == "":
		return d.handleRegistriesPut(payload)
	case kind == "config" && verb == "get" && target != "":
		return d.handleConfigGet(target)
	case kind == "config" && verb == "put" && target != "":
		return d.handleConfigPut(ctx, target, payload)
	case kind == "config" && verb == "del" && target != "":
		return d.handleConfigDelete(ctx, target)
	case kind == "label" && verb == "put" && target == d.cfg.HostID:
		return d.handleLabelPut(ctx, payload)
	case kind == "label" && verb == "del" && target == d.cfg.HostID:
		return d.handleLabelDel(ctx, payload)
	case kind == "host" && verb == "get" && target == d.cfg.HostID:
		return ptr(types.CtlSuccess("", d.inventory()))
	case (kind == "component" || kind == "provider" || kind == "label" || kind == "host") && target != "" && target != d.cfg.HostID:
		// Addressed to a different host
		return nil
	default:
		d.logger.Warn().
			Str("kind", kind).
			Str("verb", verb).
			Msg("received control interface request on unsupported subject")
		return ptr(types.CtlError("unsupported subject"))
	}
}

// reply serializes and publishes the response. Serialization failures fall
// back to a minimal error envelope so the client always hears back.
func (d *Dispatcher) reply(ctx context.Context, msg *nats.Msg, resp *types.CtlResponse, kind, verb string) {
	if resp == nil || msg.Reply == "" {
		return
	}
	if kind != "" {
		metrics.ControlRequestsTotal.WithLabelValues(kind, verb, strconv.FormatBool(resp.Success)).Inc()
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to encode control interface response")
		payload = []byte(fmt.Sprintf(`{"success":false,"message":%s}`, strconv.Quote(err.Error())))
	}
	if err := d.bus.PublishReply(ctx, msg.Reply, payload); err != nil {
		d.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to publish reply to control interface request")
	}
	if err := d.bus.Flush(); err != nil {
		d.logger.Warn().Err(err).Msg("failed to flush control reply")
	}
}

// handleComponentAuction acks iff the constraints are satisfied by this
// host's labels and the component is not already running here
func (d *Dispatcher) handleComponentAuction(payload []byte) *types.CtlResponse {
	var req types.ComponentAuctionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize component auction command: %v", err)))
	}
	if !d.labels.Satisfies(req.Constraints) || d.components.IsRunning(req.ComponentID) {
		return nil
	}
	return ptr(types.CtlSuccess("", types.ComponentAuctionAck{
		ComponentRef: req.ComponentRef,
		ComponentID:  req.ComponentID,
		Constraints:  req.Constraints,
		HostID:       d.cfg.HostID,
	}))
}

func (d *Dispatcher) handleProviderAuction(payload []byte) *types.CtlResponse {
	var req types.ProviderAuctionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize provider auction command: %v", err)))
	}
	if !d.labels.Satisfies(req.Constraints) || d.providers.IsRunning(req.ProviderID) {
		return nil
	}
	return ptr(types.CtlSuccess("", types.ProviderAuctionAck{
		ProviderRef: req.ProviderRef,
		ProviderID:  req.ProviderID,
		Constraints: req.Constraints,
		HostID:      d.cfg.HostID,
	}))
}

func (d *Dispatcher) handleScaleComponent(ctx context.Context, payload []byte) *types.CtlResponse {
	var cmd types.ScaleComponentCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize component scale command: %v", err)))
	}
	cmd.HostID = d.cfg.HostID
	d.logger.Debug().
		Str("component_ref", cmd.ComponentRef).
		Str("component_id", cmd.ComponentID).
		Uint32("max_instances", cmd.MaxInstances).
		Msg("handling scale component")
	message := d.components.Scale(ctx, cmd)
	return ptr(types.CtlSuccess(message, nil))
}

func (d *Dispatcher) handleUpdateComponent(ctx context.Context, payload []byte) *types.CtlResponse {
	var cmd types.UpdateComponentCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize component update command: %v", err)))
	}
	cmd.HostID = d.cfg.HostID
	go func() {
		if err := d.components.Update(ctx, cmd); err != nil {
			d.logger.Error().Err(err).
				Str("component_id", cmd.ComponentID).
				Str("new_component_ref", cmd.NewComponentRef).
				Msg("failed to update component")
		}
	}()
	return ptr(types.CtlSuccess("successfully updated component", nil))
}

func (d *Dispatcher) handleStartProvider(ctx context.Context, payload []byte) *types.CtlResponse {
	var cmd types.StartProviderCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize provider start command: %v", err)))
	}
	cmd.HostID = d.cfg.HostID
	d.logger.Info().
		Str("provider_ref", cmd.ProviderRef).
		Str("provider_id", cmd.ProviderID).
		Msg("handling start provider")
	go func() {
		if err := d.providers.Start(ctx, cmd); err != nil {
			d.logger.Error().Err(err).
				Str("provider_ref", cmd.ProviderRef).
				Str("provider_id", cmd.ProviderID).
				Msg("failed to start provider")
			data := events.ProviderStartFailedData(cmd.ProviderRef, cmd.ProviderID, err)
			if evErr := d.events.Publish(ctx, events.ProviderStartFailed, data); evErr != nil {
				d.logger.Error().Err(evErr).Msg("failed to publish provider_start_failed event")
			}
		}
	}()
	return ptr(types.CtlSuccess("successfully started provider", nil))
}

func (d *Dispatcher) handleStopProvider(ctx context.Context, payload []byte) *types.CtlResponse {
	var cmd types.StopProviderCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize provider stop command: %v", err)))
	}
	if err := d.providers.Stop(ctx, cmd.ProviderID); err != nil {
		return ptr(types.CtlError(err.Error()))
	}
	return ptr(types.CtlSuccess("successfully stopped provider", nil))
}

func (d *Dispatcher) handleLinkPut(ctx context.Context, payload []byte) *types.CtlResponse {
	var link types.Link
	if err := json.Unmarshal(payload, &link); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize link definition: %v", err)))
	}
	if link.Name == "" {
		link.Name = types.DefaultLinkName
	}
	if err := d.linksReg.Put(ctx, &link); err != nil {
		return ptr(types.CtlError(err.Error()))
	}
	return ptr(types.CtlSuccess("successfully set link", nil))
}

func (d *Dispatcher) handleLinkDel(ctx context.Context, payload []byte) *types.CtlResponse {
	var req types.DeleteLinkRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize link delete request: %v", err)))
	}
	if req.LinkName == "" {
		req.LinkName = types.DefaultLinkName
	}
	if _, err := d.linksReg.Del(ctx, &req); err != nil {
		return ptr(types.CtlError(err.Error()))
	}
	return ptr(types.CtlSuccess("successfully deleted link", nil))
}

func (d *Dispatcher) handleRegistriesPut(payload []byte) *types.CtlResponse {
	var creds map[string]types.RegistryCredential
	if err := json.Unmarshal(payload, &creds); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize registries put command: %v", err)))
	}
	registries := make([]string, 0, len(creds))
	for reg := range creds {
		registries = append(registries, reg)
	}
	d.logger.Info().Strs("registries", registries).Msg("updating registry config")
	d.resolver.MergeCredentials(creds)
	return ptr(types.CtlSuccess("successfully put registries", nil))
}

func (d *Dispatcher) handleConfigGet(name string) *types.CtlResponse {
	raw, found, err := d.configs.Get(name)
	if err != nil {
		return ptr(types.CtlError(err.Error()))
	}
	if !found {
		return ptr(types.CtlSuccess("configuration not found", nil))
	}
	var entry map[string]string
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ptr(types.CtlError("config data should be a map of string -> string"))
	}
	return ptr(types.CtlSuccess("", entry))
}

func (d *Dispatcher) handleConfigPut(ctx context.Context, name string, payload []byte) *types.CtlResponse {
	// Validate the payload shape before storing it
	var entry map[string]string
	if err := json.Unmarshal(payload, &entry); err != nil {
		return ptr(types.CtlError("config data should be a map of string -> string"))
	}
	if err := d.configs.Put(name, payload); err != nil {
		return ptr(types.CtlError(err.Error()))
	}
	if err := d.events.Publish(ctx, events.ConfigSet, events.ConfigSetData(name)); err != nil {
		d.logger.Error().Err(err).Msg("failed to publish config_set event")
	}
	return ptr(types.CtlSuccess("successfully put config", nil))
}

func (d *Dispatcher) handleConfigDelete(ctx context.Context, name string) *types.CtlResponse {
	if err := d.configs.Delete(name); err != nil {
		return ptr(types.CtlError(err.Error()))
	}
	if err := d.events.Publish(ctx, events.ConfigDeleted, events.ConfigDeletedData(name)); err != nil {
		d.logger.Error().Err(err).Msg("failed to publish config_deleted event")
	}
	return ptr(types.CtlSuccess("successfully deleted config", nil))
}

func (d *Dispatcher) handleLabelPut(ctx context.Context, payload []byte) *types.CtlResponse {
	var req types.PutLabelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize put label request: %v", err)))
	}
	d.labels.Put(req.Key, req.Value)
	d.logger.Info().Str("key", req.Key).Str("value", req.Value).Msg("set label")
	if err := d.events.Publish(ctx, events.LabelsChanged, events.LabelsChangedData(d.cfg.HostID, d.labels.Snapshot())); err != nil {
		d.logger.Error().Err(err).Msg("failed to publish labels_changed event")
	}
	return ptr(types.CtlSuccess("successfully put label", nil))
}

func (d *Dispatcher) handleLabelDel(ctx context.Context, payload []byte) *types.CtlResponse {
	var req types.PutLabelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ptr(types.CtlError(fmt.Sprintf("failed to deserialize delete label request: %v", err)))
	}
	if !d.labels.Delete(req.Key) {
		d.logger.Warn().Str("key", req.Key).Msg("could not remove unset label")
		return ptr(types.CtlSuccess("successfully deleted label (no such label)", nil))
	}
	d.logger.Info().Str("key", req.Key).Msg("removed label")
	if err := d.events.Publish(ctx, events.LabelsChanged, events.LabelsChangedData(d.cfg.HostID, d.labels.Snapshot())); err != nil {
		d.logger.Error().Err(err).Msg("failed to publish labels_changed event")
	}
	return ptr(types.CtlSuccess("successfully deleted label", nil))
}

func ptr(r types.CtlResponse) *types.CtlResponse {
	return &r
}
