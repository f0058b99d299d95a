package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/bus"
	"github.com/wasmcloud/lattice/pkg/claims"
	"github.com/wasmcloud/lattice/pkg/component"
	"github.com/wasmcloud/lattice/pkg/config"
	"github.com/wasmcloud/lattice/pkg/control"
	"github.com/wasmcloud/lattice/pkg/events"
	"github.com/wasmcloud/lattice/pkg/links"
	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/policy"
	"github.com/wasmcloud/lattice/pkg/provider"
	"github.com/wasmcloud/lattice/pkg/registry"
	"github.com/wasmcloud/lattice/pkg/secrets"
	"github.com/wasmcloud/lattice/pkg/store"
	"github.com/wasmcloud/lattice/pkg/types"
	"github.com/wasmcloud/lattice/pkg/watcher"
)

// Config holds host configuration
type Config struct {
	Lattice string
	NATSURL string

	CtlTopicPrefix     string
	PolicyTopic        string
	PolicyChangesTopic string
	SecretsTopic       string

	Labels map[string]string

	AllowFileLoad     bool
	AdditionalCAPaths []string
	CacheDir          string

	HeartbeatInterval time.Duration
	InvocationTimeout time.Duration
	ShutdownTimeout   time.Duration
	RPCTimeout        time.Duration

	LogLevel          string
	StructuredLogging bool
	Otel              types.OtelConfig

	Version string
}

// Host is the lattice control plane for a single host. It owns every
// long-running task, tasks hold references back to the host's shared state
// and the host holds their cancellation handles.
type Host struct {
	cfg Config

	key    nkeys.KeyPair
	hostID string
	token  string

	bus      *bus.Client
	data     *store.Bucket
	configs  *store.Bucket
	claims   *claims.Registry
	resolver *registry.Resolver
	policy   *policy.Manager
	secrets  *secrets.Manager

	configGen  *config.Generator
	table      *links.Table
	linkRes    *links.Resolver
	linksReg   *links.Registry
	components *component.Supervisor
	providers  *provider.Supervisor
	watcher    *watcher.Watcher
	dispatcher *control.Dispatcher
	labels     *control.Labels
	events     *events.Publisher

	logger    zerolog.Logger
	startedAt time.Time

	cancelMu sync.Mutex
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

// New connects to the bus, opens the lattice buckets, generates the host
// identity and wires the subsystems. ctx bounds every supervised task the
// host spawns. The runtime factory receives the connected bus client so
// bus-served runtimes can share the connection.
func New(ctx context.Context, cfg Config, rtFactory func(*bus.Client) component.Runtime) (*Host, error) {
	if cfg.Lattice == "" {
		cfg.Lattice = "default"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.InvocationTimeout == 0 {
		cfg.InvocationTimeout = 10 * time.Second
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 2 * time.Second
	}

	key, err := nkeys.CreateServer()
	if err != nil {
		return nil, fmt.Errorf("failed to create host key: %w", err)
	}
	hostID, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to read host public key: %w", err)
	}
	token, err := claims.SignToken(&types.Claims{Subject: hostID, Issuer: hostID, Name: "lattice-host"}, key)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign host token: %w", err)
	}

	b, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	js, err := b.JetStream()
	if err != nil {
		return nil, err
	}
	data, err := store.OpenLattice(js, cfg.Lattice)
	if err != nil {
		return nil, err
	}
	configs, err := store.OpenConfig(js, cfg.Lattice)
	if err != nil {
		return nil, err
	}

	resolver, err := registry.NewResolver(registry.Config{
		AllowFileLoad:     cfg.AllowFileLoad,
		AdditionalCAPaths: cfg.AdditionalCAPaths,
		CacheDir:          cfg.CacheDir,
	})
	if err != nil {
		return nil, err
	}

	pol, err := policy.NewManager(b, policy.Config{
		Topic:        cfg.PolicyTopic,
		ChangesTopic: cfg.PolicyChangesTopic,
		Timeout:      cfg.RPCTimeout,
		HostID:       hostID,
		Lattice:      cfg.Lattice,
	})
	if err != nil {
		return nil, err
	}
	sm, err := secrets.NewManager(b, secrets.Config{
		Topic:   cfg.SecretsTopic,
		Timeout: cfg.RPCTimeout,
	})
	if err != nil {
		return nil, err
	}

	ev := events.NewPublisher(b, cfg.Lattice, hostID)
	cl := claims.NewRegistry(data)
	configGen := config.NewGenerator(configs)
	table := links.NewTable()
	linkRes := links.NewResolver(configGen, sm, token)
	linksReg := links.NewRegistry(data, configs, b, ev, linkRes, cfg.Lattice)

	rt := rtFactory(b)
	components := component.NewSupervisor(ctx, component.Config{
		Lattice:           cfg.Lattice,
		HostID:            hostID,
		InvocationTimeout: cfg.InvocationTimeout,
	}, rt, resolver, cl, pol, linkRes, table, ev)

	providers := provider.NewSupervisor(ctx, provider.Config{
		Lattice:           cfg.Lattice,
		HostID:            hostID,
		RPCURL:            cfg.NATSURL,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		DefaultRPCTimeout: cfg.RPCTimeout,
		LogLevel:          cfg.LogLevel,
		StructuredLogging: cfg.StructuredLogging,
		Otel:              cfg.Otel,
	}, b, resolver, cl, pol, linkRes, table, data, sm, ev)

	labels := control.NewLabels(cfg.Labels)
	w := watcher.New(data, table, cl, components, providers)

	h := &Host{
		cfg:        cfg,
		key:        key,
		hostID:     hostID,
		token:      token,
		bus:        b,
		data:       data,
		configs:    configs,
		claims:     cl,
		resolver:   resolver,
		policy:     pol,
		secrets:    sm,
		configGen:  configGen,
		table:      table,
		linkRes:    linkRes,
		linksReg:   linksReg,
		components: components,
		providers:  providers,
		watcher:    w,
		labels:     labels,
		events:     ev,
		logger:     log.WithComponent("host").With().Str("lattice", cfg.Lattice).Str("host_id", hostID).Logger(),
	}
	h.dispatcher = control.NewDispatcher(control.Config{
		TopicPrefix: cfg.CtlTopicPrefix,
		Lattice:     cfg.Lattice,
		HostID:      hostID,
	}, b, components, providers, linksReg, table, cl, configs, resolver, labels, ev, h.Inventory)
	return h, nil
}

// ID returns the host's stable public key
func (h *Host) ID() string {
	return h.hostID
}

// Run starts the host's long-running tasks and blocks until ctx is
// cancelled, then shuts down in order
func (h *Host) Run(ctx context.Context) error {
	h.startedAt = time.Now()

	// Order matters, shutdown aborts in the same order the cancels were
	// registered: watcher, dispatcher, heartbeat
	h.spawn(ctx, "watcher", h.watcher.Run)
	h.spawn(ctx, "dispatcher", h.dispatcher.Run)
	h.spawn(ctx, "heartbeat", h.heartbeat)
	h.spawn(ctx, "config", h.configGen.Run)

	h.logger.Info().Str("version", h.cfg.Version).Msg("lattice host started")
	if err := h.events.Publish(ctx, events.HostStarted, map[string]any{
		"labels":  h.labels.Snapshot(),
		"version": h.cfg.Version,
	}); err != nil {
		h.logger.Warn().Err(err).Msg("failed to publish host_started event")
	}

	<-ctx.Done()
	h.Shutdown(context.Background())
	return nil
}

// spawn runs a task with its own cancellation handle
func (h *Host) spawn(ctx context.Context, name string, task func(context.Context) error) {
	taskCtx, cancel := context.WithCancel(ctx)
	h.cancelMu.Lock()
	h.cancels = append(h.cancels, cancel)
	h.cancelMu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := task(taskCtx); err != nil {
			h.logger.Error().Err(err).Str("task", name).Msg("host task stopped with error")
			return
		}
		h.logger.Info().Str("task", name).Msg("host task stopped")
	}()
}

// heartbeat periodically publishes the host inventory
func (h *Host) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.events.Publish(ctx, events.HostHeartbeat, h.Inventory()); err != nil {
				h.logger.Error().Err(err).Msg("failed to publish heartbeat")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Inventory snapshots the component and provider indices
func (h *Host) Inventory() types.HostInventory {
	return types.HostInventory{
		HostID:        h.hostID,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Labels:        h.labels.Snapshot(),
		Components:    h.components.Descriptions(),
		Providers:     h.providers.Descriptions(),
	}
}

// Shutdown aborts the supervised tasks in order, stops workloads and
// flushes the bus
func (h *Host) Shutdown(ctx context.Context) {
	h.logger.Info().Msg("lattice host stopping")

	h.cancelMu.Lock()
	cancels := h.cancels
	h.cancels = nil
	h.cancelMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	h.policy.Stop()
	h.wg.Wait()

	h.providers.StopAll(ctx)
	h.components.StopAll()

	if err := h.events.Publish(ctx, events.HostStopped, map[string]any{"id": h.hostID}); err != nil {
		h.logger.Warn().Err(err).Msg("failed to publish host_stopped event")
	}
	if err := h.resolver.Close(); err != nil {
		h.logger.Warn().Err(err).Msg("failed to close artifact cache")
	}
	h.bus.Close()
	h.logger.Info().Msg("lattice host stopped")
}
