package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nkeys"
	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/bus"
	"github.com/wasmcloud/lattice/pkg/claims"
	"github.com/wasmcloud/lattice/pkg/config"
	"github.com/wasmcloud/lattice/pkg/events"
	"github.com/wasmcloud/lattice/pkg/links"
	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/metrics"
	"github.com/wasmcloud/lattice/pkg/policy"
	"github.com/wasmcloud/lattice/pkg/registry"
	"github.com/wasmcloud/lattice/pkg/secrets"
	"github.com/wasmcloud/lattice/pkg/store"
	"github.com/wasmcloud/lattice/pkg/types"
)

const appspecAnnotation = "wasmcloud.dev/appspec"

// Provider is a supervised capability provider child process
type Provider struct {
	ID             string
	ImageReference string
	Claims         *types.Claims
	ClaimsJWT      string
	Annotations    types.Annotations
	// XKeyPublic is the exchange public key link sources seal secrets
	// for. The private half lives only inside the child process.
	XKeyPublic string

	bundle  *config.Bundle
	process *exec.Cmd
	cancel  context.CancelFunc
	exitCh  chan struct{}
	tasks   sync.WaitGroup
}

// Config holds provider supervisor configuration
type Config struct {
	Lattice string
	HostID  string

	// RPCURL and credentials are handed to children so they can join the
	// lattice RPC plane
	RPCURL      string
	RPCUserJWT  string
	RPCUserSeed string

	ShutdownTimeout    time.Duration
	HealthInterval     time.Duration
	HealthInitialDelay time.Duration
	DefaultRPCTimeout  time.Duration

	LogLevel          string
	StructuredLogging bool
	Otel              types.OtelConfig
}

// Supervisor spawns provider child processes, feeds them host data, runs
// health checks and propagates config updates
type Supervisor struct {
	cfg      Config
	baseCtx  context.Context
	bus      bus.RequestPublisher
	resolver *registry.Resolver
	claims   *claims.Registry
	policy   *policy.Manager
	linkRes  *links.Resolver
	table    *links.Table
	data     store.Store
	secrets  *secrets.Manager
	events   *events.Publisher
	logger   zerolog.Logger

	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewSupervisor creates a provider supervisor. Lifecycle tasks live under
// baseCtx.
func NewSupervisor(baseCtx context.Context, cfg Config, b bus.RequestPublisher, resolver *registry.Resolver, cl *claims.Registry, pol *policy.Manager, linkRes *links.Resolver, table *links.Table, data store.Store, sm *secrets.Manager, ev *events.Publisher) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.HealthInitialDelay == 0 {
		cfg.HealthInitialDelay = 5 * time.Second
	}
	if cfg.DefaultRPCTimeout == 0 {
		cfg.DefaultRPCTimeout = 2 * time.Second
	}
	return &Supervisor{
		cfg:       cfg,
		baseCtx:   baseCtx,
		bus:       b,
		resolver:  resolver,
		claims:    cl,
		policy:    pol,
		linkRes:   linkRes,
		table:     table,
		data:      data,
		secrets:   sm,
		events:    ev,
		logger:    log.WithComponent("provider").With().Str("lattice", cfg.Lattice).Logger(),
		providers: make(map[string]*Provider),
	}
}

// Get returns the provider for id
func (s *Supervisor) Get(id string) (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}

// IsRunning reports whether a provider with id is supervised here
func (s *Supervisor) IsRunning(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Descriptions snapshots the provider index for inventory queries
func (s *Supervisor) Descriptions() []types.ProviderDescription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ProviderDescription, 0, len(s.providers))
	for id, p := range s.providers {
		desc := types.ProviderDescription{
			ID:          id,
			ImageRef:    p.ImageReference,
			Annotations: p.Annotations,
		}
		if p.Claims != nil {
			desc.Name = p.Claims.Name
			desc.Revision = p.Claims.Revision
		}
		out = append(out, desc)
	}
	return out
}

// Start fetches, verifies and spawns a provider, then attaches its
// lifecycle tasks. Emits provider_started on success.
func (s *Supervisor) Start(ctx context.Context, cmd types.StartProviderCommand) error {
	jwtToken, binPath, err := s.resolver.FetchProvider(ctx, cmd.ProviderRef, types.DefaultLinkName)
	if err != nil {
		return err
	}
	token, err := claims.ParseProviderToken(jwtToken)
	if err != nil {
		return err
	}
	if err := s.claims.Store(token.Claims); err != nil {
		return err
	}

	decision, err := s.policy.EvaluateStartProvider(ctx, cmd.ProviderID, cmd.ProviderRef, cmd.Annotations, token.Claims)
	if err != nil {
		return err
	}
	if !decision.Permitted {
		return fmt.Errorf("policy denied request %s to start provider %s: %s", decision.RequestID, cmd.ProviderID, decision.Message)
	}

	// Persist a component spec for the provider id so links can attach
	// before and after start
	if _, found, err := links.LoadSpec(s.data, cmd.ProviderID); err != nil {
		return err
	} else if !found {
		if err := links.SaveSpec(s.data, cmd.ProviderID, &types.ComponentSpec{URL: cmd.ProviderRef}); err != nil {
			return err
		}
	}

	application := cmd.Annotations[appspecAnnotation]
	bundle, secretValues, err := s.linkRes.FetchConfigAndSecrets(ctx, cmd.Config, token.JWT, application)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.providers[cmd.ProviderID]; exists {
		s.mu.Unlock()
		bundle.Close()
		return fmt.Errorf("provider %s is already running", cmd.ProviderID)
	}
	s.mu.Unlock()

	xkey, err := nkeys.CreateCurveKeys()
	if err != nil {
		bundle.Close()
		return fmt.Errorf("failed to create provider exchange key: %w", err)
	}
	xkeySeed, err := xkey.Seed()
	if err != nil {
		bundle.Close()
		return fmt.Errorf("failed to read provider exchange key seed: %w", err)
	}
	xkeyPublic, err := xkey.PublicKey()
	if err != nil {
		bundle.Close()
		return fmt.Errorf("failed to read provider exchange public key: %w", err)
	}

	// Resolve every existing link this id is the source or target of,
	// sealed for the fresh exchange key. Links that fail to resolve are
	// skipped, not fatal.
	var linkDefs []types.ResolvedLink
	for _, link := range s.table.Involving(cmd.ProviderID) {
		resolved, err := s.linkRes.Resolve(ctx, link, token.JWT, application, xkeyPublic)
		if err != nil {
			s.logger.Error().Err(err).
				Str("provider_id", cmd.ProviderID).
				Str("source_id", link.SourceID).
				Str("target", link.Target).
				Msg("failed to resolve link config, skipping link")
			continue
		}
		linkDefs = append(linkDefs, *resolved)
	}

	secretMap := make(map[string]any, len(secretValues))
	for name, v := range secretValues {
		secretMap[name] = v
	}

	hostData := types.HostData{
		HostID:              s.cfg.HostID,
		LatticeRPCPrefix:    s.cfg.Lattice,
		LinkName:            types.DefaultLinkName,
		LatticeRPCUserJWT:   s.cfg.RPCUserJWT,
		LatticeRPCUserSeed:  s.cfg.RPCUserSeed,
		LatticeRPCURL:       s.cfg.RPCURL,
		InstanceID:          uuid.NewString(),
		ProviderKey:         cmd.ProviderID,
		LinkDefinitions:     linkDefs,
		Config:              bundle.Get(),
		Secrets:             secretMap,
		ProviderXKeyPrivate: string(xkeySeed),
		HostXKeyPublic:      s.secrets.HostPublicXKey(),
		ClusterIssuers:      []string{},
		DefaultRPCTimeoutMS: uint64(s.cfg.DefaultRPCTimeout.Milliseconds()),
		LogLevel:            s.cfg.LogLevel,
		StructuredLogging:   s.cfg.StructuredLogging,
		OtelConfig:          s.cfg.Otel,
	}

	process, err := s.spawn(binPath, hostData)
	if err != nil {
		bundle.Close()
		return err
	}

	taskCtx, cancel := context.WithCancel(s.baseCtx)
	p := &Provider{
		ID:             cmd.ProviderID,
		ImageReference: cmd.ProviderRef,
		Claims:         token.Claims,
		ClaimsJWT:      token.JWT,
		Annotations:    cmd.Annotations.Clone(),
		XKeyPublic:     xkeyPublic,
		bundle:         bundle,
		process:        process,
		cancel:         cancel,
		exitCh:         make(chan struct{}),
	}

	p.tasks.Add(3)
	go s.waitOnExit(p)
	go s.healthTask(taskCtx, p)
	go s.configUpdateTask(taskCtx, p)

	s.mu.Lock()
	s.providers[cmd.ProviderID] = p
	total := len(s.providers)
	s.mu.Unlock()
	metrics.ProvidersTotal.WithLabelValues(s.cfg.Lattice).Set(float64(total))

	if err := s.events.Publish(ctx, events.ProviderStarted, events.ProviderStartedData(token.Claims, cmd.Annotations, s.cfg.HostID, cmd.ProviderRef, cmd.ProviderID)); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish provider_started event")
	}
	return nil
}

// spawn starts the child with a cleared environment and writes the
// base64-encoded host data document to its stdin, CRLF-terminated
func (s *Supervisor) spawn(binPath string, hostData types.HostData) (*exec.Cmd, error) {
	raw, err := json.Marshal(hostData)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize provider host data: %w", err)
	}

	child := exec.Command(binPath)
	// The child does not inherit the host environment, except the
	// variables added back below
	child.Env = []string{}
	if runtime.GOOS == "windows" {
		systemRoot, ok := os.LookupEnv("SYSTEMROOT")
		if !ok {
			return nil, fmt.Errorf("SYSTEMROOT is not set, providers cannot be started")
		}
		child.Env = append(child.Env, "SYSTEMROOT="+systemRoot)
	}
	if rustLog, ok := os.LookupEnv("RUST_LOG"); ok {
		child.Env = append(child.Env, "RUST_LOG="+rustLog)
	}

	stdin, err := child.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open provider stdin: %w", err)
	}
	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn provider process: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	if _, err := io.WriteString(stdin, encoded+"\r\n"); err != nil {
		_ = child.Process.Kill()
		return nil, fmt.Errorf("failed to write provider host data: %w", err)
	}
	if err := stdin.Close(); err != nil {
		_ = child.Process.Kill()
		return nil, fmt.Errorf("failed to close provider stdin: %w", err)
	}
	return child, nil
}

// Stop requests a graceful shutdown over the provider's shutdown subject,
// then drops the process. Emits provider_stopped.
func (s *Supervisor) Stop(ctx context.Context, providerID string) error {
	s.mu.Lock()
	p, ok := s.providers[providerID]
	if ok {
		delete(s.providers, providerID)
	}
	total := len(s.providers)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("provider %s is not running on this host", providerID)
	}
	metrics.ProvidersTotal.WithLabelValues(s.cfg.Lattice).Set(float64(total))

	s.shutdown(ctx, p)

	if err := s.events.Publish(ctx, events.ProviderStopped, events.ProviderStoppedData(p.Annotations, s.cfg.HostID, providerID, "stop")); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish provider_stopped event")
	}
	return nil
}

func (s *Supervisor) shutdown(ctx context.Context, p *Provider) {
	payload, err := json.Marshal(map[string]string{"host_id": s.cfg.HostID})
	if err == nil {
		subject := fmt.Sprintf("wasmbus.rpc.%s.%s.%s.shutdown", s.cfg.Lattice, p.ID, types.DefaultLinkName)
		if _, err := s.bus.Request(ctx, subject, payload, s.cfg.ShutdownTimeout); err != nil {
			s.logger.Warn().Err(err).Str("provider_id", p.ID).Msg("provider did not acknowledge shutdown")
		}
	}

	// Regardless of the reply, the process handle is dropped
	p.cancel()
	if p.process.Process != nil {
		_ = p.process.Process.Kill()
	}
	select {
	case <-p.exitCh:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn().Str("provider_id", p.ID).Msg("provider process did not exit after kill")
	}
	p.tasks.Wait()
	p.bundle.Close()
}

// StopAll tears down every provider, used at host shutdown
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	all := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		all = append(all, p)
	}
	s.providers = make(map[string]*Provider)
	s.mu.Unlock()
	for _, p := range all {
		s.shutdown(ctx, p)
	}
	metrics.ProvidersTotal.WithLabelValues(s.cfg.Lattice).Set(0)
}

// PutLink resolves a link for a running provider and publishes it on the
// provider's exchange-key link subject
func (s *Supervisor) PutLink(ctx context.Context, p *Provider, link *types.Link) error {
	resolved, err := s.linkRes.Resolve(ctx, link, p.ClaimsJWT, p.Annotations[appspecAnnotation], p.XKeyPublic)
	if err != nil {
		return fmt.Errorf("failed to resolve link config and secrets: %w", err)
	}
	payload, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to serialize provider link definition: %w", err)
	}
	subject := fmt.Sprintf("wasmbus.rpc.%s.%s.linkdefs.put", s.cfg.Lattice, p.XKeyPublic)
	if err := s.bus.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("failed to publish provider link definition: %w", err)
	}
	return nil
}
