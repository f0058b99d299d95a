package component

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/wasmcloud/lattice/pkg/claims"
	"github.com/wasmcloud/lattice/pkg/events"
	"github.com/wasmcloud/lattice/pkg/links"
	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/metrics"
	"github.com/wasmcloud/lattice/pkg/policy"
	"github.com/wasmcloud/lattice/pkg/registry"
	"github.com/wasmcloud/lattice/pkg/types"
)

// semaphoreMax caps the number of concurrent invocation tasks per component
// regardless of max_instances
const semaphoreMax = 1 << 15

// appspecAnnotation names the application a workload belongs to
const appspecAnnotation = "wasmcloud.dev/appspec"

// Instance is a component hosted here. max_instances is never zero while
// the instance is present in the index, scale-to-zero removes it.
type Instance struct {
	ID             string
	ImageReference string
	Claims         *types.Claims
	MaxInstances   uint32
	Annotations    types.Annotations
	Handler        *Handler

	compiled Component
	cancel   context.CancelFunc
	done     chan struct{}
	// configValues is the merged config observed at instantiation, scale
	// compares against it to detect value changes behind unchanged names
	configValues map[string]string
}

// stop aborts the exports task. No draining, in-flight invocations are cut
// at the runtime's next yield.
func (i *Instance) stop() {
	i.cancel()
	<-i.done
	i.Handler.Config().Close()
}

// Config holds component supervisor configuration
type Config struct {
	Lattice           string
	HostID            string
	InvocationTimeout time.Duration
}

// Supervisor instantiates components, enforces concurrency limits, serves
// exports and tears instances down
type Supervisor struct {
	cfg      Config
	baseCtx  context.Context
	rt       Runtime
	resolver *registry.Resolver
	claims   *claims.Registry
	policy   *policy.Manager
	linkRes  *links.Resolver
	table    *links.Table
	events   *events.Publisher
	logger   zerolog.Logger

	mu         sync.RWMutex
	components map[string]*Instance
}

// NewSupervisor creates a component supervisor. Instance export tasks live
// under baseCtx, cancelling it aborts them all.
func NewSupervisor(baseCtx context.Context, cfg Config, rt Runtime, resolver *registry.Resolver, cl *claims.Registry, pol *policy.Manager, linkRes *links.Resolver, table *links.Table, ev *events.Publisher) *Supervisor {
	if cfg.InvocationTimeout == 0 {
		cfg.InvocationTimeout = 10 * time.Second
	}
	return &Supervisor{
		cfg:        cfg,
		baseCtx:    baseCtx,
		rt:         rt,
		resolver:   resolver,
		claims:     cl,
		policy:     pol,
		linkRes:    linkRes,
		table:      table,
		events:     ev,
		logger:     log.WithComponent("component").With().Str("lattice", cfg.Lattice).Logger(),
		components: make(map[string]*Instance),
	}
}

// Get returns the instance for id
func (s *Supervisor) Get(id string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.components[id]
	return inst, ok
}

// IsRunning reports whether a component with id is in the index
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.components[id]
	return ok
}

// Descriptions snapshots the component index for inventory queries
func (s *Supervisor) Descriptions() []types.ComponentDescription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ComponentDescription, 0, len(s.components))
	for id, inst := range s.components {
		desc := types.ComponentDescription{
			ID:           id,
			ImageRef:     inst.ImageReference,
			MaxInstances: inst.MaxInstances,
			Annotations:  inst.Annotations,
		}
		if inst.Claims != nil {
			desc.Name = inst.Claims.Name
			desc.Revision = inst.Claims.Revision
		}
		out = append(out, desc)
	}
	return out
}

// Scale performs the pre-checks for a scale command and runs the scaling
// task in the background. The returned message reports image reference
// mismatches the way the control interface expects.
func (s *Supervisor) Scale(ctx context.Context, cmd types.ScaleComponentCommand) string {
	var originalRef string
	refChanged := false
	if inst, ok := s.Get(cmd.ComponentID); ok {
		originalRef = inst.ImageReference
		refChanged = originalRef != cmd.ComponentRef
	}

	performPostUpdate := false
	message := ""
	switch {
	case refChanged && !cmd.AllowUpdate:
		message = fmt.Sprintf(
			"Requested to scale existing component to a different image reference: %s != %s. The component will be scaled but the image reference will not be updated. If you meant to update this component to a new image ref, use the update command.",
			originalRef, cmd.ComponentRef)
		s.logger.Warn().Str("component_id", cmd.ComponentID).Msg(message)
	case refChanged && cmd.AllowUpdate:
		performPostUpdate = true
		message = fmt.Sprintf(
			"Requested to scale existing component, with a changed image reference: %s != %s. The component will be scaled, and the image reference will be updated afterwards.",
			originalRef, cmd.ComponentRef)
	}

	go s.scaleTask(s.baseCtx, cmd, performPostUpdate)
	return message
}

func (s *Supervisor) scaleTask(ctx context.Context, cmd types.ScaleComponentCommand, performPostUpdate bool) {
	token, err := s.runScale(ctx, cmd)
	if err != nil {
		s.logger.Error().Err(err).
			Str("component_id", cmd.ComponentID).
			Str("component_ref", cmd.ComponentRef).
			Msg("failed to scale component")
		var c *types.Claims
		if token != nil {
			c = token.Claims
		}
		data := events.ComponentScaleFailedData(c, cmd.Annotations, s.cfg.HostID, cmd.ComponentRef, cmd.ComponentID, cmd.MaxInstances, err)
		if evErr := s.events.Publish(ctx, events.ComponentScaleFailed, data); evErr != nil {
			s.logger.Error().Err(evErr).Msg("failed to publish component_scale_failed event")
		}
		return
	}

	if performPostUpdate {
		if err := s.Update(ctx, types.UpdateComponentCommand{
			ComponentID:     cmd.ComponentID,
			NewComponentRef: cmd.ComponentRef,
			HostID:          cmd.HostID,
		}); err != nil {
			s.logger.Error().Err(err).
				Str("component_id", cmd.ComponentID).
				Msg("failed to update component after scale")
		}
	}
}

// runScale fetches, verifies, authorizes and applies the scale matrix. The
// returned token is whatever claims were extracted before the failure, for
// the failure event.
func (s *Supervisor) runScale(ctx context.Context, cmd types.ScaleComponentCommand) (*types.ClaimsToken, error) {
	wasm, err := s.resolver.FetchComponent(ctx, cmd.ComponentRef)
	if err != nil {
		return nil, err
	}
	token, err := claims.ExtractComponent(wasm)
	if err != nil {
		return nil, err
	}
	var c *types.Claims
	entityJWT := ""
	if token != nil {
		c = token.Claims
		entityJWT = token.JWT
		if err := s.claims.Store(c); err != nil {
			return token, err
		}
	}

	decision, err := s.policy.EvaluateStartComponent(ctx, cmd.ComponentID, cmd.ComponentRef, cmd.MaxInstances, cmd.Annotations, c)
	if err != nil {
		return token, err
	}
	if !decision.Permitted {
		return token, fmt.Errorf("policy denied request %s to scale component %s: %s", decision.RequestID, cmd.ComponentID, decision.Message)
	}

	application := cmd.Annotations[appspecAnnotation]

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.components[cmd.ComponentID]
	var scaledEvent map[string]any
	switch {
	// Nothing is running and scale to zero was requested, a no-op. The
	// event is still published.
	case !exists && cmd.MaxInstances == 0:
		scaledEvent = events.ComponentScaledData(c, cmd.Annotations, s.cfg.HostID, 0, cmd.ComponentRef, cmd.ComponentID)

	case !exists:
		bundle, secretValues, err := s.linkRes.FetchConfigAndSecrets(ctx, cmd.Config, entityJWT, application)
		if err != nil {
			return token, err
		}
		handler := NewHandler(s.cfg.Lattice, cmd.ComponentID, bundle, secretValues, s.table.For(cmd.ComponentID), s.cfg.InvocationTimeout)
		inst, err := s.instantiate(ctx, cmd.ComponentID, cmd.ComponentRef, c, cmd.MaxInstances, cmd.Annotations, wasm, handler)
		if err != nil {
			bundle.Close()
			return token, err
		}
		s.components[cmd.ComponentID] = inst
		scaledEvent = events.ComponentScaledData(c, cmd.Annotations, s.cfg.HostID, cmd.MaxInstances, cmd.ComponentRef, cmd.ComponentID)

	case cmd.MaxInstances == 0:
		delete(s.components, cmd.ComponentID)
		current.stop()
		s.logger.Info().Str("component_ref", current.ImageReference).Msg("component stopped")
		scaledEvent = events.ComponentScaledData(c, current.Annotations, s.cfg.HostID, 0, current.ImageReference, current.ID)

	default:
		namesChanged := !equalNames(cmd.Config, current.Handler.ConfigNames())
		valuesChanged := !equalMaps(current.Handler.Config().Get(), current.configValues)
		configChanged := namesChanged || valuesChanged
		scaledEvent = events.ComponentScaledData(c, current.Annotations, s.cfg.HostID, cmd.MaxInstances, current.ImageReference, current.ID)
		if current.MaxInstances != cmd.MaxInstances || configChanged {
			handler := current.Handler.Copy()
			if namesChanged {
				bundle, secretValues, err := s.linkRes.FetchConfigAndSecrets(ctx, cmd.Config, entityJWT, application)
				if err != nil {
					return token, err
				}
				handler.SwapConfig(bundle)
				handler.SwapSecrets(secretValues)
			}
			// The image reference is preserved, the already-compiled
			// artifact is reused for the replacement instance
			inst, err := s.start(cmd.ComponentID, current.ImageReference, c, cmd.MaxInstances, current.Annotations, current.compiled, handler)
			if err != nil {
				return token, fmt.Errorf("failed to instantiate component: %w", err)
			}
			s.components[cmd.ComponentID] = inst
			current.cancel()
			<-current.done
			s.logger.Info().
				Str("component_ref", current.ImageReference).
				Uint32("max_instances", cmd.MaxInstances).
				Msg("component scaled")
		} else {
			s.logger.Debug().
				Str("component_ref", cmd.ComponentRef).
				Uint32("max_instances", cmd.MaxInstances).
				Msg("component already at desired scale")
		}
	}

	metrics.ComponentsTotal.WithLabelValues(s.cfg.Lattice).Set(float64(len(s.components)))
	if err := s.events.Publish(ctx, events.ComponentScaled, scaledEvent); err != nil {
		return token, err
	}
	return token, nil
}

// Update fetches the new artifact, instantiates a replacement with a clone
// of the old instance's handler, swaps, then stops the old instance. A
// failed swap leaves the old instance running.
func (s *Supervisor) Update(ctx context.Context, cmd types.UpdateComponentCommand) error {
	current, ok := s.Get(cmd.ComponentID)
	if !ok {
		return fmt.Errorf("component %s is not running on this host", cmd.ComponentID)
	}
	if current.ImageReference == cmd.NewComponentRef {
		s.logger.Debug().Str("component_id", cmd.ComponentID).Msg("component already at requested image reference")
		return nil
	}

	wasm, err := s.resolver.FetchComponent(ctx, cmd.NewComponentRef)
	if err != nil {
		return err
	}
	token, err := claims.ExtractComponent(wasm)
	if err != nil {
		return err
	}
	var c *types.Claims
	if token != nil {
		c = token.Claims
		if err := s.claims.Store(c); err != nil {
			return err
		}
	}

	annotations := cmd.Annotations
	if annotations == nil {
		annotations = current.Annotations
	}

	// The handler clone preserves outbound link targets for the
	// replacement instance
	handler := current.Handler.Copy()

	s.mu.Lock()
	live, ok := s.components[cmd.ComponentID]
	if !ok || live != current {
		s.mu.Unlock()
		return fmt.Errorf("component %s changed during update", cmd.ComponentID)
	}
	inst, err := s.instantiate(ctx, cmd.ComponentID, cmd.NewComponentRef, c, current.MaxInstances, annotations, wasm, handler)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to instantiate updated component: %w", err)
	}
	s.components[cmd.ComponentID] = inst
	s.mu.Unlock()

	if err := s.events.Publish(ctx, events.ComponentScaled, events.ComponentScaledData(c, annotations, s.cfg.HostID, inst.MaxInstances, inst.ImageReference, inst.ID)); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish component_scaled event for update")
	}
	if err := s.events.Publish(ctx, events.ComponentScaled, events.ComponentScaledData(current.Claims, current.Annotations, s.cfg.HostID, 0, current.ImageReference, current.ID)); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish component_scaled event for replaced instance")
	}
	current.cancel()
	<-current.done
	return nil
}

// StopAll tears down every instance, used at host shutdown
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.components))
	for _, inst := range s.components {
		instances = append(instances, inst)
	}
	s.components = make(map[string]*Instance)
	s.mu.Unlock()
	for _, inst := range instances {
		inst.stop()
	}
	metrics.ComponentsTotal.WithLabelValues(s.cfg.Lattice).Set(0)
}

// instantiate compiles the artifact and starts its export serving loop
func (s *Supervisor) instantiate(ctx context.Context, id, ref string, c *types.Claims, maxInstances uint32, annotations types.Annotations, wasm []byte, handler *Handler) (*Instance, error) {
	compiled, err := s.rt.Compile(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile component %s: %w", id, err)
	}
	return s.start(id, ref, c, maxInstances, annotations, compiled, handler)
}

// start spins up the export serving loop for an already-compiled component
func (s *Supervisor) start(id, ref string, c *types.Claims, maxInstances uint32, annotations types.Annotations, compiled Component, handler *Handler) (*Instance, error) {
	if maxInstances == 0 {
		return nil, fmt.Errorf("max_instances must be positive")
	}

	serveCtx, cancel := context.WithCancel(s.baseCtx)
	inst := &Instance{
		ID:             id,
		ImageReference: ref,
		Claims:         c,
		MaxInstances:   maxInstances,
		Annotations:    annotations.Clone(),
		Handler:        handler,
		compiled:       compiled,
		cancel:         cancel,
		done:           make(chan struct{}),
		configValues:   handler.Config().Get(),
	}

	exports, err := compiled.Serve(serveCtx, handler)
	if err != nil {
		cancel()
		close(inst.done)
		return nil, fmt.Errorf("failed to serve component exports: %w", err)
	}
	go s.serveExports(serveCtx, inst, exports)
	return inst, nil
}

// serveExports is the export serving loop: take the next ready invocation,
// acquire a permit, run it in its own task holding the permit until it
// completes. Cancelling serveCtx aborts in-flight invocations at the
// runtime's next yield.
func (s *Supervisor) serveExports(ctx context.Context, inst *Instance, exports <-chan Invocation) {
	defer close(inst.done)

	permits := int64(inst.MaxInstances)
	if permits > semaphoreMax {
		permits = semaphoreMax
	}
	sem := semaphore.NewWeighted(permits)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case inv, ok := <-exports:
			if !ok {
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				s.handleInvocation(ctx, inst, inv)
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) handleInvocation(ctx context.Context, inst *Instance, inv Invocation) {
	timer := metrics.NewTimer()
	invCtx, cancel := context.WithTimeout(ctx, inst.Handler.InvocationTimeout)
	defer cancel()

	err := inv.Handle(invCtx)
	success := err == nil
	labels := []string{s.cfg.Lattice, inv.Operation(), strconv.FormatBool(success)}
	timer.ObserveDuration(metrics.InvocationDuration.WithLabelValues(labels...))
	metrics.InvocationsTotal.WithLabelValues(labels...).Inc()
	if err != nil {
		s.logger.Warn().Err(err).
			Str("component_id", inst.ID).
			Str("operation", inv.Operation()).
			Msg("component invocation failed")
	}
}

func equalMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
