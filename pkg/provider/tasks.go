package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wasmcloud/lattice/pkg/events"
	"github.com/wasmcloud/lattice/pkg/metrics"
	"github.com/wasmcloud/lattice/pkg/types"
)

// waitOnExit blocks on child termination and broadcasts the exit signal to
// the other lifecycle tasks
func (s *Supervisor) waitOnExit(p *Provider) {
	defer p.tasks.Done()
	err := p.process.Wait()
	if err != nil {
		s.logger.Debug().Err(err).Str("provider_id", p.ID).Msg("provider process exited")
	} else {
		s.logger.Debug().Str("provider_id", p.ID).Msg("provider process exited cleanly")
	}
	close(p.exitCh)
}

// healthTask checks the provider's health on its health subject every
// interval, the first check delayed to let the provider initialize.
// Transitions emit health_check_passed or health_check_failed, every check
// that gets a parseable reply emits health_check_status. A failed request or
// an unparseable reply only logs a warning. Terminates when the process exits.
func (s *Supervisor) healthTask(ctx context.Context, p *Provider) {
	defer p.tasks.Done()

	subject := fmt.Sprintf("wasmbus.rpc.%s.%s.health", s.cfg.Lattice, p.ID)
	// Providers start out assumed healthy
	previousHealthy := true

	initial := time.NewTimer(s.cfg.HealthInitialDelay)
	defer initial.Stop()
	select {
	case <-initial.C:
	case <-p.exitCh:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		previousHealthy = s.checkHealth(ctx, p, subject, previousHealthy)
		select {
		case <-ticker.C:
		case <-p.exitCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) checkHealth(ctx context.Context, p *Provider, subject string, previousHealthy bool) bool {
	s.logger.Trace().Str("provider_id", p.ID).Msg("performing provider health check")
	resp, err := s.bus.Request(ctx, subject, nil, s.cfg.DefaultRPCTimeout)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider_id", p.ID).Msg("failed to request provider health, retrying next interval")
		return previousHealthy
	}

	var health types.HealthCheckResponse
	if err := json.Unmarshal(resp.Data, &health); err != nil {
		s.logger.Warn().Err(err).Str("provider_id", p.ID).Msg("failed to deserialize provider health check response")
		return previousHealthy
	}

	result := "passed"
	if !health.Healthy {
		result = "failed"
	}
	metrics.HealthChecksTotal.WithLabelValues(s.cfg.Lattice, result).Inc()

	data := events.ProviderHealthCheckData(s.cfg.HostID, p.ID)
	switch {
	case health.Healthy && !previousHealthy:
		if err := s.events.Publish(ctx, events.HealthCheckPassed, data); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish provider health check passed event")
		}
	case !health.Healthy && previousHealthy:
		if err := s.events.Publish(ctx, events.HealthCheckFailed, data); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish provider health check failed event")
		}
	}
	if err := s.events.Publish(ctx, events.HealthCheckStatus, data); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish provider health check status event")
	}
	return health.Healthy
}

// configUpdateTask pushes the serialized bundle to the provider's config
// update subject on every change. Terminates when the process exits.
func (s *Supervisor) configUpdateTask(ctx context.Context, p *Provider) {
	defer p.tasks.Done()

	subject := fmt.Sprintf("wasmbus.rpc.%s.%s.config.update", s.cfg.Lattice, p.ID)
	for {
		select {
		case <-p.bundle.Changed():
			payload, err := json.Marshal(p.bundle.Get())
			if err != nil {
				s.logger.Error().Err(err).Str("provider_id", p.ID).Msg("failed to serialize provider config update")
				continue
			}
			if err := s.bus.Publish(ctx, subject, payload); err != nil {
				s.logger.Warn().Err(err).Str("provider_id", p.ID).Msg("failed to publish provider config update")
			}
		case <-p.exitCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
