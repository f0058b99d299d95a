package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/bus"
	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/metrics"
)

// Lifecycle event names
const (
	ComponentScaled      = "component_scaled"
	ComponentScaleFailed = "component_scale_failed"
	ProviderStarted      = "provider_started"
	ProviderStartFailed  = "provider_start_failed"
	ProviderStopped      = "provider_stopped"
	HealthCheckPassed    = "health_check_passed"
	HealthCheckFailed    = "health_check_failed"
	HealthCheckStatus    = "health_check_status"
	LinkdefSet           = "linkdef_set"
	LinkdefSetFailed     = "linkdef_set_failed"
	LinkdefDeleted       = "linkdef_deleted"
	ConfigSet            = "config_set"
	ConfigDeleted        = "config_deleted"
	LabelsChanged        = "labels_changed"
	HostHeartbeat        = "host_heartbeat"
	HostStarted          = "host_started"
	HostStopped          = "host_stopped"
)

const eventTypePrefix = "com.wasmcloud.lattice"

// envelope is the CloudEvents-style wrapper every event is published in
type envelope struct {
	SpecVersion string          `json:"specversion"`
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Type        string          `json:"type"`
	ContentType string          `json:"datacontenttype"`
	Time        string          `json:"time"`
	Data        json.RawMessage `json:"data"`
}

// Publisher emits lifecycle events on wasmbus.evt.<lattice>.<event_name>
type Publisher struct {
	bus     bus.Publisher
	lattice string
	source  string
	logger  zerolog.Logger
}

// NewPublisher creates a publisher sourced from this host's key
func NewPublisher(b bus.Publisher, lattice, hostKey string) *Publisher {
	return &Publisher{
		bus:     b,
		lattice: lattice,
		source:  hostKey,
		logger:  log.WithComponent("events").With().Str("lattice", lattice).Logger(),
	}
}

// Publish wraps data in the event envelope and publishes it. Failures are
// returned but callers treat them as best-effort.
func (p *Publisher) Publish(ctx context.Context, name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize %s event: %w", name, err)
	}
	env, err := json.Marshal(envelope{
		SpecVersion: "1.0",
		ID:          uuid.NewString(),
		Source:      p.source,
		Type:        fmt.Sprintf("%s.%s", eventTypePrefix, name),
		ContentType: "application/json",
		Time:        time.Now().UTC().Format(time.RFC3339),
		Data:        raw,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize %s envelope: %w", name, err)
	}
	subject := fmt.Sprintf("wasmbus.evt.%s.%s", p.lattice, name)
	if err := p.bus.Publish(ctx, subject, env); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", name, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(name).Inc()
	return nil
}
