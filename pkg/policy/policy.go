package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/bus"
	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/types"
)

const (
	actionStartComponent = "startComponent"
	actionStartProvider  = "startProvider"
)

// Decision is the policy server's answer for a single request
type Decision struct {
	Permitted bool   `json:"permitted"`
	RequestID string `json:"requestId"`
	Message   string `json:"message,omitempty"`
}

// request is the payload sent to the policy server
type request struct {
	RequestID    string            `json:"requestId"`
	Kind         string            `json:"kind"`
	Version      string            `json:"version"`
	EntityID     string            `json:"entityId"`
	ImageRef     string            `json:"imageRef"`
	MaxInstances uint32            `json:"maxInstances,omitempty"`
	Annotations  types.Annotations `json:"annotations,omitempty"`
	Claims       *types.Claims     `json:"claims,omitempty"`
	Host         hostInfo          `json:"host"`
}

type hostInfo struct {
	ID      string `json:"id"`
	Lattice string `json:"lattice"`
}

// Bus is the subset of the bus client the policy manager uses
type Bus interface {
	bus.Requester
	bus.Subscriber
}

// Manager gates lifecycle operations on an external policy server reached
// over the bus. With no topic configured every request is permitted.
// Decisions are cached until the server announces a policy change.
type Manager struct {
	bus          Bus
	topic        string
	changesTopic string
	timeout      time.Duration
	host         hostInfo
	logger       zerolog.Logger

	mu        sync.RWMutex
	decisions map[string]Decision

	stopChanges func()
}

// Config holds policy manager configuration
type Config struct {
	// Topic is the policy request subject, empty disables policy checks
	Topic string
	// ChangesTopic delivers policy change notifications that invalidate
	// cached decisions
	ChangesTopic string
	Timeout      time.Duration
	HostID       string
	Lattice      string
}

// NewManager creates a policy manager and subscribes to policy changes
func NewManager(b Bus, cfg Config) (*Manager, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	m := &Manager{
		bus:       b,
		topic:     cfg.Topic,
		timeout:   cfg.Timeout,
		host:      hostInfo{ID: cfg.HostID, Lattice: cfg.Lattice},
		logger:    log.WithComponent("policy"),
		decisions: make(map[string]Decision),
	}
	if cfg.Topic != "" && cfg.ChangesTopic != "" {
		ch, cancel, err := b.Subscribe(cfg.ChangesTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to policy changes: %w", err)
		}
		m.stopChanges = cancel
		go m.watchChanges(ch)
	}
	return m, nil
}

// Stop cancels the policy change subscription
func (m *Manager) Stop() {
	if m.stopChanges != nil {
		m.stopChanges()
	}
}

// watchChanges invalidates cached decisions whenever the policy server
// announces a change
func (m *Manager) watchChanges(ch <-chan *nats.Msg) {
	for range ch {
		m.logger.Debug().Msg("policy changed, invalidating cached decisions")
		m.invalidate()
	}
}

// EvaluateStartComponent asks whether a component may be started
func (m *Manager) EvaluateStartComponent(ctx context.Context, id, ref string, maxInstances uint32, annotations types.Annotations, claims *types.Claims) (Decision, error) {
	return m.evaluate(ctx, request{
		Kind:         actionStartComponent,
		EntityID:     id,
		ImageRef:     ref,
		MaxInstances: maxInstances,
		Annotations:  annotations,
		Claims:       claims,
	})
}

// EvaluateStartProvider asks whether a provider may be started
func (m *Manager) EvaluateStartProvider(ctx context.Context, id, ref string, annotations types.Annotations, claims *types.Claims) (Decision, error) {
	return m.evaluate(ctx, request{
		Kind:        actionStartProvider,
		EntityID:    id,
		ImageRef:    ref,
		Annotations: annotations,
		Claims:      claims,
	})
}

func (m *Manager) evaluate(ctx context.Context, req request) (Decision, error) {
	if m.topic == "" {
		return Decision{Permitted: true}, nil
	}

	key := req.Kind + "|" + req.EntityID + "|" + req.ImageRef
	m.mu.RLock()
	cached, ok := m.decisions[key]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	req.RequestID = uuid.NewString()
	req.Version = "v1"
	req.Host = m.host
	payload, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to serialize policy request: %w", err)
	}

	resp, err := m.bus.Request(ctx, m.topic, payload, m.timeout)
	if err != nil {
		return Decision{}, fmt.Errorf("policy request %s failed: %w", req.RequestID, err)
	}
	var decision Decision
	if err := json.Unmarshal(resp.Data, &decision); err != nil {
		return Decision{}, fmt.Errorf("failed to decode policy response for %s: %w", req.RequestID, err)
	}

	m.mu.Lock()
	m.decisions[key] = decision
	m.mu.Unlock()
	return decision, nil
}

// invalidate drops all cached decisions
func (m *Manager) invalidate() {
	m.mu.Lock()
	m.decisions = make(map[string]Decision)
	m.mu.Unlock()
}
