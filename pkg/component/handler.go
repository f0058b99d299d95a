package component

import (
	"fmt"
	"sync"
	"time"

	"github.com/wasmcloud/lattice/pkg/config"
	"github.com/wasmcloud/lattice/pkg/secrets"
	"github.com/wasmcloud/lattice/pkg/types"
)

// Handler is the per-instance resolver a component uses during invocations:
// outbound link targets, config, secrets and the RPC prefix. Invocations
// take read locks, the supervisor and state watcher write.
type Handler struct {
	// RPCPrefix is "<lattice>.<id>", the subject prefix this instance's
	// exports are served under
	RPCPrefix string
	// InvocationTimeout bounds each inbound export invocation
	InvocationTimeout time.Duration

	configMu sync.RWMutex
	config   *config.Bundle

	secretsMu sync.RWMutex
	secrets   map[string]secrets.Value

	linksMu sync.RWMutex
	// links is wit "ns:pkg" -> link name -> target id
	links map[string]map[string]string
}

// NewHandler builds a handler for a component instance
func NewHandler(lattice, id string, bundle *config.Bundle, secretValues map[string]secrets.Value, instanceLinks []*types.Link, invocationTimeout time.Duration) *Handler {
	h := &Handler{
		RPCPrefix:         fmt.Sprintf("%s.%s", lattice, id),
		InvocationTimeout: invocationTimeout,
		config:            bundle,
		secrets:           secretValues,
		links:             make(map[string]map[string]string),
	}
	h.SetLinks(instanceLinks)
	return h
}

// Config returns the shared config bundle
func (h *Handler) Config() *config.Bundle {
	h.configMu.RLock()
	defer h.configMu.RUnlock()
	return h.config
}

// ConfigNames returns the names the current bundle was generated from
func (h *Handler) ConfigNames() []string {
	h.configMu.RLock()
	defer h.configMu.RUnlock()
	if h.config == nil {
		return nil
	}
	return h.config.Names()
}

// SwapConfig replaces the config bundle and closes the previous one
func (h *Handler) SwapConfig(bundle *config.Bundle) {
	h.configMu.Lock()
	old := h.config
	h.config = bundle
	h.configMu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Secret exposes a named secret to the invocation path
func (h *Handler) Secret(name string) (secrets.Value, bool) {
	h.secretsMu.RLock()
	defer h.secretsMu.RUnlock()
	v, ok := h.secrets[name]
	return v, ok
}

// SwapSecrets replaces the secret map
func (h *Handler) SwapSecrets(values map[string]secrets.Value) {
	h.secretsMu.Lock()
	h.secrets = values
	h.secretsMu.Unlock()
}

// LinkTarget resolves the target id for an outbound interface call
func (h *Handler) LinkTarget(namespace, pkg, name string) (string, bool) {
	h.linksMu.RLock()
	defer h.linksMu.RUnlock()
	byName, ok := h.links[namespace+":"+pkg]
	if !ok {
		return "", false
	}
	target, ok := byName[name]
	return target, ok
}

// SetLinks replaces the instance link table with the given source links
func (h *Handler) SetLinks(instanceLinks []*types.Link) {
	table := make(map[string]map[string]string, len(instanceLinks))
	for _, l := range instanceLinks {
		key := l.WitNamespace + ":" + l.WitPackage
		if table[key] == nil {
			table[key] = make(map[string]string)
		}
		table[key][l.Name] = l.Target
	}
	h.linksMu.Lock()
	h.links = table
	h.linksMu.Unlock()
}

// Copy clones the handler for a replacement instance. The clone shares the
// config bundle and secrets but gets its own link table copy, targets must
// not be shared between instances.
func (h *Handler) Copy() *Handler {
	h.linksMu.RLock()
	linksCopy := make(map[string]map[string]string, len(h.links))
	for key, byName := range h.links {
		inner := make(map[string]string, len(byName))
		for name, target := range byName {
			inner[name] = target
		}
		linksCopy[key] = inner
	}
	h.linksMu.RUnlock()

	h.configMu.RLock()
	bundle := h.config
	h.configMu.RUnlock()

	h.secretsMu.RLock()
	secretValues := h.secrets
	h.secretsMu.RUnlock()

	return &Handler{
		RPCPrefix:         h.RPCPrefix,
		InvocationTimeout: h.InvocationTimeout,
		config:            bundle,
		secrets:           secretValues,
		links:             linksCopy,
	}
}
