package types

import (
	"encoding/json"
	"sort"
)

const (
	// SecretPrefix marks a config name as a secret reference
	SecretPrefix = "SECRET_"

	// DefaultLinkName is the link name used when none is specified
	DefaultLinkName = "default"
)

// Annotations is a key/value map attached to components and providers.
// Iteration over annotations must be deterministic, use SortedKeys.
type Annotations map[string]string

// SortedKeys returns the annotation keys in sorted order
func (a Annotations) SortedKeys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of the annotations
func (a Annotations) Clone() Annotations {
	out := make(Annotations, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Link is a directed connection from a source entity to a target entity
// over a set of WIT interfaces
type Link struct {
	SourceID     string   `json:"source_id"`
	Target       string   `json:"target"`
	WitNamespace string   `json:"wit_namespace"`
	WitPackage   string   `json:"wit_package"`
	Name         string   `json:"name"`
	Interfaces   []string `json:"interfaces"`
	SourceConfig []string `json:"source_config"`
	TargetConfig []string `json:"target_config"`
}

// Key returns the uniqueness key of the link. At most one target may exist
// for a given key.
func (l *Link) Key() LinkKey {
	return LinkKey{
		SourceID:     l.SourceID,
		WitNamespace: l.WitNamespace,
		WitPackage:   l.WitPackage,
		Name:         l.Name,
	}
}

// Equal reports whether two links describe the same full record key
// (source, target, namespace, package, name)
func (l *Link) Equal(other *Link) bool {
	return l.SourceID == other.SourceID &&
		l.Target == other.Target &&
		l.WitNamespace == other.WitNamespace &&
		l.WitPackage == other.WitPackage &&
		l.Name == other.Name
}

// LinkKey identifies a link uniquely within a source
type LinkKey struct {
	SourceID     string
	WitNamespace string
	WitPackage   string
	Name         string
}

// ResolvedLink is a link whose config names have been resolved to values and
// whose secrets have been sealed for the receiving provider. Nil secret
// slices mean no secrets were referenced, sealed-empty is never produced.
type ResolvedLink struct {
	SourceID      string            `json:"source_id"`
	Target        string            `json:"target"`
	WitNamespace  string            `json:"wit_namespace"`
	WitPackage    string            `json:"wit_package"`
	Name          string            `json:"name"`
	Interfaces    []string          `json:"interfaces"`
	SourceConfig  map[string]string `json:"source_config"`
	TargetConfig  map[string]string `json:"target_config"`
	SourceSecrets []byte            `json:"source_secrets,omitempty"`
	TargetSecrets []byte            `json:"target_secrets,omitempty"`
}

// ComponentSpec is the persisted document describing a component id: its
// image reference and the links it is the source of. Stored under
// COMPONENT_<id> in the lattice bucket.
type ComponentSpec struct {
	URL   string  `json:"url"`
	Links []*Link `json:"links"`
}

// Claims is the verified content of a signed artifact token
type Claims struct {
	Subject   string   `json:"sub"`
	Issuer    string   `json:"iss"`
	Name      string   `json:"name,omitempty"`
	Revision  int32    `json:"rev,omitempty"`
	Version   string   `json:"ver,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	Expires   int64    `json:"exp,omitempty"`
	// Provider is true when the claims describe a capability provider
	// rather than a component
	Provider bool `json:"provider,omitempty"`
}

// ClaimsToken couples verified claims with the raw JWT they came from
type ClaimsToken struct {
	Claims *Claims
	JWT    string
}

// CtlResponse wraps every control interface reply
type CtlResponse struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// CtlSuccess builds a successful response with an optional payload
func CtlSuccess(message string, data any) CtlResponse {
	resp := CtlResponse{Success: true, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			resp.Response = raw
		}
	}
	return resp
}

// CtlError builds a failed response
func CtlError(message string) CtlResponse {
	return CtlResponse{Success: false, Message: message}
}

// ScaleComponentCommand requests a component be scaled to max_instances
// concurrent instances, 0 stops it
type ScaleComponentCommand struct {
	ComponentRef string      `json:"component_ref"`
	ComponentID  string      `json:"component_id"`
	Annotations  Annotations `json:"annotations,omitempty"`
	MaxInstances uint32      `json:"max_instances"`
	Config       []string    `json:"config,omitempty"`
	AllowUpdate  bool        `json:"allow_update,omitempty"`
	HostID       string      `json:"host_id"`
}

// UpdateComponentCommand requests a running component be replaced with a new
// image reference
type UpdateComponentCommand struct {
	ComponentID     string      `json:"component_id"`
	NewComponentRef string      `json:"new_component_ref"`
	Annotations     Annotations `json:"annotations,omitempty"`
	HostID          string      `json:"host_id"`
}

// StartProviderCommand requests a provider process be started
type StartProviderCommand struct {
	ProviderRef string      `json:"provider_ref"`
	ProviderID  string      `json:"provider_id"`
	Config      []string    `json:"config,omitempty"`
	Annotations Annotations `json:"annotations,omitempty"`
	HostID      string      `json:"host_id"`
}

// StopProviderCommand requests a provider process be stopped
type StopProviderCommand struct {
	ProviderID string `json:"provider_id"`
	HostID     string `json:"host_id"`
}

// ComponentAuctionRequest asks any host able to run the component to ack
type ComponentAuctionRequest struct {
	ComponentRef string            `json:"component_ref"`
	ComponentID  string            `json:"component_id"`
	Constraints  map[string]string `json:"constraints"`
}

// ComponentAuctionAck is the positive auction response. Hosts that cannot
// satisfy the constraints stay silent.
type ComponentAuctionAck struct {
	ComponentRef string            `json:"component_ref"`
	ComponentID  string            `json:"component_id"`
	Constraints  map[string]string `json:"constraints"`
	HostID       string            `json:"host_id"`
}

// ProviderAuctionRequest asks any host able to run the provider to ack
type ProviderAuctionRequest struct {
	ProviderRef string            `json:"provider_ref"`
	ProviderID  string            `json:"provider_id"`
	Constraints map[string]string `json:"constraints"`
}

// ProviderAuctionAck is the positive provider auction response
type ProviderAuctionAck struct {
	ProviderRef string            `json:"provider_ref"`
	ProviderID  string            `json:"provider_id"`
	Constraints map[string]string `json:"constraints"`
	HostID      string            `json:"host_id"`
}

// DeleteLinkRequest removes a link by its uniqueness key
type DeleteLinkRequest struct {
	SourceID     string `json:"source_id"`
	WitNamespace string `json:"wit_namespace"`
	WitPackage   string `json:"wit_package"`
	LinkName     string `json:"link_name"`
}

// PutLabelRequest mutates a single host label
type PutLabelRequest struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// RegistryCredential holds authentication material for a registry
type RegistryCredential struct {
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Token        string `json:"token,omitempty"`
	RegistryType string `json:"registryType,omitempty"`
}

// ComponentDescription is the inventory entry for a running component
type ComponentDescription struct {
	ID           string      `json:"id"`
	ImageRef     string      `json:"image_ref"`
	Name         string      `json:"name,omitempty"`
	MaxInstances uint32      `json:"max_instances"`
	Revision     int32       `json:"revision"`
	Annotations  Annotations `json:"annotations,omitempty"`
}

// ProviderDescription is the inventory entry for a running provider
type ProviderDescription struct {
	ID          string      `json:"id"`
	ImageRef    string      `json:"image_ref"`
	Name        string      `json:"name,omitempty"`
	Revision    int32       `json:"revision"`
	Annotations Annotations `json:"annotations,omitempty"`
}

// HostInventory is the full snapshot published with each heartbeat and
// returned from inventory queries
type HostInventory struct {
	HostID        string                 `json:"host_id"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Labels        map[string]string      `json:"labels"`
	Components    []ComponentDescription `json:"components"`
	Providers     []ProviderDescription  `json:"providers"`
}

// HealthCheckResponse is a provider's reply on its health subject
type HealthCheckResponse struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// OtelConfig is passed through to provider children for their own telemetry
type OtelConfig struct {
	EnableObservability   bool   `json:"enable_observability"`
	EnableTraces          bool   `json:"enable_traces"`
	EnableMetrics         bool   `json:"enable_metrics"`
	EnableLogs            bool   `json:"enable_logs"`
	ObservabilityEndpoint string `json:"observability_endpoint,omitempty"`
	TracesEndpoint        string `json:"traces_endpoint,omitempty"`
	MetricsEndpoint       string `json:"metrics_endpoint,omitempty"`
	LogsEndpoint          string `json:"logs_endpoint,omitempty"`
}

// HostData is the startup document written to a provider child's stdin,
// base64-encoded and CRLF-terminated
type HostData struct {
	HostID               string            `json:"host_id"`
	LatticeRPCPrefix     string            `json:"lattice_rpc_prefix"`
	LinkName             string            `json:"link_name"`
	LatticeRPCUserJWT    string            `json:"lattice_rpc_user_jwt"`
	LatticeRPCUserSeed   string            `json:"lattice_rpc_user_seed"`
	LatticeRPCURL        string            `json:"lattice_rpc_url"`
	InstanceID           string            `json:"instance_id"`
	ProviderKey          string            `json:"provider_key"`
	LinkDefinitions      []ResolvedLink    `json:"link_definitions"`
	Config               map[string]string `json:"config"`
	Secrets              map[string]any    `json:"secrets"`
	ProviderXKeyPrivate  string            `json:"provider_xkey_private_key"`
	HostXKeyPublic       string            `json:"host_xkey_public_key"`
	ClusterIssuers       []string          `json:"cluster_issuers"`
	DefaultRPCTimeoutMS  uint64            `json:"default_rpc_timeout_ms"`
	LogLevel             string            `json:"log_level,omitempty"`
	StructuredLogging    bool              `json:"structured_logging"`
	OtelConfig           OtelConfig        `json:"otel_config"`
}
