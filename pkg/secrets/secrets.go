package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/bus"
	"github.com/wasmcloud/lattice/pkg/log"
)

// Value is a secret's plaintext, either a string or raw bytes. Access goes
// through the Expose methods to keep the leakage surface narrow, the
// zero value exposes nothing.
type Value struct {
	s     string
	b     []byte
	isStr bool
	isSet bool
}

// StringValue wraps a string secret
func StringValue(s string) Value {
	return Value{s: s, isStr: true, isSet: true}
}

// BytesValue wraps a bytes secret
func BytesValue(b []byte) Value {
	return Value{b: b, isSet: true}
}

// ExposeString returns the plaintext string, false when the secret is not a
// string
func (v Value) ExposeString() (string, bool) {
	return v.s, v.isSet && v.isStr
}

// ExposeBytes returns the plaintext bytes, false when the secret is not bytes
func (v Value) ExposeBytes() ([]byte, bool) {
	return v.b, v.isSet && !v.isStr
}

// MarshalJSON encodes the tagged value the way providers expect it
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.isSet {
		return nil, errors.New("cannot serialize an empty secret")
	}
	if v.isStr {
		return json.Marshal(map[string]string{"string": v.s})
	}
	return json.Marshal(map[string]string{"bytes": base64.StdEncoding.EncodeToString(v.b)})
}

// UnmarshalJSON decodes a tagged value
func (v *Value) UnmarshalJSON(data []byte) error {
	var tagged struct {
		String *string `json:"string"`
		Bytes  *string `json:"bytes"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	switch {
	case tagged.String != nil:
		*v = StringValue(*tagged.String)
	case tagged.Bytes != nil:
		raw, err := base64.StdEncoding.DecodeString(*tagged.Bytes)
		if err != nil {
			return fmt.Errorf("malformed bytes secret: %w", err)
		}
		*v = BytesValue(raw)
	default:
		return errors.New("secret value must be a string or bytes")
	}
	return nil
}

// fetchRequest is the payload sent to the secrets backend for one name
type fetchRequest struct {
	Name        string `json:"name"`
	EntityJWT   string `json:"entity_jwt,omitempty"`
	HostJWT     string `json:"host_jwt"`
	Application string `json:"application,omitempty"`
}

type fetchResponse struct {
	Secret *Value `json:"secret,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Manager resolves named secret references through a backend reached over
// the bus and seals plaintext for provider exchange keys using the host's
// own exchange key
type Manager struct {
	bus     bus.Requester
	topic   string
	timeout time.Duration
	xkey    nkeys.KeyPair
	logger  zerolog.Logger
}

// Config holds secrets manager configuration
type Config struct {
	// Topic is the secrets backend request subject, empty means no backend
	Topic   string
	Timeout time.Duration
}

// NewManager creates a secrets manager with a fresh host exchange key
func NewManager(b bus.Requester, cfg Config) (*Manager, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	xkey, err := nkeys.CreateCurveKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to create host exchange key: %w", err)
	}
	return &Manager{
		bus:     b,
		topic:   cfg.Topic,
		timeout: cfg.Timeout,
		xkey:    xkey,
		logger:  log.WithComponent("secrets"),
	}, nil
}

// HostPublicXKey returns the host's exchange public key, published so link
// sources can seal secrets for it
func (m *Manager) HostPublicXKey() string {
	pub, err := m.xkey.PublicKey()
	if err != nil {
		// Curve key pairs always carry their public key
		m.logger.Error().Err(err).Msg("failed to read host exchange public key")
		return ""
	}
	return pub
}

// Fetch resolves the named secret references to plaintext values. An empty
// name list never contacts the backend.
func (m *Manager) Fetch(ctx context.Context, names []string, entityJWT, hostJWT, application string) (map[string]Value, error) {
	out := make(map[string]Value, len(names))
	if len(names) == 0 {
		return out, nil
	}
	if m.topic == "" {
		return nil, fmt.Errorf("no secrets backend configured, cannot fetch %d secret(s)", len(names))
	}
	for _, name := range names {
		payload, err := json.Marshal(fetchRequest{
			Name:        name,
			EntityJWT:   entityJWT,
			HostJWT:     hostJWT,
			Application: application,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to serialize secret request for %s: %w", name, err)
		}
		resp, err := m.bus.Request(ctx, m.topic, payload, m.timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch secret %s: %w", name, err)
		}
		var fr fetchResponse
		if err := json.Unmarshal(resp.Data, &fr); err != nil {
			return nil, fmt.Errorf("failed to decode secret response for %s: %w", name, err)
		}
		if fr.Error != "" {
			return nil, fmt.Errorf("secrets backend rejected %s: %s", name, fr.Error)
		}
		if fr.Secret == nil {
			return nil, fmt.Errorf("secrets backend returned no value for %s", name)
		}
		out[name] = *fr.Secret
	}
	return out, nil
}

// Seal encrypts plaintext for the recipient's exchange public key
func (m *Manager) Seal(plaintext []byte, recipientPublicKey string) ([]byte, error) {
	sealed, err := m.xkey.Seal(plaintext, recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal secrets for %s: %w", recipientPublicKey, err)
	}
	return sealed, nil
}

// SealMap serializes and seals a secret map for a recipient. An empty map
// yields nil, sealed-empty is indistinguishable from sealed-absent so
// absent is encoded as nil.
func (m *Manager) SealMap(values map[string]Value, recipientPublicKey string) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize secrets: %w", err)
	}
	return m.Seal(raw, recipientPublicKey)
}
