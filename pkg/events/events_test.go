package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmcloud/lattice/pkg/types"
)

type capture struct {
	subject string
	payload []byte
}

func (c *capture) Publish(_ context.Context, subject string, payload []byte) error {
	c.subject = subject
	c.payload = payload
	return nil
}

func TestPublishWrapsEnvelope(t *testing.T) {
	rec := &capture{}
	p := NewPublisher(rec, "default", "NHOST")

	err := p.Publish(context.Background(), ComponentScaled, map[string]any{"component_id": "echo"})
	require.NoError(t, err)
	assert.Equal(t, "wasmbus.evt.default.component_scaled", rec.subject)

	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.payload, &env))
	assert.Equal(t, "1.0", env["specversion"])
	assert.Equal(t, "NHOST", env["source"])
	assert.Equal(t, "com.wasmcloud.lattice.component_scaled", env["type"])
	assert.NotEmpty(t, env["id"])

	data, ok := env["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "echo", data["component_id"])
}

func TestComponentScaledDataCarriesClaims(t *testing.T) {
	c := &types.Claims{Subject: "MKEY", Name: "echo"}
	data := ComponentScaledData(c, types.Annotations{"a": "b"}, "NHOST", 3, "ref", "echo")
	assert.Equal(t, "MKEY", data["public_key"])
	assert.Equal(t, uint32(3), data["max_instances"])

	// Claims are optional
	data = ComponentScaledData(nil, nil, "NHOST", 0, "ref", "echo")
	_, ok := data["public_key"]
	assert.False(t, ok)
}

func TestLinkdefDeletedDataWithoutLink(t *testing.T) {
	data := LinkdefDeletedData("A", "default", "wasi", "http", nil)
	_, ok := data["target"]
	assert.False(t, ok)

	data = LinkdefDeletedData("A", "default", "wasi", "http", &types.Link{Target: "B"})
	assert.Equal(t, "B", data["target"])
}

func TestScaleFailedDataIncludesError(t *testing.T) {
	data := ComponentScaleFailedData(nil, nil, "NHOST", "ref", "echo", 2, errors.New("fetch failed"))
	assert.Equal(t, "fetch failed", data["error"])
}
