package secrets

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueExpose(t *testing.T) {
	s := StringValue("hunter2")
	got, ok := s.ExposeString()
	require.True(t, ok)
	assert.Equal(t, "hunter2", got)
	_, ok = s.ExposeBytes()
	assert.False(t, ok)

	b := BytesValue([]byte{1, 2, 3})
	raw, ok := b.ExposeBytes()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, raw)
	_, ok = b.ExposeString()
	assert.False(t, ok)

	var zero Value
	_, ok = zero.ExposeString()
	assert.False(t, ok)
	_, ok = zero.ExposeBytes()
	assert.False(t, ok)
}

func TestValueJSONRoundTrip(t *testing.T) {
	for _, v := range []Value{StringValue("abc"), BytesValue([]byte{0xde, 0xad})} {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		var back Value
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, v, back)
	}
}

func TestSealMapEmptyIsAbsent(t *testing.T) {
	m, err := NewManager(nil, Config{})
	require.NoError(t, err)

	sealed, err := m.SealMap(nil, "")
	require.NoError(t, err)
	assert.Nil(t, sealed)
}

func TestSealMapRoundTrip(t *testing.T) {
	m, err := NewManager(nil, Config{})
	require.NoError(t, err)

	recipient, err := nkeys.CreateCurveKeys()
	require.NoError(t, err)
	recipientPub, err := recipient.PublicKey()
	require.NoError(t, err)

	sealed, err := m.SealMap(map[string]Value{"token": StringValue("s3cr3t")}, recipientPub)
	require.NoError(t, err)
	require.NotNil(t, sealed)

	plain, err := recipient.Open(sealed, m.HostPublicXKey())
	require.NoError(t, err)
	var values map[string]Value
	require.NoError(t, json.Unmarshal(plain, &values))
	got, ok := values["token"].ExposeString()
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", got)
}

// fakeRequester answers every request with a canned response
type fakeRequester struct {
	responses map[string][]byte
}

func (f *fakeRequester) Request(_ context.Context, _ string, payload []byte, _ time.Duration) (*nats.Msg, error) {
	var req fetchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &nats.Msg{Data: f.responses[req.Name]}, nil
}

func TestFetchEmptyNamesSkipsBackend(t *testing.T) {
	m, err := NewManager(nil, Config{})
	require.NoError(t, err)

	out, err := m.Fetch(context.Background(), nil, "", "host-jwt", "")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFetchWithoutBackendFails(t *testing.T) {
	m, err := NewManager(nil, Config{})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), []string{"SECRET_x"}, "", "host-jwt", "")
	assert.Error(t, err)
}

func TestFetchResolvesNames(t *testing.T) {
	req := &fakeRequester{responses: map[string][]byte{
		"SECRET_a": []byte(`{"secret":{"string":"alpha"}}`),
		"SECRET_b": []byte(`{"secret":{"bytes":"3q0="}}`),
	}}
	m, err := NewManager(req, Config{Topic: "secrets.get"})
	require.NoError(t, err)

	out, err := m.Fetch(context.Background(), []string{"SECRET_a", "SECRET_b"}, "entity", "host", "app")
	require.NoError(t, err)
	require.Len(t, out, 2)
	a, _ := out["SECRET_a"].ExposeString()
	assert.Equal(t, "alpha", a)
	b, _ := out["SECRET_b"].ExposeBytes()
	assert.Equal(t, []byte{0xde, 0xad}, b)
}

func TestFetchBackendError(t *testing.T) {
	req := &fakeRequester{responses: map[string][]byte{
		"SECRET_a": []byte(`{"error":"unauthorized"}`),
	}}
	m, err := NewManager(req, Config{Topic: "secrets.get"})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), []string{"SECRET_a"}, "", "host", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}
