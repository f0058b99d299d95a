package policy

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmcloud/lattice/pkg/types"
)

type fakeBus struct {
	requests  atomic.Int64
	permitted bool
	message   string
}

func (f *fakeBus) Request(_ context.Context, _ string, payload []byte, _ time.Duration) (*nats.Msg, error) {
	f.requests.Add(1)
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	resp, _ := json.Marshal(Decision{
		Permitted: f.permitted,
		RequestID: req.RequestID,
		Message:   f.message,
	})
	return &nats.Msg{Data: resp}, nil
}

func (f *fakeBus) Subscribe(string) (<-chan *nats.Msg, func(), error) {
	return nil, func() {}, nil
}

func TestNoBackendPermitsEverything(t *testing.T) {
	m, err := NewManager(nil, Config{})
	require.NoError(t, err)

	decision, err := m.EvaluateStartComponent(context.Background(), "echo", "ref", 1, nil, nil)
	require.NoError(t, err)
	assert.True(t, decision.Permitted)
}

func TestDecisionIsCached(t *testing.T) {
	b := &fakeBus{permitted: true}
	m, err := NewManager(b, Config{Topic: "policy.evaluate"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		decision, err := m.EvaluateStartComponent(context.Background(), "echo", "ref", 1, nil, nil)
		require.NoError(t, err)
		assert.True(t, decision.Permitted)
	}
	assert.Equal(t, int64(1), b.requests.Load())
}

func TestInvalidateDropsCache(t *testing.T) {
	b := &fakeBus{permitted: true}
	m, err := NewManager(b, Config{Topic: "policy.evaluate"})
	require.NoError(t, err)

	_, err = m.EvaluateStartProvider(context.Background(), "p1", "ref", nil, nil)
	require.NoError(t, err)
	m.invalidate()
	_, err = m.EvaluateStartProvider(context.Background(), "p1", "ref", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.requests.Load())
}

func TestDenialCarriesMessage(t *testing.T) {
	b := &fakeBus{permitted: false, message: "untrusted issuer"}
	m, err := NewManager(b, Config{Topic: "policy.evaluate"})
	require.NoError(t, err)

	decision, err := m.EvaluateStartComponent(context.Background(), "echo", "ref", 1, types.Annotations{"a": "b"}, &types.Claims{Subject: "MKEY"})
	require.NoError(t, err)
	assert.False(t, decision.Permitted)
	assert.Equal(t, "untrusted issuer", decision.Message)
	assert.NotEmpty(t, decision.RequestID)
}
