package links

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmcloud/lattice/pkg/config"
	"github.com/wasmcloud/lattice/pkg/events"
	"github.com/wasmcloud/lattice/pkg/secrets"
	"github.com/wasmcloud/lattice/pkg/store"
	"github.com/wasmcloud/lattice/pkg/types"
)

// recordingBus captures published messages per subject
type recordingBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{messages: make(map[string][][]byte)}
}

func (r *recordingBus) Publish(_ context.Context, subject string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[subject] = append(r.messages[subject], payload)
	return nil
}

func (r *recordingBus) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for s := range r.messages {
		out = append(out, s)
	}
	return out
}

func (r *recordingBus) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for s, msgs := range r.messages {
		if strings.Contains(s, substr) {
			n += len(msgs)
		}
	}
	return n
}

func testRegistry(t *testing.T) (*Registry, *store.Memory, *store.Memory, *recordingBus) {
	t.Helper()
	data := store.NewMemory()
	configs := store.NewMemory()
	rec := newRecordingBus()
	ev := events.NewPublisher(rec, "default", "NHOST")
	sm, err := secrets.NewManager(nil, secrets.Config{})
	require.NoError(t, err)
	resolver := NewResolver(config.NewGenerator(configs), sm, "host-jwt")
	return NewRegistry(data, configs, rec, ev, resolver, "default"), data, configs, rec
}

func link(source, target string) *types.Link {
	return &types.Link{
		SourceID:     source,
		Target:       target,
		WitNamespace: "wasi",
		WitPackage:   "http",
		Name:         "default",
		Interfaces:   []string{"incoming-handler"},
	}
}

func TestPutThenConflict(t *testing.T) {
	reg, data, _, _ := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, link("A", "B")))

	err := reg.Put(ctx, link("A", "C"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists with different target")

	// The original link is unchanged after the failure
	spec, found, err := LoadSpec(data, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, spec.Links, 1)
	assert.Equal(t, "B", spec.Links[0].Target)
}

func TestPutSameKeyUpserts(t *testing.T) {
	reg, data, configs, _ := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, link("A", "B")))

	require.NoError(t, configs.Put("extra", []byte(`{"k":"v"}`)))
	updated := link("A", "B")
	updated.SourceConfig = []string{"extra"}
	require.NoError(t, reg.Put(ctx, updated))

	spec, _, err := LoadSpec(data, "A")
	require.NoError(t, err)
	require.Len(t, spec.Links, 1)
	assert.Equal(t, []string{"extra"}, spec.Links[0].SourceConfig)
}

func TestPutDifferentNameAppends(t *testing.T) {
	reg, data, _, _ := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, link("A", "B")))
	named := link("A", "C")
	named.Name = "cache"
	require.NoError(t, reg.Put(ctx, named))

	spec, _, err := LoadSpec(data, "A")
	require.NoError(t, err)
	assert.Len(t, spec.Links, 2)
}

func TestPutValidatesConfigNames(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	l := link("A", "B")
	l.SourceConfig = []string{"missing-config"}
	l.TargetConfig = []string{"SECRET_missing"}
	err := reg.Put(context.Background(), l)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-config")
	assert.Contains(t, err.Error(), "SECRET_missing")
}

func TestDelIdempotent(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	deleted, err := reg.Del(context.Background(), &types.DeleteLinkRequest{
		SourceID:     "A",
		WitNamespace: "wasi",
		WitPackage:   "http",
		LinkName:     "default",
	})
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestDelRemovesAndNotifiesBothEnds(t *testing.T) {
	reg, data, _, rec := testRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Put(ctx, link("A", "B")))

	deleted, err := reg.Del(ctx, &types.DeleteLinkRequest{
		SourceID:     "A",
		WitNamespace: "wasi",
		WitPackage:   "http",
		LinkName:     "default",
	})
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, "B", deleted.Target)

	spec, _, err := LoadSpec(data, "A")
	require.NoError(t, err)
	assert.Empty(t, spec.Links)

	assert.Contains(t, rec.subjects(), "wasmbus.rpc.default.A.linkdefs.del")
	assert.Contains(t, rec.subjects(), "wasmbus.rpc.default.B.linkdefs.del")
}

func TestBackwardsCompatPublication(t *testing.T) {
	reg, _, configs, rec := testRegistry(t)
	require.NoError(t, configs.Put("plain", []byte(`{"k":"v"}`)))

	l := link("A", "B")
	l.SourceConfig = []string{"plain"}
	require.NoError(t, reg.Put(context.Background(), l))

	assert.Equal(t, 2, rec.count("linkdefs.put"))

	var resolved types.ResolvedLink
	raw := rec.messages["wasmbus.rpc.default.A.linkdefs.put"][0]
	require.NoError(t, json.Unmarshal(raw, &resolved))
	assert.Equal(t, map[string]string{"k": "v"}, resolved.SourceConfig)
	assert.Nil(t, resolved.SourceSecrets)
}

func TestBackwardsCompatSkippedForSecretLinks(t *testing.T) {
	reg, _, configs, rec := testRegistry(t)
	// The secret reference has to exist for validation to pass
	require.NoError(t, configs.Put("SECRET_api_key", []byte(`{"backend":"vault"}`)))

	l := link("A", "B")
	l.TargetConfig = []string{"SECRET_api_key"}
	require.NoError(t, reg.Put(context.Background(), l))

	assert.Zero(t, rec.count("linkdefs.put"))
}
