package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmcloud/lattice/pkg/claims"
	"github.com/wasmcloud/lattice/pkg/component"
	"github.com/wasmcloud/lattice/pkg/links"
	"github.com/wasmcloud/lattice/pkg/provider"
	"github.com/wasmcloud/lattice/pkg/store"
	"github.com/wasmcloud/lattice/pkg/types"
)

type fakeComponents struct {
	running map[string]bool
}

func (f *fakeComponents) Get(string) (*component.Instance, bool) { return nil, false }

func (f *fakeComponents) IsRunning(id string) bool { return f.running[id] }

type fakeProviders struct {
	providers map[string]*provider.Provider
	putLinks  []*types.Link
}

func (f *fakeProviders) Get(id string) (*provider.Provider, bool) {
	p, ok := f.providers[id]
	return p, ok
}

func (f *fakeProviders) PutLink(_ context.Context, _ *provider.Provider, link *types.Link) error {
	f.putLinks = append(f.putLinks, link)
	return nil
}

func testWatcher() (*Watcher, *store.Memory, *links.Table, *claims.Registry, *fakeProviders) {
	data := store.NewMemory()
	table := links.NewTable()
	cl := claims.NewRegistry(data)
	ps := &fakeProviders{providers: make(map[string]*provider.Provider)}
	w := New(data, table, cl, &fakeComponents{running: make(map[string]bool)}, ps)
	return w, data, table, cl, ps
}

func specValue(t *testing.T, spec types.ComponentSpec) []byte {
	t.Helper()
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	return raw
}

func TestComponentSpecPutUpdatesTable(t *testing.T) {
	w, _, table, _, _ := testWatcher()

	spec := types.ComponentSpec{URL: "example.com/a:1", Links: []*types.Link{{
		SourceID:     "A",
		Target:       "B",
		WitNamespace: "wasi",
		WitPackage:   "http",
		Name:         "default",
	}}}
	w.ProcessEntry(context.Background(), store.Event{
		Operation: store.OperationPut,
		Key:       "COMPONENT_A",
		Value:     specValue(t, spec),
	}, true)

	got := table.For("A")
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Target)
}

func TestComponentSpecPutDeliversNewLinksToLocalProvider(t *testing.T) {
	w, _, _, _, ps := testWatcher()
	ps.providers["B"] = &provider.Provider{ID: "B"}

	spec := types.ComponentSpec{Links: []*types.Link{{
		SourceID:     "A",
		Target:       "B",
		WitNamespace: "wasi",
		WitPackage:   "keyvalue",
		Name:         "default",
	}}}
	ev := store.Event{Operation: store.OperationPut, Key: "COMPONENT_A", Value: specValue(t, spec)}

	w.ProcessEntry(context.Background(), ev, true)
	require.Len(t, ps.putLinks, 1)

	// Replaying the same spec pushes nothing, the link is already known
	w.ProcessEntry(context.Background(), ev, true)
	assert.Len(t, ps.putLinks, 1)
}

func TestClaimsPutIndexes(t *testing.T) {
	w, _, _, cl, _ := testWatcher()

	raw, err := json.Marshal(types.Claims{Subject: "MKEY", Issuer: "AISS", Name: "echo"})
	require.NoError(t, err)
	w.ProcessEntry(context.Background(), store.Event{
		Operation: store.OperationPut,
		Key:       "CLAIMS_MKEY",
		Value:     raw,
	}, true)

	got, ok := cl.Component("MKEY")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Name)
}

func TestClaimsSubjectMismatchRejected(t *testing.T) {
	w, _, _, cl, _ := testWatcher()

	raw, err := json.Marshal(types.Claims{Subject: "MOTHER", Issuer: "AISS"})
	require.NoError(t, err)
	w.ProcessEntry(context.Background(), store.Event{
		Operation: store.OperationPut,
		Key:       "CLAIMS_MKEY",
		Value:     raw,
	}, true)

	// The index is unchanged on subject mismatch
	_, ok := cl.Component("MOTHER")
	assert.False(t, ok)
	_, ok = cl.Component("MKEY")
	assert.False(t, ok)
}

func TestClaimsDeleteRemoves(t *testing.T) {
	w, _, _, cl, _ := testWatcher()
	cl.Index(&types.Claims{Subject: "MKEY"})

	raw, err := json.Marshal(types.Claims{Subject: "MKEY"})
	require.NoError(t, err)
	w.ProcessEntry(context.Background(), store.Event{
		Operation: store.OperationDelete,
		Key:       "CLAIMS_MKEY",
		Value:     raw,
	}, true)

	_, ok := cl.Component("MKEY")
	assert.False(t, ok)
}

func TestLegacyEntriesIgnored(t *testing.T) {
	w, _, table, _, _ := testWatcher()

	w.ProcessEntry(context.Background(), store.Event{
		Operation: store.OperationPut,
		Key:       "LINKDEF_abc",
		Value:     []byte(`{}`),
	}, true)
	w.ProcessEntry(context.Background(), store.Event{
		Operation: store.OperationPut,
		Key:       "REFMAP_abc",
		Value:     []byte(`{}`),
	}, true)

	assert.Empty(t, table.All())
}

func TestRunReplaysExistingState(t *testing.T) {
	w, data, table, _, _ := testWatcher()

	spec := types.ComponentSpec{Links: []*types.Link{{
		SourceID:     "A",
		Target:       "B",
		WitNamespace: "wasi",
		WitPackage:   "http",
		Name:         "default",
	}}}
	require.NoError(t, data.Put("COMPONENT_A", specValue(t, spec)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = w.Run(ctx)
	}()
	defer cancel()

	require.Eventually(t, func() bool {
		return len(table.For("A")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
