package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkKey(t *testing.T) {
	a := &Link{SourceID: "A", Target: "B", WitNamespace: "wasi", WitPackage: "http", Name: "default"}
	b := &Link{SourceID: "A", Target: "C", WitNamespace: "wasi", WitPackage: "http", Name: "default"}
	c := &Link{SourceID: "A", Target: "B", WitNamespace: "wasi", WitPackage: "http", Name: "cache"}

	// The uniqueness key ignores the target
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())

	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(&Link{SourceID: "A", Target: "B", WitNamespace: "wasi", WitPackage: "http", Name: "default"}))
}

func TestAnnotationsSortedKeys(t *testing.T) {
	a := Annotations{"zebra": "1", "alpha": "2", "mid": "3"}
	assert.Equal(t, []string{"alpha", "mid", "zebra"}, a.SortedKeys())

	clone := a.Clone()
	clone["alpha"] = "changed"
	assert.Equal(t, "2", a["alpha"])
}

func TestCtlResponseEnvelope(t *testing.T) {
	resp := CtlSuccess("done", map[string]string{"k": "v"})
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"success":true`)

	var back CtlResponse
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "done", back.Message)
	assert.NotEmpty(t, back.Response)

	errResp := CtlError("boom")
	assert.False(t, errResp.Success)
	assert.Equal(t, "boom", errResp.Message)
	assert.Nil(t, errResp.Response)
}

func TestHostDataSerialization(t *testing.T) {
	hd := HostData{
		HostID:           "NHOST",
		LatticeRPCPrefix: "default",
		LinkName:         DefaultLinkName,
		ProviderKey:      "p1",
		ClusterIssuers:   []string{},
	}
	raw, err := json.Marshal(hd)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"lattice_rpc_prefix":"default"`)
	assert.Contains(t, string(raw), `"link_name":"default"`)
	assert.Contains(t, string(raw), `"cluster_issuers":[]`)
}
