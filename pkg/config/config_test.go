package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmcloud/lattice/pkg/store"
)

func putConfig(t *testing.T, data *store.Memory, name string, entry map[string]string) {
	t.Helper()
	raw := `{`
	first := true
	for k, v := range entry {
		if !first {
			raw += ","
		}
		raw += `"` + k + `":"` + v + `"`
		first = false
	}
	raw += `}`
	require.NoError(t, data.Put(name, []byte(raw)))
}

func TestGenerateMergesLeftToRight(t *testing.T) {
	data := store.NewMemory()
	putConfig(t, data, "base", map[string]string{"a": "1", "b": "1"})
	putConfig(t, data, "override", map[string]string{"b": "2", "c": "3"})

	g := NewGenerator(data)
	bundle, err := g.Generate([]string{"base", "override"})
	require.NoError(t, err)
	defer bundle.Close()

	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, bundle.Get())
	assert.Equal(t, []string{"base", "override"}, bundle.Names())
}

func TestGenerateUnknownNameFails(t *testing.T) {
	g := NewGenerator(store.NewMemory())
	_, err := g.Generate([]string{"missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestGenerateEmptyNames(t *testing.T) {
	g := NewGenerator(store.NewMemory())
	bundle, err := g.Generate(nil)
	require.NoError(t, err)
	defer bundle.Close()
	assert.Empty(t, bundle.Get())
}

func TestBundleChangedFiresOnPut(t *testing.T) {
	data := store.NewMemory()
	putConfig(t, data, "cfg1", map[string]string{"k": "v1"})

	g := NewGenerator(data)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = g.Run(ctx)
	}()
	// Give the generator's watch a moment to attach
	time.Sleep(50 * time.Millisecond)

	bundle, err := g.Generate([]string{"cfg1"})
	require.NoError(t, err)
	defer bundle.Close()
	assert.Equal(t, map[string]string{"k": "v1"}, bundle.Get())

	putConfig(t, data, "cfg1", map[string]string{"k": "v2"})

	select {
	case <-bundle.Changed():
	case <-time.After(2 * time.Second):
		t.Fatal("bundle change watch did not fire")
	}
	assert.Equal(t, map[string]string{"k": "v2"}, bundle.Get())
}

func TestBundleChangedFiresOnDelete(t *testing.T) {
	data := store.NewMemory()
	putConfig(t, data, "cfg1", map[string]string{"k": "v1"})
	putConfig(t, data, "cfg2", map[string]string{"extra": "x"})

	g := NewGenerator(data)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = g.Run(ctx)
	}()
	// Give the generator's watch a moment to attach
	time.Sleep(50 * time.Millisecond)

	bundle, err := g.Generate([]string{"cfg1", "cfg2"})
	require.NoError(t, err)
	defer bundle.Close()

	require.NoError(t, data.Delete("cfg2"))
	select {
	case <-bundle.Changed():
	case <-time.After(2 * time.Second):
		t.Fatal("bundle change watch did not fire")
	}
	// The deleted name stops contributing to the merge
	assert.Equal(t, map[string]string{"k": "v1"}, bundle.Get())
}

func TestUnrelatedChangeDoesNotFire(t *testing.T) {
	data := store.NewMemory()
	putConfig(t, data, "cfg1", map[string]string{"k": "v1"})
	putConfig(t, data, "other", map[string]string{"o": "1"})

	g := NewGenerator(data)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = g.Run(ctx)
	}()
	// Give the generator's watch a moment to attach
	time.Sleep(50 * time.Millisecond)

	bundle, err := g.Generate([]string{"cfg1"})
	require.NoError(t, err)
	defer bundle.Close()

	putConfig(t, data, "other", map[string]string{"o": "2"})
	select {
	case <-bundle.Changed():
		t.Fatal("change fired for an unreferenced config name")
	case <-time.After(200 * time.Millisecond):
	}
}
