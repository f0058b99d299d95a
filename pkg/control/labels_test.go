package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabelsSatisfies(t *testing.T) {
	l := NewLabels(map[string]string{"arch": "x86_64", "os": "linux"})

	assert.True(t, l.Satisfies(nil))
	assert.True(t, l.Satisfies(map[string]string{"arch": "x86_64"}))
	assert.True(t, l.Satisfies(map[string]string{"arch": "x86_64", "os": "linux"}))
	assert.False(t, l.Satisfies(map[string]string{"arch": "arm64"}))
	assert.False(t, l.Satisfies(map[string]string{"zone": "us-east"}))
}

func TestLabelsMutation(t *testing.T) {
	l := NewLabels(nil)
	l.Put("zone", "us-east")
	assert.Equal(t, "us-east", l.Snapshot()["zone"])

	assert.True(t, l.Delete("zone"))
	assert.False(t, l.Delete("zone"))
	assert.Empty(t, l.Snapshot())
}
