package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistrySnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("answer", func() any { return 42 })
	r.Register("name", func() any { return "socketd" })
	r.Register("nil probe ignored", nil)

	assert.Equal(t, []string{"answer", "name"}, r.Names())
	assert.Equal(t, map[string]any{"answer": 42, "name": "socketd"}, r.Snapshot())

	r.Register("answer", func() any { return 43 })
	assert.Equal(t, 43, r.Snapshot()["answer"])

	r.Unregister("name")
	assert.Equal(t, []string{"answer"}, r.Names())
}
