package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUUIDGeneratorIsUnique(t *testing.T) {
	g := NewUUIDGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := g.NewID()
		assert.Len(t, id, 32)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSequentialGenerator(t *testing.T) {
	a := NewSequentialGenerator("job-")
	b := NewSequentialGenerator("job-")

	assert.Equal(t, "job-0001", a.NewID())
	assert.Equal(t, "job-0002", a.NewID())
	assert.Equal(t, "job-0001", b.NewID())
}
