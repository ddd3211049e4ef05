// Package ids generates identifiers for jobs, batches, steps, leases and blobs.
package ids

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator interface {
	NewID() string
}

// UUIDGenerator issues random identifiers.
type UUIDGenerator struct{}

// NewUUIDGenerator creates a generator backed by random UUIDs.
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// NewID returns a 32 character lowercase hex identifier.
func (g *UUIDGenerator) NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// SequentialGenerator issues predictable identifiers. Each instance keeps its
// own counter so tests never share state.
type SequentialGenerator struct {
	prefix string
	mu     sync.Mutex
	next   int
}

// NewSequentialGenerator creates a generator returning prefix0001, prefix0002, ...
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	return &SequentialGenerator{prefix: prefix}
}

// NewID returns the next identifier in sequence.
func (g *SequentialGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s%04d", g.prefix, g.next)
}
