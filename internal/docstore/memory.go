package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps collections in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*MemoryCollection
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*MemoryCollection),
		now:         time.Now,
	}
}

func (s *MemoryStore) Collection(name string) Collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		c = &MemoryCollection{docs: make(map[string]*Document), now: s.now}
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) Close() error { return nil }

// MemoryCollection is a map-backed Collection. Stored data is copied on the
// way in and out so callers cannot mutate it.
type MemoryCollection struct {
	mu   sync.RWMutex
	docs map[string]*Document
	now  func() time.Time
}

func (c *MemoryCollection) Get(_ context.Context, key string) (*Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, ok := c.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (c *MemoryCollection) Insert(_ context.Context, key string, data []byte) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[key]; ok {
		return nil, ErrConflict
	}
	doc := &Document{Key: key, Version: 1, Data: copyBytes(data), UpdatedAt: c.now()}
	c.docs[key] = doc
	return copyDocument(doc), nil
}

func (c *MemoryCollection) CompareAndSwap(_ context.Context, key string, expectedVersion int64, data []byte) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	if doc.Version != expectedVersion {
		return nil, nil
	}
	next := &Document{Key: key, Version: doc.Version + 1, Data: copyBytes(data), UpdatedAt: c.now()}
	c.docs[key] = next
	return copyDocument(next), nil
}

func (c *MemoryCollection) Put(_ context.Context, key string, data []byte) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var version int64 = 1
	if doc, ok := c.docs[key]; ok {
		version = doc.Version + 1
	}
	next := &Document{Key: key, Version: version, Data: copyBytes(data), UpdatedAt: c.now()}
	c.docs[key] = next
	return copyDocument(next), nil
}

func (c *MemoryCollection) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[key]; !ok {
		return ErrNotFound
	}
	delete(c.docs, key)
	return nil
}

func (c *MemoryCollection) DeleteIfVersion(_ context.Context, key string, expectedVersion int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[key]
	if !ok || doc.Version != expectedVersion {
		return false, nil
	}
	delete(c.docs, key)
	return true, nil
}

func (c *MemoryCollection) List(_ context.Context, prefix string) ([]*Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Document, 0)
	for key, doc := range c.docs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, copyDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func copyDocument(d *Document) *Document {
	return &Document{Key: d.Key, Version: d.Version, Data: copyBytes(d.Data), UpdatedAt: d.UpdatedAt}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
