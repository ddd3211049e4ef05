package docstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed wraps a Collection and (de)serializes values of T as JSON.
type Typed[T any] struct {
	c Collection
}

// NewTyped creates a typed view over a collection.
func NewTyped[T any](c Collection) *Typed[T] {
	return &Typed[T]{c: c}
}

// Versioned pairs a decoded value with the version it was read at.
type Versioned[T any] struct {
	Key     string
	Version int64
	Value   *T
}

func (t *Typed[T]) decode(doc *Document) (*Versioned[T], error) {
	var v T
	if err := json.Unmarshal(doc.Data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", doc.Key, err)
	}
	return &Versioned[T]{Key: doc.Key, Version: doc.Version, Value: &v}, nil
}

func (t *Typed[T]) Get(ctx context.Context, key string) (*Versioned[T], error) {
	doc, err := t.c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return t.decode(doc)
}

func (t *Typed[T]) Insert(ctx context.Context, key string, value *T) (*Versioned[T], error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", key, err)
	}
	doc, err := t.c.Insert(ctx, key, data)
	if err != nil {
		return nil, err
	}
	return &Versioned[T]{Key: key, Version: doc.Version, Value: value}, nil
}

// CompareAndSwap returns nil, nil if another writer got there first.
func (t *Typed[T]) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value *T) (*Versioned[T], error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", key, err)
	}
	doc, err := t.c.CompareAndSwap(ctx, key, expectedVersion, data)
	if err != nil || doc == nil {
		return nil, err
	}
	return &Versioned[T]{Key: key, Version: doc.Version, Value: value}, nil
}

func (t *Typed[T]) Put(ctx context.Context, key string, value *T) (*Versioned[T], error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", key, err)
	}
	doc, err := t.c.Put(ctx, key, data)
	if err != nil {
		return nil, err
	}
	return &Versioned[T]{Key: key, Version: doc.Version, Value: value}, nil
}

func (t *Typed[T]) Delete(ctx context.Context, key string) error {
	return t.c.Delete(ctx, key)
}

func (t *Typed[T]) DeleteIfVersion(ctx context.Context, key string, expectedVersion int64) (bool, error) {
	return t.c.DeleteIfVersion(ctx, key, expectedVersion)
}

func (t *Typed[T]) List(ctx context.Context, prefix string) ([]*Versioned[T], error) {
	docs, err := t.c.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Versioned[T], 0, len(docs))
	for _, doc := range docs {
		v, err := t.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Update reads the document, applies fn and writes the result conditioned on
// the version read. On a lost race it re-reads and tries again, up to
// maxAttempts times. fn returning false leaves the document untouched.
func (t *Typed[T]) Update(ctx context.Context, key string, maxAttempts int, fn func(*T) (bool, error)) (*Versioned[T], error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := t.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		changed, err := fn(cur.Value)
		if err != nil {
			return nil, err
		}
		if !changed {
			return cur, nil
		}
		next, err := t.CompareAndSwap(ctx, key, cur.Version, cur.Value)
		if err != nil {
			return nil, err
		}
		if next != nil {
			return next, nil
		}
	}
	return nil, fmt.Errorf("updating %s: %w", key, ErrConflict)
}
