// Package docstore is the persistence collaborator: named collections of
// versioned JSON documents with conditional updates. Every higher-level
// "TryUpdate" operation in the scheduler is a thin loop over CompareAndSwap.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errors.New("document version conflict")
)

// Document is one stored value. Version starts at 1 and increases by one on
// every successful write.
type Document struct {
	Key       string
	Version   int64
	Data      []byte
	UpdatedAt time.Time
}

// Store hands out collections.
type Store interface {
	Collection(name string) Collection
	Close() error
}

// Collection is a keyed set of versioned documents.
type Collection interface {
	Get(ctx context.Context, key string) (*Document, error)
	// Insert creates a document, failing with ErrConflict if the key exists.
	Insert(ctx context.Context, key string, data []byte) (*Document, error)
	// CompareAndSwap replaces a document only if its stored version still
	// equals expectedVersion. It returns nil, nil when the race was lost.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, data []byte) (*Document, error)
	// Put writes a document unconditionally (last writer wins).
	Put(ctx context.Context, key string, data []byte) (*Document, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfVersion deletes only if the version still matches.
	DeleteIfVersion(ctx context.Context, key string, expectedVersion int64) (bool, error)
	// List returns every document whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]*Document, error)
}
