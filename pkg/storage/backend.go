package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mule-ai/horde/pkg/clock"
)

// BlobInfo describes one object present in a backend.
type BlobInfo struct {
	Path    string
	ModTime time.Time
}

// Backend is the physical object store behind a namespace. Writes never
// overwrite: writing an existing path fails with ErrExists.
type Backend interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// Enumerate lists every stored object. It is a batch operation whose
	// cost grows with the number of objects.
	Enumerate(ctx context.Context) ([]BlobInfo, error)
}

// BackendConfig selects and configures a backend.
type BackendConfig struct {
	Type    string `mapstructure:"type" yaml:"type"`
	BaseDir string `mapstructure:"baseDir" yaml:"baseDir"`
}

// NewBackend creates a backend based on type.
func NewBackend(config BackendConfig, clk clock.Clock) (Backend, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryBackend(clk), nil
	case "file":
		if config.BaseDir == "" {
			return nil, fmt.Errorf("file backend requires baseDir")
		}
		return NewFileBackend(config.BaseDir)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", config.Type)
	}
}

type memoryObject struct {
	data    []byte
	modTime time.Time
}

// MemoryBackend keeps objects in a map. Modification times come from the
// injected clock so tests can age blobs past the GC delay.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	clock   clock.Clock
}

func NewMemoryBackend(clk clock.Clock) *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memoryObject), clock: clk}
}

func (m *MemoryBackend) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[path]; ok {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	m.objects[path] = memoryObject{data: append([]byte(nil), data...), modTime: m.clock.UtcNow()}
	return nil
}

func (m *MemoryBackend) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[path]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	delete(m.objects, path)
	return nil
}

func (m *MemoryBackend) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *MemoryBackend) Enumerate(ctx context.Context) ([]BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BlobInfo, 0, len(m.objects))
	for path, obj := range m.objects {
		out = append(out, BlobInfo{Path: path, ModTime: obj.modTime})
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Path, out[j].Path) < 0 })
	return out, nil
}
