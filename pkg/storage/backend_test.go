package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mule-ai/horde/pkg/clock"
)

func testBackends(t *testing.T) map[string]Backend {
	file, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"memory": NewMemoryBackend(clock.NewFake(testStart)),
		"file":   file,
	}
}

func TestBackendContract(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, backend.Write(ctx, "host/a.blob", []byte("a")))
			require.NoError(t, backend.Write(ctx, "b.blob", []byte("b")))
			assert.ErrorIs(t, backend.Write(ctx, "host/a.blob", []byte("again")), ErrExists)

			data, err := backend.Read(ctx, "host/a.blob")
			require.NoError(t, err)
			assert.Equal(t, "a", string(data))

			ok, err := backend.Exists(ctx, "b.blob")
			require.NoError(t, err)
			assert.True(t, ok)

			infos, err := backend.Enumerate(ctx)
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, "b.blob", infos[0].Path)
			assert.Equal(t, "host/a.blob", infos[1].Path)

			require.NoError(t, backend.Delete(ctx, "b.blob"))
			assert.ErrorIs(t, backend.Delete(ctx, "b.blob"), ErrNotFound)
			_, err = backend.Read(ctx, "b.blob")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileBackendIgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.blob.tmp.123"), []byte("partial"), 0o644))

	infos, err := backend.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestFileBackendRejectsEscapes(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	err = backend.Write(context.Background(), "../outside.blob", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidLocator)
}

func TestNewBackend(t *testing.T) {
	_, err := NewBackend(BackendConfig{Type: "file"}, clock.New())
	assert.Error(t, err)

	b, err := NewBackend(BackendConfig{}, clock.New())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)
}
