package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "horde.log")

	l, err := Build(Options{File: path, Level: "info"})
	require.NoError(t, err)
	l.Info("batch scheduled", "jobId", "job-1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "batch scheduled")
	assert.Contains(t, string(data), "job-1")
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	_, err := Build(Options{Stdout: true, Level: "loud"})
	assert.Error(t, err)
}

func TestNewLogsAtDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")

	l := New(path)
	l.V(1).Info("queue rebuilt", "queued", 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "queue rebuilt")
}

func TestNewStdoutLogger(t *testing.T) {
	assert.True(t, NewStdoutLogger().V(1).Enabled())
}
