package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/mule-ai/horde/pkg/fleet"
)

// LoadSnapshot reads a YAML fleet snapshot. An empty path yields an empty
// snapshot.
func LoadSnapshot(path string) (*fleet.Snapshot, error) {
	if path == "" {
		return &fleet.Snapshot{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet snapshot: %w", err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes YAML into a snapshot, rejecting unknown fields.
func ParseSnapshot(data []byte) (*fleet.Snapshot, error) {
	var s fleet.Snapshot
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse fleet snapshot: %w", err)
	}
	return &s, nil
}

// FleetWatcher holds the current fleet snapshot and reloads it when the file
// changes. A snapshot that fails to load leaves the previous one in place.
type FleetWatcher struct {
	path     string
	current  atomic.Pointer[fleet.Snapshot]
	logger   logr.Logger
	watcher  *fsnotify.Watcher
	wg       sync.WaitGroup
	mu       sync.Mutex
	onChange []func(*fleet.Snapshot)
}

// NewFleetWatcher loads the snapshot at path.
func NewFleetWatcher(path string, logger logr.Logger) (*FleetWatcher, error) {
	w := &FleetWatcher{logger: logger.WithName("fleet")}
	if path != "" {
		w.path = filepath.Clean(path)
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Snapshot returns the current snapshot.
func (w *FleetWatcher) Snapshot() *fleet.Snapshot {
	return w.current.Load()
}

// OnChange registers fn to be called after each successful reload.
func (w *FleetWatcher) OnChange(fn func(*fleet.Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Reload re-reads the snapshot file.
func (w *FleetWatcher) Reload() error {
	s, err := LoadSnapshot(w.path)
	if err != nil {
		return err
	}
	w.current.Store(s)

	w.mu.Lock()
	callbacks := append([]func(*fleet.Snapshot){}, w.onChange...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(s)
	}
	w.logger.V(1).Info("Loaded fleet snapshot", "path", w.path, "streams", len(s.Streams), "pools", len(s.Pools))
	return nil
}

// Start watches the snapshot's directory until ctx is done or Close is
// called. Editors often replace files by rename, so the directory is watched
// rather than the file.
func (w *FleetWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *FleetWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Error(err, "Keeping previous fleet snapshot", "path", w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "Fleet watcher error")
		}
	}
}

// Close stops watching.
func (w *FleetWatcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
