package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// File keeps one JSON document per run in a directory. Writes go to a
// temporary file that is renamed over the previous snapshot.
type File struct {
	mu  sync.Mutex
	dir string
}

func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("run store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run store directory: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *File) Load(_ context.Context, requestID string) (pipeline.Snapshot, error) {
	if err := validateRequestID(requestID); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return f.read(f.path(requestID))
}

func (f *File) read(path string) (pipeline.Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return pipeline.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to decode snapshot %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

func (f *File) Save(_ context.Context, snap pipeline.Snapshot, expectedVersion int64) error {
	if err := validateRequestID(snap.RequestID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(snap.RequestID)
	current, err := f.read(path)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := checkVersion(snap.RequestID, current.Version, exists, expectedVersion); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, snap.RequestID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (f *File) List(_ context.Context, opts ListOptions) ([]pipeline.Snapshot, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list run store: %w", err)
	}
	var snaps []pipeline.Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		snap, err := f.read(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return filter(snaps, opts), nil
}
