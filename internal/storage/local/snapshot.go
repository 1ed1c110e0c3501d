package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// SnapshotFile persists the requester snapshot as one JSON document. Every
// save rewrites the whole file through a rename.
type SnapshotFile struct {
	mu   sync.Mutex
	path string
}

// NewSnapshotFile returns a SnapshotFile at path, creating its directory.
func NewSnapshotFile(path string) (*SnapshotFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &SnapshotFile{path: path}, nil
}

// Load reads the snapshot. A missing file is an empty snapshot.
func (f *SnapshotFile) Load(_ context.Context) (vehicle.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return vehicle.Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	snap := vehicle.Snapshot{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", f.path, err)
	}
	return snap, nil
}

// Save replaces the snapshot file.
func (f *SnapshotFile) Save(ctx context.Context, snap vehicle.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeAtomic(f.path, data)
}
