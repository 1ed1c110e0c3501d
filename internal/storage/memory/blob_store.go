// Package memory keeps blobs and snapshots in process memory, for tests and
// throwaway runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// BlobStore holds blobs in a map and hands out memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore returns an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject stores a copy of data under path.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Object returns the blob stored under path.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	return b, ok
}

// Snapshotter keeps the last saved snapshot.
type Snapshotter struct {
	mu    sync.Mutex
	snap  vehicle.Snapshot
	saves int
}

// NewSnapshotter returns an empty Snapshotter.
func NewSnapshotter() *Snapshotter {
	return &Snapshotter{snap: vehicle.Snapshot{}}
}

// Load returns a copy of the last saved snapshot.
func (s *Snapshotter) Load(context.Context) (vehicle.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySnapshot(s.snap), nil
}

// Save keeps a copy of snap.
func (s *Snapshotter) Save(_ context.Context, snap vehicle.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = copySnapshot(snap)
	s.saves++
	return nil
}

// Saves reports how many times Save was called.
func (s *Snapshotter) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func copySnapshot(in vehicle.Snapshot) vehicle.Snapshot {
	out := make(vehicle.Snapshot, len(in))
	for id, recs := range in {
		cp := make([]vehicle.Record, 0, len(recs))
		for i := range recs {
			cp = append(cp, *recs[i].Clone())
		}
		out[id] = cp
	}
	return out
}
