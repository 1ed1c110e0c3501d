// Package gcs stores accident images and the requester snapshot in a Google
// Cloud Storage bucket.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Config names the bucket.
type Config struct {
	Bucket string
	// SnapshotObject is the object holding the snapshot JSON.
	SnapshotObject string
}

// BlobStore writes objects to one bucket.
type BlobStore struct {
	client   *storage.Client
	bucket   string
	snapshot string
}

// New returns a BlobStore for cfg.Bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.SnapshotObject == "" {
		cfg.SnapshotObject = "state/requesters.json"
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, snapshot: cfg.SnapshotObject}, nil
}

// PutObject uploads data and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	if err := s.write(ctx, path, contentType, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

func (s *BlobStore) write(ctx context.Context, path, contentType string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("write object %s: %w (close: %v)", path, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close object %s: %w", path, err)
	}
	return nil
}

// Load reads the snapshot object. A missing object is an empty snapshot.
func (s *BlobStore) Load(ctx context.Context) (vehicle.Snapshot, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.snapshot).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return vehicle.Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	snap := vehicle.Snapshot{}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Save overwrites the snapshot object.
func (s *BlobStore) Save(ctx context.Context, snap vehicle.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.write(ctx, s.snapshot, "application/json", data)
}
