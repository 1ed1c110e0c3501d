package vehicle

import (
	"context"
	"time"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes resolution events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notifier delivers messages to a requester.
type Notifier interface {
	NotifyStarted(ctx context.Context, requesterID string, id Identity) error
	NotifyResult(ctx context.Context, requesterID string, rec *Record) error
	NotifyNotFound(ctx context.Context, requesterID string, id Identity) error
	NotifyFailure(ctx context.Context, requesterID string) error
}

// Queue provides enqueue/dequeue semantics for work items.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
}

// Snapshot maps requester IDs to the records they resolved.
type Snapshot map[string][]Record

// Snapshotter persists the requester snapshot.
type Snapshotter interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Hasher computes digests for blob naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and work item IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ResolvedEvent is published once a record has been resolved for a requester.
type ResolvedEvent struct {
	RequesterID string    `json:"requester_id"`
	RecordID    string    `json:"record_id"`
	VIN         string    `json:"vin_number"`
	Result      string    `json:"result"`
	Cached      bool      `json:"cached"`
	Resolved    time.Time `json:"resolved_at"`
}
