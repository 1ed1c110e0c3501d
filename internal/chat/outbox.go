package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// DefaultOutboxLimit bounds the undelivered messages kept per requester.
const DefaultOutboxLimit = 100

// Message is one reply or notification for a requester.
type Message struct {
	Text    string    `json:"text"`
	Images  []string  `json:"images,omitempty"`
	Caption string    `json:"caption,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Outbox buffers notifications per requester until the front-end drains
// them. It implements vehicle.Notifier.
type Outbox struct {
	limit  int
	clock  vehicle.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string][]Message
}

var _ vehicle.Notifier = (*Outbox)(nil)

// NewOutbox creates an Outbox keeping at most limit messages per requester;
// the oldest are dropped first.
func NewOutbox(limit int, clock vehicle.Clock, logger *zap.Logger) *Outbox {
	if limit <= 0 {
		limit = DefaultOutboxLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{limit: limit, clock: clock, logger: logger.Named("outbox"), pending: map[string][]Message{}}
}

// Push queues messages for requesterID.
func (o *Outbox) Push(requesterID string, msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	queue := o.pending[requesterID]
	for _, m := range msgs {
		if m.SentAt.IsZero() {
			m.SentAt = now
		}
		queue = append(queue, m)
	}
	if over := len(queue) - o.limit; over > 0 {
		o.logger.Warn("outbox full, dropping oldest", zap.String("requester_id", requesterID), zap.Int("dropped", over))
		queue = append([]Message(nil), queue[over:]...)
	}
	o.pending[requesterID] = queue
}

// Drain returns and forgets every queued message for requesterID.
func (o *Outbox) Drain(requesterID string) []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.pending[requesterID]
	delete(o.pending, requesterID)
	return msgs
}

// NotifyStarted implements vehicle.Notifier.
func (o *Outbox) NotifyStarted(_ context.Context, requesterID string, id vehicle.Identity) error {
	o.Push(requesterID, Message{Text: fmt.Sprintf("Checking %s. This can take about 5 minutes.", id)})
	return nil
}

// NotifyResult implements vehicle.Notifier.
func (o *Outbox) NotifyResult(_ context.Context, requesterID string, rec *vehicle.Record) error {
	if rec == nil {
		return fmt.Errorf("notify %s: nil record", requesterID)
	}
	o.Push(requesterID, RecordMessages(rec, "Vehicle checked.")...)
	return nil
}

// NotifyNotFound implements vehicle.Notifier.
func (o *Outbox) NotifyNotFound(_ context.Context, requesterID string, id vehicle.Identity) error {
	o.Push(requesterID, Message{Text: fmt.Sprintf("Unfortunately nothing was found for %s.", id)})
	return nil
}

// NotifyFailure implements vehicle.Notifier.
func (o *Outbox) NotifyFailure(_ context.Context, requesterID string) error {
	o.Push(requesterID, Message{Text: vehicle.GenericFailure})
	return nil
}

func (o *Outbox) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}
