// Package memory is the in-process work queue between admission and the
// worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("queue full")

// Queue is a bounded FIFO of work items.
type Queue struct {
	ch     chan vehicle.WorkItem
	mu     sync.RWMutex
	closed bool
}

// NewQueue returns a Queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan vehicle.WorkItem, capacity)}
}

// Enqueue adds item without blocking; a full queue returns ErrFull.
func (q *Queue) Enqueue(ctx context.Context, item vehicle.WorkItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", item.ID, err)
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", item.ID, ErrFull)
	}
}

// Dequeue blocks until an item is available, ctx ends, or the queue is
// closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (vehicle.WorkItem, error) {
	select {
	case <-ctx.Done():
		return vehicle.WorkItem{}, fmt.Errorf("dequeue: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return vehicle.WorkItem{}, ErrClosed
		}
		return item, nil
	}
}

// Drain removes and returns every queued item without blocking.
func (q *Queue) Drain() []vehicle.WorkItem {
	var items []vehicle.WorkItem
	for {
		select {
		case item, ok := <-q.ch:
			if !ok {
				return items
			}
			items = append(items, item)
		default:
			return items
		}
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops further enqueues; queued items can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
