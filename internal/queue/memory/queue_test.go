package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, vehicle.WorkItem{ID: "a"}))
	require.NoError(t, q.Enqueue(ctx, vehicle.WorkItem{ID: "b"}))
	require.ErrorIs(t, q.Enqueue(ctx, vehicle.WorkItem{ID: "c"}), ErrFull)
	require.Equal(t, 2, q.Len())

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", got.ID)
}

func TestQueueDequeueWaits(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan string, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			result <- err.Error()
			return
		}
		result <- item.ID
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), vehicle.WorkItem{ID: "late"}))
	select {
	case id := <-result:
		require.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return")
	}
}

func TestQueueCancellation(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, q.Enqueue(ctx, vehicle.WorkItem{ID: "x"}), context.Canceled)
}

func TestQueueDrainAndClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, vehicle.WorkItem{ID: "a"}))
	require.NoError(t, q.Enqueue(ctx, vehicle.WorkItem{ID: "b"}))
	drained := q.Drain()
	require.Len(t, drained, 2)
	require.Zero(t, q.Len())

	require.NoError(t, q.Enqueue(ctx, vehicle.WorkItem{ID: "c"}))
	q.Close()
	q.Close()
	require.ErrorIs(t, q.Enqueue(ctx, vehicle.WorkItem{ID: "d"}), ErrClosed)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", got.ID)
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
