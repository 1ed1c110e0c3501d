package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(attempt("history", 1))
	hub.Emit(attempt("history", 2))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesOnTick(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(Event{RequestID: "r1", TS: time.Now(), Kind: KindRequestStart})
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubEmitDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	for i := 0; i < 10; i++ {
		hub.Emit(attempt("limits", 1))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 9, hub.dropped.Load())
}

func TestHubCloseDrains(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(attempt("accident", 3))
	hub.Emit(Event{RequestID: "r1", TS: time.Now(), Kind: "BOGUS"})

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	hub.Emit(attempt("accident", 4))
}

func TestNilHubIgnoresCalls(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(attempt("history", 1))
	require.NoError(t, hub.Close(context.Background()))
	Discard.Emit(attempt("history", 1))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.NoError(t, attempt("history", 1).Validate())
	require.Error(t, Event{TS: now, Kind: KindRequestStart}.Validate())
	require.Error(t, Event{RequestID: "r", Kind: KindRequestStart}.Validate())
	require.Error(t, Event{RequestID: "r", TS: now, Kind: KindStageAttempt, Attempt: 1}.Validate())
	require.Error(t, Event{RequestID: "r", TS: now, Kind: KindStageDone, Stage: "history"}.Validate())
	require.Error(t, Event{RequestID: "r", TS: now, Kind: KindRequestDone, Dur: -time.Second}.Validate())
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func attempt(stage string, n int) Event {
	return Event{RequestID: "r1", RequesterID: "u1", TS: time.Now(), Kind: KindStageAttempt, Stage: stage, Attempt: n}
}
