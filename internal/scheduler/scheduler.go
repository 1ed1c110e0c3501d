// Package scheduler admits requests and fans queued work out to a fixed pool
// of worker slots.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/carscan/internal/metrics"
	"github.com/JakeFAU/carscan/internal/queue/memory"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Store is the admission side of store.Store.
type Store interface {
	Admit(requesterID string) error
	Finish(requesterID string)
}

// Processor runs one work item to completion.
type Processor interface {
	Process(ctx context.Context, item vehicle.WorkItem) error
}

// Config tunes a Scheduler.
type Config struct {
	// PoolSize is the number of concurrent workers. It is fixed for the
	// lifetime of the scheduler.
	PoolSize int
	// HaltOnOutOfCredit stops admission and fails queued work once a worker
	// reports an exhausted solver balance.
	HaltOnOutOfCredit bool
}

// Deps groups the collaborators of a Scheduler. Notifier is optional.
type Deps struct {
	Store     Store
	Queue     *memory.Queue
	Processor Processor
	IDs       vehicle.IDGenerator
	Clock     vehicle.Clock
	Notifier  vehicle.Notifier
}

// Scheduler owns the work queue and the worker slots.
type Scheduler struct {
	cfg       Config
	store     Store
	queue     *memory.Queue
	processor Processor
	ids       vehicle.IDGenerator
	clock     vehicle.Clock
	notifier  vehicle.Notifier
	sem       *semaphore.Weighted
	logger    *zap.Logger
	wg        sync.WaitGroup

	mu     sync.Mutex
	halted error
}

// New creates a Scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     deps.Store,
		queue:     deps.Queue,
		processor: deps.Processor,
		ids:       deps.IDs,
		clock:     deps.Clock,
		notifier:  deps.Notifier,
		sem:       semaphore.NewWeighted(int64(cfg.PoolSize)),
		logger:    logger.Named("scheduler"),
	}
}

// Submit validates raw, admits the requester and queues a work item.
func (s *Scheduler) Submit(ctx context.Context, requesterID, raw string, report vehicle.ReportType) (vehicle.WorkItem, error) {
	if err := s.Halted(); err != nil {
		metrics.ObserveRequest("halted")
		return vehicle.WorkItem{}, fmt.Errorf("%w: %w", vehicle.ErrHalted, err)
	}
	id, err := vehicle.ParseIdentity(raw)
	if err != nil {
		metrics.ObserveRequest("invalid")
		return vehicle.WorkItem{}, err
	}
	if report == "" {
		report = vehicle.ReportFull
	}
	if err := s.store.Admit(requesterID); err != nil {
		metrics.ObserveRequest("busy")
		return vehicle.WorkItem{}, fmt.Errorf("admit %s: %w", requesterID, err)
	}
	itemID, err := s.ids.NewID()
	if err != nil {
		s.store.Finish(requesterID)
		return vehicle.WorkItem{}, fmt.Errorf("work item id: %w", err)
	}
	item := vehicle.WorkItem{
		ID:          itemID,
		RequesterID: requesterID,
		Raw:         raw,
		Identity:    id,
		Report:      report,
		Submitted:   s.now(),
	}
	// Halt drains the queue after setting halted under mu, so an item
	// enqueued under mu is either drained or refused here.
	s.mu.Lock()
	halted := s.halted
	if halted == nil {
		err = s.queue.Enqueue(ctx, item)
	}
	s.mu.Unlock()
	if halted != nil {
		s.store.Finish(requesterID)
		metrics.ObserveRequest("halted")
		return vehicle.WorkItem{}, fmt.Errorf("%w: %w", vehicle.ErrHalted, halted)
	}
	if err != nil {
		s.store.Finish(requesterID)
		metrics.ObserveRequest("rejected")
		return vehicle.WorkItem{}, fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.ObserveRequest("accepted")
	s.logger.Info("request queued", zap.String("request_id", item.ID),
		zap.String("requester_id", requesterID), zap.String("identity", id.String()),
		zap.String("report", string(report)), zap.Int("queued", s.queue.Len()))
	return item, nil
}

// Run hands queued items to free slots until ctx ends or the queue closes,
// then waits for running workers.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		item, err := s.queue.Dequeue(ctx)
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		s.wg.Add(1)
		go s.work(ctx, item)
	}
}

func (s *Scheduler) work(ctx context.Context, item vehicle.WorkItem) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("processor panic", zap.String("request_id", item.ID), zap.Any("panic", r))
			s.store.Finish(item.RequesterID)
		}
	}()

	err := s.processor.Process(ctx, item)
	if err == nil {
		return
	}
	if errors.Is(err, vehicle.ErrOutOfCredit) && s.cfg.HaltOnOutOfCredit {
		s.Halt(err)
	}
}

// Halt stops admission and fails every queued item. Workers already running
// finish on their own. Only the first call has an effect.
func (s *Scheduler) Halt(reason error) {
	s.mu.Lock()
	if s.halted != nil {
		s.mu.Unlock()
		return
	}
	if reason == nil {
		reason = errors.New("halted")
	}
	s.halted = reason
	s.mu.Unlock()

	pending := s.queue.Drain()
	s.logger.Error("scheduler halted", zap.Error(reason), zap.Int("failed_queued", len(pending)))
	for _, item := range pending {
		s.store.Finish(item.RequesterID)
		metrics.ObserveRequest("halted")
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.NotifyFailure(context.Background(), item.RequesterID); err != nil {
			s.logger.Warn("failure notification failed", zap.String("requester_id", item.RequesterID), zap.Error(err))
		}
	}
}

// Halted returns the halt reason, or nil while admission is open.
func (s *Scheduler) Halted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Pending reports the number of queued items.
func (s *Scheduler) Pending() int {
	return s.queue.Len()
}

func (s *Scheduler) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
