package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/browser"
	"github.com/JakeFAU/carscan/internal/browser/browsertest"
	pubmem "github.com/JakeFAU/carscan/internal/publisher/memory"
	"github.com/JakeFAU/carscan/internal/stage"
	"github.com/JakeFAU/carscan/internal/storage/memory"
	"github.com/JakeFAU/carscan/internal/store"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

const testVIN = "XTA21099043576182"

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) { return fmt.Sprintf("rec-%d", g.n.Add(1)), nil }

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

type fakePipeline struct {
	mu     sync.Mutex
	calls  int
	result vehicle.StageResult
	err    error
	panics bool
	stages []string
}

func (p *fakePipeline) Run(_ context.Context, sess browser.Session, rec *vehicle.Record, stages []*stage.Page) (vehicle.StageResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.panics {
		panic("boom")
	}
	if sess == nil {
		return vehicle.ResultError, errors.New("no session")
	}
	for _, s := range stages {
		p.stages = append(p.stages, s.Name)
	}
	if p.err != nil {
		return vehicle.ResultError, p.err
	}
	if p.result == vehicle.ResultOk {
		rec.VIN = testVIN
		rec.Brand = "ВАЗ"
	}
	return p.result, nil
}

type note struct {
	kind        string
	requesterID string
	record      *vehicle.Record
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *fakeNotifier) add(x note) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, x)
	return nil
}

func (n *fakeNotifier) NotifyStarted(_ context.Context, id string, _ vehicle.Identity) error {
	return n.add(note{kind: "started", requesterID: id})
}

func (n *fakeNotifier) NotifyResult(_ context.Context, id string, rec *vehicle.Record) error {
	return n.add(note{kind: "result", requesterID: id, record: rec})
}

func (n *fakeNotifier) NotifyNotFound(_ context.Context, id string, _ vehicle.Identity) error {
	return n.add(note{kind: "not_found", requesterID: id})
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, id string) error {
	return n.add(note{kind: "failure", requesterID: id})
}

func (n *fakeNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for _, x := range n.notes {
		out = append(out, x.kind)
	}
	return out
}

type harness struct {
	store     *store.Store
	launcher  *browsertest.Launcher
	pipeline  *fakePipeline
	notifier  *fakeNotifier
	publisher *pubmem.Publisher
	snapshots *memory.Snapshotter
	worker    *Worker
}

func newHarness(result vehicle.StageResult) *harness {
	h := &harness{
		store:     store.New(&seqIDs{}, fakeClock{}, zap.NewNop()),
		launcher:  &browsertest.Launcher{},
		pipeline:  &fakePipeline{result: result},
		notifier:  &fakeNotifier{},
		publisher: pubmem.New(),
		snapshots: memory.NewSnapshotter(),
	}
	h.worker = New(Config{RequestTimeout: time.Second}, Deps{
		Store:       h.store,
		Launcher:    h.launcher,
		Pipeline:    h.pipeline,
		Catalog:     stage.Catalog(stage.Sites{}, zap.NewNop()),
		Snapshotter: h.snapshots,
		Publisher:   h.publisher,
		Notifier:    h.notifier,
		Clock:       fakeClock{},
	}, zap.NewNop())
	return h
}

func (h *harness) events() []vehicle.ResolvedEvent {
	var out []vehicle.ResolvedEvent
	for _, m := range h.publisher.Messages("record.resolved") {
		out = append(out, m.Payload.(vehicle.ResolvedEvent))
	}
	return out
}

func plateItem(requester string) vehicle.WorkItem {
	id, err := vehicle.ParseIdentity("А123ВС77")
	if err != nil {
		panic(err)
	}
	return vehicle.WorkItem{ID: "item-" + requester, RequesterID: requester, Identity: id, Report: vehicle.ReportFull}
}

func TestProcessResolvesAndPersists(t *testing.T) {
	t.Parallel()

	h := newHarness(vehicle.ResultOk)
	item := plateItem("u1")
	require.NoError(t, h.store.Admit("u1"))

	require.NoError(t, h.worker.Process(context.Background(), item))

	require.Equal(t, []string{"started", "result"}, h.notifier.kinds())
	require.Equal(t, "ВАЗ", h.notifier.notes[1].record.Brand)
	require.Equal(t, vehicle.StateIdle, h.store.State("u1"))
	require.Len(t, h.store.RequesterRecords("u1"), 1)
	require.Equal(t, 1, h.snapshots.Saves())
	events := h.events()
	require.Len(t, events, 1)
	require.False(t, events[0].Cached)
	require.Equal(t, testVIN, events[0].VIN)
	require.Equal(t, stage.VINLookup, h.pipeline.stages[0])

	sessions := h.launcher.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, 1, sessions[0].Closed)
}

func TestProcessServesCachedRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(vehicle.ResultOk)
	require.NoError(t, h.worker.Process(context.Background(), plateItem("u1")))
	require.NoError(t, h.worker.Process(context.Background(), plateItem("u2")))

	require.Equal(t, 1, h.pipeline.calls)
	require.Len(t, h.launcher.Sessions(), 1)
	require.Len(t, h.store.RequesterRecords("u2"), 1)
	require.True(t, h.events()[1].Cached)
	require.Equal(t, 2, h.snapshots.Saves())
}

func TestProcessNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(vehicle.ResultNotFound)
	require.NoError(t, h.worker.Process(context.Background(), plateItem("u1")))

	require.Equal(t, []string{"started", "not_found"}, h.notifier.kinds())
	require.Empty(t, h.store.Records())
	require.Zero(t, h.snapshots.Saves())

	// Not-found results are not cached; the next request scrapes again.
	require.NoError(t, h.worker.Process(context.Background(), plateItem("u1")))
	require.Equal(t, 2, h.pipeline.calls)
}

func TestProcessFailureSendsGenericNotice(t *testing.T) {
	t.Parallel()

	h := newHarness(vehicle.ResultOk)
	h.pipeline.err = &vehicle.StageError{Stage: stage.History, Attempt: 1, Err: vehicle.ErrOutOfCredit}
	require.NoError(t, h.store.Admit("u1"))

	err := h.worker.Process(context.Background(), plateItem("u1"))
	require.ErrorIs(t, err, vehicle.ErrOutOfCredit)
	require.Equal(t, []string{"started", "failure"}, h.notifier.kinds())
	require.Equal(t, vehicle.StateIdle, h.store.State("u1"))
	require.Empty(t, h.store.Records())
	require.Empty(t, h.events())
	require.Equal(t, 1, h.launcher.Sessions()[0].Closed)

	// The reservation was released.
	_, res, err := h.store.LookupOrReserve(context.Background(), plateItem("u1").Identity, vehicle.ReportFull)
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestProcessBrowserUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(vehicle.ResultOk)
	h.launcher.Err = errors.New("chrome missing")
	err := h.worker.Process(context.Background(), plateItem("u1"))
	require.ErrorContains(t, err, "chrome missing")
	require.Equal(t, []string{"started", "failure"}, h.notifier.kinds())
	require.Zero(t, h.pipeline.calls)
}

func TestProcessRecoversPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(vehicle.ResultOk)
	h.pipeline.panics = true
	require.NoError(t, h.store.Admit("u1"))

	err := h.worker.Process(context.Background(), plateItem("u1"))
	require.ErrorContains(t, err, "worker panic")
	require.Equal(t, []string{"started", "failure"}, h.notifier.kinds())
	require.Equal(t, vehicle.StateIdle, h.store.State("u1"))
	require.Equal(t, 1, h.launcher.Sessions()[0].Closed)
}

func TestProcessUpgradesIdentityRecordForFullReport(t *testing.T) {
	t.Parallel()

	h := newHarness(vehicle.ResultOk)
	first := plateItem("u1")
	first.Report = vehicle.ReportIdentity
	require.NoError(t, h.worker.Process(context.Background(), first))
	require.Equal(t, []string{stage.VINLookup}, h.pipeline.stages)

	require.NoError(t, h.worker.Process(context.Background(), plateItem("u2")))
	require.Equal(t, 2, h.pipeline.calls)
	require.Equal(t, []string{
		stage.VINLookup,
		stage.History, stage.Limits, stage.Hijacking, stage.Inspection, stage.Accident,
	}, h.pipeline.stages)
	require.False(t, h.events()[1].Cached)

	records := h.store.Records()
	require.Len(t, records, 1)
	require.Equal(t, vehicle.ReportFull, records[0].Report)
	require.Equal(t, records[0].ID, h.store.RequesterRecords("u1")[0].ID)
	require.Equal(t, records[0].ID, h.store.RequesterRecords("u2")[0].ID)

	// Both reports are now covered.
	again := plateItem("u3")
	again.Report = vehicle.ReportIdentity
	require.NoError(t, h.worker.Process(context.Background(), again))
	require.NoError(t, h.worker.Process(context.Background(), plateItem("u4")))
	require.Equal(t, 2, h.pipeline.calls)
}

func TestProcessIdentityReportForVINScrapesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(vehicle.ResultOk)
	id, err := vehicle.ParseIdentity(testVIN)
	require.NoError(t, err)
	item := vehicle.WorkItem{ID: "item-u1", RequesterID: "u1", Identity: id, Report: vehicle.ReportIdentity}

	require.NoError(t, h.worker.Process(context.Background(), item))
	require.Equal(t, []string{"started", "result"}, h.notifier.kinds())
	require.Equal(t, testVIN, h.notifier.notes[1].record.VIN)
	require.Zero(t, h.pipeline.calls)
	require.Empty(t, h.launcher.Sessions())
	require.Empty(t, h.store.Records())
	require.Empty(t, h.events())

	// The shell was not cached, so a full report still scrapes.
	item.Report = vehicle.ReportFull
	require.NoError(t, h.worker.Process(context.Background(), item))
	require.Equal(t, 1, h.pipeline.calls)
	require.Equal(t, stage.History, h.pipeline.stages[0])
	require.Len(t, h.store.Records(), 1)
}

func TestConcurrentHitsAndUpserts(t *testing.T) {
	t.Parallel()

	h := newHarness(vehicle.ResultOk)
	require.NoError(t, h.worker.Process(context.Background(), plateItem("u0")))
	recID := h.store.Records()[0].ID
	id := plateItem("u0").Identity

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_ = h.worker.Process(context.Background(), plateItem(fmt.Sprintf("u%d", n)))
		}(i)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _, _ = h.store.Upsert(vehicle.Record{
					ID: recID, VIN: testVIN, PlateNumber: id.PlateNumber, PlateRegion: id.PlateRegion,
					Color: fmt.Sprintf("c-%d-%d", n, j),
				})
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, h.pipeline.calls)
	for i := 1; i <= 4; i++ {
		require.Len(t, h.store.RequesterRecords(fmt.Sprintf("u%d", i)), 1)
	}
}
