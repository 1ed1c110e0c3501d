package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

const (
	vinA = "XTA21099043576182"
	vinB = "WVWZZZ1KZ8W123456"
)

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", g.n.Add(1)), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newStore() *Store {
	return New(&seqIDs{}, fixedClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}, zap.NewNop())
}

func plate() vehicle.Identity {
	return vehicle.Identity{PlateNumber: "А123ВС", PlateRegion: "77"}
}

func TestLookupOrReserveMissThenHit(t *testing.T) {
	t.Parallel()

	s := newStore()
	ctx := context.Background()

	rec, res, err := s.LookupOrReserve(ctx, plate(), vehicle.ReportFull)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NotNil(t, res)
	require.Equal(t, "А123ВС", res.Record.PlateNumber)
	require.Equal(t, vehicle.Unknown, res.Record.VIN)

	res.Record.VIN = vinA
	res.Record.Report = vehicle.ReportFull
	published := s.Publish(res, res.Record)
	require.Equal(t, res.Record.ID, published.ID)
	require.NotSame(t, res.Record, published)

	byPlate, res2, err := s.LookupOrReserve(ctx, plate(), vehicle.ReportFull)
	require.NoError(t, err)
	require.Nil(t, res2)
	require.Equal(t, published, byPlate)

	byVIN, _, err := s.LookupOrReserve(ctx, vehicle.Identity{VIN: vinA}, vehicle.ReportIdentity)
	require.NoError(t, err)
	require.Equal(t, published, byVIN)
}

func TestIdentityRecordDoesNotSatisfyFullReport(t *testing.T) {
	t.Parallel()

	s := newStore()
	ctx := context.Background()
	_, first, err := s.LookupOrReserve(ctx, plate(), vehicle.ReportIdentity)
	require.NoError(t, err)
	first.Record.VIN = vinA
	first.Record.Brand = "ВАЗ"
	first.Record.Report = vehicle.ReportIdentity
	shell := s.Publish(first, first.Record)

	hit, _, err := s.LookupOrReserve(ctx, plate(), vehicle.ReportIdentity)
	require.NoError(t, err)
	require.Equal(t, shell.ID, hit.ID)

	rec, second, err := s.LookupOrReserve(ctx, plate(), vehicle.ReportFull)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NotNil(t, second)
	require.Equal(t, shell.ID, second.Record.ID)
	require.Equal(t, vinA, second.Record.VIN)

	// The VIN key is reserved too, so a VIN request waits for this scrape.
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err = s.LookupOrReserve(waitCtx, vehicle.Identity{VIN: vinA}, vehicle.ReportFull)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	second.Record.Limits = []vehicle.Limit{{Description: "Запрет на регистрационные действия"}}
	second.Record.Report = vehicle.ReportFull
	full := s.Publish(second, second.Record)
	require.Equal(t, shell.ID, full.ID)
	require.Equal(t, vehicle.ReportFull, full.Report)
	require.Equal(t, "ВАЗ", full.Brand)
	require.Len(t, full.Limits, 1)
	require.Len(t, s.Records(), 1)

	again, res, err := s.LookupOrReserve(ctx, vehicle.Identity{VIN: vinA}, vehicle.ReportFull)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Len(t, again.Limits, 1)
}

func TestHitsReturnCopiesWhileUpserting(t *testing.T) {
	t.Parallel()

	s := newStore()
	ctx := context.Background()
	_, res, err := s.LookupOrReserve(ctx, vehicle.Identity{VIN: vinA}, vehicle.ReportFull)
	require.NoError(t, err)
	res.Record.Brand = "ВАЗ"
	rec := s.Publish(res, res.Record)
	s.Attach("u1", rec.ID)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hit, _, err := s.LookupOrReserve(ctx, vehicle.Identity{VIN: vinA}, vehicle.ReportFull)
				if err != nil || hit == nil {
					continue
				}
				_ = hit.Brand + hit.Color
				hit.Color = "local"
				s.Attach("u2", hit.ID)
			}
		}()
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _, _ = s.Upsert(vehicle.Record{ID: rec.ID, VIN: vinA, Color: fmt.Sprintf("c-%d-%d", n, j)})
				_ = s.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Record(rec.ID)
	require.NoError(t, err)
	require.NotEqual(t, "local", got.Color)
	require.Len(t, s.RequesterRecords("u2"), 1)
}

func TestLookupOrReserveRejectsEmptyIdentity(t *testing.T) {
	t.Parallel()

	_, _, err := newStore().LookupOrReserve(context.Background(), vehicle.Identity{}, vehicle.ReportFull)
	require.ErrorIs(t, err, vehicle.ErrInvalidInput)
}

func TestConcurrentRequestsShareOneScrape(t *testing.T) {
	t.Parallel()

	s := newStore()
	ctx := context.Background()
	_, owner, err := s.LookupOrReserve(ctx, vehicle.Identity{VIN: vinA}, vehicle.ReportFull)
	require.NoError(t, err)

	const waiters = 8
	var (
		wg      sync.WaitGroup
		results = make(chan *vehicle.Record, waiters)
	)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, res, err := s.LookupOrReserve(ctx, vehicle.Identity{VIN: vinA}, vehicle.ReportFull)
			if err != nil || res != nil {
				results <- nil
				return
			}
			results <- rec
		}()
	}

	owner.Record.Brand = "ВАЗ"
	s.Publish(owner, owner.Record)
	wg.Wait()
	close(results)
	for rec := range results {
		require.NotNil(t, rec)
		require.Equal(t, owner.Record.ID, rec.ID)
		require.Equal(t, "ВАЗ", rec.Brand)
	}
	require.Len(t, s.Records(), 1)
}

func TestAbandonLetsWaiterReserve(t *testing.T) {
	t.Parallel()

	s := newStore()
	ctx := context.Background()
	_, owner, err := s.LookupOrReserve(ctx, plate(), vehicle.ReportFull)
	require.NoError(t, err)

	got := make(chan *Reservation, 1)
	go func() {
		_, res, err := s.LookupOrReserve(ctx, plate(), vehicle.ReportFull)
		if err != nil {
			got <- nil
			return
		}
		got <- res
	}()
	time.Sleep(20 * time.Millisecond)
	s.Abandon(owner)
	s.Abandon(owner)

	select {
	case res := <-got:
		require.NotNil(t, res)
		require.NotSame(t, owner, res)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake")
	}
	require.Empty(t, s.Records())
}

func TestWaiterHonorsContext(t *testing.T) {
	t.Parallel()

	s := newStore()
	_, _, err := s.LookupOrReserve(context.Background(), plate(), vehicle.ReportFull)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = s.LookupOrReserve(ctx, plate(), vehicle.ReportFull)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishMergesIntoExistingVIN(t *testing.T) {
	t.Parallel()

	s := newStore()
	ctx := context.Background()
	_, first, _ := s.LookupOrReserve(ctx, vehicle.Identity{VIN: vinA}, vehicle.ReportFull)
	first.Record.Brand = "ВАЗ"
	stored := s.Publish(first, first.Record)

	_, second, _ := s.LookupOrReserve(ctx, plate(), vehicle.ReportFull)
	second.Record.VIN = vinA
	second.Record.Color = "Белый"
	got := s.Publish(second, second.Record)

	require.Equal(t, stored.ID, got.ID)
	require.Equal(t, "Белый", got.Color)
	require.Equal(t, "ВАЗ", got.Brand)
	byPlate, ok := s.Lookup(plate())
	require.True(t, ok)
	require.Equal(t, got, byPlate)
	require.Len(t, s.Records(), 1)
}

func TestRequesterAdmission(t *testing.T) {
	t.Parallel()

	s := newStore()
	require.Equal(t, vehicle.StateIdle, s.Register("u1"))
	require.NoError(t, s.BeginInput("u1"))
	require.Equal(t, vehicle.StateAwaitingInput, s.State("u1"))
	require.NoError(t, s.Admit("u1"))
	require.ErrorIs(t, s.Admit("u1"), vehicle.ErrAlreadyInProgress)
	require.ErrorIs(t, s.BeginInput("u1"), vehicle.ErrAlreadyInProgress)
	require.NoError(t, s.MarkProcessing("u1"))
	require.ErrorIs(t, s.MarkProcessing("u1"), vehicle.ErrAlreadyInProgress)
	require.ErrorIs(t, s.Admit("u1"), vehicle.ErrAlreadyInProgress)
	s.Finish("u1")
	require.Equal(t, vehicle.StateIdle, s.State("u1"))
	require.NoError(t, s.CancelInput("u1"))
	require.Equal(t, vehicle.StateIdle, s.State("nobody"))
}

func TestCRUD(t *testing.T) {
	t.Parallel()

	s := newStore()
	in := vehicle.Record{VIN: vinA, Brand: "ВАЗ"}
	created, isNew, err := s.Upsert(in)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, "id-001", created.ID)
	require.Equal(t, vehicle.Unknown, created.Model)

	created.Model = "2109"
	updated, isNew, err := s.Upsert(created)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, "2109", updated.Model)

	// Matched by VIN when the ID is omitted.
	_, isNew, err = s.Upsert(vehicle.Record{VIN: vinA, Color: "Синий"})
	require.NoError(t, err)
	require.False(t, isNew)

	changed := updated
	changed.VIN = vinB
	_, _, err = s.Upsert(changed)
	require.ErrorIs(t, err, vehicle.ErrInvalidRecord)

	_, _, err = s.Upsert(vehicle.Record{Brand: "x"})
	require.ErrorIs(t, err, vehicle.ErrInvalidRecord)
	_, _, err = s.Upsert(vehicle.Record{VIN: "SHORT"})
	require.ErrorIs(t, err, vehicle.ErrInvalidRecord)
	_, _, err = s.Upsert(vehicle.Record{PlateNumber: "А123ВС"})
	require.ErrorIs(t, err, vehicle.ErrInvalidRecord)

	got, err := s.Record(created.ID)
	require.NoError(t, err)
	require.Equal(t, "Синий", got.Color)

	found, err := s.FindByNumber(" " + vinA + " ")
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)
	_, err = s.FindByNumber("А999АА77")
	require.ErrorIs(t, err, vehicle.ErrNotFound)
	_, err = s.FindByNumber("abc")
	require.ErrorIs(t, err, vehicle.ErrInvalidInput)

	require.NoError(t, s.Delete(created.ID))
	require.ErrorIs(t, s.Delete(created.ID), vehicle.ErrNotFound)
	_, err = s.Record(created.ID)
	require.ErrorIs(t, err, vehicle.ErrNotFound)
	_, ok := s.Lookup(vehicle.Identity{VIN: vinA})
	require.False(t, ok)
}

func TestDeleteDetachesFromRequesters(t *testing.T) {
	t.Parallel()

	s := newStore()
	_, res, _ := s.LookupOrReserve(context.Background(), vehicle.Identity{VIN: vinA}, vehicle.ReportFull)
	rec := s.Publish(res, res.Record)
	s.Attach("u1", rec.ID)
	s.Attach("u1", rec.ID)
	s.Attach("u1", "missing")
	require.Len(t, s.RequesterRecords("u1"), 1)

	require.NoError(t, s.Delete(rec.ID))
	require.Empty(t, s.RequesterRecords("u1"))
}

func TestSnapshotRestoreSharesRecords(t *testing.T) {
	t.Parallel()

	s := newStore()
	ctx := context.Background()
	_, res, _ := s.LookupOrReserve(ctx, vehicle.Identity{VIN: vinA}, vehicle.ReportFull)
	res.Record.Brand = "ВАЗ"
	res.Record.Report = vehicle.ReportIdentity
	rec := s.Publish(res, res.Record)
	s.Attach("u1", rec.ID)
	s.Attach("u2", rec.ID)
	_, _, err := s.Upsert(vehicle.Record{VIN: vinB})
	require.NoError(t, err)
	require.NoError(t, s.Admit("u1"))

	snap := s.Snapshot()
	require.Len(t, snap["u1"], 1)
	require.Len(t, snap["u2"], 1)
	require.Len(t, snap[Unowned], 1)

	restored := newStore()
	restored.Restore(snap)
	if diff := cmp.Diff(snap, restored.Snapshot()); diff != "" {
		t.Fatalf("snapshot round trip mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, vehicle.StateIdle, restored.State("u1"))
	require.Len(t, restored.Records(), 2)
	back, err := restored.Record(rec.ID)
	require.NoError(t, err)
	require.Equal(t, vehicle.ReportIdentity, back.Report)

	restored.mu.Lock()
	shared := restored.requesters["u1"].Records[0] == restored.requesters["u2"].Records[0]
	restored.mu.Unlock()
	require.True(t, shared)
}

type memSnapshotter struct {
	snap vehicle.Snapshot
	err  error
}

func (m *memSnapshotter) Load(context.Context) (vehicle.Snapshot, error) { return m.snap, m.err }

func (m *memSnapshotter) Save(_ context.Context, snap vehicle.Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.snap = snap
	return nil
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	s := newStore()
	_, _, err := s.Upsert(vehicle.Record{VIN: vinA})
	require.NoError(t, err)
	snapper := &memSnapshotter{}
	require.NoError(t, s.Save(context.Background(), snapper))

	other := newStore()
	require.NoError(t, other.Load(context.Background(), snapper))
	require.Len(t, other.Records(), 1)

	require.Error(t, other.Load(context.Background(), &memSnapshotter{err: fmt.Errorf("disk")}))
}

type orderedSnapshotter struct {
	mu    sync.Mutex
	saves []int
	delay time.Duration
}

func (o *orderedSnapshotter) Load(context.Context) (vehicle.Snapshot, error) { return nil, nil }

func (o *orderedSnapshotter) Save(_ context.Context, snap vehicle.Snapshot) error {
	n := len(snap[Unowned])
	time.Sleep(o.delay * time.Duration(5-min(n, 5)))
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saves = append(o.saves, n)
	return nil
}

func TestSavesLandInOrder(t *testing.T) {
	t.Parallel()

	s := newStore()
	snapper := &orderedSnapshotter{delay: 5 * time.Millisecond}
	var wg sync.WaitGroup
	vins := []string{"XTA21099043576181", "XTA21099043576182", "XTA21099043576183", "XTA21099043576184"}
	errs := make(chan error, len(vins))
	for _, vin := range vins {
		_, _, err := s.Upsert(vehicle.Record{VIN: vin})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Save(context.Background(), snapper)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snapper.mu.Lock()
	defer snapper.mu.Unlock()
	require.Len(t, snapper.saves, len(vins))
	for i := 1; i < len(snapper.saves); i++ {
		require.GreaterOrEqual(t, snapper.saves[i], snapper.saves[i-1])
	}
	require.Equal(t, len(vins), snapper.saves[len(snapper.saves)-1])
}
