package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/queue/memory"
	"github.com/JakeFAU/carscan/internal/scheduler"
	"github.com/JakeFAU/carscan/internal/store"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

const (
	plate = "А123ВС77"
	vin   = "XTA21099043576182"
)

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) { return fmt.Sprintf("id-%03d", g.n.Add(1)), nil }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func newBot(capacity int) (*Bot, *store.Store, *scheduler.Scheduler) {
	st := store.New(&seqIDs{}, fixedClock{}, zap.NewNop())
	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Store: st,
		Queue: memory.NewQueue(capacity),
		IDs:   &seqIDs{},
		Clock: fixedClock{},
	}, zap.NewNop())
	return NewBot(st, sched, zap.NewNop()), st, sched
}

func texts(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestScanCarConversation(t *testing.T) {
	t.Parallel()

	bot, st, sched := newBot(4)
	ctx := context.Background()

	require.Equal(t, []string{NeedStart}, texts(bot.Handle(ctx, "u1", "/scancar")))
	require.Equal(t, []string{NotUnderstood}, texts(bot.Handle(ctx, "u1", "hello")))
	require.Equal(t, []string{Greeting}, texts(bot.Handle(ctx, "u1", "/start")))
	require.Equal(t, []string{AskNumber}, texts(bot.Handle(ctx, "u1", "/scancar")))
	require.Equal(t, vehicle.StateAwaitingInput, st.State("u1"))

	require.Equal(t, []string{InvalidNumber}, texts(bot.Handle(ctx, "u1", "A 1")))
	require.Equal(t, vehicle.StateAwaitingInput, st.State("u1"))

	require.Equal(t, []string{Queued}, texts(bot.Handle(ctx, "u1", plate)))
	require.Equal(t, vehicle.StateQueued, st.State("u1"))
	require.Equal(t, 1, sched.Pending())

	require.Equal(t, []string{AlreadyRunning}, texts(bot.Handle(ctx, "u1", "/scancar")))
	require.Equal(t, []string{NotUnderstood}, texts(bot.Handle(ctx, "u1", plate)))
	require.Equal(t, []string{NotUnderstood}, texts(bot.Handle(ctx, "u1", "/unknown")))
}

func TestScanCarWithInlineNumber(t *testing.T) {
	t.Parallel()

	bot, st, _ := newBot(4)
	ctx := context.Background()
	bot.Handle(ctx, "u1", "/start")
	require.Equal(t, []string{Queued}, texts(bot.Handle(ctx, "u1", "/scancar "+vin)))
	require.Equal(t, vehicle.StateQueued, st.State("u1"))
}

func TestSubmissionRefused(t *testing.T) {
	t.Parallel()

	bot, st, sched := newBot(1)
	ctx := context.Background()
	for _, id := range []string{"u1", "u2"} {
		bot.Handle(ctx, id, "/start")
		bot.Handle(ctx, id, "/scancar")
	}
	require.Equal(t, []string{Queued}, texts(bot.Handle(ctx, "u1", plate)))
	require.Equal(t, []string{Unavailable}, texts(bot.Handle(ctx, "u2", plate)))
	require.Equal(t, vehicle.StateIdle, st.State("u2"))

	sched.Halt(errors.New("solver balance exhausted"))
	bot.Handle(ctx, "u2", "/scancar")
	require.Equal(t, []string{Unavailable}, texts(bot.Handle(ctx, "u2", plate)))
}

func TestGetCar(t *testing.T) {
	t.Parallel()

	bot, st, _ := newBot(1)
	ctx := context.Background()
	require.Equal(t, []string{NeedStart}, texts(bot.Handle(ctx, "u1", "/getcar "+vin)))
	bot.Handle(ctx, "u1", "/start")
	require.Equal(t, []string{GetCarUsage}, texts(bot.Handle(ctx, "u1", "/getcar")))
	require.Equal(t, []string{InvalidNumber}, texts(bot.Handle(ctx, "u1", "/getcar 123")))
	require.Equal(t, []string{`No checked vehicle matches "` + vin + `".`}, texts(bot.Handle(ctx, "u1", "/getcar "+vin)))

	rec := *vehicle.NewRecord("")
	rec.VIN = vin
	rec.Brand = "ВАЗ"
	rec.Accidents = []vehicle.Accident{{ImageRef: "file:///a.png"}, {ImageRef: "file:///b.png"}}
	_, created, err := st.Upsert(rec)
	require.NoError(t, err)
	require.True(t, created)

	msgs := bot.Handle(ctx, "u1", "/getcar "+strings.ToLower(vin))
	require.Len(t, msgs, 2)
	require.True(t, strings.HasPrefix(msgs[0].Text, "Vehicle "+vin+" was already checked."))
	require.Contains(t, msgs[0].Text, "ВАЗ")
	require.Equal(t, []string{"file:///a.png", "file:///b.png"}, msgs[1].Images)
	require.Equal(t, AccidentCaption, msgs[1].Caption)
}

func TestOutboxNotifications(t *testing.T) {
	t.Parallel()

	out := NewOutbox(0, fixedClock{}, nil)
	ctx := context.Background()
	id := vehicle.Identity{VIN: vin}

	require.NoError(t, out.NotifyStarted(ctx, "u1", id))
	require.NoError(t, out.NotifyNotFound(ctx, "u1", id))
	require.NoError(t, out.NotifyFailure(ctx, "u1"))
	require.NoError(t, out.NotifyFailure(ctx, "u2"))

	msgs := out.Drain("u1")
	require.Len(t, msgs, 3)
	require.Contains(t, msgs[0].Text, vin)
	require.Equal(t, "Unfortunately nothing was found for "+vin+".", msgs[1].Text)
	require.Equal(t, vehicle.GenericFailure, msgs[2].Text)
	require.Equal(t, fixedClock{}.Now(), msgs[0].SentAt)
	require.Empty(t, out.Drain("u1"))
	require.Len(t, out.Drain("u2"), 1)

	require.Error(t, out.NotifyResult(ctx, "u1", nil))
}

func TestOutboxResultMessages(t *testing.T) {
	t.Parallel()

	rec := vehicle.NewRecord("r1")
	rec.VIN = vin
	rec.RegistrationHistory = []vehicle.Registration{{Period: "С 2015", Description: "Физическое лицо"}}
	rec.Inspections = []vehicle.Inspection{{CardNumber: "0001", ValidUntil: vehicle.Unknown, Mileage: "120000"}}

	out := NewOutbox(0, nil, nil)
	require.NoError(t, out.NotifyResult(context.Background(), "u1", rec))
	msgs := out.Drain("u1")
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Text, "Registration history:\n  С 2015: Физическое лицо")
	require.Contains(t, msgs[0].Text, "Inspections:\n  0001: 120000")
	require.NotContains(t, msgs[0].Text, "Accidents")
	require.Empty(t, msgs[0].Images)
}

func TestOutboxDropsOldest(t *testing.T) {
	t.Parallel()

	out := NewOutbox(2, fixedClock{}, nil)
	out.Push("u1", Message{Text: "a"}, Message{Text: "b"}, Message{Text: "c"})
	require.Equal(t, []string{"b", "c"}, texts(out.Drain("u1")))
}
