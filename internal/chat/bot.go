// Package chat is the conversational front-end: a command bot over the
// scheduler and store, and an outbox that buffers worker notifications.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/queue/memory"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Replies.
const (
	Greeting       = "Hi! I check vehicles. Send /scancar to start a check."
	AskNumber      = "Enter the plate number (for example А123БВ123) or the VIN (A0B001023C4506789)."
	InvalidNumber  = "That number is not valid.\n" + AskNumber
	AlreadyRunning = "A check is already running for you. Please wait for it to finish."
	NeedStart      = "Send /start first."
	NotUnderstood  = "Sorry, I don't understand. Send /start to begin."
	Queued         = "Your request is queued. You will get a message when the check starts."
	Unavailable    = "Checks are temporarily unavailable. Please try again later."
	GetCarUsage    = "Usage: /getcar <VIN or plate number>"
)

// Store is the requester and record side of store.Store.
type Store interface {
	Register(requesterID string) vehicle.RequesterState
	Registered(requesterID string) bool
	State(requesterID string) vehicle.RequesterState
	BeginInput(requesterID string) error
	FindByNumber(raw string) (vehicle.Record, error)
}

// Submitter admits requests.
type Submitter interface {
	Submit(ctx context.Context, requesterID, raw string, report vehicle.ReportType) (vehicle.WorkItem, error)
	Pending() int
}

// Bot turns incoming text into replies and submissions.
type Bot struct {
	store     Store
	submitter Submitter
	logger    *zap.Logger
}

// NewBot creates a Bot.
func NewBot(store Store, submitter Submitter, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{store: store, submitter: submitter, logger: logger.Named("chat")}
}

// Handle processes one incoming message and returns the immediate replies.
// Results of submitted checks arrive later through the Outbox.
func (b *Bot) Handle(ctx context.Context, requesterID, text string) []Message {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return b.freeText(ctx, requesterID, text)
	}
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "/start":
		if !b.store.Registered(requesterID) {
			b.logger.Info("new requester", zap.String("requester_id", requesterID))
		}
		b.store.Register(requesterID)
		return reply(Greeting)
	case "/scancar":
		return b.scanCar(ctx, requesterID, arg)
	case "/getcar":
		return b.getCar(requesterID, arg)
	default:
		return reply(NotUnderstood)
	}
}

func (b *Bot) scanCar(ctx context.Context, requesterID, arg string) []Message {
	if !b.store.Registered(requesterID) {
		return reply(NeedStart)
	}
	if err := b.store.BeginInput(requesterID); err != nil {
		return reply(AlreadyRunning)
	}
	if arg != "" {
		return b.submit(ctx, requesterID, arg)
	}
	return reply(AskNumber)
}

func (b *Bot) getCar(requesterID, arg string) []Message {
	if !b.store.Registered(requesterID) {
		return reply(NeedStart)
	}
	if arg == "" {
		return reply(GetCarUsage)
	}
	rec, err := b.store.FindByNumber(arg)
	switch {
	case errors.Is(err, vehicle.ErrInvalidInput):
		return reply(InvalidNumber)
	case errors.Is(err, vehicle.ErrNotFound):
		return reply(fmt.Sprintf("No checked vehicle matches %q.", arg))
	case err != nil:
		b.logger.Error("getcar lookup failed", zap.String("requester_id", requesterID), zap.Error(err))
		return reply(vehicle.GenericFailure)
	}
	return RecordMessages(&rec, fmt.Sprintf("Vehicle %s was already checked.", rec.Identity()))
}

func (b *Bot) freeText(ctx context.Context, requesterID, text string) []Message {
	if b.store.State(requesterID) != vehicle.StateAwaitingInput {
		return reply(NotUnderstood)
	}
	return b.submit(ctx, requesterID, text)
}

func (b *Bot) submit(ctx context.Context, requesterID, raw string) []Message {
	_, err := b.submitter.Submit(ctx, requesterID, raw, vehicle.ReportFull)
	switch {
	case err == nil:
		if b.submitter.Pending() > 0 {
			return reply(Queued)
		}
		return nil
	case errors.Is(err, vehicle.ErrInvalidInput):
		return reply(InvalidNumber)
	case errors.Is(err, vehicle.ErrAlreadyInProgress):
		return reply(AlreadyRunning)
	case errors.Is(err, vehicle.ErrHalted), errors.Is(err, memory.ErrFull):
		b.logger.Warn("submission refused", zap.String("requester_id", requesterID), zap.Error(err))
		return reply(Unavailable)
	default:
		b.logger.Error("submission failed", zap.String("requester_id", requesterID), zap.Error(err))
		return reply(vehicle.GenericFailure)
	}
}

func reply(text string) []Message {
	return []Message{{Text: text}}
}
