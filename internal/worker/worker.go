// Package worker processes one admitted request end to end: dedup lookup,
// browser session, pipeline, persistence and notifications.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/browser"
	"github.com/JakeFAU/carscan/internal/metrics"
	"github.com/JakeFAU/carscan/internal/pipeline"
	"github.com/JakeFAU/carscan/internal/progress"
	"github.com/JakeFAU/carscan/internal/stage"
	"github.com/JakeFAU/carscan/internal/store"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Store is the part of store.Store a worker needs.
type Store interface {
	MarkProcessing(requesterID string) error
	Finish(requesterID string)
	LookupOrReserve(ctx context.Context, id vehicle.Identity, report vehicle.ReportType) (*vehicle.Record, *store.Reservation, error)
	Publish(res *store.Reservation, rec *vehicle.Record) *vehicle.Record
	Abandon(res *store.Reservation)
	Attach(requesterID, recordID string)
	Save(ctx context.Context, snapshotter vehicle.Snapshotter) error
}

// Pipeline runs planned stages against a session.
type Pipeline interface {
	Run(ctx context.Context, sess browser.Session, rec *vehicle.Record, stages []*stage.Page) (vehicle.StageResult, error)
}

// Config tunes a Worker.
type Config struct {
	// RequestTimeout bounds the whole item, including waiting on another
	// request for the same vehicle.
	RequestTimeout time.Duration
	// Topic receives a vehicle.ResolvedEvent per resolved record.
	Topic string
}

// Worker handles work items. It is safe for concurrent use.
type Worker struct {
	cfg         Config
	store       Store
	launcher    browser.Launcher
	pipeline    Pipeline
	catalog     map[string]*stage.Page
	snapshotter vehicle.Snapshotter
	publisher   vehicle.Publisher
	notifier    vehicle.Notifier
	clock       vehicle.Clock
	progress    progress.Emitter
	logger      *zap.Logger
}

// Deps groups the collaborators of a Worker. Snapshotter, Publisher and
// Progress are optional.
type Deps struct {
	Store       Store
	Launcher    browser.Launcher
	Pipeline    Pipeline
	Catalog     map[string]*stage.Page
	Snapshotter vehicle.Snapshotter
	Publisher   vehicle.Publisher
	Notifier    vehicle.Notifier
	Clock       vehicle.Clock
	Progress    progress.Emitter
}

// New builds a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) *Worker {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Minute
	}
	if cfg.Topic == "" {
		cfg.Topic = "record.resolved"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard
	}
	return &Worker{
		cfg:         cfg,
		store:       deps.Store,
		launcher:    deps.Launcher,
		pipeline:    deps.Pipeline,
		catalog:     deps.Catalog,
		snapshotter: deps.Snapshotter,
		publisher:   deps.Publisher,
		notifier:    deps.Notifier,
		clock:       deps.Clock,
		progress:    deps.Progress,
		logger:      logger.Named("worker"),
	}
}

// Process runs item to completion. The requester is back to Idle when it
// returns, and has received exactly one outcome notification. The returned
// error carries the failure cause for the scheduler.
func (w *Worker) Process(ctx context.Context, item vehicle.WorkItem) (err error) {
	outcome := "error"
	logger := w.logger.With(zap.String("request_id", item.ID), zap.String("requester_id", item.RequesterID),
		zap.String("identity", item.Identity.String()))
	started := w.now()
	metrics.IncActiveWorkers()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("worker panic: %v", r)
			w.notifyFailure(context.WithoutCancel(ctx), item, logger)
		}
		w.store.Finish(item.RequesterID)
		metrics.DecActiveWorkers()
		w.finish(item, started, outcome, err)
	}()

	if err := w.store.MarkProcessing(item.RequesterID); err != nil {
		logger.Warn("requester not queued, processing anyway", zap.Error(err))
	}
	w.emit(item, progress.KindRequestStart, "", 0, nil)
	if w.notifier != nil {
		if err := w.notifier.NotifyStarted(ctx, item.RequesterID, item.Identity); err != nil {
			logger.Warn("start notification failed", zap.Error(err))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	rec, stored, result, err := w.resolve(runCtx, item, logger)
	notifyCtx := context.WithoutCancel(ctx)
	switch {
	case err != nil:
		w.logFailure(logger, err)
		w.notifyFailure(notifyCtx, item, logger)
		return err
	case result == vehicle.ResultNotFound:
		outcome = string(result)
		metrics.ObserveRequest("not_found")
		if w.notifier != nil {
			if nErr := w.notifier.NotifyNotFound(notifyCtx, item.RequesterID, item.Identity); nErr != nil {
				logger.Warn("not-found notification failed", zap.Error(nErr))
			}
		}
		return nil
	}

	outcome = string(result)
	if stored {
		w.store.Attach(item.RequesterID, rec.ID)
		w.save(notifyCtx, logger)
		w.publish(notifyCtx, item, rec, result, logger)
	}
	metrics.ObserveRequest(outcomeLabel(result))
	if w.notifier != nil {
		if nErr := w.notifier.NotifyResult(notifyCtx, item.RequesterID, rec); nErr != nil {
			logger.Warn("result notification failed", zap.Error(nErr))
		}
	}
	logger.Info("request resolved", zap.String("record_id", rec.ID), zap.String("result", string(result)),
		zap.Duration("elapsed", w.now().Sub(started)))
	return nil
}

// resolve returns a copy of the record for item, scraping whatever the
// stored record does not cover yet. Cached records come back with
// ResultSkipped. stored is false when nothing was scraped or kept, in which
// case rec only echoes the requested identity.
func (w *Worker) resolve(ctx context.Context, item vehicle.WorkItem, logger *zap.Logger) (rec *vehicle.Record, stored bool, result vehicle.StageResult, err error) {
	report := item.Report
	if report == "" {
		report = vehicle.ReportFull
	}
	rec, res, err := w.store.LookupOrReserve(ctx, item.Identity, report)
	if err != nil {
		return nil, false, vehicle.ResultError, fmt.Errorf("lookup: %w", err)
	}
	if rec != nil {
		logger.Info("vehicle already known", zap.String("record_id", rec.ID))
		return rec, true, vehicle.ResultSkipped, nil
	}

	published := false
	defer func() {
		if !published {
			w.store.Abandon(res)
		}
	}()

	stages := pipeline.Plan(report, res.Record.Identity(), w.catalog)
	if len(stages) == 0 {
		logger.Info("nothing to scrape for identity", zap.String("report", string(report)))
		return res.Record.Clone(), false, vehicle.ResultOk, nil
	}

	sess, err := w.launcher.Open(ctx)
	if err != nil {
		return nil, false, vehicle.ResultError, fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if cErr := sess.Close(); cErr != nil {
			logger.Warn("close browser session", zap.Error(cErr))
		}
	}()

	result, err = w.pipeline.Run(pipeline.WithRequest(ctx, item.ID, item.RequesterID), sess, res.Record, stages)
	if err != nil {
		return nil, false, vehicle.ResultError, fmt.Errorf("pipeline: %w", err)
	}
	if result == vehicle.ResultNotFound {
		return nil, false, result, nil
	}
	res.Record.Report = report
	published = true
	return w.store.Publish(res, res.Record), true, result, nil
}

func (w *Worker) save(ctx context.Context, logger *zap.Logger) {
	if w.snapshotter == nil {
		return
	}
	if err := w.store.Save(ctx, w.snapshotter); err != nil {
		logger.Error("snapshot save failed", zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, item vehicle.WorkItem, rec *vehicle.Record, result vehicle.StageResult, logger *zap.Logger) {
	if w.publisher == nil {
		return
	}
	evt := vehicle.ResolvedEvent{
		RequesterID: item.RequesterID,
		RecordID:    rec.ID,
		VIN:         rec.VIN,
		Result:      string(result),
		Cached:      result == vehicle.ResultSkipped,
		Resolved:    w.now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, evt); err != nil {
		logger.Error("publish resolution failed", zap.Error(err))
	}
}

func (w *Worker) notifyFailure(ctx context.Context, item vehicle.WorkItem, logger *zap.Logger) {
	metrics.ObserveRequest("error")
	if w.notifier == nil {
		return
	}
	if err := w.notifier.NotifyFailure(ctx, item.RequesterID); err != nil {
		logger.Warn("failure notification failed", zap.Error(err))
	}
}

// logFailure records the precise cause; requesters only see the generic text.
func (w *Worker) logFailure(logger *zap.Logger, err error) {
	fields := []zap.Field{zap.Error(err)}
	var stageErr *vehicle.StageError
	if errors.As(err, &stageErr) {
		fields = append(fields, zap.String("stage", stageErr.Stage), zap.Int("attempt", stageErr.Attempt))
	}
	switch {
	case errors.Is(err, vehicle.ErrOutOfCredit):
		logger.Error("captcha solver out of credit", fields...)
	case errors.Is(err, vehicle.ErrLoadTimeout):
		logger.Error("captcha image never loaded", fields...)
	case errors.Is(err, vehicle.ErrStuck):
		logger.Error("stage stuck", fields...)
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("request timed out", fields...)
	case errors.Is(err, context.Canceled):
		logger.Warn("request canceled", fields...)
	default:
		logger.Error("request failed", fields...)
	}
}

func (w *Worker) finish(item vehicle.WorkItem, started time.Time, outcome string, err error) {
	kind := progress.KindRequestDone
	if err != nil {
		kind = progress.KindRequestError
	}
	w.emit(item, kind, outcome, w.now().Sub(started), err)
}

func (w *Worker) emit(item vehicle.WorkItem, kind progress.Kind, result string, dur time.Duration, err error) {
	evt := progress.Event{
		RequestID:   item.ID,
		RequesterID: item.RequesterID,
		TS:          w.now(),
		Kind:        kind,
		Result:      result,
		Dur:         dur,
	}
	if err != nil {
		evt.Note = err.Error()
	}
	w.progress.Emit(evt)
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}

func outcomeLabel(result vehicle.StageResult) string {
	if result == vehicle.ResultSkipped {
		return "cached"
	}
	return "resolved"
}
