// Package pipeline runs the stages of a report against one browser session
// and folds their results into a vehicle record.
package pipeline

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/browser"
	"github.com/JakeFAU/carscan/internal/metrics"
	"github.com/JakeFAU/carscan/internal/progress"
	"github.com/JakeFAU/carscan/internal/stage"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

const (
	defaultMaxStageAttempts = 20
	defaultLongRunningAfter = 5
	defaultBlobPrefix       = "accidents"
)

// StageRunner executes a single attempt of a page.
type StageRunner interface {
	Run(ctx context.Context, sess browser.Session, p *stage.Page, id vehicle.Identity) (stage.Outcome, error)
}

// Config bounds stage retries.
type Config struct {
	// MaxStageAttempts is the attempt ceiling per stage; reaching it fails
	// the pipeline with vehicle.ErrStuck.
	MaxStageAttempts int
	// LongRunningAfter logs a warning once a stage needs more attempts.
	LongRunningAfter int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	// BlobPrefix is prepended to accident image object names.
	BlobPrefix string
}

// Pipeline drives the stages of one report.
type Pipeline struct {
	cfg      Config
	runner   StageRunner
	retry    *RetryPolicy
	blobs    vehicle.BlobStore
	hasher   vehicle.Hasher
	progress progress.Emitter
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a Pipeline. blobs may be nil when no accident stage is planned.
func New(cfg Config, runner StageRunner, blobs vehicle.BlobStore, hasher vehicle.Hasher, emitter progress.Emitter, logger *zap.Logger) *Pipeline {
	if cfg.MaxStageAttempts <= 0 {
		cfg.MaxStageAttempts = defaultMaxStageAttempts
	}
	if cfg.LongRunningAfter <= 0 {
		cfg.LongRunningAfter = defaultLongRunningAfter
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = defaultBlobPrefix
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		runner:   runner,
		retry:    NewRetryPolicy(cfg.MaxStageAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		blobs:    blobs,
		hasher:   hasher,
		progress: emitter,
		logger:   logger.Named("pipeline"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

type traceKey struct{}

type trace struct {
	requestID   string
	requesterID string
}

// WithRequest tags ctx with the work item being processed so progress
// events can be attributed.
func WithRequest(ctx context.Context, requestID, requesterID string) context.Context {
	return context.WithValue(ctx, traceKey{}, trace{requestID: requestID, requesterID: requesterID})
}

func traceFrom(ctx context.Context) trace {
	t, _ := ctx.Value(traceKey{}).(trace)
	return t
}

// Run executes stages in order, updating rec in place. It returns NotFound
// when an identity stage finds nothing and Ok otherwise. A non-nil error
// means the pipeline was aborted; it wraps a *vehicle.StageError.
func (p *Pipeline) Run(ctx context.Context, sess browser.Session, rec *vehicle.Record, stages []*stage.Page) (vehicle.StageResult, error) {
	tr := traceFrom(ctx)
	logger := p.logger.With(zap.String("request_id", tr.requestID), zap.String("record_id", rec.ID))

	for _, page := range stages {
		result, err := p.runStage(ctx, sess, rec, page, tr, logger)
		if err != nil {
			metrics.ObservePipeline(string(vehicle.ResultError))
			return vehicle.ResultError, err
		}
		if result == vehicle.ResultNotFound && page.Identity {
			logger.Info("identity stage found nothing", zap.String("stage", page.Name))
			metrics.ObservePipeline(string(vehicle.ResultNotFound))
			return vehicle.ResultNotFound, nil
		}
	}
	rec.Normalize()
	rec.UpdatedAt = p.now().UTC()
	metrics.ObservePipeline(string(vehicle.ResultOk))
	return vehicle.ResultOk, nil
}

func (p *Pipeline) runStage(ctx context.Context, sess browser.Session, rec *vehicle.Record, page *stage.Page, tr trace, logger *zap.Logger) (vehicle.StageResult, error) {
	logger = logger.With(zap.String("stage", page.Name))
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return vehicle.ResultError, &vehicle.StageError{Stage: page.Name, Attempt: attempt, Err: err}
		}
		started := p.now()
		out, err := p.runner.Run(ctx, sess, page, rec.Identity())
		p.emit(tr, progress.KindStageAttempt, page.Name, attempt, out.Result, p.now().Sub(started), err)
		metrics.ObserveStageAttempt(page.Name, string(out.Result))

		if err != nil && vehicle.IsFatal(err) {
			logger.Error("stage aborted", zap.Int("attempt", attempt), zap.Error(err))
			return vehicle.ResultError, &vehicle.StageError{Stage: page.Name, Attempt: attempt, Err: err}
		}
		if out.Result != vehicle.ResultError && err == nil {
			if err := p.settle(ctx, rec, page, out); err != nil {
				return vehicle.ResultError, &vehicle.StageError{Stage: page.Name, Attempt: attempt, Err: err}
			}
			p.emit(tr, progress.KindStageDone, page.Name, attempt, out.Result, 0, nil)
			return out.Result, nil
		}

		if !p.retry.ShouldRetry(err, attempt) {
			logger.Error("stage exceeded attempt ceiling", zap.Int("attempt", attempt), zap.Error(err))
			cause := vehicle.ErrStuck
			if err != nil {
				cause = fmt.Errorf("%w: last error: %w", vehicle.ErrStuck, err)
			}
			return vehicle.ResultError, &vehicle.StageError{Stage: page.Name, Attempt: attempt, Err: cause}
		}
		if attempt == p.cfg.LongRunningAfter {
			logger.Warn("stage is taking unusually many attempts", zap.Int("attempt", attempt), zap.Error(err))
			metrics.ObserveLongRunningStage(page.Name)
		}
		wait := p.retry.Backoff(attempt)
		logger.Debug("retrying stage", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		if err := p.sleep(ctx, wait); err != nil {
			return vehicle.ResultError, &vehicle.StageError{Stage: page.Name, Attempt: attempt, Err: err}
		}
	}
}

// settle folds a terminal outcome into rec.
func (p *Pipeline) settle(ctx context.Context, rec *vehicle.Record, page *stage.Page, out stage.Outcome) error {
	if out.Result != vehicle.ResultOk {
		return nil
	}
	if page.Apply != nil {
		for _, c := range page.Apply(rec, out.Extract) {
			p.logger.Warn("field conflict", zap.String("record_id", rec.ID), zap.String("stage", page.Name),
				zap.String("field", c.Field), zap.String("old", c.Old), zap.String("new", c.New), zap.Bool("kept", c.Kept))
		}
	}
	if len(out.Extract.Accidents) == 0 {
		return nil
	}
	accidents := make([]vehicle.Accident, 0, len(out.Extract.Accidents))
	for _, img := range out.Extract.Accidents {
		ref, err := p.storeImage(ctx, rec, img.PNG)
		if err != nil {
			return err
		}
		accidents = append(accidents, vehicle.Accident{ImageRef: ref, Title: img.Title})
	}
	rec.Accidents = accidents
	return nil
}

func (p *Pipeline) storeImage(ctx context.Context, rec *vehicle.Record, png []byte) (string, error) {
	if p.blobs == nil || p.hasher == nil {
		return "", fmt.Errorf("store accident image: no blob store configured")
	}
	sum, err := p.hasher.Hash(png)
	if err != nil {
		return "", fmt.Errorf("hash accident image: %w", err)
	}
	owner := rec.VIN
	if !vehicle.Known(owner) {
		owner = rec.ID
	}
	uri, err := p.blobs.PutObject(ctx, path.Join(p.cfg.BlobPrefix, owner, sum+".png"), "image/png", png)
	if err != nil {
		return "", fmt.Errorf("store accident image: %w", err)
	}
	return uri, nil
}

func (p *Pipeline) emit(tr trace, kind progress.Kind, stageName string, attempt int, result vehicle.StageResult, dur time.Duration, err error) {
	if tr.requestID == "" {
		return
	}
	evt := progress.Event{
		RequestID:   tr.requestID,
		RequesterID: tr.requesterID,
		TS:          p.now().UTC(),
		Kind:        kind,
		Stage:       stageName,
		Attempt:     attempt,
		Result:      string(result),
		Dur:         dur,
	}
	if err != nil {
		evt.Note = err.Error()
	}
	p.progress.Emit(evt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
