package stage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/browser"
	"github.com/JakeFAU/carscan/internal/captcha"
	collyfetcher "github.com/JakeFAU/carscan/internal/fetcher/colly"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// State is a step of the stage state machine.
type State int

// Stage states.
const (
	AwaitingAsset State = iota
	SolvingCaptcha
	Submitting
	Extracting
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingAsset:
		return "awaiting_asset"
	case SolvingCaptcha:
		return "solving_captcha"
	case Submitting:
		return "submitting"
	case Extracting:
		return "extracting"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Solver solves captchas.
type Solver interface {
	SolveImage(ctx context.Context, img []byte) (string, error)
	SolveChallenge(ctx context.Context, ch captcha.Challenge) (string, error)
}

// AssetFetcher downloads captcha images outside the browser.
type AssetFetcher interface {
	Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Asset, error)
}

// Config tunes the state machine.
type Config struct {
	AssetPoll      time.Duration
	AssetTimeout   time.Duration
	CaptchaRetries int
	ElementTimeout time.Duration
	SettleDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.AssetPoll <= 0 {
		c.AssetPoll = 2 * time.Second
	}
	if c.AssetTimeout <= 0 {
		c.AssetTimeout = 60 * time.Second
	}
	if c.CaptchaRetries <= 0 {
		c.CaptchaRetries = 10
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 15 * time.Second
	}
	return c
}

// Outcome is the terminal result of one stage attempt.
type Outcome struct {
	Result  vehicle.StageResult
	Extract vehicle.Extract
}

// Runner runs pages through AwaitingAsset, SolvingCaptcha, Submitting and
// Extracting.
type Runner struct {
	cfg    Config
	solver Solver
	assets AssetFetcher
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunner builds a Runner. assets may be nil, in which case non-inline
// captcha images are captured by element screenshot.
func NewRunner(cfg Config, solver Solver, assets AssetFetcher, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg.withDefaults(),
		solver: solver,
		assets: assets,
		logger: logger.Named("stage"),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Run executes one attempt of page for id. A non-nil error with a fatal cause
// (see vehicle.IsFatal) must abort the pipeline; otherwise an Error result
// asks the caller to retry the stage from scratch.
func (r *Runner) Run(ctx context.Context, sess browser.Session, p *Page, id vehicle.Identity) (Outcome, error) {
	logger := r.logger.With(zap.String("stage", p.Name), zap.String("identity", id.String()))
	if p.Ready != nil && !p.Ready(id) {
		logger.Debug("stage skipped, identity not usable")
		return Outcome{Result: vehicle.ResultSkipped}, nil
	}

	if err := r.load(ctx, sess, p, id, false); err != nil {
		return r.fail(logger, err)
	}

	state := AwaitingAsset
	if p.Captcha == CaptchaNone {
		state = Submitting
	}
	var (
		img     []byte
		retries int
	)
	for {
		logger.Debug("stage state", zap.Stringer("state", state))
		switch state {
		case AwaitingAsset:
			var err error
			if p.Captcha == CaptchaImage {
				img, err = r.awaitAsset(ctx, sess, p)
				if err != nil {
					return r.fail(logger, err)
				}
			}
			state = SolvingCaptcha

		case SolvingCaptcha:
			err := r.solve(ctx, sess, p, img)
			switch {
			case err == nil:
				state = Submitting
			case vehicle.IsSolverFailure(err):
				retries++
				if retries > r.cfg.CaptchaRetries {
					logger.Error("captcha retries exhausted", zap.Int("retries", retries-1), zap.Error(err))
					return Outcome{Result: vehicle.ResultError}, fmt.Errorf("%s captcha: %w", p.Name, err)
				}
				logger.Warn("captcha not solved, reloading page", zap.Int("retry", retries), zap.Error(err))
				if err := r.load(ctx, sess, p, id, true); err != nil {
					return r.fail(logger, err)
				}
				state = AwaitingAsset
			default:
				return r.fail(logger, err)
			}

		case Submitting:
			if err := sess.Click(ctx, p.Submit); err != nil {
				return r.fail(logger, fmt.Errorf("submit: %w", err))
			}
			if r.cfg.SettleDelay > 0 {
				if err := r.sleep(ctx, r.cfg.SettleDelay); err != nil {
					return r.fail(logger, err)
				}
			}
			if p.ResultReady.Query != "" {
				if _, err := sess.WaitForElement(ctx, p.ResultReady, r.cfg.ElementTimeout); err != nil {
					return r.fail(logger, fmt.Errorf("await result: %w", err))
				}
			}
			state = Extracting

		case Extracting:
			result, ex, err := p.Extract(ctx, sess, p)
			if err != nil {
				return r.fail(logger, fmt.Errorf("extract: %w", err))
			}
			logger.Info("stage finished", zap.String("result", string(result)), zap.Int("rows", len(ex.Rows)))
			return Outcome{Result: result, Extract: ex}, nil

		default:
			return Outcome{Result: vehicle.ResultError}, fmt.Errorf("stage %s: unexpected state %s", p.Name, state)
		}
	}
}

// fail turns err into an Error outcome; fatal causes stay attached for the
// pipeline to see.
func (r *Runner) fail(logger *zap.Logger, err error) (Outcome, error) {
	if vehicle.IsFatal(err) {
		logger.Error("stage aborted", zap.Error(err))
	} else {
		logger.Warn("stage attempt failed", zap.Error(err))
	}
	return Outcome{Result: vehicle.ResultError}, err
}

// load opens (or reloads) the page, fills it and reveals the captcha.
func (r *Runner) load(ctx context.Context, sess browser.Session, p *Page, id vehicle.Identity, reload bool) error {
	var err error
	if reload {
		err = sess.Reload(ctx)
	} else {
		err = sess.Navigate(ctx, p.URL)
	}
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", vehicle.ErrTransientStage, p.URL, err)
	}
	if sel, ok := p.firstInput(id); ok {
		if _, err := sess.WaitForElement(ctx, sel, r.cfg.ElementTimeout); err != nil {
			return fmt.Errorf("form: %w", err)
		}
	}
	if p.Inputs != nil {
		for _, in := range p.Inputs(id) {
			if err := sess.Type(ctx, in.Selector, in.Value); err != nil {
				return fmt.Errorf("%w: fill %s: %w", vehicle.ErrTransientStage, in.Selector, err)
			}
		}
	}
	if p.Reveal != nil {
		if _, err := sess.WaitForElement(ctx, *p.Reveal, r.cfg.ElementTimeout); err != nil {
			return fmt.Errorf("reveal: %w", err)
		}
		if err := sess.Click(ctx, *p.Reveal); err != nil {
			return fmt.Errorf("%w: reveal: %w", vehicle.ErrTransientStage, err)
		}
	}
	return nil
}

// awaitAsset waits for the captcha image to leave its loading placeholder
// and returns its bytes. A placeholder that never resolves is fatal; an image
// element that never appears is a page glitch and the stage is retried.
func (r *Runner) awaitAsset(ctx context.Context, sess browser.Session, p *Page) ([]byte, error) {
	deadline := r.now().Add(r.cfg.AssetTimeout)
	seen := false
	for {
		var src string
		el, err := sess.WaitForElement(ctx, p.CaptchaImage, r.cfg.AssetPoll)
		switch {
		case err == nil:
			seen = true
			src, _ = el.Attr("src")
			if !IsPlaceholder(src) {
				return r.imageBytes(ctx, sess, p, src)
			}
		case !errors.Is(err, vehicle.ErrElementTimeout):
			return nil, fmt.Errorf("captcha image: %w", err)
		}
		if !r.now().Before(deadline) {
			if !seen {
				r.logger.Warn("captcha image element missing", zap.String("stage", p.Name),
					zap.Duration("waited", r.cfg.AssetTimeout))
				return nil, fmt.Errorf("%w: %s captcha image element missing after %s",
					vehicle.ErrTransientStage, p.Name, r.cfg.AssetTimeout)
			}
			return nil, fmt.Errorf("%s captcha image after %s: %w", p.Name, r.cfg.AssetTimeout, vehicle.ErrLoadTimeout)
		}
		if err := r.sleep(ctx, r.cfg.AssetPoll); err != nil {
			return nil, err
		}
	}
}

func (r *Runner) imageBytes(ctx context.Context, sess browser.Session, p *Page, src string) ([]byte, error) {
	if body, _, ok, err := collyfetcher.DecodeDataURI(src); ok {
		if err == nil && len(body) > 0 {
			return body, nil
		}
		r.logger.Warn("bad inline captcha image", zap.String("stage", p.Name), zap.Error(err))
	} else if r.assets != nil {
		body, err := r.download(ctx, sess, src)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("captcha download: %w", ctx.Err())
		}
		r.logger.Warn("captcha download failed, using screenshot", zap.String("stage", p.Name), zap.Error(err))
	}
	shot, err := sess.ElementScreenshot(ctx, p.CaptchaImage)
	if err != nil {
		return nil, fmt.Errorf("%w: captcha screenshot: %w", vehicle.ErrTransientStage, err)
	}
	return shot, nil
}

func (r *Runner) download(ctx context.Context, sess browser.Session, src string) ([]byte, error) {
	pageURL, err := sess.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("current url: %w", err)
	}
	target, err := resolve(pageURL, src)
	if err != nil {
		return nil, err
	}
	cookies, err := sess.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("cookies: %w", err)
	}
	ua, err := sess.UserAgent(ctx)
	if err != nil {
		return nil, fmt.Errorf("user agent: %w", err)
	}
	asset, err := r.assets.Fetch(ctx, collyfetcher.Request{
		URL:       target,
		Referer:   pageURL,
		UserAgent: ua,
		Cookies:   cookies,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	return asset.Body, nil
}

// solve answers the captcha and writes the answer into the page.
func (r *Runner) solve(ctx context.Context, sess browser.Session, p *Page, img []byte) error {
	switch p.Captcha {
	case CaptchaImage:
		answer, err := r.solver.SolveImage(ctx, img)
		if err != nil {
			return fmt.Errorf("solve image: %w", err)
		}
		if err := sess.Type(ctx, p.AnswerInput, answer); err != nil {
			return fmt.Errorf("%w: type answer: %w", vehicle.ErrTransientStage, err)
		}
	case CaptchaChallenge:
		ch, err := r.challenge(ctx, sess, p)
		if err != nil {
			return err
		}
		token, err := r.solver.SolveChallenge(ctx, ch)
		if err != nil {
			return fmt.Errorf("solve challenge: %w", err)
		}
		if err := sess.RunScript(ctx, p.TokenInjector(token), nil); err != nil {
			return fmt.Errorf("%w: inject token: %w", vehicle.ErrTransientStage, err)
		}
	}
	return nil
}

func (r *Runner) challenge(ctx context.Context, sess browser.Session, p *Page) (captcha.Challenge, error) {
	pageURL, err := sess.CurrentURL(ctx)
	if err != nil || pageURL == "" {
		pageURL = p.URL
	}
	cookies, err := sess.Cookies(ctx)
	if err != nil {
		return captcha.Challenge{}, fmt.Errorf("%w: cookies: %w", vehicle.ErrTransientStage, err)
	}
	ua, err := sess.UserAgent(ctx)
	if err != nil {
		return captcha.Challenge{}, fmt.Errorf("%w: user agent: %w", vehicle.ErrTransientStage, err)
	}
	return captcha.Challenge{
		SiteKey:   p.SiteKey,
		PageURL:   pageURL,
		Cookies:   browser.CookieHeader(cookies),
		UserAgent: ua,
	}, nil
}

// IsPlaceholder reports whether a captcha src is still the loading image.
func IsPlaceholder(src string) bool {
	src = strings.TrimSpace(src)
	return src == "" || strings.Contains(strings.ToLower(src), "gif")
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse asset url: %w", err)
	}
	return b.ResolveReference(u).String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
