package captcha

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/metrics"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

const (
	answerNotReady = "CAPCHA_NOT_READY"
	answerOK       = "OK"
	answerError    = "ERROR"
	maxReplyBytes  = 64 << 10
)

// Config tunes the solver client.
type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	PollTries    int
	LowBalance   float64
	HTTPTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.cap.guru"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.PollTries <= 0 {
		c.PollTries = 10
	}
	if c.LowBalance == 0 {
		c.LowBalance = 5
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	return c
}

// Ticket identifies a submitted captcha on the solver side.
type Ticket string

// Challenge describes a behavioral reCAPTCHA to solve for a page.
type Challenge struct {
	SiteKey   string
	PageURL   string
	Cookies   string
	UserAgent string
}

// Waiter throttles outbound calls per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client talks to the solver over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLimiter throttles every outbound call through w.
func WithLimiter(w Waiter) Option {
	return func(c *Client) {
		c.limiter = w
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a Client. An API key is required.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("captcha: api key is required")
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("captcha")
	return c, nil
}

// GetBalance returns the account balance.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	q := url.Values{"action": {"getbalance"}, "key": {c.cfg.APIKey}}
	body, err := c.get(ctx, "res.php", q)
	if err != nil {
		metrics.ObserveSolverCall("balance", "error")
		return 0, err
	}
	balance, err := strconv.ParseFloat(body, 64)
	if err != nil {
		metrics.ObserveSolverCall("balance", "error")
		return 0, fmt.Errorf("parse balance %q: %w", body, err)
	}
	metrics.ObserveSolverCall("balance", "ok")
	metrics.SetSolverBalance(balance)
	c.logger.Info("solver balance", zap.Float64("balance", balance))
	return balance, nil
}

// CheckBalance fails with vehicle.ErrOutOfCredit when the account is empty and
// logs a warning when it is running low.
func (c *Client) CheckBalance(ctx context.Context) error {
	balance, err := c.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("check balance: %w", err)
	}
	if balance <= 0 {
		c.logger.Error("solver account is out of credit", zap.Float64("balance", balance))
		return fmt.Errorf("balance %.2f: %w", balance, vehicle.ErrOutOfCredit)
	}
	if balance < c.cfg.LowBalance {
		c.logger.Warn("solver balance running low",
			zap.Float64("balance", balance),
			zap.Float64("threshold", c.cfg.LowBalance),
		)
	}
	return nil
}

// SubmitImage uploads an image captcha and returns its ticket.
func (c *Client) SubmitImage(ctx context.Context, img []byte) (Ticket, error) {
	if len(img) == 0 {
		return "", fmt.Errorf("empty image: %w", vehicle.ErrSubmissionRejected)
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("key", c.cfg.APIKey); err != nil {
		return "", fmt.Errorf("write key field: %w", err)
	}
	if err := mw.WriteField("method", "post"); err != nil {
		return "", fmt.Errorf("write method field: %w", err)
	}
	part, err := mw.CreateFormFile("file", "captcha.png")
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return "", fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}
	body, err := c.post(ctx, "in.php", mw.FormDataContentType(), &buf)
	if err != nil {
		metrics.ObserveSolverCall("submit_image", "error")
		return "", err
	}
	return c.ticket("submit_image", body)
}

// SubmitChallenge submits a reCAPTCHA for the given page.
func (c *Client) SubmitChallenge(ctx context.Context, ch Challenge) (Ticket, error) {
	form := url.Values{
		"key":       {c.cfg.APIKey},
		"method":    {"userrecaptcha"},
		"googlekey": {ch.SiteKey},
		"pageurl":   {ch.PageURL},
	}
	if ch.Cookies != "" {
		form.Set("cookies", ch.Cookies)
	}
	if ch.UserAgent != "" {
		form.Set("userAgent", ch.UserAgent)
	}
	body, err := c.post(ctx, "in.php", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		metrics.ObserveSolverCall("submit_challenge", "error")
		return "", err
	}
	return c.ticket("submit_challenge", body)
}

func (c *Client) ticket(op, body string) (Ticket, error) {
	id, ok := strings.CutPrefix(body, answerOK+"|")
	if !ok || id == "" {
		metrics.ObserveSolverCall(op, "rejected")
		c.logger.Error("solver rejected submission", zap.String("operation", op), zap.String("reply", body))
		return "", fmt.Errorf("reply %q: %w", body, vehicle.ErrSubmissionRejected)
	}
	metrics.ObserveSolverCall(op, "ok")
	return Ticket(id), nil
}

// AwaitSolution polls the solver until the ticket is answered, fails, or the
// poll budget runs out.
func (c *Client) AwaitSolution(ctx context.Context, t Ticket) (string, error) {
	q := url.Values{"key": {c.cfg.APIKey}, "action": {"get"}, "id": {string(t)}}
	logger := c.logger.With(zap.String("ticket", string(t)))
	for try := 1; try <= c.cfg.PollTries; try++ {
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return "", fmt.Errorf("await solution: %w", err)
		}
		body, err := c.get(ctx, "res.php", q)
		if err != nil {
			metrics.ObserveSolverCall("poll", "error")
			return "", err
		}
		switch {
		case strings.Contains(body, answerNotReady):
			logger.Debug("captcha not ready", zap.Int("try", try))
		case strings.HasPrefix(body, answerError):
			metrics.ObserveSolverCall("poll", "failed")
			logger.Error("captcha was not solved", zap.String("reply", body))
			return "", fmt.Errorf("reply %q: %w", body, vehicle.ErrSolvingFailed)
		case strings.HasPrefix(body, answerOK+"|"):
			metrics.ObserveSolverCall("poll", "ok")
			answer := strings.TrimPrefix(body, answerOK+"|")
			logger.Debug("captcha solved", zap.Int("try", try))
			return answer, nil
		default:
			metrics.ObserveSolverCall("poll", "failed")
			logger.Error("unexpected solver reply", zap.String("reply", body))
			return "", fmt.Errorf("reply %q: %w", body, vehicle.ErrSolvingFailed)
		}
	}
	metrics.ObserveSolverCall("poll", "exhausted")
	logger.Error("captcha polling exhausted", zap.Int("tries", c.cfg.PollTries))
	return "", fmt.Errorf("%d polls: %w", c.cfg.PollTries, vehicle.ErrSolvingExhausted)
}

// SolveImage checks the balance, submits img and waits for its answer.
func (c *Client) SolveImage(ctx context.Context, img []byte) (string, error) {
	if err := c.CheckBalance(ctx); err != nil {
		return "", err
	}
	t, err := c.SubmitImage(ctx, img)
	if err != nil {
		return "", err
	}
	return c.AwaitSolution(ctx, t)
}

// SolveChallenge checks the balance, submits ch and waits for its token.
func (c *Client) SolveChallenge(ctx context.Context, ch Challenge) (string, error) {
	if err := c.CheckBalance(ctx); err != nil {
		return "", err
	}
	t, err := c.SubmitChallenge(ctx, ch)
	if err != nil {
		return "", err
	}
	return c.AwaitSolution(ctx, t)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (string, error) {
	endpoint := c.cfg.BaseURL + "/" + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+path, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context(), req.URL.String()); err != nil {
			return "", fmt.Errorf("solver rate limit: %w", err)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// The query carries the API key; keep it out of logs.
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = c.cfg.BaseURL + req.URL.Path
		}
		return "", fmt.Errorf("solver %s: %w", req.URL.Path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("close solver response", zap.Error(cerr))
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", fmt.Errorf("read solver reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("solver %s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	return strings.TrimSpace(string(data)), nil
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
