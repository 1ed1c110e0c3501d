package chromedp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/browser"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Session is one Chrome tab.
type Session struct {
	tab        context.Context
	cancel     context.CancelFunc
	release    func()
	navTimeout time.Duration
	logger     *zap.Logger
	closeOnce  sync.Once
}

var _ browser.Session = (*Session)(nil)

// run executes actions on the tab, bounded by both the tab and ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func queryOpt(sel browser.Selector) chromedp.QueryOption {
	if sel.By == browser.ByXPath {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// Navigate loads url and waits for the document body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()
	err := s.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Reload reloads the current page.
func (s *Session) Reload(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()
	if err := s.run(navCtx, chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

// WaitForElement waits until sel matches at least one element.
func (s *Session) WaitForElement(ctx context.Context, sel browser.Selector, timeout time.Duration) (browser.Element, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var nodes []*cdp.Node
	err := s.run(waitCtx, chromedp.Nodes(sel.Query, &nodes, queryOpt(sel)))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return browser.Element{}, fmt.Errorf("wait for %s: %w", sel, vehicle.ErrElementTimeout)
		}
		return browser.Element{}, fmt.Errorf("wait for %s: %w", sel, err)
	}
	if len(nodes) == 0 {
		return browser.Element{}, fmt.Errorf("wait for %s: %w", sel, vehicle.ErrElementTimeout)
	}
	return toElement(nodes[0]), nil
}

// FindAll returns the elements matching sel right now.
func (s *Session) FindAll(ctx context.Context, sel browser.Selector) ([]browser.Element, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, chromedp.Nodes(sel.Query, &nodes, queryOpt(sel), chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("find %s: %w", sel, err)
	}
	out := make([]browser.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toElement(n))
	}
	return out, nil
}

func toElement(n *cdp.Node) browser.Element {
	attrs := make(map[string]string, len(n.Attributes)/2)
	for i := 0; i+1 < len(n.Attributes); i += 2 {
		attrs[n.Attributes[i]] = n.Attributes[i+1]
	}
	return browser.Element{Selector: browser.XPath(n.FullXPath()), Attributes: attrs}
}

// ReadAttribute reads one attribute of the first element matching sel.
func (s *Session) ReadAttribute(ctx context.Context, sel browser.Selector, name string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	if err := s.run(ctx, chromedp.AttributeValue(sel.Query, name, &value, &ok, queryOpt(sel))); err != nil {
		return "", false, fmt.Errorf("read %s[%s]: %w", sel, name, err)
	}
	return value, ok, nil
}

// Text returns the visible text of the first element matching sel.
func (s *Session) Text(ctx context.Context, sel browser.Selector) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Text(sel.Query, &text, queryOpt(sel))); err != nil {
		return "", fmt.Errorf("text %s: %w", sel, err)
	}
	return text, nil
}

// Type clears the input matching sel and types text into it.
func (s *Session) Type(ctx context.Context, sel browser.Selector, text string) error {
	err := s.run(ctx,
		chromedp.Clear(sel.Query, queryOpt(sel)),
		chromedp.SendKeys(sel.Query, text, queryOpt(sel)),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", sel, err)
	}
	return nil
}

// Click clicks the first element matching sel.
func (s *Session) Click(ctx context.Context, sel browser.Selector) error {
	if err := s.run(ctx, chromedp.Click(sel.Query, queryOpt(sel))); err != nil {
		return fmt.Errorf("click %s: %w", sel, err)
	}
	return nil
}

// Submit submits the form containing sel.
func (s *Session) Submit(ctx context.Context, sel browser.Selector) error {
	if err := s.run(ctx, chromedp.Submit(sel.Query, queryOpt(sel))); err != nil {
		return fmt.Errorf("submit %s: %w", sel, err)
	}
	return nil
}

// Screenshot captures the full page as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("page screenshot: %w", err)
	}
	return buf, nil
}

// ElementScreenshot captures the first element matching sel as PNG.
func (s *Session) ElementScreenshot(ctx context.Context, sel browser.Selector) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.Screenshot(sel.Query, &buf, queryOpt(sel))); err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", sel, err)
	}
	return buf, nil
}

// RunScript evaluates script and decodes its result into result, if non-nil.
func (s *Session) RunScript(ctx context.Context, script string, result any) error {
	var sink any
	if result == nil {
		result = &sink
	}
	if err := s.run(ctx, chromedp.Evaluate(script, result)); err != nil {
		return fmt.Errorf("run script: %w", err)
	}
	return nil
}

// Cookies returns the cookies visible to the current page.
func (s *Session) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("cookies: %w", err)
	}
	out := make([]browser.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, browser.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out, nil
}

// UserAgent returns navigator.userAgent.
func (s *Session) UserAgent(ctx context.Context) (string, error) {
	var ua string
	if err := s.RunScript(ctx, "navigator.userAgent", &ua); err != nil {
		return "", err
	}
	return ua, nil
}

// CurrentURL returns the location of the tab.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// HTML returns the rendered document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return html, nil
}

// Close closes the tab and frees the launcher slot. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.release != nil {
			s.release()
		}
		s.logger.Debug("browser session closed")
	})
	return nil
}
