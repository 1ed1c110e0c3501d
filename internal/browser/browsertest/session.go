// Package browsertest provides a scriptable in-memory browser.Session for
// tests of code that drives portal pages.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/carscan/internal/browser"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Page is the state a fake session currently shows. Maps are keyed by
// Selector.String().
type Page struct {
	Elements    map[string][]browser.Element
	Texts       map[string]string
	HTML        string
	Screenshots map[string][]byte
}

// Session is a fake browser.Session. Hooks run with the session lock held and
// may replace Page or mutate exported fields, but must not call methods.
type Session struct {
	mu sync.Mutex

	Page      *Page
	URL       string
	UA        string
	CookieJar []browser.Cookie

	OnNavigate func(s *Session, url string)
	OnReload   func(s *Session)
	OnLookup   func(s *Session, sel browser.Selector)
	OnClick    func(s *Session, sel browser.Selector)
	OnSubmit   func(s *Session, sel browser.Selector)

	Navigations []string
	Typed       map[string]string
	Clicks      []string
	Submits     []string
	Scripts     []string
	Reloads     int
	Closed      int
}

var _ browser.Session = (*Session)(nil)

// New returns a session showing page.
func New(page *Page) *Session {
	if page == nil {
		page = &Page{}
	}
	return &Session{Page: page, UA: "browsertest", Typed: map[string]string{}}
}

func (s *Session) elements(sel browser.Selector) []browser.Element {
	if s.OnLookup != nil {
		s.OnLookup(s, sel)
	}
	if s.Page == nil || s.Page.Elements == nil {
		return nil
	}
	return s.Page.Elements[sel.String()]
}

// Navigate implements browser.Session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.URL = url
	s.Navigations = append(s.Navigations, url)
	if s.OnNavigate != nil {
		s.OnNavigate(s, url)
	}
	return nil
}

// Reload implements browser.Session.
func (s *Session) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reloads++
	if s.OnReload != nil {
		s.OnReload(s)
	}
	return nil
}

// WaitForElement implements browser.Session. It never blocks: a missing
// element is an immediate timeout.
func (s *Session) WaitForElement(ctx context.Context, sel browser.Selector, _ time.Duration) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return browser.Element{}, fmt.Errorf("wait: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	els := s.elements(sel)
	if len(els) == 0 {
		return browser.Element{}, fmt.Errorf("wait for %s: %w", sel, vehicle.ErrElementTimeout)
	}
	return els[0], nil
}

// FindAll implements browser.Session.
func (s *Session) FindAll(ctx context.Context, sel browser.Selector) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]browser.Element(nil), s.elements(sel)...), nil
}

// ReadAttribute implements browser.Session.
func (s *Session) ReadAttribute(ctx context.Context, sel browser.Selector, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("read: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	els := s.elements(sel)
	if len(els) == 0 {
		return "", false, fmt.Errorf("read %s: %w", sel, vehicle.ErrElementTimeout)
	}
	v, ok := els[0].Attr(name)
	return v, ok, nil
}

// Text implements browser.Session.
func (s *Session) Text(ctx context.Context, sel browser.Selector) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("text: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Page == nil || s.Page.Texts == nil {
		return "", fmt.Errorf("text %s: %w", sel, vehicle.ErrElementTimeout)
	}
	t, ok := s.Page.Texts[sel.String()]
	if !ok {
		return "", fmt.Errorf("text %s: %w", sel, vehicle.ErrElementTimeout)
	}
	return t, nil
}

// Type implements browser.Session.
func (s *Session) Type(ctx context.Context, sel browser.Selector, text string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("type: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Typed == nil {
		s.Typed = map[string]string{}
	}
	s.Typed[sel.String()] = text
	return nil
}

// Click implements browser.Session.
func (s *Session) Click(ctx context.Context, sel browser.Selector) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Clicks = append(s.Clicks, sel.String())
	if s.OnClick != nil {
		s.OnClick(s, sel)
	}
	return nil
}

// Submit implements browser.Session.
func (s *Session) Submit(ctx context.Context, sel browser.Selector) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Submits = append(s.Submits, sel.String())
	if s.OnSubmit != nil {
		s.OnSubmit(s, sel)
	}
	return nil
}

// Screenshot implements browser.Session.
func (s *Session) Screenshot(context.Context) ([]byte, error) {
	return []byte("page-png"), nil
}

// ElementScreenshot implements browser.Session. Unscripted selectors return a
// PNG-like payload naming the selector.
func (s *Session) ElementScreenshot(ctx context.Context, sel browser.Selector) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Page != nil && s.Page.Screenshots != nil {
		if b, ok := s.Page.Screenshots[sel.String()]; ok {
			return b, nil
		}
	}
	return []byte("png:" + sel.String()), nil
}

// RunScript implements browser.Session. Scripts are recorded, never run.
func (s *Session) RunScript(ctx context.Context, script string, _ any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scripts = append(s.Scripts, script)
	return nil
}

// Cookies implements browser.Session.
func (s *Session) Cookies(context.Context) ([]browser.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]browser.Cookie(nil), s.CookieJar...), nil
}

// UserAgent implements browser.Session.
func (s *Session) UserAgent(context.Context) (string, error) {
	return s.UA, nil
}

// CurrentURL implements browser.Session.
func (s *Session) CurrentURL(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.URL, nil
}

// HTML implements browser.Session.
func (s *Session) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Page == nil {
		return "", nil
	}
	return s.Page.HTML, nil
}

// Close implements browser.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed++
	return nil
}

// Launcher hands out sessions built by Factory.
type Launcher struct {
	mu      sync.Mutex
	Factory func() *Session
	Opened  []*Session
	Err     error
}

// Open implements browser.Launcher.
func (l *Launcher) Open(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var s *Session
	if l.Factory != nil {
		s = l.Factory()
	} else {
		s = New(nil)
	}
	l.Opened = append(l.Opened, s)
	return s, nil
}

// Sessions returns the sessions opened so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.Opened...)
}

// Image returns an element whose src attribute is src.
func Image(src string) browser.Element {
	return browser.Element{Attributes: map[string]string{"src": src}}
}
