// Package browser defines the page automation capability the scraping stages
// drive. Backends live in subpackages.
package browser

import (
	"context"
	"strings"
	"time"
)

// By selects how a Selector query is interpreted.
type By int

// Selector kinds.
const (
	ByQuery By = iota // CSS selector
	ByXPath
)

// Selector addresses one or more elements on a page.
type Selector struct {
	Query string
	By    By
}

// CSS returns a CSS selector.
func CSS(q string) Selector { return Selector{Query: q, By: ByQuery} }

// XPath returns an XPath selector.
func XPath(q string) Selector { return Selector{Query: q, By: ByXPath} }

func (s Selector) String() string {
	if s.By == ByXPath {
		return "xpath:" + s.Query
	}
	return s.Query
}

// Element is a located element. Its Selector addresses exactly that element.
type Element struct {
	Selector   Selector
	Attributes map[string]string
}

// Attr returns an attribute captured when the element was located.
func (e Element) Attr(name string) (string, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// Cookie is a browser cookie.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// Session is one isolated browser tab. It is used by a single goroutine at a
// time and must be closed on every exit path.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	// WaitForElement fails with vehicle.ErrElementTimeout when sel does not
	// appear within timeout.
	WaitForElement(ctx context.Context, sel Selector, timeout time.Duration) (Element, error)
	// FindAll returns the elements currently matching sel without waiting.
	FindAll(ctx context.Context, sel Selector) ([]Element, error)
	ReadAttribute(ctx context.Context, sel Selector, name string) (string, bool, error)
	Text(ctx context.Context, sel Selector) (string, error)
	Type(ctx context.Context, sel Selector, text string) error
	Click(ctx context.Context, sel Selector) error
	Submit(ctx context.Context, sel Selector) error
	Screenshot(ctx context.Context) ([]byte, error)
	ElementScreenshot(ctx context.Context, sel Selector) ([]byte, error)
	RunScript(ctx context.Context, script string, result any) error
	Cookies(ctx context.Context) ([]Cookie, error)
	UserAgent(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Launcher opens sessions.
type Launcher interface {
	Open(ctx context.Context) (Session, error)
}

// CookieHeader renders cookies as a Cookie request header value.
func CookieHeader(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
