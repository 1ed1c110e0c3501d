// Package collyfetcher downloads page assets (captcha images) outside the
// browser, replaying the session's cookies and user agent.
package collyfetcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/carscan/internal/browser"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Request describes one asset download.
type Request struct {
	URL       string
	Referer   string
	UserAgent string
	Cookies   []browser.Cookie
}

// Asset is a downloaded resource.
type Asset struct {
	Body        []byte
	ContentType string
	StatusCode  int
}

// Fetcher fetches assets using the Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg, transport: newHTTPTransport()}
}

// Fetch resolves an image source into bytes. data: URIs are decoded in place;
// anything else is downloaded with the request's cookies and user agent.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Asset, error) {
	if body, ctype, ok, err := DecodeDataURI(req.URL); ok {
		if err != nil {
			return Asset{}, err
		}
		return Asset{Body: body, ContentType: ctype, StatusCode: http.StatusOK}, nil
	}
	var (
		result   Asset
		fetchErr error
	)
	collector, err := f.buildCollector(req, &result, &fetchErr)
	if err != nil {
		return Asset{}, err
	}
	if err := f.runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		return Asset{}, err
	}
	if len(result.Body) == 0 {
		return Asset{}, fmt.Errorf("asset %s: empty body", req.URL)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(req Request, result *Asset, fetchErr *error) (*colly.Collector, error) {
	// A fresh collector per fetch keeps cookie jars of concurrent sessions apart.
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.WithTransport(f.transport)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if req.UserAgent != "" {
		collector.UserAgent = req.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if len(req.Cookies) > 0 {
		if err := collector.SetCookies(req.URL, toHTTPCookies(req.Cookies)); err != nil {
			return nil, fmt.Errorf("set cookies: %w", err)
		}
	}
	f.configureCollectorHooks(collector, req, result, fetchErr)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, req Request, result *Asset, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		if req.Referer != "" {
			r.Headers.Set("Referer", req.Referer)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		ctype := ""
		if r.Headers != nil {
			ctype = r.Headers.Get("Content-Type")
		}
		*result = Asset{
			Body:        append([]byte(nil), r.Body...),
			ContentType: ctype,
			StatusCode:  r.StatusCode,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("asset fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// DecodeDataURI decodes a data: URI. ok is false when src is not one.
func DecodeDataURI(src string) (body []byte, contentType string, ok bool, err error) {
	rest, found := strings.CutPrefix(strings.TrimSpace(src), "data:")
	if !found {
		return nil, "", false, nil
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return nil, "", true, errors.New("data uri: missing payload separator")
	}
	contentType, encoding, _ := strings.Cut(meta, ";")
	if encoding == "base64" {
		body, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", true, fmt.Errorf("data uri: %w", err)
		}
		return body, contentType, true, nil
	}
	unescaped, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", true, fmt.Errorf("data uri: %w", err)
	}
	return []byte(unescaped), contentType, true, nil
}

func toHTTPCookies(in []browser.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path, Domain: c.Domain})
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
