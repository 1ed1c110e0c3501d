package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/carscan/internal/browser"
)

func TestDecodeDataURI(t *testing.T) {
	t.Parallel()

	body, ctype, ok, err := DecodeDataURI("data:image/png;base64,aGVsbG8=")
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, "image/png", ctype)
	require.Equal(t, []byte("hello"), body)

	body, _, ok, err = DecodeDataURI("data:text/plain,a%20b")
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, []byte("a b"), body)

	_, _, ok, err = DecodeDataURI("data:image/png;base64,!!!")
	require.True(t, ok)
	require.Error(t, err)

	_, _, ok, _ = DecodeDataURI("https://vin2vin.ru/captcha.png")
	require.False(t, ok)
}

func TestFetchDataURIWithoutNetwork(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	asset, err := f.Fetch(context.Background(), Request{URL: "data:image/png;base64,aGk="})
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), asset.Body)
}

func TestFetchForwardsSessionContext(t *testing.T) {
	t.Parallel()

	var gotUA, gotCookie, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotReferer = r.Referer()
		if c, err := r.Cookie("session"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "default-agent", Timeout: time.Second})
	req := Request{
		URL:       srv.URL + "/captcha.png",
		Referer:   srv.URL + "/history",
		UserAgent: "session-agent",
		Cookies:   []browser.Cookie{{Name: "session", Value: "abc", Path: "/"}},
	}
	for range 2 {
		asset, err := f.Fetch(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, []byte("png"), asset.Body)
		require.Equal(t, "image/png", asset.ContentType)
	}
	require.Equal(t, "session-agent", gotUA)
	require.Equal(t, "abc", gotCookie)
	require.Equal(t, srv.URL+"/history", gotReferer)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-block }))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, Request{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var result Asset
	var fetchErr error
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, Request{Referer: "https://ref"}, &result, &fetchErr)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "https://ref", collyReq.Headers.Get("Referer"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("img"),
		Headers:    &http.Header{"Content-Type": {"image/jpeg"}},
	})
	require.Equal(t, Asset{Body: []byte("img"), ContentType: "image/jpeg", StatusCode: http.StatusOK}, result)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
