package captcha

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// fakeSolver scripts replies for the in.php and res.php endpoints.
type fakeSolver struct {
	mu       sync.Mutex
	balance  string
	submit   string
	polls    []string
	pollHits int
	lastForm map[string]string
	lastFile []byte
}

func (f *fakeSolver) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastForm = map[string]string{}
		if file, _, err := r.FormFile("file"); err == nil {
			f.lastFile, _ = io.ReadAll(file)
		}
		for _, k := range []string{"key", "method", "googlekey", "pageurl", "cookies", "userAgent"} {
			f.lastForm[k] = r.FormValue(k)
		}
		_, _ = io.WriteString(w, f.submit)
	})
	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.URL.Query().Get("action") == "getbalance" {
			_, _ = io.WriteString(w, f.balance)
			return
		}
		reply := "CAPCHA_NOT_READY"
		if f.pollHits < len(f.polls) {
			reply = f.polls[f.pollHits]
		}
		f.pollHits++
		_, _ = io.WriteString(w, reply)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeSolver, tries int) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "k", PollTries: tries}, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}

func TestCheckBalance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		balance string
		wantErr error
		anyErr  bool
	}{
		{balance: "12.5"},
		{balance: "3"},
		{balance: "0", wantErr: vehicle.ErrOutOfCredit},
		{balance: "-1.2", wantErr: vehicle.ErrOutOfCredit},
		{balance: "ERROR_KEY_DOES_NOT_EXIST", anyErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.balance, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, &fakeSolver{balance: tc.balance}, 1)
			err := c.CheckBalance(context.Background())
			switch {
			case tc.wantErr != nil:
				require.ErrorIs(t, err, tc.wantErr)
			case tc.anyErr:
				require.Error(t, err)
				require.NotErrorIs(t, err, vehicle.ErrOutOfCredit)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestSolveImage(t *testing.T) {
	t.Parallel()

	f := &fakeSolver{balance: "10", submit: "OK|777", polls: []string{"CAPCHA_NOT_READY", "OK|x7k2"}}
	c := newTestClient(t, f, 5)

	answer, err := c.SolveImage(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)
	require.Equal(t, "x7k2", answer)
	require.Equal(t, 2, f.pollHits)
	require.Equal(t, "post", f.lastForm["method"])
	require.Equal(t, "k", f.lastForm["key"])
	require.Equal(t, []byte("png-bytes"), f.lastFile)
}

func TestSolveImageStopsOnEmptyAccount(t *testing.T) {
	t.Parallel()

	f := &fakeSolver{balance: "0", submit: "OK|1"}
	c := newTestClient(t, f, 5)

	_, err := c.SolveImage(context.Background(), []byte("img"))
	require.ErrorIs(t, err, vehicle.ErrOutOfCredit)
	require.Nil(t, f.lastForm, "nothing may be submitted without credit")
}

func TestSubmitRejected(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, &fakeSolver{submit: "ERROR_ZERO_BALANCE"}, 1)
	_, err := c.SubmitImage(context.Background(), []byte("img"))
	require.ErrorIs(t, err, vehicle.ErrSubmissionRejected)

	_, err = c.SubmitImage(context.Background(), nil)
	require.ErrorIs(t, err, vehicle.ErrSubmissionRejected)
}

func TestSubmitChallengeSendsPageContext(t *testing.T) {
	t.Parallel()

	f := &fakeSolver{submit: "OK|55"}
	c := newTestClient(t, f, 1)
	ticket, err := c.SubmitChallenge(context.Background(), Challenge{
		SiteKey:   "site",
		PageURL:   "https://vin2vin.ru/getvin",
		Cookies:   "a=b",
		UserAgent: "UA",
	})
	require.NoError(t, err)
	require.Equal(t, Ticket("55"), ticket)
	require.Equal(t, "userrecaptcha", f.lastForm["method"])
	require.Equal(t, "site", f.lastForm["googlekey"])
	require.Equal(t, "https://vin2vin.ru/getvin", f.lastForm["pageurl"])
	require.Equal(t, "a=b", f.lastForm["cookies"])
	require.Equal(t, "UA", f.lastForm["userAgent"])
}

func TestAwaitSolutionOutcomes(t *testing.T) {
	t.Parallel()

	t.Run("error reply", func(t *testing.T) {
		t.Parallel()
		f := &fakeSolver{polls: []string{"CAPCHA_NOT_READY", "ERROR_CAPTCHA_UNSOLVABLE", "OK|late"}}
		c := newTestClient(t, f, 10)
		_, err := c.AwaitSolution(context.Background(), "1")
		require.ErrorIs(t, err, vehicle.ErrSolvingFailed)
		require.Equal(t, 2, f.pollHits)
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()
		f := &fakeSolver{}
		c := newTestClient(t, f, 3)
		_, err := c.AwaitSolution(context.Background(), "1")
		require.ErrorIs(t, err, vehicle.ErrSolvingExhausted)
		require.Equal(t, 3, f.pollHits)
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, &fakeSolver{}, 3)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.AwaitSolution(ctx, "1")
		require.ErrorIs(t, err, context.Canceled)
	})
}

type countingWaiter struct{ n atomic.Int32 }

func (w *countingWaiter) Wait(context.Context, string) error {
	w.n.Add(1)
	return nil
}

func TestCallsPassThroughLimiter(t *testing.T) {
	t.Parallel()

	f := &fakeSolver{balance: "9"}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	w := &countingWaiter{}
	c, err := New(Config{BaseURL: srv.URL, APIKey: "k"}, WithLimiter(w))
	require.NoError(t, err)

	_, err = c.GetBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), w.n.Load())
}

func TestTransportErrorHidesKey(t *testing.T) {
	t.Parallel()

	c, err := New(Config{BaseURL: "http://127.0.0.1:1", APIKey: "SECRETKEY123"}, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	_, err = c.GetBalance(context.Background())
	require.Error(t, err)
	require.NotContains(t, err.Error(), "SECRETKEY123")
	require.Contains(t, err.Error(), "127.0.0.1:1")

	var ue *url.Error
	require.ErrorAs(t, err, &ue)
	require.NotContains(t, ue.URL, "SECRETKEY123")
}
