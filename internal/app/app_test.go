package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/browser/browsertest"
	"github.com/JakeFAU/carscan/internal/config"
	localstorage "github.com/JakeFAU/carscan/internal/storage/local"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

const testVIN = "XTA21099043576182"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Solver.APIKey = "test-key"
	cfg.Storage.Snapshot = config.BackendMemory
	cfg.Storage.Blobs = config.BackendMemory
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config, launcher *browsertest.Launcher, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithRegisterer(prometheus.NewRegistry()), WithLauncher(launcher)}, opts...)
	a, err := New(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestNewWithMemoryBackends(t *testing.T) {
	a := newTestApp(t, testConfig(t), &browsertest.Launcher{})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, a.Store().Records())
	require.NoError(t, a.Scheduler().Halted())
}

func TestNewRequiresSolverKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Solver.APIKey = ""
	_, err := New(context.Background(), cfg, zap.NewNop(),
		WithRegisterer(prometheus.NewRegistry()), WithLauncher(&browsertest.Launcher{}))
	require.ErrorContains(t, err, "api key is required")
}

func TestScanServesRestoredRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requesters.json")
	file, err := localstorage.NewSnapshotFile(path)
	require.NoError(t, err)
	stored := vehicle.NewRecord("rec-1")
	stored.VIN = testVIN
	stored.Brand = "ВАЗ"
	require.NoError(t, file.Save(context.Background(), vehicle.Snapshot{"u1": {*stored}}))

	cfg := testConfig(t)
	cfg.Storage.Snapshot = config.BackendLocal
	cfg.Storage.Local.SnapshotPath = path
	launcher := &browsertest.Launcher{Err: errors.New("no browser in tests")}
	a := newTestApp(t, cfg, launcher)
	require.Len(t, a.Store().Records(), 1)

	msgs, err := a.Scan(context.Background(), testVIN, "")
	require.NoError(t, err)
	require.Empty(t, launcher.Sessions())
	require.NotEmpty(t, msgs)

	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	joined := strings.Join(texts, "\n")
	require.Contains(t, joined, "Vehicle checked.")
	require.Contains(t, joined, "ВАЗ")
	require.Len(t, a.Store().RequesterRecords(CLIRequester), 1)
	require.Equal(t, vehicle.StateIdle, a.Store().State(CLIRequester))
}

func TestScanBrowserUnavailable(t *testing.T) {
	launcher := &browsertest.Launcher{Err: errors.New("chrome missing")}
	a := newTestApp(t, testConfig(t), launcher)

	msgs, err := a.Scan(context.Background(), "А123ВС77", vehicle.ReportFull)
	require.ErrorContains(t, err, "chrome missing")
	require.NotEmpty(t, msgs)
	require.Equal(t, vehicle.GenericFailure, msgs[len(msgs)-1].Text)
	require.Equal(t, vehicle.StateIdle, a.Store().State(CLIRequester))
}

func TestScanRejectsInvalidNumber(t *testing.T) {
	a := newTestApp(t, testConfig(t), &browsertest.Launcher{})

	_, err := a.Scan(context.Background(), "abc", "")
	require.ErrorIs(t, err, vehicle.ErrInvalidInput)
	require.False(t, a.Store().Registered(CLIRequester))
}

func TestBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "getbalance", r.URL.Query().Get("action"))
		_, _ = w.Write([]byte("12.50"))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.Solver.BaseURL = srv.URL
	a := newTestApp(t, cfg, &browsertest.Launcher{}, WithSolverHTTPClient(srv.Client()))

	balance, err := a.Balance(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 12.5, balance, 1e-9)
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig(t), &browsertest.Launcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
