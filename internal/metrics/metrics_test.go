package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://Cap.Guru/in.php", "cap.guru"},
		{"no scheme", "vin2vin.ru/getvin", "vin2vin.ru"},
		{"host with port", "localhost:8080", "localhost"},
		{"idn", "https://xn--90adear.xn--p1ai/check/auto", "xn--90adear.xn--p1ai"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if solverCallsTotal == nil || stageAttemptsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(stageAttemptsTotal.WithLabelValues("history", "ok"))
	ObserveStageAttempt("history", "ok")
	if got := testutil.ToFloat64(stageAttemptsTotal.WithLabelValues("history", "ok")); got != before+1 {
		t.Errorf("expected stage attempts to grow by 1, got %f -> %f", before, got)
	}

	SetSolverBalance(4.5)
	if got := testutil.ToFloat64(solverBalance); got != 4.5 {
		t.Errorf("expected balance gauge 4.5, got %f", got)
	}
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://cap.guru", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
