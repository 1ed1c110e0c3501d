package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/carscan/internal/progress"
)

// PrometheusSink turns progress events into request and stage collectors.
type PrometheusSink struct {
	requestsStarted  prometheus.Counter
	requestsFinished *prometheus.CounterVec
	requestsRunning  prometheus.Gauge
	requestRuntime   *prometheus.HistogramVec
	stageDuration    *prometheus.HistogramVec
	stageAttempts    *prometheus.HistogramVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the sink's collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		requestsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carscan_progress_requests_started_total",
			Help: "Work items that started processing.",
		}),
		requestsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carscan_progress_requests_finished_total",
			Help: "Work items that finished, by result.",
		}, []string{"result"}),
		requestsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carscan_progress_requests_running",
			Help: "Work items currently processing.",
		}),
		requestRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carscan_progress_request_seconds",
			Help:    "Wall time per finished work item.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carscan_progress_stage_seconds",
			Help:    "Wall time per stage attempt.",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 120},
		}, []string{"stage", "result"}),
		stageAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carscan_progress_stage_attempts",
			Help:    "Attempts a stage needed before it settled.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 20},
		}, []string{"stage"}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.requestsStarted, s.requestsFinished, s.requestsRunning,
		s.requestRuntime, s.stageDuration, s.stageAttempts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRequestStart:
			s.requestsStarted.Inc()
			if s.track(evt.RequestID, true) {
				s.requestsRunning.Inc()
			}
		case progress.KindRequestDone, progress.KindRequestError:
			result := evt.Result
			if evt.Kind == progress.KindRequestError || result == "" {
				result = "error"
			}
			s.requestsFinished.WithLabelValues(result).Inc()
			if evt.Dur > 0 {
				s.requestRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.RequestID, false) {
				s.requestsRunning.Dec()
			}
		case progress.KindStageAttempt:
			if evt.Dur > 0 {
				s.stageDuration.WithLabelValues(evt.Stage, label(evt.Result)).Observe(evt.Dur.Seconds())
			}
		case progress.KindStageDone:
			s.stageAttempts.WithLabelValues(evt.Stage).Observe(float64(evt.Attempt))
		}
	}
	return nil
}

// track adds or removes id from the running set and reports whether the set
// changed.
func (s *PrometheusSink) track(id string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	if start {
		s.running[id] = struct{}{}
		return !ok
	}
	delete(s.running, id)
	return ok
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error { return nil }

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
