package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/chat"
	"github.com/JakeFAU/carscan/internal/metrics"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// RecordStore is the record side of store.Store.
type RecordStore interface {
	Records() []vehicle.Record
	Record(id string) (vehicle.Record, error)
	FindByNumber(raw string) (vehicle.Record, error)
	Upsert(rec vehicle.Record) (vehicle.Record, bool, error)
	Delete(id string) error
	Save(ctx context.Context, snapshotter vehicle.Snapshotter) error
}

// Scheduler admits vehicle checks.
type Scheduler interface {
	Submit(ctx context.Context, requesterID, raw string, report vehicle.ReportType) (vehicle.WorkItem, error)
	Halted() error
	Pending() int
}

// BalanceChecker reads the captcha solver balance.
type BalanceChecker interface {
	GetBalance(ctx context.Context) (float64, error)
}

// Deps groups the collaborators of a Server. Snapshotter and Solver are
// optional.
type Deps struct {
	Records     RecordStore
	Scheduler   Scheduler
	Bot         *chat.Bot
	Outbox      *chat.Outbox
	Solver      BalanceChecker
	Snapshotter vehicle.Snapshotter
}

// Config tunes the HTTP layer.
type Config struct {
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the store, scheduler and chat front-end.
type Server struct {
	router  chi.Router
	deps    Deps
	timeout time.Duration
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, timeout: cfg.RequestTimeout, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/records", func(r chi.Router) {
			r.Get("/", s.listRecords)
			r.Post("/", s.upsertRecord)
			r.Route("/{record_id}", func(r chi.Router) {
				r.Get("/", s.getRecord)
				r.Put("/", s.replaceRecord)
				r.Delete("/", s.deleteRecord)
			})
		})
		r.Post("/requests", s.submitRequest)
		r.Get("/solver/balance", s.solverBalance)
		r.Route("/chat/{requester_id}/messages", func(r chi.Router) {
			r.Post("/", s.postChatMessage)
			r.Get("/", s.drainChatMessages)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler != nil {
		if err := s.deps.Scheduler.Halted(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "reason": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) solverBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Solver == nil {
		writeError(w, http.StatusServiceUnavailable, "captcha solver not configured")
		return
	}
	balance, err := s.deps.Solver.GetBalance(r.Context())
	if err != nil {
		s.logger.Error("solver balance failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "solver balance unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": balance})
}

func (s *Server) persist(ctx context.Context) {
	if s.deps.Snapshotter == nil {
		return
	}
	if err := s.deps.Records.Save(context.WithoutCancel(ctx), s.deps.Snapshotter); err != nil {
		s.logger.Error("snapshot save failed", zap.Error(err))
	}
}

type requestIDKey struct{}

// RequestID returns the ID assigned to the request by the server.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
