package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/app"
	"github.com/JakeFAU/twostage-crawler/internal/batch"
	"github.com/JakeFAU/twostage-crawler/internal/config"
	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
	"github.com/JakeFAU/twostage-crawler/internal/scheduler"
	"github.com/JakeFAU/twostage-crawler/internal/stage"
	"github.com/JakeFAU/twostage-crawler/internal/worker"
)

// Service is the job surface the handlers drive. *app.App implements it.
type Service interface {
	Jobs(ctx context.Context, status crawler.JobStatus) ([]crawler.Job, error)
	Job(ctx context.Context, name string) (crawler.Job, error)
	Status(ctx context.Context, name string) (worker.Summary, error)
	ExtractBatch(ctx context.Context, name string, req app.BatchRequest) (batch.Result, error)
	Reset(ctx context.Context, name string) error
	RunPending(ctx context.Context, maxConcurrent int) (scheduler.Summary, error)
}

const readTimeout = 30 * time.Second

// Server wires HTTP handlers to the job service.
type Server struct {
	router   chi.Router
	svc      Service
	cfg      config.Config
	logger   *zap.Logger
	progress *ProgressHandler

	// base outlives requests; background runs are bound to it.
	base    context.Context
	runMu   sync.Mutex
	running bool
	lastRun *runDTO
}

// NewServer constructs a Server with middleware and routes. Runs started
// over HTTP stop when base is cancelled.
func NewServer(base context.Context, svc Service, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:      svc,
		cfg:      cfg,
		logger:   logger,
		progress: NewProgressHandler(svc, logger.Named("progress")),
		base:     base,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Metrics.Enabled {
		r.Use(metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(readTimeout))
			r.Get("/jobs", s.progress.ListJobs)
			r.Get("/jobs/{name}", s.progress.GetJob)
			r.Get("/jobs/{name}/progress", s.progress.Progress)
			r.Get("/run", s.runStatus)
		})
		r.Post("/jobs/{name}/batch", s.extractBatch)
		r.Post("/jobs/{name}/reset", s.resetJob)
		r.Post("/run", s.startRun)
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

type batchRequest struct {
	BatchSize    int      `json:"batch_size"`
	SaveInterval int      `json:"save_interval"`
	URLPatterns  []string `json:"url_patterns"`
}

type failureDTO struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type batchDTO struct {
	Attempted        int          `json:"attempted"`
	Succeeded        int          `json:"succeeded"`
	Failed           int          `json:"failed"`
	RemainingPending int          `json:"remaining_pending"`
	Failures         []failureDTO `json:"failures,omitempty"`
}

func toBatchDTO(res batch.Result) batchDTO {
	dto := batchDTO{
		Attempted:        res.Attempted,
		Succeeded:        res.Succeeded,
		Failed:           res.Failed,
		RemainingPending: res.RemainingPending,
	}
	for _, f := range res.Failures {
		dto.Failures = append(dto.Failures, failureDTO{URL: f.URL, Error: f.Err.Error()})
	}
	return dto
}

// extractBatch handles POST /v1/jobs/{name}/batch. An empty body uses the
// job's own tunables.
func (s *Server) extractBatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req batchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	res, err := s.svc.ExtractBatch(r.Context(), name, app.BatchRequest{
		Size:         req.BatchSize,
		SaveInterval: req.SaveInterval,
		Patterns:     req.URLPatterns,
	})
	if err != nil {
		s.writeServiceError(w, "extract batch", name, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(res))
}

func (s *Server) resetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.Reset(r.Context(), name); err != nil {
		s.writeServiceError(w, "reset job", name, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "stage": string(crawler.StageNotStarted)})
}

type runDTO struct {
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Summary    *scheduler.Summary `json:"summary,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// startRun handles POST /v1/run. Pending jobs run in the background; a
// second request while a run is active gets 409.
func (s *Server) startRun(w http.ResponseWriter, _ *http.Request) {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	s.running = true
	run := &runDTO{StartedAt: time.Now().UTC()}
	s.lastRun = run
	s.runMu.Unlock()

	go s.run(run)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "started_at": run.StartedAt})
}

func (s *Server) run(run *runDTO) {
	sum, err := s.svc.RunPending(s.base, s.cfg.Scheduler.MaxConcurrent)
	finished := time.Now().UTC()

	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.running = false
	run.FinishedAt = &finished
	run.Summary = &sum
	if err != nil {
		run.Error = err.Error()
		s.logger.Warn("run pending failed", zap.Error(err))
	}
}

// runStatus handles GET /v1/run and reports the latest HTTP-started run.
func (s *Server) runStatus(w http.ResponseWriter, _ *http.Request) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.lastRun == nil {
		writeError(w, http.StatusNotFound, "no run started")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": s.running, "run": *s.lastRun})
}

func (s *Server) writeServiceError(w http.ResponseWriter, op, name string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.String("job", name), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrJobNotFound), errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, stage.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
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

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
