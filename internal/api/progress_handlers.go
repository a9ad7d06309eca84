package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	progressTimeout = 3 * time.Second
)

// ProgressHandler exposes read-only job endpoints.
type ProgressHandler struct {
	svc     Service
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the job service and logger.
func NewProgressHandler(svc Service, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		svc:     svc,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListJobs handles GET /v1/jobs?status=&limit=&offset=. It returns
// {"jobs": [...], "total": n} on success, 400 for invalid filters, 503 when
// no service is wired, or 500 if listing fails.
func (h *ProgressHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, "job service unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	jobs, err := h.svc.Jobs(ctx, status)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	total := len(jobs)
	jobs = jobs[min(offset, total):min(offset+limit, total)]
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  toJobDTOs(jobs),
		"total": total,
	})
}

// GetJob handles GET /v1/jobs/{name}. It returns {"job": {...}} on success,
// 400 for a malformed name, 404 for an unknown job, or 500 otherwise.
func (h *ProgressHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, "job service unavailable")
		return
	}
	name, err := parseJobName(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	job, err := h.svc.Job(ctx, name)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job failed", zap.String("job", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job)})
}

// Progress handles GET /v1/jobs/{name}/progress: link, item and stage
// counts read from persisted state.
func (h *ProgressHandler) Progress(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, "job service unavailable")
		return
	}
	name, err := parseJobName(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sum, err := h.svc.Status(ctx, name)
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, crawler.ErrCorruptState):
			h.logger.Error("job state is corrupt", zap.String("job", name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			h.logger.Error("job progress failed", zap.String("job", name), zap.Error(err))
			writeError(w, statusFor(err), err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": sum})
}

func parseJobName(r *http.Request) (string, error) {
	name := chi.URLParam(r, "name")
	if name == "" {
		return "", errors.New("job name is required")
	}
	if err := crawler.ValidateJobName(name); err != nil {
		return "", errors.New("invalid job name")
	}
	return name, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (crawler.JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "all":
		return "", nil
	case "pending", "queued":
		return crawler.JobStatusPending, nil
	case "running":
		return crawler.JobStatusRunning, nil
	case "completed", "success":
		return crawler.JobStatusCompleted, nil
	case "failed", "error", "failure":
		return crawler.JobStatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toJobDTOs(in []crawler.Job) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, job := range in {
		out = append(out, toJobDTO(job))
	}
	return out
}

func toJobDTO(job crawler.Job) jobDTO {
	return jobDTO{
		ID:             job.ID,
		Name:           job.Name,
		Status:         string(job.Status),
		StartURL:       job.Params.StartURL,
		Counters:       job.Counters,
		OutputLocation: job.OutputLocation,
		Error:          job.ErrorText,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
	}
}

type jobDTO struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Status         string              `json:"status"`
	StartURL       string              `json:"start_url"`
	Counters       crawler.JobCounters `json:"counters"`
	OutputLocation string              `json:"output_location,omitempty"`
	Error          string              `json:"error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
}
