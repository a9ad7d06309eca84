package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

func TestProgressHandlerListJobs(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(newFakeService(), zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?status=pending&limit=1", nil)
	rec := httptest.NewRecorder()

	handler.ListJobs(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs  []jobDTO `json:"jobs"`
		Total int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	require.Len(t, body.Jobs, 1)
	require.Equal(t, "blog", body.Jobs[0].Name)
}

func TestProgressHandlerListJobsOffsetPastEnd(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(newFakeService(), zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?offset=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobs":[]`)
}

func TestProgressHandlerListJobsInvalidQuery(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(newFakeService(), zap.NewNop())
	for _, target := range []string{"/v1/jobs?limit=-1", "/v1/jobs?offset=x", "/v1/jobs?status=bogus"} {
		rec := httptest.NewRecorder()
		handler.ListJobs(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestProgressHandlerUnavailable(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProgressHandlerGetJob(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(newFakeService(), zap.NewNop())
	req := withJobNameParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/shop", nil), "shop")
	rec := httptest.NewRecorder()

	handler.GetJob(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Job jobDTO `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "id-1", body.Job.ID)
	require.Equal(t, string(crawler.JobStatusCompleted), body.Job.Status)
}

func TestProgressHandlerGetJobNotFound(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(newFakeService(), zap.NewNop())
	req := withJobNameParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil), "missing")
	rec := httptest.NewRecorder()

	handler.GetJob(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandlerProgress(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(newFakeService()), http.MethodGet, "/v1/jobs/shop/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Progress struct {
			Stage string `json:"stage"`
			Items int    `json:"items"`
			Links struct {
				Total int `json:"total"`
			} `json:"links"`
		} `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(crawler.StageDone), body.Progress.Stage)
	require.Equal(t, 3, body.Progress.Items)
	require.Equal(t, 5, body.Progress.Links.Total)

	rec = serve(newTestServer(newFakeService()), http.MethodGet, "/v1/jobs/missing/progress", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandlerCorruptState(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.err = crawler.ErrCorruptState
	rec := serve(newTestServer(svc), http.MethodGet, "/v1/jobs/shop/progress", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func withJobNameParam(r *http.Request, name string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("name", name)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
