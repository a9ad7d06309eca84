package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/app"
	"github.com/JakeFAU/twostage-crawler/internal/batch"
	"github.com/JakeFAU/twostage-crawler/internal/config"
	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/ledger"
	"github.com/JakeFAU/twostage-crawler/internal/scheduler"
	"github.com/JakeFAU/twostage-crawler/internal/stage"
	"github.com/JakeFAU/twostage-crawler/internal/worker"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(newFakeService()), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_ExtractBatch(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.batch = batch.Result{
		Attempted:        2,
		Succeeded:        1,
		Failed:           1,
		RemainingPending: 3,
		Failures:         []batch.Failure{{URL: "https://shop.example.com/p/2", Err: fmt.Errorf("fetch: %w", crawler.ErrTransport)}},
	}
	server := newTestServer(svc)

	rec := serve(server, http.MethodPost, "/v1/jobs/shop/batch", []byte(`{"batch_size":5,"url_patterns":["/p/"]}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var got batchDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 3, got.RemainingPending)
	require.Len(t, got.Failures, 1)
	require.Contains(t, got.Failures[0].Error, "transport failure")

	req := svc.lastBatch()
	require.Equal(t, 5, req.Size)
	require.Equal(t, []string{"/p/"}, req.Patterns)
}

func TestServer_ExtractBatchEmptyBody(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	rec := serve(newTestServer(svc), http.MethodPost, "/v1/jobs/shop/batch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, app.BatchRequest{}, svc.lastBatch())
}

func TestServer_ExtractBatchErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unknown job", fmt.Errorf("get job x: %w", crawler.ErrJobNotFound), http.StatusNotFound},
		{"not discovered", fmt.Errorf("begin: %w", stage.ErrInvalidTransition), http.StatusConflict},
		{"bad tunable", fmt.Errorf("batch: %w", crawler.ErrConfig), http.StatusBadRequest},
		{"corrupt", fmt.Errorf("load: %w", crawler.ErrCorruptState), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc := newFakeService()
			svc.err = tc.err
			rec := serve(newTestServer(svc), http.MethodPost, "/v1/jobs/shop/batch", nil)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_ExtractBatchInvalidJSON(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(newFakeService()), http.MethodPost, "/v1/jobs/shop/batch", []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ResetJob(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	rec := serve(newTestServer(svc), http.MethodPost, "/v1/jobs/shop/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"shop"}, svc.resets)

	rec = serve(newTestServer(svc), http.MethodPost, "/v1/jobs/missing/reset", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RunInBackground(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.release = make(chan struct{})
	server := newTestServer(svc)

	rec := serve(server, http.MethodGet, "/v1/run", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = serve(server, http.MethodPost, "/v1/run", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	close(svc.release)
	require.Eventually(t, func() bool {
		rec := serve(server, http.MethodGet, "/v1/run", nil)
		var body struct {
			Running bool   `json:"running"`
			Run     runDTO `json:"run"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		return !body.Running && body.Run.Summary != nil && body.Run.Summary.Completed == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 3, svc.maxConcurrent())
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(context.Background(), newFakeService(), cfg, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/jobs?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(newFakeService()), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec = httptest.NewRecorder()
	newTestServer(newFakeService()).Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fakeService struct {
	mu      sync.Mutex
	jobs    []crawler.Job
	summary worker.Summary
	batch   batch.Result
	err     error
	release chan struct{}

	batches    []app.BatchRequest
	resets     []string
	concurrent int
}

func newFakeService() *fakeService {
	created := time.Unix(100, 0).UTC()
	return &fakeService{
		jobs: []crawler.Job{
			{ID: "id-1", Name: "shop", Status: crawler.JobStatusCompleted, CreatedAt: created},
			{ID: "id-2", Name: "blog", Status: crawler.JobStatusPending, CreatedAt: created},
			{ID: "id-3", Name: "news", Status: crawler.JobStatusPending, CreatedAt: created},
		},
		summary: worker.Summary{
			Job:    "shop",
			Status: crawler.JobStatusCompleted,
			Stage:  crawler.StageDone,
			Links:  ledger.Counts{Total: 5, Crawled: 3, Pending: 2},
			Items:  3,
		},
	}
}

func (f *fakeService) Jobs(_ context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []crawler.Job
	for _, job := range f.jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeService) Job(_ context.Context, name string) (crawler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return crawler.Job{}, f.err
	}
	for _, job := range f.jobs {
		if job.Name == name {
			return job, nil
		}
	}
	return crawler.Job{}, fmt.Errorf("get job %s: %w", name, crawler.ErrJobNotFound)
}

func (f *fakeService) Status(ctx context.Context, name string) (worker.Summary, error) {
	if _, err := f.Job(ctx, name); err != nil {
		return worker.Summary{}, err
	}
	return f.summary, nil
}

func (f *fakeService) ExtractBatch(_ context.Context, _ string, req app.BatchRequest) (batch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, req)
	return f.batch, f.err
}

func (f *fakeService) lastBatch() app.BatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[len(f.batches)-1]
}

func (f *fakeService) Reset(ctx context.Context, name string) error {
	if _, err := f.Job(ctx, name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, name)
	return nil
}

func (f *fakeService) RunPending(ctx context.Context, maxConcurrent int) (scheduler.Summary, error) {
	f.mu.Lock()
	f.concurrent = maxConcurrent
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return scheduler.Summary{}, ctx.Err()
		}
	}
	return scheduler.Summary{Selected: 1, Completed: 1}, nil
}

func (f *fakeService) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.concurrent
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Scheduler: config.SchedulerConfig{MaxConcurrent: 3},
	}
}

func newTestServer(svc Service) *Server {
	return NewServer(context.Background(), svc, testConfig(), zap.NewNop())
}

func serve(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}
