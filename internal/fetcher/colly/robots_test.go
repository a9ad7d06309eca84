package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type roundTripResult struct {
	resp *http.Response
	err  error
}

// scriptedTransport replays results in order, repeating the last one.
type scriptedTransport struct {
	results []roundTripResult
	calls   int
}

func (s *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	res := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	return res.resp, res.err
}

func newTestRobotsTransport(next http.RoundTripper) (*robotsTransport, *[]time.Duration) {
	var waits []time.Duration
	rt := newRobotsTransport(next, nil)
	rt.wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return rt, &waits
}

func TestRobotsProbeFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	rt, waits := newTestRobotsTransport(next)

	resp, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.example.com/robots.txt", nil))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, resp.Body.Close()) })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 4, next.calls)
	require.Len(t, *waits, 3)
	require.Equal(t, int64(1), rt.AllowAllFallbacks())
}

func TestRobotsProbeRecoversAfterTimeout(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	rt, waits := newTestRobotsTransport(next)

	resp, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.example.com/ROBOTS.TXT", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, next.calls)
	require.Len(t, *waits, 1)
	require.Zero(t, rt.AllowAllFallbacks())
}

func TestRobotsProbeRefusedConnectionFails(t *testing.T) {
	t.Parallel()

	refused := errors.New("dial tcp: connection refused")
	next := &scriptedTransport{results: []roundTripResult{{err: refused}}}
	rt, _ := newTestRobotsTransport(next)

	_, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.example.com/robots.txt", nil))
	require.ErrorIs(t, err, refused)
	require.Equal(t, 1, next.calls)
	require.Zero(t, rt.AllowAllFallbacks())
}

func TestRobotsProbeStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	rt := newRobotsTransport(next, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "https://shop.example.com/robots.txt", nil).WithContext(ctx)
	_, err := rt.RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, next.calls)
}

func TestPageRequestsAreNotRetried(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	rt, waits := newTestRobotsTransport(next)

	_, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.example.com/p/1", nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, next.calls)
	require.Empty(t, *waits)
}
