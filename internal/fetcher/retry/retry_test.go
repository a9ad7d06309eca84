package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

type step struct {
	status int
	err    error
}

type scriptedFetcher struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (s *scriptedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	if st.err != nil {
		return crawler.FetchResponse{}, st.err
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: st.status, Body: []byte("ok")}, nil
}

func newFetcher(next crawler.Fetcher, attempts int) (*Fetcher, *[]time.Duration) {
	var waits []time.Duration
	f := New(next, Policy{MaxAttempts: attempts, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, nil)
	f.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return f, &waits
}

var transient = fmt.Errorf("dial: %w", crawler.ErrTransport)

func TestFetchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{steps: []step{{err: transient}, {status: http.StatusBadGateway}, {status: http.StatusOK}}}
	f, waits := newFetcher(next, 3)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://shop.example.com/p/1"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, next.calls)
	require.Len(t, *waits, 2)
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{steps: []step{{status: http.StatusTooManyRequests}}}
	f, _ := newFetcher(next, 2)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://shop.example.com/p/1"})
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, 2, next.calls)
}

func TestFetchDoesNotRetryPermanentOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		step step
	}{
		{"not found", step{status: http.StatusNotFound}},
		{"config", step{err: fmt.Errorf("fetch: %w", crawler.ErrConfig)}},
		{"canceled", step{err: context.Canceled}},
		{"unclassified", step{err: errors.New("boom")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := &scriptedFetcher{steps: []step{tt.step}}
			f, waits := newFetcher(next, 5)
			_, _ = f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://shop.example.com/"})
			require.Equal(t, 1, next.calls)
			require.Empty(t, *waits)
		})
	}
}

func TestFetchStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next := &scriptedFetcher{steps: []step{{err: transient}}}
	f, _ := newFetcher(next, 5)

	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: "https://shop.example.com/"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, next.calls)
}

func TestBackoffIsBoundedAndJittered(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := range 8 {
		d := p.Backoff(attempt)
		ceiling := min(p.BaseDelay<<attempt, p.MaxDelay)
		require.GreaterOrEqual(t, d, ceiling/2, "attempt %d", attempt)
		require.Less(t, d, ceiling, "attempt %d", attempt)
	}
	require.Zero(t, Policy{MaxAttempts: 2, MaxDelay: time.Second}.Backoff(3))

	far := p.Backoff(200)
	require.GreaterOrEqual(t, far, 500*time.Millisecond)
	require.Less(t, far, time.Second)
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
