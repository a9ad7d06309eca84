// Package retry repeats page fetches that failed for transient reasons,
// with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
)

// Policy bounds retries. MaxAttempts counts the first try; 1 disables
// retrying.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy tries three times, waiting roughly 250ms then 500ms.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// ShouldRetry reports whether attempt (0-based) may be followed by
// another. Transport failures, 429 and 5xx responses are retried;
// cancellation and configuration errors are not.
func (p Policy) ShouldRetry(resp crawler.FetchResponse, err error, attempt int) bool {
	if attempt+1 >= p.MaxAttempts {
		return false
	}
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return false
		case errors.Is(err, crawler.ErrConfig):
			return false
		default:
			return errors.Is(err, crawler.ErrTransport)
		}
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}

// Backoff is the wait after attempt: half of BaseDelay·2^attempt, capped
// at MaxDelay, plus up to the same again in jitter. A zero BaseDelay never
// waits.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 {
		delay = min(delay, p.MaxDelay)
	}
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + rand.N(half)
}

// Fetcher wraps another crawler.Fetcher with a Policy.
type Fetcher struct {
	next   crawler.Fetcher
	policy Policy
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// New wraps next. A non-positive MaxAttempts is treated as 1.
func New(next crawler.Fetcher, policy Policy, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.MaxAttempts = max(policy.MaxAttempts, 1)
	return &Fetcher{next: next, policy: policy, logger: logger, sleep: sleepContext}
}

// Fetch calls the wrapped fetcher until it succeeds, the policy gives up
// or ctx ends. The last response and error are returned as-is.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := f.next.Fetch(ctx, req)
		if !f.policy.ShouldRetry(resp, err, attempt) {
			return resp, err
		}
		wait := f.policy.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("status", resp.StatusCode),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		metrics.ObserveFetchRetry(req.URL)
		if serr := f.sleep(ctx, wait); serr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, serr)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
