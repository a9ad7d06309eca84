package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/fetcher/retry"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsProbePolicy gives a slow robots.txt four chances, about 1.75s in
// all, before the host is treated as allow-all.
var robotsProbePolicy = retry.Policy{
	MaxAttempts: 4,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    time.Second,
}

// robotsTransport sits under the Colly collector. Only /robots.txt
// requests are special: timeouts are retried under policy and, when every
// attempt times out, answered with an allow-all file so a hanging
// robots.txt does not cost the job its discovery.
type robotsTransport struct {
	next     http.RoundTripper
	policy   retry.Policy
	wait     func(context.Context, time.Duration) error
	logger   *zap.Logger
	allowAll atomic.Int64
}

func newRobotsTransport(next http.RoundTripper, logger *zap.Logger) *robotsTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &robotsTransport{next: next, policy: robotsProbePolicy, wait: waitContext, logger: logger}
}

// AllowAllFallbacks counts probes answered with the synthetic allow-all file.
func (t *robotsTransport) AllowAllFallbacks() int64 {
	return t.allowAll.Load()
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("round trip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	return t.probe(req)
}

func (t *robotsTransport) probe(req *http.Request) (*http.Response, error) {
	attempts := max(t.policy.MaxAttempts, 1)
	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			if err := t.wait(req.Context(), t.policy.Backoff(attempt-1)); err != nil {
				return nil, fmt.Errorf("robots probe %s: %w", req.URL.Host, err)
			}
		}
		resp, err := t.next.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isProbeTimeout(err) {
			return nil, fmt.Errorf("robots probe %s: %w", req.URL.Host, err)
		}
		lastErr = err
	}

	t.allowAll.Add(1)
	metrics.ObserveRobotsFallback(req.URL.String())
	t.logger.Warn("robots.txt timed out, treating host as allow-all",
		zap.String("host", req.URL.Host),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}, nil
}

// isProbeTimeout matches deadline, net timeout and TLS handshake timeout
// failures. Refused connections and DNS errors are not retried.
func isProbeTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func waitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
