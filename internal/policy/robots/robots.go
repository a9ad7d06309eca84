// Package robots enforces robots.txt for fetchers that do not check it
// themselves, such as the headless renderer.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

// ErrDisallowed marks a URL that robots.txt forbids for our user agent.
var ErrDisallowed = errors.New("disallowed by robots.txt")

const maxRobotsBytes = 1 << 20

// Policy caches one robots.txt per scheme and host.
type Policy struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	hosts map[string]*robotstxt.RobotsData
}

// New creates a Policy. A nil client uses http.DefaultClient.
func New(userAgent string, client *http.Client, logger *zap.Logger) *Policy {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		hosts:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether rawURL may be fetched. An unreachable robots.txt
// allows access; robotstxt maps 4xx to allow-all and 5xx to disallow-all.
func (p *Policy) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	data, err := p.load(ctx, u)
	if err != nil {
		p.logger.Warn("robots fetch failed; allowing access", zap.String("host", u.Host), zap.Error(err))
		return true
	}
	return data.TestAgent(u.EscapedPath(), p.userAgent)
}

func (p *Policy) load(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(u.Scheme + "://" + u.Host)
	p.mu.Lock()
	data, ok := p.hosts[key]
	p.mu.Unlock()
	if ok {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots: %w", err)
	}
	data, err = robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}

	p.mu.Lock()
	p.hosts[key] = data
	p.mu.Unlock()
	return data, nil
}

func (p *Policy) deny(rawURL string) error {
	return fmt.Errorf("%s: %w: %w", rawURL, crawler.ErrTransport, ErrDisallowed)
}

// Fetcher checks the Policy before delegating.
type Fetcher struct {
	policy *Policy
	next   crawler.Fetcher
}

// GuardFetcher wraps next with p.
func GuardFetcher(p *Policy, next crawler.Fetcher) *Fetcher {
	return &Fetcher{policy: p, next: next}
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if !f.policy.Allowed(ctx, req.URL) {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %w", f.policy.deny(req.URL))
	}
	return f.next.Fetch(ctx, req)
}

// Discoverer checks the Policy before delegating.
type Discoverer struct {
	policy *Policy
	next   crawler.Discoverer
}

// GuardDiscoverer wraps next with p.
func GuardDiscoverer(p *Policy, next crawler.Discoverer) *Discoverer {
	return &Discoverer{policy: p, next: next}
}

// Discover implements crawler.Discoverer.
func (d *Discoverer) Discover(ctx context.Context, rawURL string) (crawler.DiscoveredPage, error) {
	if !d.policy.Allowed(ctx, rawURL) {
		return crawler.DiscoveredPage{}, fmt.Errorf("discover %w", d.policy.deny(rawURL))
	}
	return d.next.Discover(ctx, rawURL)
}
