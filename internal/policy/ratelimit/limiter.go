// Package ratelimit implements a per-domain token bucket used to space out
// requests to the same site.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/twostage-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS is requests per second per domain; <= 0 disables limiting.
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
	// DomainDelays overrides the spacing for a host and its subdomains. A
	// zero delay leaves that host unlimited.
	DomainDelays map[string]time.Duration `mapstructure:"domain_delays"`
}

// FromDelay converts a politeness delay between requests into a Config.
func FromDelay(delay time.Duration) Config {
	if delay <= 0 {
		return Config{}
	}
	return Config{DefaultRPS: perSecond(delay), DefaultBurst: 1}
}

func perSecond(delay time.Duration) float64 {
	return float64(time.Second) / float64(delay)
}

// Limiter hands out one token bucket per domain. Buckets are created on a
// domain's first request and live as long as the Limiter.
type Limiter struct {
	def       rate.Limit
	burst     int
	overrides map[string]rate.Limit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{
		def:       rate.Inf,
		burst:     max(cfg.DefaultBurst, 1),
		overrides: make(map[string]rate.Limit, len(cfg.DomainDelays)),
		buckets:   make(map[string]*rate.Limiter),
	}
	if cfg.DefaultRPS > 0 {
		l.def = rate.Limit(cfg.DefaultRPS)
	}
	for host, delay := range cfg.DomainDelays {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		if delay <= 0 {
			l.overrides[host] = rate.Inf
			continue
		}
		l.overrides[host] = rate.Limit(perSecond(delay))
	}
	return l
}

// limitFor returns the override for domain or its closest configured
// parent, else the default.
func (l *Limiter) limitFor(domain string) rate.Limit {
	for d := domain; d != ""; {
		if lim, ok := l.overrides[d]; ok {
			return lim
		}
		_, rest, found := strings.Cut(d, ".")
		if !found {
			break
		}
		d = rest
	}
	return l.def
}

func (l *Limiter) bucket(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[domain]
	if !ok {
		b = rate.NewLimiter(l.limitFor(domain), l.burst)
		l.buckets[domain] = b
	}
	return b
}

// Wait blocks until rawURL's domain may be requested again or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := Domain(rawURL)
	start := time.Now()
	if err := l.bucket(domain).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// Domains reports how many domains have a bucket.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Domain is the bucket key for rawURL: its lower-cased host name.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
