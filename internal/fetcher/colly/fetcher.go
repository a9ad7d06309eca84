// Package collyfetcher implements link discovery and page fetching with
// gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Waiter spaces out requests per domain.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements crawler.Fetcher and crawler.Discoverer using Colly.
type Fetcher struct {
	cfg           Config
	transport     *robotsTransport
	baseCollector *colly.Collector
	limiter       Waiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := newRobotsTransport(newHTTPTransport(), logger.Named("robots"))

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger,
	}
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned, not
// treated as errors; network failures wrap crawler.ErrTransport.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	if err := f.wait(ctx, request.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, request, time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	metrics.ObserveFetch(request.URL, result.StatusCode, len(result.Body))
	return result, nil
}

// Discover fetches url and reports the absolute targets of its anchors.
// Non-2xx pages are errors wrapping crawler.ErrTransport.
func (f *Fetcher) Discover(ctx context.Context, url string) (crawler.DiscoveredPage, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
		links    []string
	)
	if err := f.wait(ctx, url); err != nil {
		return crawler.DiscoveredPage{}, err
	}
	collector := f.buildCollector()
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if link := e.Request.AbsoluteURL(e.Attr("href")); link != "" {
			links = append(links, link)
		}
	})
	f.configureCollectorHooks(collector, crawler.FetchRequest{URL: url}, time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return crawler.DiscoveredPage{}, err
	}
	metrics.ObserveFetch(url, result.StatusCode, len(result.Body))
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return crawler.DiscoveredPage{}, fmt.Errorf("discover %s: %w: status %d", url, crawler.ErrTransport, result.StatusCode)
	}
	return crawler.DiscoveredPage{URL: result.URL, Content: result.Body, Links: links}, nil
}

func (f *Fetcher) wait(ctx context.Context, url string) error {
	if f.limiter == nil {
		return nil
	}
	if err := f.limiter.Wait(ctx, url); err != nil {
		return fmt.Errorf("politeness wait for %s: %w", url, err)
	}
	return nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			f.logger.Debug("colly visit failed", zap.String("url", url), zap.Error(err))
			return fmt.Errorf("colly visit %s: %w: %w", url, crawler.ErrTransport, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response %s: %w: %w", url, crawler.ErrTransport, *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
