// Package headless renders pages in headless Chrome for sites whose links
// or content only exist after JavaScript runs.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// Settle is how long to wait after the body is ready for scripts to
	// finish rendering.
	Settle time.Duration `mapstructure:"settle"`
}

// Fetcher implements crawler.Fetcher and crawler.Discoverer with chromedp.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("%w: headless max parallel must be >= 0", crawler.ErrConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the fully rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := f.render(ctx, request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	metrics.ObserveFetch(request.URL, resp.StatusCode, len(resp.Body))
	return resp, nil
}

// Discover renders url and collects the absolute targets of its anchors
// from the resulting DOM.
func (f *Fetcher) Discover(ctx context.Context, rawURL string) (crawler.DiscoveredPage, error) {
	resp, err := f.render(ctx, crawler.FetchRequest{URL: rawURL})
	if err != nil {
		return crawler.DiscoveredPage{}, err
	}
	metrics.ObserveFetch(rawURL, resp.StatusCode, len(resp.Body))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return crawler.DiscoveredPage{}, fmt.Errorf("discover %s: %w: status %d", rawURL, crawler.ErrTransport, resp.StatusCode)
	}
	links, err := ExtractLinks(resp.URL, resp.Body)
	if err != nil {
		return crawler.DiscoveredPage{}, fmt.Errorf("discover %s: %w", rawURL, err)
	}
	return crawler.DiscoveredPage{URL: resp.URL, Content: resp.Body, Links: links}, nil
}

func (f *Fetcher) render(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	release, err := f.takeSlot(ctx)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	defer release()

	tab, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &mainDocument{}
	chromedp.ListenTarget(tab, doc.observe)

	var (
		html     string
		location string
	)
	start := time.Now()
	err = chromedp.Run(tab,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless render %s canceled: %w", request.URL, ctx.Err())
		}
		f.logger.Debug("headless render failed", zap.String("url", request.URL), zap.Error(err))
		return crawler.FetchResponse{}, fmt.Errorf("headless render %s: %w: %w", request.URL, crawler.ErrTransport, err)
	}

	status, headers, finalURL := doc.result(request.URL, location)
	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// prepareTab sets the user agent and any request headers before navigation.
func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		if err := network.SetExtraHTTPHeaders(networkHeaders(headers)).Do(ctx); err != nil {
			return fmt.Errorf("set request headers: %w", err)
		}
		return nil
	})
}

// takeSlot blocks until fewer than MaxParallel renders are running. The
// returned func frees the slot.
func (f *Fetcher) takeSlot(ctx context.Context) (func(), error) {
	if f.slots == nil {
		return func() {}, nil
	}
	select {
	case f.slots <- struct{}{}:
		return func() { <-f.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for headless slot: %w", ctx.Err())
	}
}
