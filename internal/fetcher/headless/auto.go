package headless

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
)

// Auto fetches over plain HTTP first and re-renders in the browser only
// when the Detector flags the response. A failed render falls back to the
// plain response.
type Auto struct {
	plain    crawler.Fetcher
	rendered crawler.Fetcher
	detector *Detector
	logger   *zap.Logger
}

// NewAuto combines a plain and a rendering fetcher.
func NewAuto(plain, rendered crawler.Fetcher, detector *Detector, logger *zap.Logger) *Auto {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auto{plain: plain, rendered: rendered, detector: detector, logger: logger}
}

// Fetch implements crawler.Fetcher.
func (a *Auto) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := a.plain.Fetch(ctx, req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !a.detector.NeedsJS(resp.Body) {
		return resp, nil
	}
	rendered, rerr := a.rendered.Fetch(ctx, req)
	if rerr != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, rerr
		}
		a.logger.Warn("headless render failed; using plain response",
			zap.String("url", req.URL), zap.Error(rerr))
		metrics.ObserveHeadlessPromotion(req.URL, false)
		return resp, nil
	}
	metrics.ObserveHeadlessPromotion(req.URL, true)
	rendered.UsedHeadless = true
	return rendered, nil
}
