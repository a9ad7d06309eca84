// Package batch drains pending ledger links through fetch and extraction
// into the results accumulator, checkpointing as it goes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/ledger"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
	"github.com/JakeFAU/twostage-crawler/internal/progress"
	"github.com/JakeFAU/twostage-crawler/internal/results"
)

// Options tunes batch execution.
type Options struct {
	// Parallelism overlaps fetch and extraction of up to N links. Ledger and
	// results mutations are still applied one at a time in ledger order.
	Parallelism int
	Hasher      crawler.Hasher
	Logger      *zap.Logger
	Progress    progress.Emitter
}

// Failure records one link that did not produce an item.
type Failure struct {
	URL string
	Err error
}

// Result summarizes one ExtractBatch call.
type Result struct {
	Attempted        int
	Succeeded        int
	Failed           int
	RemainingPending int
	Failures         []Failure
}

// Extractor runs extraction batches for one job.
type Extractor struct {
	job       string
	ledger    *ledger.Ledger
	results   *results.Accumulator
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	template  crawler.Template
	clock     crawler.Clock
	opts      Options
	logger    *zap.Logger
	progress  progress.Emitter
}

// New constructs an Extractor. The ledger and accumulator must already be
// loaded.
func New(
	job string,
	led *ledger.Ledger,
	acc *results.Accumulator,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	tmpl crawler.Template,
	clock crawler.Clock,
	opts Options,
) *Extractor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Extractor{
		job:       job,
		ledger:    led,
		results:   acc,
		fetcher:   fetcher,
		extractor: extractor,
		template:  tmpl,
		clock:     clock,
		opts:      opts,
		logger:    logger.With(zap.String("job", job)),
		progress:  progress.OrNop(opts.Progress),
	}
}

type outcome struct {
	item crawler.ExtractedItem
	err  error
	dur  time.Duration
}

// ExtractBatch attempts up to batchSize pending links matching patterns, in
// ledger order. A link is marked crawled only after its item is in the
// accumulator; failed links stay pending for a later batch. Every
// saveInterval processed links, and once at the end, results are persisted
// and then the ledger. After ctx is done no new attempt starts; finished
// attempts are applied, a final checkpoint is written and the returned error
// wraps ctx.Err().
func (e *Extractor) ExtractBatch(ctx context.Context, patterns []string, batchSize, saveInterval int) (Result, error) {
	var res Result
	if batchSize < 1 {
		return res, fmt.Errorf("extract batch %s: %w: batch size %d < 1", e.job, crawler.ErrConfig, batchSize)
	}
	if saveInterval < 1 {
		return res, fmt.Errorf("extract batch %s: %w: save interval %d < 1", e.job, crawler.ErrConfig, saveInterval)
	}
	filter, err := crawler.CompileFilter(patterns)
	if err != nil {
		return res, fmt.Errorf("extract batch %s: %w", e.job, err)
	}

	links := make([]string, 0, batchSize)
	for u := range e.ledger.Pending(filter) {
		links = append(links, u)
		if len(links) == batchSize {
			break
		}
	}
	began := time.Now()
	e.logger.Info("extraction batch started",
		zap.Int("selected", len(links)),
		zap.Int("batch_size", batchSize),
		zap.Int("parallelism", e.opts.Parallelism),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	outcomes := e.launch(runCtx, links)

	sinceSave := 0
	for i, link := range links {
		o, started := <-outcomes[i]
		if !started {
			continue
		}
		res.Attempted++
		if o.err != nil {
			res.Failed++
			res.Failures = append(res.Failures, Failure{URL: link, Err: o.err})
			e.recordFailure(link, o.err)
		} else {
			e.results.Add(o.item)
			if err := e.ledger.MarkCrawled(link, o.item.ExtractedAt); err != nil {
				return res, fmt.Errorf("extract batch %s: %w", e.job, err)
			}
			res.Succeeded++
			metrics.ObserveExtraction("success")
			e.progress.Emit(progress.Event{
				Job:   e.job,
				TS:    e.clock.Now(),
				Stage: progress.StageItemExtracted,
				URL:   link,
				Items: 1,
				Dur:   o.dur,
			})
		}
		sinceSave++
		if sinceSave == saveInterval {
			if err := e.checkpoint(ctx); err != nil {
				return res, err
			}
			sinceSave = 0
		}
	}
	if sinceSave > 0 {
		if err := e.checkpoint(ctx); err != nil {
			return res, err
		}
	}

	res.RemainingPending = e.ledger.PendingCount(filter)
	metrics.ObserveBatch(time.Since(began))
	e.progress.Emit(progress.Event{
		Job:    e.job,
		TS:     e.clock.Now(),
		Stage:  progress.StageBatchDone,
		Items:  int64(res.Succeeded),
		Failed: int64(res.Failed),
		Dur:    time.Since(began),
	})
	e.logger.Info("extraction batch finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("remaining", res.RemainingPending),
		zap.Duration("elapsed", time.Since(began)),
	)
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("extract batch %s: %w", e.job, err)
	}
	return res, nil
}

// launch starts attempts in ledger order with at most Parallelism in
// flight. Each link gets a buffered channel; links never started because
// ctx ended have their channel closed.
func (e *Extractor) launch(ctx context.Context, links []string) []chan outcome {
	outcomes := make([]chan outcome, len(links))
	for i := range outcomes {
		outcomes[i] = make(chan outcome, 1)
	}
	sem := make(chan struct{}, e.opts.Parallelism)
	go func() {
		for i, link := range links {
			if ctx.Err() == nil {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
				}
			}
			if ctx.Err() != nil {
				for _, ch := range outcomes[i:] {
					close(ch)
				}
				return
			}
			go func(ch chan<- outcome, link string) {
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						ch <- outcome{err: fmt.Errorf("extract %s: %w: panic: %v", link, crawler.ErrExtraction, r)}
					}
				}()
				ch <- e.attempt(ctx, link)
			}(outcomes[i], link)
		}
	}()
	return outcomes
}

func (e *Extractor) attempt(ctx context.Context, link string) outcome {
	began := time.Now()
	resp, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{JobName: e.job, URL: link})
	if err != nil {
		return outcome{err: classify(crawler.ErrTransport, fmt.Errorf("fetch %s: %w", link, err))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return outcome{err: fmt.Errorf("fetch %s: %w: status %d", link, crawler.ErrTransport, resp.StatusCode)}
	}
	fields, err := e.extractor.Extract(ctx, resp.Body, e.template)
	if err != nil {
		return outcome{err: classify(crawler.ErrExtraction, fmt.Errorf("extract %s: %w", link, err))}
	}
	item := crawler.ExtractedItem{
		Fields:      fields,
		SourceURL:   link,
		ExtractedAt: e.clock.Now(),
	}
	if !item.HasData() {
		return outcome{err: fmt.Errorf("extract %s: %w: no template field has a value", link, crawler.ErrExtraction)}
	}
	if e.opts.Hasher != nil {
		sum, err := e.opts.Hasher.Hash(resp.Body)
		if err != nil {
			e.logger.Warn("content hash failed, storing item without hash", zap.String("url", link), zap.Error(err))
		} else {
			item.ContentHash = sum
		}
	}
	return outcome{item: item, dur: time.Since(began)}
}

// classify makes err match kind unless it already carries a taxonomy error.
func classify(kind, err error) error {
	if errors.Is(err, crawler.ErrTransport) || errors.Is(err, crawler.ErrExtraction) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func (e *Extractor) recordFailure(link string, err error) {
	result := "extraction_failure"
	if errors.Is(err, crawler.ErrTransport) {
		result = "transport_failure"
	}
	metrics.ObserveExtraction(result)
	e.logger.Warn("link extraction failed", zap.String("url", link), zap.Error(err))
	e.progress.Emit(progress.Event{
		Job:   e.job,
		TS:    e.clock.Now(),
		Stage: progress.StageLinkFailed,
		URL:   link,
		Note:  err.Error(),
	})
}

// checkpoint persists results before the ledger so that a crash between
// the two writes can only leave a crawled link pending, never an item lost.
func (e *Extractor) checkpoint(ctx context.Context) error {
	saveCtx := context.WithoutCancel(ctx)
	e.results.SetLinkCount(e.ledger.Counts().Total)
	if err := e.results.Persist(saveCtx); err != nil {
		metrics.ObserveCheckpoint(false)
		return fmt.Errorf("checkpoint %s: %w", e.job, err)
	}
	if err := e.ledger.Persist(saveCtx); err != nil {
		metrics.ObserveCheckpoint(false)
		return fmt.Errorf("checkpoint %s: %w", e.job, err)
	}
	metrics.ObserveCheckpoint(true)
	e.progress.Emit(progress.Event{Job: e.job, TS: e.clock.Now(), Stage: progress.StageCheckpoint})
	return nil
}
