package worker

import (
	"context"
	"fmt"

	"github.com/JakeFAU/twostage-crawler/internal/batch"
	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/ledger"
	"github.com/JakeFAU/twostage-crawler/internal/results"
	"github.com/JakeFAU/twostage-crawler/internal/stage"
)

// Session is one job's loaded state and the components that operate on it.
type Session struct {
	Job      crawler.Job
	Template crawler.Template
	Ledger   *ledger.Ledger
	Results  *results.Accumulator
	Stage    *stage.Controller
	Batch    *batch.Extractor
}

// Open loads the job's template, ledger and results and wires a stage
// controller and batch extractor over them.
func (w *Worker) Open(ctx context.Context, job crawler.Job) (*Session, error) {
	if err := crawler.ValidateJobName(job.Name); err != nil {
		return nil, err
	}
	tmpl, err := w.deps.Templates.Load(job.Params.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.Name, err)
	}
	logger := w.logger.Named("job")

	led := ledger.New(job.Name, job.Params.StartURL, w.deps.State, w.deps.Clock, ledger.Options{
		StrictUnknown: w.cfg.StrictUnknown,
		Logger:        logger,
	})
	if err := led.Load(ctx); err != nil {
		return nil, err
	}
	acc := results.New(job.Name, tmpl.Name, job.Params.StartURL, w.deps.State, w.deps.Clock)
	if err := acc.Load(ctx); err != nil {
		return nil, err
	}

	ctrl := stage.New(job.Name, job.Params.StartURL, led, w.deps.State, w.deps.Discoverer, w.deps.Clock, stage.Options{
		MaxDepth:      job.Params.MaxDepth,
		MaxPages:      job.Params.MaxPages,
		FollowPerPage: job.Params.FollowPerPage,
		AllowExternal: job.Params.AllowExternal,
		Blocked:       w.blocked,
		Logger:        logger.Named("stage"),
		Progress:      w.progress,
	})
	extractor := batch.New(job.Name, led, acc, w.deps.Fetcher, w.deps.Extractor, tmpl, w.deps.Clock, batch.Options{
		Parallelism: w.cfg.Parallelism,
		Hasher:      w.deps.Hasher,
		Logger:      logger.Named("batch"),
		Progress:    w.progress,
	})
	return &Session{
		Job:      job,
		Template: tmpl,
		Ledger:   led,
		Results:  acc,
		Stage:    ctrl,
		Batch:    extractor,
	}, nil
}

// Summary is a read-only view of a job's persisted progress.
type Summary struct {
	Job         string                  `json:"job"`
	Status      crawler.JobStatus       `json:"status"`
	Stage       crawler.StageState      `json:"stage"`
	Links       ledger.Counts           `json:"links"`
	Matching    int                     `json:"matching_pending"`
	Items       int                     `json:"items"`
	RecentItems []crawler.ExtractedItem `json:"recent_items,omitempty"`
}

// recentItems is how many of the newest items a Summary carries.
const recentItems = 5

// Summarize reports link, item and stage progress for job without
// changing anything.
func (w *Worker) Summarize(ctx context.Context, job crawler.Job) (Summary, error) {
	session, err := w.Open(ctx, job)
	if err != nil {
		return Summary{}, err
	}
	state, err := session.Stage.State(ctx)
	if err != nil {
		return Summary{}, err
	}
	filter, err := crawler.CompileFilter(job.Params.URLPatterns)
	if err != nil {
		return Summary{}, fmt.Errorf("job %s: %w", job.Name, err)
	}
	items := session.Results.Snapshot()
	recent := items
	if len(recent) > recentItems {
		recent = recent[len(recent)-recentItems:]
	}
	return Summary{
		Job:         job.Name,
		Status:      job.Status,
		Stage:       state,
		Links:       session.Ledger.Counts(),
		Matching:    session.Ledger.PendingCount(filter),
		Items:       len(items),
		RecentItems: recent,
	}, nil
}

// Stage builds a stage controller for job without loading its template or
// ledger. It serves State, Reset and Wipe.
func (w *Worker) Stage(job crawler.Job) *stage.Controller {
	logger := w.logger.Named("job")
	led := ledger.New(job.Name, job.Params.StartURL, w.deps.State, w.deps.Clock, ledger.Options{Logger: logger})
	return stage.New(job.Name, job.Params.StartURL, led, w.deps.State, w.deps.Discoverer, w.deps.Clock, stage.Options{
		MaxDepth: job.Params.MaxDepth,
		MaxPages: job.Params.MaxPages,
		Logger:   logger.Named("stage"),
		Progress: w.progress,
	})
}
