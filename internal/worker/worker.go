// Package worker runs one job at a time through discovery and extraction
// until nothing matching its patterns is left pending.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
	"github.com/JakeFAU/twostage-crawler/internal/progress"
)

// TemplateLoader resolves a job's template path.
type TemplateLoader interface {
	Load(path string) (crawler.Template, error)
}

// Config controls Worker behavior.
type Config struct {
	// MaxStalledBatches fails a job after this many consecutive batches
	// without a single success. Defaults to 1.
	MaxStalledBatches int
	// Parallelism is passed to each batch.
	Parallelism int
	// StrictUnknown makes the ledger reject marks for unregistered URLs.
	StrictUnknown bool
	// ExportPrefix is prepended to export object paths.
	ExportPrefix string
	// Topic receives a job-finished notification when set.
	Topic string
	// BlockedDomains are never registered during discovery.
	BlockedDomains []string
}

// Deps are the collaborators a Worker needs. BlobStore, Publisher, Hasher
// and Progress are optional.
type Deps struct {
	Jobs       crawler.JobStore
	State      crawler.StateStore
	Discoverer crawler.Discoverer
	Fetcher    crawler.Fetcher
	Extractor  crawler.Extractor
	Templates  TemplateLoader
	BlobStore  crawler.BlobStore
	Publisher  crawler.Publisher
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	Progress   progress.Emitter
}

// Worker executes jobs.
type Worker struct {
	deps     Deps
	cfg      Config
	logger   *zap.Logger
	progress progress.Emitter
	blocked  *crawler.DomainBlocklist
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxStalledBatches < 1 {
		cfg.MaxStalledBatches = 1
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Worker{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		progress: progress.OrNop(deps.Progress),
		blocked:  crawler.NewDomainBlocklist(cfg.BlockedDomains),
	}
}

// Run consumes queue items until the queue is closed and drained or ctx
// ends. onDone, when set, receives each finished job.
func (w *Worker) Run(ctx context.Context, queue crawler.Queue, onDone func(crawler.Job, error)) {
	for {
		item, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job", item.Job.Name))
		job, err := w.Process(ctx, item.Job)
		if onDone != nil {
			onDone(job, err)
		}
	}
}

// Process runs job to a terminal status and persists every transition:
// pending to running, then completed or failed. A job interrupted by ctx
// goes back to pending so a later run resumes it. Panics are recovered and
// fail the job.
func (w *Worker) Process(ctx context.Context, job crawler.Job) (final crawler.Job, err error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("job", job.Name))
	began := time.Now()
	now := w.deps.Clock.Now()
	job.Status = crawler.JobStatusRunning
	job.StartedAt = &now
	job.FinishedAt = nil
	job.ErrorText = ""
	if err := w.deps.Jobs.UpdateJob(ctx, job); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		return job, fmt.Errorf("mark %s running: %w", job.Name, err)
	}
	w.progress.Emit(progress.Event{Job: job.Name, TS: now, Stage: progress.StageJobStart})
	logger.Info("job started", zap.String("start_url", job.Params.StartURL))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			logger.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		final, err = w.finish(ctx, job, err, time.Since(began))
	}()

	err = w.execute(ctx, &job, logger)
	return job, err
}

func (w *Worker) execute(ctx context.Context, job *crawler.Job, logger *zap.Logger) error {
	if err := job.Params.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	session, err := w.Open(ctx, *job)
	if err != nil {
		return err
	}

	collected, err := session.Stage.Collect(ctx, job.Params.ForceDiscovery)
	if err != nil {
		return err
	}
	job.Counters.PagesVisited = collected.PagesVisited
	job.Counters.PagesSkipped = collected.PagesSkipped
	job.Counters.LinksDiscovered = collected.TotalLinks
	job.Params.ForceDiscovery = false

	if err := session.Stage.BeginExtraction(ctx); err != nil {
		return err
	}

	stalled := 0
	for {
		res, err := session.Batch.ExtractBatch(ctx, job.Params.URLPatterns, job.Params.BatchSize, job.Params.SaveInterval)
		job.Counters.ItemsFound = session.Results.Len()
		job.Counters.ExtractionFailures += res.Failed
		if err != nil {
			return err
		}
		if _, err := session.Stage.CompleteBatch(ctx, res.RemainingPending); err != nil {
			return err
		}
		if res.RemainingPending == 0 {
			break
		}
		if res.Succeeded == 0 {
			stalled++
			if stalled >= w.cfg.MaxStalledBatches {
				return fmt.Errorf("job %s: %w: %d links still pending after %d batches without progress",
					job.Name, crawler.ErrStalled, res.RemainingPending, stalled)
			}
		} else {
			stalled = 0
		}
		if err := w.deps.Jobs.UpdateJob(ctx, *job); err != nil {
			logger.Warn("update job counters failed", zap.Error(err))
		}
	}

	if w.deps.BlobStore != nil {
		uri, err := w.export(ctx, session)
		if err != nil {
			return err
		}
		job.OutputLocation = uri
	}
	return nil
}

func (w *Worker) finish(ctx context.Context, job crawler.Job, runErr error, elapsed time.Duration) (crawler.Job, error) {
	// Status writes must land even when ctx was cancelled.
	saveCtx := context.WithoutCancel(ctx)
	logger := w.logger.With(zap.String("job", job.Name))
	now := w.deps.Clock.Now()

	stage := progress.StageJobDone
	switch {
	case runErr == nil:
		job.Status = crawler.JobStatusCompleted
		job.FinishedAt = &now
	case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		job.Status = crawler.JobStatusPending
		job.ErrorText = runErr.Error()
		stage = progress.StageJobError
	default:
		job.Status = crawler.JobStatusFailed
		job.ErrorText = runErr.Error()
		job.FinishedAt = &now
		stage = progress.StageJobError
	}

	if err := w.deps.Jobs.UpdateJob(saveCtx, job); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
		runErr = errors.Join(runErr, fmt.Errorf("save job %s: %w", job.Name, err))
	}
	metrics.ObserveJob(string(job.Status))
	w.progress.Emit(progress.Event{Job: job.Name, TS: now, Stage: stage, Dur: elapsed, Note: job.ErrorText})
	if err := w.publish(saveCtx, job); err != nil {
		logger.Warn("job notification failed", zap.Error(err))
	}

	if runErr != nil {
		logger.Warn("job finished with error",
			zap.String("status", string(job.Status)),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr),
		)
		return job, runErr
	}
	logger.Info("job completed",
		zap.Int("links", job.Counters.LinksDiscovered),
		zap.Int("items", job.Counters.ItemsFound),
		zap.String("output", job.OutputLocation),
		zap.Duration("elapsed", elapsed),
	)
	return job, nil
}

// ExportPath is the object path of a job's exported results.
func (w *Worker) ExportPath(job string) string {
	prefix := strings.Trim(w.cfg.ExportPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/results.json", job)
	}
	return fmt.Sprintf("%s/%s/results.json", prefix, job)
}

// Export writes the job's accumulated results to the blob store.
func (w *Worker) Export(ctx context.Context, job crawler.Job) (string, error) {
	if w.deps.BlobStore == nil {
		return "", fmt.Errorf("%w: no export store configured", crawler.ErrConfig)
	}
	session, err := w.Open(ctx, job)
	if err != nil {
		return "", err
	}
	return w.export(ctx, session)
}

func (w *Worker) export(ctx context.Context, session *Session) (string, error) {
	rec := crawler.ResultsRecord{
		JobName:  session.Job.Name,
		Template: session.Template.Name,
		StartURL: session.Job.Params.StartURL,
		Counts: crawler.ResultCounts{
			LinksCollected: session.Ledger.Counts().Total,
			ItemsExtracted: session.Results.Len(),
		},
		LastUpdated: w.deps.Clock.Now(),
		Items:       session.Results.Snapshot(),
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export %s: %w", session.Job.Name, err)
	}
	uri, err := w.deps.BlobStore.PutObject(ctx, w.ExportPath(session.Job.Name), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("export %s: %w", session.Job.Name, err)
	}
	return uri, nil
}

func (w *Worker) publish(ctx context.Context, job crawler.Job) error {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return nil
	}
	payload := map[string]any{
		"job":              job.Name,
		"job_id":           job.ID,
		"status":           job.Status,
		"links_discovered": job.Counters.LinksDiscovered,
		"items_found":      job.Counters.ItemsFound,
		"output_location":  job.OutputLocation,
		"error":            job.ErrorText,
		"timestamp":        w.deps.Clock.Now().Format(time.RFC3339),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	return nil
}
