package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/batch"
	"github.com/JakeFAU/twostage-crawler/internal/config"
	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/scheduler"
	"github.com/JakeFAU/twostage-crawler/internal/stage"
	"github.com/JakeFAU/twostage-crawler/internal/worker"
)

// AddJob registers a pending job. Unset tunables come from the configured
// defaults.
func (a *App) AddJob(ctx context.Context, name string, params crawler.JobParameters) (crawler.Job, error) {
	if err := crawler.ValidateJobName(name); err != nil {
		return crawler.Job{}, err
	}
	params = params.WithDefaults(a.cfg.Defaults)
	if err := params.Validate(); err != nil {
		return crawler.Job{}, fmt.Errorf("job %s: %w", name, err)
	}
	id, err := a.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("job id: %w", err)
	}
	job := crawler.Job{
		ID:        id,
		Name:      name,
		Status:    crawler.JobStatusPending,
		Params:    params,
		CreatedAt: a.clock.Now(),
	}
	if err := a.jobs.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job %s: %w", name, err)
	}
	a.logger.Info("job added", zap.String("job", name), zap.String("start_url", params.StartURL))
	return job, nil
}

// LoadResult reports what LoadTasks did.
type LoadResult struct {
	Added   []crawler.Job `json:"added"`
	Skipped []string      `json:"skipped,omitempty"`
}

// LoadTasks adds one job per task in the file. Tasks whose name is already
// registered are skipped; any other failure stops the load.
func (a *App) LoadTasks(ctx context.Context, path string) (LoadResult, error) {
	var res LoadResult
	tasks, err := config.LoadTasks(path)
	if err != nil {
		return res, err
	}
	for _, task := range tasks {
		job, err := a.AddJob(ctx, task.Name, task.Params(a.cfg.Defaults))
		if errors.Is(err, crawler.ErrJobExists) {
			a.logger.Info("task already registered", zap.String("job", task.Name))
			res.Skipped = append(res.Skipped, task.Name)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("task %s: %w", task.Name, err)
		}
		res.Added = append(res.Added, job)
	}
	return res, nil
}

// Jobs lists job records, all of them when status is empty.
func (a *App) Jobs(ctx context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	jobs, err := a.jobs.ListJobs(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Job fetches one job record.
func (a *App) Job(ctx context.Context, name string) (crawler.Job, error) {
	job, err := a.jobs.GetJob(ctx, name)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", name, err)
	}
	return job, nil
}

// Status summarizes a job's persisted progress.
func (a *App) Status(ctx context.Context, name string) (worker.Summary, error) {
	job, err := a.Job(ctx, name)
	if err != nil {
		return worker.Summary{}, err
	}
	return a.worker.Summarize(ctx, job)
}

// Discover runs link discovery for one job. Without force, a job whose
// discovery already completed is left alone.
func (a *App) Discover(ctx context.Context, name string, force bool) (stage.CollectResult, error) {
	job, err := a.Job(ctx, name)
	if err != nil {
		return stage.CollectResult{}, err
	}
	session, err := a.worker.Open(ctx, job)
	if err != nil {
		return stage.CollectResult{}, err
	}
	res, err := session.Stage.Collect(ctx, force || job.Params.ForceDiscovery)
	if err != nil {
		return res, err
	}
	job.Counters.PagesVisited = res.PagesVisited
	job.Counters.PagesSkipped = res.PagesSkipped
	job.Counters.LinksDiscovered = res.TotalLinks
	job.Params.ForceDiscovery = false
	if err := a.jobs.UpdateJob(ctx, job); err != nil {
		return res, fmt.Errorf("update job %s: %w", name, err)
	}
	return res, nil
}

// BatchRequest overrides a job's extraction tunables for one batch. Zero
// values fall back to the job's parameters.
type BatchRequest struct {
	Size         int      `json:"batch_size"`
	SaveInterval int      `json:"save_interval"`
	Patterns     []string `json:"url_patterns"`
}

// ExtractBatch runs one extraction batch for a job whose links have been
// collected.
func (a *App) ExtractBatch(ctx context.Context, name string, req BatchRequest) (batch.Result, error) {
	job, err := a.Job(ctx, name)
	if err != nil {
		return batch.Result{}, err
	}
	size, interval, patterns := job.Params.BatchSize, job.Params.SaveInterval, job.Params.URLPatterns
	if req.Size != 0 {
		size = req.Size
	}
	if req.SaveInterval != 0 {
		interval = req.SaveInterval
	}
	if len(req.Patterns) > 0 {
		patterns = req.Patterns
	}

	session, err := a.worker.Open(ctx, job)
	if err != nil {
		return batch.Result{}, err
	}
	if err := session.Stage.BeginExtraction(ctx); err != nil {
		return batch.Result{}, err
	}
	res, err := session.Batch.ExtractBatch(ctx, patterns, size, interval)
	job.Counters.ItemsFound = session.Results.Len()
	job.Counters.ExtractionFailures += res.Failed
	if err != nil {
		return res, err
	}
	if _, err := session.Stage.CompleteBatch(ctx, res.RemainingPending); err != nil {
		return res, err
	}
	if err := a.jobs.UpdateJob(ctx, job); err != nil {
		return res, fmt.Errorf("update job %s: %w", name, err)
	}
	return res, nil
}

// RunPending runs every pending job to a terminal status.
func (a *App) RunPending(ctx context.Context, maxConcurrent int) (scheduler.Summary, error) {
	return a.scheduler.RunPending(ctx, maxConcurrent)
}

// Requeue puts a job back to pending so the next RunPending picks it up.
// Discovery and extraction progress are kept.
func (a *App) Requeue(ctx context.Context, name string) (crawler.Job, error) {
	job, err := a.Job(ctx, name)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatusPending
	job.ErrorText = ""
	job.FinishedAt = nil
	if err := a.jobs.UpdateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("update job %s: %w", name, err)
	}
	a.logger.Info("job requeued", zap.String("job", name))
	return job, nil
}

// Reset clears the discovery marker so the next run discovers again.
func (a *App) Reset(ctx context.Context, name string) error {
	job, err := a.Job(ctx, name)
	if err != nil {
		return err
	}
	return a.worker.Stage(job).Reset(ctx)
}

// Wipe deletes a job's ledger, results and stage marker and returns the
// job to pending with zeroed counters.
func (a *App) Wipe(ctx context.Context, name string) (crawler.Job, error) {
	job, err := a.Job(ctx, name)
	if err != nil {
		return crawler.Job{}, err
	}
	if err := a.worker.Stage(job).Wipe(ctx); err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatusPending
	job.Counters = crawler.JobCounters{}
	job.OutputLocation = ""
	job.ErrorText = ""
	job.StartedAt = nil
	job.FinishedAt = nil
	if err := a.jobs.UpdateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("update job %s: %w", name, err)
	}
	return job, nil
}

// Delete removes a job record together with its persisted state.
func (a *App) Delete(ctx context.Context, name string) error {
	job, err := a.Job(ctx, name)
	if err != nil {
		return err
	}
	if err := a.worker.Stage(job).Wipe(ctx); err != nil {
		return err
	}
	if err := a.jobs.DeleteJob(ctx, name); err != nil {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	a.logger.Info("job deleted", zap.String("job", name))
	return nil
}

// Export writes a job's current results to the export store and records
// where they went.
func (a *App) Export(ctx context.Context, name string) (string, error) {
	job, err := a.Job(ctx, name)
	if err != nil {
		return "", err
	}
	uri, err := a.worker.Export(ctx, job)
	if err != nil {
		return "", err
	}
	job.OutputLocation = uri
	if err := a.jobs.UpdateJob(ctx, job); err != nil {
		return uri, fmt.Errorf("update job %s: %w", name, err)
	}
	return uri, nil
}
