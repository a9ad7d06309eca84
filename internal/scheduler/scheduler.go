// Package scheduler runs every pending job with a bounded number executing
// at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/queue/memory"
)

// Runner drains a queue, reporting each finished job to onDone.
type Runner interface {
	Run(ctx context.Context, queue crawler.Queue, onDone func(crawler.Job, error))
}

// Summary tallies one RunPending call.
type Summary struct {
	Selected    int               `json:"selected"`
	Completed   int               `json:"completed"`
	Failed      int               `json:"failed"`
	Interrupted int               `json:"interrupted"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Scheduler fans pending jobs out to runners.
type Scheduler struct {
	jobs   crawler.JobStore
	runner Runner
	logger *zap.Logger
	mu     sync.Mutex
}

// New creates a Scheduler.
func New(jobs crawler.JobStore, runner Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{jobs: jobs, runner: runner, logger: logger}
}

// RunPending selects every pending job and runs them with at most
// maxConcurrent executing at once. Each job is one unit of work: its
// failure is recorded on its own record and never stops siblings. The
// returned error is reserved for problems selecting or queueing jobs.
// Overlapping calls are serialized so a job is never picked up twice.
func (s *Scheduler) RunPending(ctx context.Context, maxConcurrent int) (Summary, error) {
	var sum Summary
	if maxConcurrent < 1 {
		return sum, fmt.Errorf("run pending: %w: max concurrent %d < 1", crawler.ErrConfig, maxConcurrent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.jobs.ListJobs(ctx, crawler.JobStatusPending)
	if err != nil {
		return sum, fmt.Errorf("list pending jobs: %w", err)
	}
	sum.Selected = len(pending)
	if len(pending) == 0 {
		s.logger.Info("no pending jobs")
		return sum, nil
	}

	queue := memory.NewQueue(len(pending))
	now := time.Now().UnixNano()
	for _, job := range pending {
		if err := queue.Enqueue(ctx, crawler.QueueItem{Job: job, Submitted: now}); err != nil {
			return sum, fmt.Errorf("queue enqueue: %w", err)
		}
	}
	queue.Close()

	workers := min(maxConcurrent, len(pending))
	s.logger.Info("running pending jobs", zap.Int("jobs", len(pending)), zap.Int("concurrency", workers))

	var mu sync.Mutex
	onDone := func(job crawler.Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			sum.Completed++
			return
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			sum.Interrupted++
		default:
			sum.Failed++
		}
		if sum.Errors == nil {
			sum.Errors = make(map[string]string)
		}
		sum.Errors[job.Name] = err.Error()
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runner.Run(ctx, queue, onDone)
		}()
	}
	wg.Wait()

	s.logger.Info("pending jobs finished",
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed),
		zap.Int("interrupted", sum.Interrupted),
	)
	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("run pending: %w", err)
	}
	return sum, nil
}
