package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.Job),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("create job %q: %w", job.Name, crawler.ErrJobExists)
	}
	s.jobs[job.Name] = cloneJob(job)
	return nil
}

// GetJob fetches a job by name.
func (s *JobStore) GetJob(_ context.Context, name string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[name]
	if !ok {
		return crawler.Job{}, fmt.Errorf("get job %q: %w", name, crawler.ErrJobNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs ordered by creation time, then name.
func (s *JobStore) ListJobs(_ context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	SortJobs(out)
	return out, nil
}

// UpdateJob replaces an existing job.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; !ok {
		return fmt.Errorf("update job %q: %w", job.Name, crawler.ErrJobNotFound)
	}
	s.jobs[job.Name] = cloneJob(job)
	return nil
}

// DeleteJob removes a job.
func (s *JobStore) DeleteJob(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("delete job %q: %w", name, crawler.ErrJobNotFound)
	}
	delete(s.jobs, name)
	return nil
}

// SortJobs orders jobs by creation time, then name.
func SortJobs(jobs []crawler.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].Name < jobs[j].Name
	})
}

func cloneJob(job crawler.Job) crawler.Job {
	out := job
	out.Params.URLPatterns = append([]string(nil), job.Params.URLPatterns...)
	out.StartedAt = pointerTime(job.StartedAt)
	out.FinishedAt = pointerTime(job.FinishedAt)
	return out
}
