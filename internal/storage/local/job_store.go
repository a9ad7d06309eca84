package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/storage/memory"
)

// JobsFile is the registry file name under the base directory.
const JobsFile = "jobs.json"

type jobsDocument struct {
	Jobs []crawler.Job `json:"jobs"`
}

// JobStore keeps every job record in one JSON document that is rewritten
// on each change.
type JobStore struct {
	path string
	mu   sync.Mutex
}

// NewJobStore creates a JobStore writing <BaseDir>/jobs.json.
func NewJobStore(cfg Config) (*JobStore, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &JobStore{path: filepath.Join(cfg.BaseDir, JobsFile)}, nil
}

// CreateJob implements crawler.JobStore.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	if err := crawler.ValidateJobName(job.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, err := s.read()
	if err != nil {
		return err
	}
	if indexOf(jobs, job.Name) >= 0 {
		return fmt.Errorf("create job %q: %w", job.Name, crawler.ErrJobExists)
	}
	return s.write(append(jobs, job))
}

// GetJob implements crawler.JobStore.
func (s *JobStore) GetJob(_ context.Context, name string) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, err := s.read()
	if err != nil {
		return crawler.Job{}, err
	}
	i := indexOf(jobs, name)
	if i < 0 {
		return crawler.Job{}, fmt.Errorf("get job %q: %w", name, crawler.ErrJobNotFound)
	}
	return jobs[i], nil
}

// ListJobs implements crawler.JobStore.
func (s *JobStore) ListJobs(_ context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]crawler.Job, 0, len(jobs))
	for _, job := range jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	memory.SortJobs(out)
	return out, nil
}

// UpdateJob implements crawler.JobStore.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, err := s.read()
	if err != nil {
		return err
	}
	i := indexOf(jobs, job.Name)
	if i < 0 {
		return fmt.Errorf("update job %q: %w", job.Name, crawler.ErrJobNotFound)
	}
	jobs[i] = job
	return s.write(jobs)
}

// DeleteJob implements crawler.JobStore.
func (s *JobStore) DeleteJob(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, err := s.read()
	if err != nil {
		return err
	}
	i := indexOf(jobs, name)
	if i < 0 {
		return fmt.Errorf("delete job %q: %w", name, crawler.ErrJobNotFound)
	}
	return s.write(append(jobs[:i], jobs[i+1:]...))
}

func (s *JobStore) read() ([]crawler.Job, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	var doc jobsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode jobs: %w: %v", crawler.ErrCorruptState, err)
	}
	return doc.Jobs, nil
}

func (s *JobStore) write(jobs []crawler.Job) error {
	data, err := json.MarshalIndent(jobsDocument{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("save jobs: %w", err)
	}
	return nil
}

func indexOf(jobs []crawler.Job, name string) int {
	for i, job := range jobs {
		if job.Name == name {
			return i
		}
	}
	return -1
}
