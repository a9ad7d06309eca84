package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/storage/memory"
)

// jobRow keeps Status queryable and the full record as JSON.
type jobRow struct {
	Name   string
	Status string
	Data   []byte
}

// JobStore implements crawler.JobStore.
type JobStore struct {
	db *DB
}

// NewJobStore returns a JobStore on db.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

func jobKey(name string) string {
	return "job/" + name
}

func encodeJob(job crawler.Job) (*jobRow, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %q: %w", job.Name, err)
	}
	return &jobRow{Name: job.Name, Status: string(job.Status), Data: data}, nil
}

func decodeJob(row jobRow) (crawler.Job, error) {
	var job crawler.Job
	if err := json.Unmarshal(row.Data, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job %q: %w: %v", row.Name, crawler.ErrCorruptState, err)
	}
	return job, nil
}

// CreateJob implements crawler.JobStore.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	if err := crawler.ValidateJobName(job.Name); err != nil {
		return err
	}
	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	err = s.db.store.Insert(jobKey(job.Name), row)
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return fmt.Errorf("create job %q: %w", job.Name, crawler.ErrJobExists)
	}
	if err != nil {
		return fmt.Errorf("create job %q: %w", job.Name, err)
	}
	return nil
}

// GetJob implements crawler.JobStore.
func (s *JobStore) GetJob(_ context.Context, name string) (crawler.Job, error) {
	var row jobRow
	err := s.db.store.Get(jobKey(name), &row)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return crawler.Job{}, fmt.Errorf("get job %q: %w", name, crawler.ErrJobNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %q: %w", name, err)
	}
	return decodeJob(row)
}

// ListJobs implements crawler.JobStore.
func (s *JobStore) ListJobs(_ context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	var query *badgerhold.Query
	if status != "" {
		query = badgerhold.Where("Status").Eq(string(status))
	}
	var rows []jobRow
	if err := s.db.store.Find(&rows, query); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]crawler.Job, 0, len(rows))
	for _, row := range rows {
		job, err := decodeJob(row)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	memory.SortJobs(out)
	return out, nil
}

// UpdateJob implements crawler.JobStore.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.Job) error {
	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	err = s.db.store.Update(jobKey(job.Name), row)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("update job %q: %w", job.Name, crawler.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("update job %q: %w", job.Name, err)
	}
	return nil
}

// DeleteJob implements crawler.JobStore.
func (s *JobStore) DeleteJob(_ context.Context, name string) error {
	err := s.db.store.Delete(jobKey(name), &jobRow{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("delete job %q: %w", name, crawler.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete job %q: %w", name, err)
	}
	return nil
}
