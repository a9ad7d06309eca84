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
)

// File names kept in each job directory.
const (
	LedgerFile  = "collected_links.json"
	ResultsFile = "results.json"
	StageFile   = "stage.json"
)

// StateStore keeps each job's records as JSON files under
// <base>/<job>/. Every save replaces its file atomically.
type StateStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewStateStore creates a StateStore rooted at cfg.BaseDir.
func NewStateStore(cfg Config) (*StateStore, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &StateStore{baseDir: cfg.BaseDir}, nil
}

// JobDir is the directory holding job's files.
func (s *StateStore) JobDir(job string) (string, error) {
	if err := crawler.ValidateJobName(job); err != nil {
		return "", err
	}
	return within(s.baseDir, job)
}

// LoadLedger implements crawler.StateStore.
func (s *StateStore) LoadLedger(_ context.Context, job string) (crawler.LedgerRecord, error) {
	var rec crawler.LedgerRecord
	err := s.load(job, LedgerFile, &rec)
	return rec, err
}

// SaveLedger implements crawler.StateStore.
func (s *StateStore) SaveLedger(_ context.Context, record crawler.LedgerRecord) error {
	return s.save(record.JobName, LedgerFile, record)
}

// LoadResults implements crawler.StateStore.
func (s *StateStore) LoadResults(_ context.Context, job string) (crawler.ResultsRecord, error) {
	var rec crawler.ResultsRecord
	err := s.load(job, ResultsFile, &rec)
	return rec, err
}

// SaveResults implements crawler.StateStore.
func (s *StateStore) SaveResults(_ context.Context, record crawler.ResultsRecord) error {
	return s.save(record.JobName, ResultsFile, record)
}

// LoadStage implements crawler.StateStore.
func (s *StateStore) LoadStage(_ context.Context, job string) (crawler.StageRecord, error) {
	var rec crawler.StageRecord
	err := s.load(job, StageFile, &rec)
	return rec, err
}

// SaveStage implements crawler.StateStore.
func (s *StateStore) SaveStage(_ context.Context, record crawler.StageRecord) error {
	return s.save(record.JobName, StageFile, record)
}

// ClearStage removes the stage file; a missing file is fine.
func (s *StateStore) ClearStage(_ context.Context, job string) error {
	dir, err := s.JobDir(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filepath.Join(dir, StageFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear stage %s: %w", job, err)
	}
	return nil
}

// DeleteState removes the job directory.
func (s *StateStore) DeleteState(_ context.Context, job string) error {
	dir, err := s.JobDir(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete state %s: %w", job, err)
	}
	return nil
}

func (s *StateStore) load(job, file string, dst any) error {
	dir, err := s.JobDir(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	data, err := os.ReadFile(filepath.Join(dir, file))
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s %s: %w", file, job, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read %s %s: %w", file, job, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s %s: %w: %v", file, job, crawler.ErrCorruptState, err)
	}
	return nil
}

func (s *StateStore) save(job, file string, record any) error {
	dir, err := s.JobDir(job)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", file, job, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(filepath.Join(dir, file), data); err != nil {
		return fmt.Errorf("save %s %s: %w", file, job, err)
	}
	return nil
}
