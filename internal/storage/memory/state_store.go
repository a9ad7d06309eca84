// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

// Record kinds kept per job.
const (
	KindLedger  = "ledger"
	KindResults = "results"
	KindStage   = "stage"
)

// StateStore keeps encoded records per job so that every load returns an
// independent copy, the same as a durable store would.
type StateStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	saves  map[string]int
	failOn map[string]error
}

// NewStateStore creates an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{
		data:   make(map[string]map[string][]byte),
		saves:  make(map[string]int),
		failOn: make(map[string]error),
	}
}

// PutRaw stores raw bytes for a record kind, bypassing encoding.
func (s *StateStore) PutRaw(job, kind string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(job, kind, append([]byte(nil), data...))
}

// Raw returns the stored bytes for a record kind.
func (s *StateStore) Raw(job, kind string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[job][kind]
	return append([]byte(nil), b...), ok
}

// Saves counts successful saves of a record kind.
func (s *StateStore) Saves(job, kind string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves[job+"/"+kind]
}

// FailSaves makes saves of kind for job return err; nil clears it.
func (s *StateStore) FailSaves(job, kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, job+"/"+kind)
		return
	}
	s.failOn[job+"/"+kind] = err
}

// LoadLedger implements crawler.StateStore.
func (s *StateStore) LoadLedger(_ context.Context, job string) (crawler.LedgerRecord, error) {
	var rec crawler.LedgerRecord
	err := s.load(job, KindLedger, &rec)
	return rec, err
}

// SaveLedger implements crawler.StateStore.
func (s *StateStore) SaveLedger(_ context.Context, record crawler.LedgerRecord) error {
	return s.save(record.JobName, KindLedger, record)
}

// LoadResults implements crawler.StateStore.
func (s *StateStore) LoadResults(_ context.Context, job string) (crawler.ResultsRecord, error) {
	var rec crawler.ResultsRecord
	err := s.load(job, KindResults, &rec)
	return rec, err
}

// SaveResults implements crawler.StateStore.
func (s *StateStore) SaveResults(_ context.Context, record crawler.ResultsRecord) error {
	return s.save(record.JobName, KindResults, record)
}

// LoadStage implements crawler.StateStore.
func (s *StateStore) LoadStage(_ context.Context, job string) (crawler.StageRecord, error) {
	var rec crawler.StageRecord
	err := s.load(job, KindStage, &rec)
	return rec, err
}

// SaveStage implements crawler.StateStore.
func (s *StateStore) SaveStage(_ context.Context, record crawler.StageRecord) error {
	return s.save(record.JobName, KindStage, record)
}

// ClearStage implements crawler.StateStore.
func (s *StateStore) ClearStage(_ context.Context, job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[job], KindStage)
	return nil
}

// DeleteState implements crawler.StateStore.
func (s *StateStore) DeleteState(_ context.Context, job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, job)
	return nil
}

func (s *StateStore) load(job, kind string, dst any) error {
	s.mu.RLock()
	b, ok := s.data[job][kind]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("load %s %s: %w", kind, job, crawler.ErrNotFound)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode %s %s: %w: %v", kind, job, crawler.ErrCorruptState, err)
	}
	return nil
}

func (s *StateStore) save(job, kind string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[job+"/"+kind]; err != nil {
		return err
	}
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, job, err)
	}
	s.put(job, kind, b)
	s.saves[job+"/"+kind]++
	return nil
}

func (s *StateStore) put(job, kind string, b []byte) {
	if s.data[job] == nil {
		s.data[job] = make(map[string][]byte)
	}
	s.data[job][kind] = b
}

func pointerTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
