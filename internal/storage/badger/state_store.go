package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

const (
	kindLedger  = "ledger"
	kindResults = "results"
	kindStage   = "stage"
)

// stateRow holds one encoded record. Records are stored as JSON so item
// fields of any shape survive the gob layer.
type stateRow struct {
	Job  string
	Kind string
	Data []byte
}

// StateStore implements crawler.StateStore with one row per job and kind.
type StateStore struct {
	db *DB
}

// NewStateStore returns a StateStore on db.
func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db}
}

func stateKey(job, kind string) string {
	return "state/" + job + "/" + kind
}

// LoadLedger implements crawler.StateStore.
func (s *StateStore) LoadLedger(_ context.Context, job string) (crawler.LedgerRecord, error) {
	var rec crawler.LedgerRecord
	err := s.load(job, kindLedger, &rec)
	return rec, err
}

// SaveLedger implements crawler.StateStore.
func (s *StateStore) SaveLedger(_ context.Context, record crawler.LedgerRecord) error {
	return s.save(record.JobName, kindLedger, record)
}

// LoadResults implements crawler.StateStore.
func (s *StateStore) LoadResults(_ context.Context, job string) (crawler.ResultsRecord, error) {
	var rec crawler.ResultsRecord
	err := s.load(job, kindResults, &rec)
	return rec, err
}

// SaveResults implements crawler.StateStore.
func (s *StateStore) SaveResults(_ context.Context, record crawler.ResultsRecord) error {
	return s.save(record.JobName, kindResults, record)
}

// LoadStage implements crawler.StateStore.
func (s *StateStore) LoadStage(_ context.Context, job string) (crawler.StageRecord, error) {
	var rec crawler.StageRecord
	err := s.load(job, kindStage, &rec)
	return rec, err
}

// SaveStage implements crawler.StateStore.
func (s *StateStore) SaveStage(_ context.Context, record crawler.StageRecord) error {
	return s.save(record.JobName, kindStage, record)
}

// ClearStage implements crawler.StateStore.
func (s *StateStore) ClearStage(_ context.Context, job string) error {
	err := s.db.store.Delete(stateKey(job, kindStage), &stateRow{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("clear stage %s: %w", job, err)
	}
	return nil
}

// DeleteState implements crawler.StateStore.
func (s *StateStore) DeleteState(_ context.Context, job string) error {
	if err := s.db.store.DeleteMatching(&stateRow{}, badgerhold.Where("Job").Eq(job)); err != nil {
		return fmt.Errorf("delete state %s: %w", job, err)
	}
	return nil
}

func (s *StateStore) load(job, kind string, dst any) error {
	var row stateRow
	err := s.db.store.Get(stateKey(job, kind), &row)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("load %s %s: %w", kind, job, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", kind, job, err)
	}
	if err := json.Unmarshal(row.Data, dst); err != nil {
		return fmt.Errorf("decode %s %s: %w: %v", kind, job, crawler.ErrCorruptState, err)
	}
	return nil
}

func (s *StateStore) save(job, kind string, record any) error {
	if err := crawler.ValidateJobName(job); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, job, err)
	}
	if err := s.db.store.Upsert(stateKey(job, kind), &stateRow{Job: job, Kind: kind, Data: data}); err != nil {
		return fmt.Errorf("save %s %s: %w", kind, job, err)
	}
	return nil
}
