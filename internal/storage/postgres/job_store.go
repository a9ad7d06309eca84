// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable holds job records when Config.Table is empty.
const DefaultTable = "crawl_jobs"

// Config controls the Postgres connection pool used for job records.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// pool is the subset of pgxpool.Pool the store uses.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists job records in Postgres.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore connects to Postgres using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the job table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	name            TEXT PRIMARY KEY,
	id              TEXT NOT NULL,
	status          TEXT NOT NULL,
	params          JSONB NOT NULL,
	counters        JSONB NOT NULL,
	output_location TEXT NOT NULL DEFAULT '',
	error_text      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *JobStore) columns() string {
	return "name, id, status, params, counters, output_location, error_text, created_at, started_at, finished_at"
}

// CreateJob implements crawler.JobStore.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	if err := crawler.ValidateJobName(job.Name); err != nil {
		return err
	}
	params, counters, err := encode(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (name) DO NOTHING`, s.table, s.columns())
	tag, err := s.pool.Exec(ctx, query,
		job.Name,
		job.ID,
		string(job.Status),
		params,
		counters,
		job.OutputLocation,
		job.ErrorText,
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %q: %w", job.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %q: %w", job.Name, crawler.ErrJobExists)
	}
	return nil
}

// GetJob implements crawler.JobStore.
func (s *JobStore) GetJob(ctx context.Context, name string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = $1`, s.columns(), s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("get job %q: %w", name, crawler.ErrJobNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %q: %w", name, err)
	}
	return job, nil
}

// ListJobs implements crawler.JobStore.
func (s *JobStore) ListJobs(ctx context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ($1 = '' OR status = $1) ORDER BY created_at, name`,
		s.columns(), s.table)
	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// UpdateJob implements crawler.JobStore.
func (s *JobStore) UpdateJob(ctx context.Context, job crawler.Job) error {
	params, counters, err := encode(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	id = $2,
	status = $3,
	params = $4,
	counters = $5,
	output_location = $6,
	error_text = $7,
	started_at = $8,
	finished_at = $9
WHERE name = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		job.Name,
		job.ID,
		string(job.Status),
		params,
		counters,
		job.OutputLocation,
		job.ErrorText,
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job %q: %w", job.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %q: %w", job.Name, crawler.ErrJobNotFound)
	}
	return nil
}

// DeleteJob implements crawler.JobStore.
func (s *JobStore) DeleteJob(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("delete job %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete job %q: %w", name, crawler.ErrJobNotFound)
	}
	return nil
}

func encode(job crawler.Job) ([]byte, []byte, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal params: %w", err)
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal counters: %w", err)
	}
	return params, counters, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job      crawler.Job
		status   string
		params   []byte
		counters []byte
	)
	err := row.Scan(
		&job.Name,
		&job.ID,
		&status,
		&params,
		&counters,
		&job.OutputLocation,
		&job.ErrorText,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatus(status)
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return crawler.Job{}, fmt.Errorf("decode params of %q: %w: %v", job.Name, crawler.ErrCorruptState, err)
	}
	if err := json.Unmarshal(counters, &job.Counters); err != nil {
		return crawler.Job{}, fmt.Errorf("decode counters of %q: %w: %v", job.Name, crawler.ErrCorruptState, err)
	}
	return job, nil
}
