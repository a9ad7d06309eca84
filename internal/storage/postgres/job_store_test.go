package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

var columns = []string{
	"name", "id", "status", "params", "counters", "output_location", "error_text",
	"created_at", "started_at", "finished_at",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *JobStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStoreWithPool(mock, "")
	require.NoError(t, err)
	return mock, store
}

func sampleJob() crawler.Job {
	return crawler.Job{
		ID:        "0190-uuid",
		Name:      "shop",
		Status:    crawler.JobStatusPending,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Params: crawler.JobParameters{
			StartURL:     "https://shop.example.com/",
			TemplatePath: "templates/product.json",
			MaxDepth:     3,
			MaxPages:     100,
			BatchSize:    10,
			SaveInterval: 5,
			URLPatterns:  []string{"/p/"},
		},
	}
}

func TestNewJobStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewJobStoreWithPool(mock, "jobs; DROP TABLE x")
	require.Error(t, err)
	_, err = NewJobStoreWithPool(nil, "")
	require.Error(t, err)
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	job := sampleJob()
	params, err := json.Marshal(job.Params)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(
			job.Name, job.ID, "pending", params, []byte(`{"pages_visited":0,"pages_skipped":0,"links_discovered":0,"items_found":0,"extraction_failures":0}`),
			"", "", job.CreatedAt, job.StartedAt, job.FinishedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobConflict(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.CreateJob(context.Background(), sampleJob())
	require.ErrorIs(t, err, crawler.ErrJobExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	job := sampleJob()
	started := job.CreatedAt.Add(time.Minute)
	job.StartedAt = &started
	job.Status = crawler.JobStatusRunning
	job.Counters.LinksDiscovered = 62
	params, err := json.Marshal(job.Params)
	require.NoError(t, err)
	counters, err := json.Marshal(job.Counters)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE name").
		WithArgs("shop").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			job.Name, job.ID, "running", params, counters, "", "",
			job.CreatedAt, &started, (*time.Time)(nil),
		))

	got, err := store.GetJob(context.Background(), "shop")
	require.NoError(t, err)
	require.Equal(t, job, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE name").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(columns))

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	job := sampleJob()
	params, err := json.Marshal(job.Params)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE").
		WithArgs("pending").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("a", "1", "pending", params, []byte(`{}`), "", "", job.CreatedAt, (*time.Time)(nil), (*time.Time)(nil)).
			AddRow("b", "2", "pending", params, []byte(`{}`), "", "", job.CreatedAt, (*time.Time)(nil), (*time.Time)(nil)))

	jobs, err := store.ListJobs(context.Background(), crawler.JobStatusPending)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "a", jobs[0].Name)
	require.Equal(t, job.Params, jobs[1].Params)
}

func TestListJobsCorruptParams(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE").
		WithArgs("").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("a", "1", "pending", []byte(`not json`), []byte(`{}`), "", "", time.Now(), (*time.Time)(nil), (*time.Time)(nil)))

	_, err := store.ListJobs(context.Background(), "")
	require.ErrorIs(t, err, crawler.ErrCorruptState)
}

func TestUpdateJob(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	job := sampleJob()
	job.Status = crawler.JobStatusFailed
	job.ErrorText = "extraction stalled"

	mock.ExpectExec("UPDATE crawl_jobs SET").
		WithArgs("shop", job.ID, "failed", pgxmock.AnyArg(), pgxmock.AnyArg(), "", "extraction stalled",
			job.StartedAt, job.FinishedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateJob(context.Background(), job))

	mock.ExpectExec("UPDATE crawl_jobs SET").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.UpdateJob(context.Background(), job), crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("DELETE FROM crawl_jobs").WithArgs("shop").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM crawl_jobs").WithArgs("shop").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DELETE FROM crawl_jobs").WithArgs("boom").WillReturnError(errors.New("connection reset"))

	require.NoError(t, store.DeleteJob(context.Background(), "shop"))
	require.ErrorIs(t, store.DeleteJob(context.Background(), "shop"), crawler.ErrJobNotFound)
	require.ErrorContains(t, store.DeleteJob(context.Background(), "boom"), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_jobs").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
