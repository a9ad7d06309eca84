package crawler

import (
	"context"
	"io"
	"time"
)

// Discoverer fetches a page and reports its outbound links. Returning an
// error wrapping ErrStageAbort signals that the collaborator is wholly
// unavailable; any other error only skips the page.
type Discoverer interface {
	Discover(ctx context.Context, url string) (DiscoveredPage, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns page content into template-shaped fields.
type Extractor interface {
	Extract(ctx context.Context, content []byte, tmpl Template) (map[string]any, error)
}

// StateStore persists per-job ledger, results and stage records. Loads
// return ErrNotFound when nothing was stored and ErrCorruptState when the
// stored bytes cannot be decoded.
type StateStore interface {
	LoadLedger(ctx context.Context, job string) (LedgerRecord, error)
	SaveLedger(ctx context.Context, record LedgerRecord) error
	LoadResults(ctx context.Context, job string) (ResultsRecord, error)
	SaveResults(ctx context.Context, record ResultsRecord) error
	LoadStage(ctx context.Context, job string) (StageRecord, error)
	SaveStage(ctx context.Context, record StageRecord) error
	ClearStage(ctx context.Context, job string) error
	DeleteState(ctx context.Context, job string) error
}

// JobStore persists job records keyed by job name.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, name string) (Job, error)
	// ListJobs returns jobs with the given status, or all jobs when status is empty.
	ListJobs(ctx context.Context, status JobStatus) ([]Job, error)
	UpdateJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, name string) error
}

// BlobStore writes exported artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for item provenance.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	Job       Job
	Submitted int64
}

// Queue hands queued jobs to workers. Dequeue returns an error wrapping
// ErrQueueClosed once the queue is closed and drained.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}
