package crawler

import "errors"

// Error taxonomy. Per-link failures wrap ErrTransport or ErrExtraction and
// never leave the batch; only ErrCorruptState and ErrConfig are meant to
// surface to the operator as process-level failures.
var (
	// ErrTransport marks a collaborator that could not fetch one URL.
	ErrTransport = errors.New("transport failure")
	// ErrExtraction marks malformed or empty structured data for one URL.
	ErrExtraction = errors.New("extraction failure")
	// ErrStageAbort aborts a discovery attempt; ledger state is kept.
	ErrStageAbort = errors.New("stage aborted")
	// ErrCorruptState marks persisted state that cannot be trusted.
	ErrCorruptState = errors.New("corrupt state")
	// ErrConfig marks invalid tunables; raised before any work starts.
	ErrConfig = errors.New("invalid configuration")

	ErrNotFound    = errors.New("not found")
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
	ErrUnknownURL  = errors.New("url not in ledger")
	ErrQueueClosed = errors.New("queue closed")
	// ErrStalled ends a job whose extraction batches stopped making progress.
	ErrStalled = errors.New("extraction stalled")
)
