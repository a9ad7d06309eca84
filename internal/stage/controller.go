// Package stage drives a job through link discovery and extraction and keeps
// the persisted state machine that makes discovery run at most once.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/ledger"
	"github.com/JakeFAU/twostage-crawler/internal/progress"
)

// ErrInvalidTransition is returned when an operation is not allowed from
// the current state.
var ErrInvalidTransition = errors.New("invalid stage transition")

// Options bounds link discovery.
type Options struct {
	// MaxDepth: pages at depth < MaxDepth are expanded. The start URL is depth 0.
	MaxDepth int
	// MaxPages caps discovery fetches, skipped pages included.
	MaxPages int
	// FollowPerPage caps new links registered per page; 0 means unlimited.
	FollowPerPage int
	// AllowExternal registers links to other hosts.
	AllowExternal bool
	// Blocked hosts are never registered as discovered links.
	Blocked  *crawler.DomainBlocklist
	Logger   *zap.Logger
	Progress progress.Emitter
}

// CollectResult summarizes a Collect call.
type CollectResult struct {
	// Skipped is true when discovery had already completed and nothing was fetched.
	Skipped      bool
	PagesVisited int
	PagesSkipped int
	// NewLinks counts ledger entries registered by this call.
	NewLinks   int
	TotalLinks int
}

// Controller owns the stage record of one job.
type Controller struct {
	job        string
	startURL   string
	ledger     *ledger.Ledger
	store      crawler.StateStore
	discoverer crawler.Discoverer
	clock      crawler.Clock
	opts       Options
	logger     *zap.Logger
	progress   progress.Emitter

	mu     sync.Mutex
	record crawler.StageRecord
	loaded bool
}

// New constructs a Controller.
func New(
	job string,
	startURL string,
	led *ledger.Ledger,
	store crawler.StateStore,
	discoverer crawler.Discoverer,
	clock crawler.Clock,
	opts Options,
) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxDepth < 1 {
		opts.MaxDepth = 1
	}
	if opts.MaxPages < 1 {
		opts.MaxPages = 1
	}
	return &Controller{
		job:        job,
		startURL:   startURL,
		ledger:     led,
		store:      store,
		discoverer: discoverer,
		clock:      clock,
		opts:       opts,
		logger:     logger.With(zap.String("job", job)),
		progress:   progress.OrNop(opts.Progress),
	}
}

// State returns the persisted state, loading it on first use.
func (c *Controller) State(ctx context.Context) (crawler.StageState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return "", err
	}
	return c.record.State, nil
}

// Record returns a copy of the stage record.
func (c *Controller) Record(ctx context.Context) (crawler.StageRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return crawler.StageRecord{}, err
	}
	rec := c.record
	rec.Visited = append([]string(nil), c.record.Visited...)
	return rec, nil
}

// Collect ensures link discovery has completed. Without force, a completed
// discovery is not repeated: the ledger is loaded and nothing is fetched.
// With force the marker is cleared and discovery runs again; crawled flags
// in the ledger are kept.
func (c *Controller) Collect(ctx context.Context, force bool) (CollectResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return CollectResult{}, err
	}
	if err := c.ledger.Load(ctx); err != nil {
		return CollectResult{}, fmt.Errorf("collect %s: %w", c.job, err)
	}

	if c.record.HasMarker() && !force {
		if err := c.requireLedgerLocked(); err != nil {
			return CollectResult{}, err
		}
		c.record.State = crawler.StageLinksCollected
		if err := c.saveLocked(ctx); err != nil {
			return CollectResult{}, err
		}
		c.logger.Info("link discovery already complete", zap.Int("links", c.ledger.Counts().Total))
		return CollectResult{
			Skipped:      true,
			PagesVisited: c.record.PagesVisited,
			PagesSkipped: c.record.PagesSkipped,
			TotalLinks:   c.ledger.Counts().Total,
		}, nil
	}

	if force {
		if err := c.store.ClearStage(ctx, c.job); err != nil {
			return CollectResult{}, fmt.Errorf("clear stage %s: %w", c.job, err)
		}
		c.record = crawler.StageRecord{JobName: c.job}
	}
	c.record.State = crawler.StageCollecting
	if err := c.saveLocked(ctx); err != nil {
		return CollectResult{}, err
	}

	res, err := c.discover(ctx)
	if err != nil {
		return res, err
	}

	now := c.clock.Now()
	c.ledger.MarkCollected(now)
	c.record.DiscoveredAt = &now
	c.record.State = crawler.StageLinksCollected
	if err := c.checkpoint(ctx); err != nil {
		return res, err
	}
	res.TotalLinks = c.ledger.Counts().Total
	c.progress.Emit(progress.Event{
		Job:   c.job,
		TS:    now,
		Stage: progress.StageDiscoveryDone,
		Links: int64(res.TotalLinks),
	})
	c.logger.Info("link discovery complete",
		zap.Int("pages_visited", c.record.PagesVisited),
		zap.Int("pages_skipped", c.record.PagesSkipped),
		zap.Int("new_links", res.NewLinks),
		zap.Int("links", res.TotalLinks),
	)
	return res, nil
}

// discover walks the ledger breadth first. Ledger insertion order is BFS
// order, so pages visited by an aborted attempt are skipped and their
// children, already registered, are picked up in turn.
func (c *Controller) discover(ctx context.Context) (CollectResult, error) {
	var res CollectResult
	start, err := crawler.NormalizeURL(c.startURL)
	if err != nil {
		return res, fmt.Errorf("collect %s: %w: start url: %v", c.job, crawler.ErrConfig, err)
	}
	inserted, err := c.ledger.Register(start, 0)
	if err != nil {
		return res, fmt.Errorf("collect %s: %w", c.job, err)
	}
	if inserted {
		res.NewLinks++
	}

	visited := make(map[string]struct{}, len(c.record.Visited))
	for _, u := range c.record.Visited {
		visited[u] = struct{}{}
	}
	fetched := c.record.PagesVisited + c.record.PagesSkipped

	for i := 0; ; i++ {
		entry, ok := c.ledger.At(i)
		if !ok {
			break
		}
		if entry.Depth >= c.opts.MaxDepth {
			continue
		}
		if _, seen := visited[entry.URL]; seen {
			continue
		}
		if fetched >= c.opts.MaxPages {
			c.logger.Info("page budget reached", zap.Int("max_pages", c.opts.MaxPages))
			break
		}
		if err := ctx.Err(); err != nil {
			return res, c.abort(ctx, entry.URL, err)
		}

		began := time.Now()
		page, err := c.discoverer.Discover(ctx, entry.URL)
		if err != nil && (errors.Is(err, crawler.ErrStageAbort) || ctx.Err() != nil) {
			return res, c.abort(ctx, entry.URL, err)
		}
		fetched++
		visited[entry.URL] = struct{}{}
		c.record.Visited = append(c.record.Visited, entry.URL)

		if err != nil {
			c.record.PagesSkipped++
			res.PagesSkipped++
			c.logger.Warn("discovery page skipped", zap.String("url", entry.URL), zap.Error(err))
			c.progress.Emit(progress.Event{
				Job:   c.job,
				TS:    c.clock.Now(),
				Stage: progress.StagePageSkipped,
				URL:   entry.URL,
				Note:  err.Error(),
			})
		} else {
			added := c.registerLinks(entry, page)
			res.NewLinks += added
			c.record.PagesVisited++
			res.PagesVisited++
			c.logger.Debug("discovery page visited",
				zap.String("url", entry.URL),
				zap.Int("depth", entry.Depth),
				zap.Int("links", len(page.Links)),
				zap.Int("new_links", added),
			)
			c.progress.Emit(progress.Event{
				Job:   c.job,
				TS:    c.clock.Now(),
				Stage: progress.StagePageVisited,
				URL:   entry.URL,
				Links: int64(added),
				Bytes: int64(len(page.Content)),
				Dur:   time.Since(began),
			})
		}

		if err := c.checkpoint(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Controller) registerLinks(entry crawler.LinkEntry, page crawler.DiscoveredPage) int {
	base := page.URL
	if base == "" {
		base = entry.URL
	}
	added := 0
	for _, href := range page.Links {
		if c.opts.FollowPerPage > 0 && added >= c.opts.FollowPerPage {
			break
		}
		link, err := crawler.ResolveLink(base, href)
		if err != nil {
			continue
		}
		if !c.opts.AllowExternal && !crawler.SameHost(link, c.startURL) {
			continue
		}
		if c.opts.Blocked.BlocksURL(link) {
			continue
		}
		inserted, err := c.ledger.Register(link, entry.Depth+1)
		if err != nil {
			continue
		}
		if inserted {
			added++
		}
	}
	return added
}

// abort persists progress and leaves the stage in Collecting.
func (c *Controller) abort(ctx context.Context, url string, cause error) error {
	c.logger.Warn("link discovery aborted", zap.String("url", url), zap.Error(cause))
	// Progress must be written even when ctx is what was cancelled.
	saveCtx := context.WithoutCancel(ctx)
	if err := c.checkpoint(saveCtx); err != nil {
		return errors.Join(fmt.Errorf("collect %s: %w: %w", c.job, crawler.ErrStageAbort, cause), err)
	}
	return fmt.Errorf("collect %s: %w: %w", c.job, crawler.ErrStageAbort, cause)
}

func (c *Controller) checkpoint(ctx context.Context) error {
	if err := c.ledger.Persist(ctx); err != nil {
		return fmt.Errorf("collect %s: %w", c.job, err)
	}
	return c.saveLocked(ctx)
}

// BeginExtraction moves a job with collected links into Extracting.
func (c *Controller) BeginExtraction(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return err
	}
	switch c.record.State {
	case crawler.StageLinksCollected, crawler.StageExtracting, crawler.StageDone:
	default:
		return fmt.Errorf("begin extraction %s from %s: %w", c.job, c.record.State, ErrInvalidTransition)
	}
	if err := c.ledger.Load(ctx); err != nil {
		return fmt.Errorf("begin extraction %s: %w", c.job, err)
	}
	if err := c.requireLedgerLocked(); err != nil {
		return err
	}
	if c.record.State == crawler.StageExtracting {
		return nil
	}
	c.record.State = crawler.StageExtracting
	return c.saveLocked(ctx)
}

// CompleteBatch records the outcome of one extraction batch. The job is
// Done iff nothing remains pending; otherwise it stays Extracting. Batches
// are never looped here.
func (c *Controller) CompleteBatch(ctx context.Context, remaining int) (crawler.StageState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return "", err
	}
	if c.record.State != crawler.StageExtracting && c.record.State != crawler.StageDone {
		return c.record.State, fmt.Errorf("complete batch %s from %s: %w", c.job, c.record.State, ErrInvalidTransition)
	}
	next := crawler.StageExtracting
	if remaining == 0 {
		next = crawler.StageDone
	}
	if next == c.record.State {
		return next, nil
	}
	c.record.State = next
	if err := c.saveLocked(ctx); err != nil {
		return "", err
	}
	return next, nil
}

// Reset clears the discovery marker so the next Collect runs discovery
// again. Ledger and results are untouched.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.ClearStage(ctx, c.job); err != nil {
		return fmt.Errorf("reset %s: %w", c.job, err)
	}
	c.record = crawler.StageRecord{JobName: c.job, State: crawler.StageNotStarted}
	c.loaded = true
	c.logger.Info("stage reset")
	return nil
}

// Wipe deletes every persisted record of the job: ledger, results and
// stage. This is the only destructive operation.
func (c *Controller) Wipe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.DeleteState(ctx, c.job); err != nil {
		return fmt.Errorf("wipe %s: %w", c.job, err)
	}
	c.record = crawler.StageRecord{JobName: c.job, State: crawler.StageNotStarted}
	c.loaded = true
	c.logger.Warn("job state wiped")
	return nil
}

// requireLedgerLocked fails when the stage record says discovery finished
// but no ledger was ever stored for the job.
func (c *Controller) requireLedgerLocked() error {
	if c.ledger.Stored() {
		return nil
	}
	return fmt.Errorf("stage %s: %w: discovery marked complete at %s but no link ledger is stored",
		c.job, crawler.ErrCorruptState, c.record.DiscoveredAt.Format(time.RFC3339))
}

func (c *Controller) loadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	rec, err := c.store.LoadStage(ctx, c.job)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		rec = crawler.StageRecord{JobName: c.job, State: crawler.StageNotStarted}
	case err != nil:
		return fmt.Errorf("load stage %s: %w", c.job, err)
	case rec.JobName != c.job:
		return fmt.Errorf("load stage %s: %w: record belongs to job %q", c.job, crawler.ErrCorruptState, rec.JobName)
	}
	if rec.State == "" {
		rec.State = crawler.StageNotStarted
	}
	if err := checkRecord(rec); err != nil {
		return fmt.Errorf("load stage %s: %w", c.job, err)
	}
	c.record = rec
	c.loaded = true
	return nil
}

func (c *Controller) saveLocked(ctx context.Context) error {
	c.record.JobName = c.job
	c.record.UpdatedAt = c.clock.Now()
	if err := c.store.SaveStage(ctx, c.record); err != nil {
		return fmt.Errorf("save stage %s: %w", c.job, err)
	}
	return nil
}

// checkRecord rejects stage records whose state is unknown or contradicts
// the discovery marker.
func checkRecord(rec crawler.StageRecord) error {
	switch rec.State {
	case crawler.StageNotStarted, crawler.StageCollecting:
		return nil
	case crawler.StageLinksCollected, crawler.StageExtracting, crawler.StageDone:
		if !rec.HasMarker() {
			return fmt.Errorf("%w: state %s without discovery marker", crawler.ErrCorruptState, rec.State)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown state %q", crawler.ErrCorruptState, rec.State)
	}
}
