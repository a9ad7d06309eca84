// Package ledger implements the durable per-job registry of discovered
// URLs and their crawl status.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

// Options tunes ledger behavior.
type Options struct {
	// StrictUnknown makes MarkCrawled fail with crawler.ErrUnknownURL for
	// URLs that were never registered. The default is a counted no-op.
	StrictUnknown bool
	Logger        *zap.Logger
}

// Counts summarizes the ledger.
type Counts struct {
	Total   int `json:"total"`
	Crawled int `json:"crawled"`
	Pending int `json:"pending"`
}

// Ledger is an insertion-ordered, deduplicated set of LinkEntry values for
// one job. Insertion order defines batch-processing order. It is safe for
// concurrent use.
type Ledger struct {
	job      string
	startURL string
	store    crawler.StateStore
	clock    crawler.Clock
	opts     Options
	logger   *zap.Logger

	mu          sync.Mutex
	entries     []crawler.LinkEntry
	index       map[string]int
	collectedAt time.Time
	stored      bool

	unknownMarks atomic.Int64
}

// New creates an empty ledger for job.
func New(job, startURL string, store crawler.StateStore, clock crawler.Clock, opts Options) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		job:      job,
		startURL: startURL,
		store:    store,
		clock:    clock,
		opts:     opts,
		logger:   logger,
		index:    make(map[string]int),
	}
}

// Job returns the owning job name.
func (l *Ledger) Job() string {
	return l.job
}

// Register adds url at depth unless an entry with the same normalized URL
// exists. It reports whether the URL was new.
func (l *Ledger) Register(rawURL string, depth int) (bool, error) {
	norm, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[norm]; ok {
		return false, nil
	}
	l.index[norm] = len(l.entries)
	l.entries = append(l.entries, crawler.LinkEntry{
		URL:          norm,
		Depth:        depth,
		DiscoveredAt: l.clock.Now(),
	})
	return true, nil
}

// Contains reports whether url is registered.
func (l *Ledger) Contains(rawURL string) bool {
	norm, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[norm]
	return ok
}

// MarkCrawled sets the crawled flag on url. It is idempotent: the first
// timestamp is kept. Unknown URLs are counted in UnknownMarks and ignored,
// or rejected with crawler.ErrUnknownURL when StrictUnknown is set.
func (l *Ledger) MarkCrawled(rawURL string, ts time.Time) error {
	norm, err := crawler.NormalizeURL(rawURL)
	if err == nil {
		l.mu.Lock()
		i, ok := l.index[norm]
		if ok {
			if !l.entries[i].Crawled {
				at := ts
				l.entries[i].Crawled = true
				l.entries[i].CrawledAt = &at
			}
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
	}
	l.unknownMarks.Add(1)
	if l.opts.StrictUnknown {
		return fmt.Errorf("mark crawled %q: %w", rawURL, crawler.ErrUnknownURL)
	}
	l.logger.Debug("mark crawled on unknown url ignored", zap.String("job", l.job), zap.String("url", rawURL))
	return nil
}

// UnknownMarks counts MarkCrawled calls for URLs that were not registered.
func (l *Ledger) UnknownMarks() int64 {
	return l.unknownMarks.Load()
}

// Pending yields not-yet-crawled URLs accepted by filter, in insertion
// order. The sequence is lazy and restartable; entries registered while
// iterating are visited too.
func (l *Ledger) Pending(filter crawler.Filter) iter.Seq[string] {
	return func(yield func(string) bool) {
		for i := 0; ; i++ {
			l.mu.Lock()
			if i >= len(l.entries) {
				l.mu.Unlock()
				return
			}
			entry := l.entries[i]
			l.mu.Unlock()
			if entry.Crawled || !filter.Match(entry.URL) {
				continue
			}
			if !yield(entry.URL) {
				return
			}
		}
	}
}

// At returns the entry at position i in insertion order.
func (l *Ledger) At(i int) (crawler.LinkEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.entries) {
		return crawler.LinkEntry{}, false
	}
	return cloneEntries(l.entries[i : i+1])[0], true
}

// PendingCount counts pending URLs accepted by filter.
func (l *Ledger) PendingCount(filter crawler.Filter) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if !e.Crawled && filter.Match(e.URL) {
			n++
		}
	}
	return n
}

// Counts returns totals over all entries.
func (l *Ledger) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := Counts{Total: len(l.entries)}
	for _, e := range l.entries {
		if e.Crawled {
			c.Crawled++
		}
	}
	c.Pending = c.Total - c.Crawled
	return c
}

// Entries returns a copy of all entries in insertion order.
func (l *Ledger) Entries() []crawler.LinkEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneEntries(l.entries)
}

// Persist writes the ledger to the state store.
func (l *Ledger) Persist(ctx context.Context) error {
	record := l.record()
	if err := l.store.SaveLedger(ctx, record); err != nil {
		return fmt.Errorf("save ledger %s: %w", l.job, err)
	}
	l.mu.Lock()
	l.stored = true
	l.mu.Unlock()
	return nil
}

// Stored reports whether a ledger record exists in the state store, either
// found by Load or written by Persist.
func (l *Ledger) Stored() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stored
}

// MarkCollected stamps the collection time written by the next Persist.
// Extraction checkpoints keep the stamp.
func (l *Ledger) MarkCollected(ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.collectedAt = ts
}

func (l *Ledger) record() crawler.LedgerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := crawler.LedgerRecord{
		JobName:     l.job,
		StartURL:    l.startURL,
		CollectedAt: l.collectedAt,
		TotalLinks:  len(l.entries),
		Links:       cloneEntries(l.entries),
	}
	for _, e := range l.entries {
		if e.Crawled {
			rec.CrawledCount++
		}
	}
	return rec
}

// Load merges the persisted ledger into memory. Persisted entries keep
// their order and come first; entries only known to this process follow.
// Crawled flags are merged with OR so no completed work is forgotten. A
// missing record is not an error; an inconsistent one wraps
// crawler.ErrCorruptState and leaves memory untouched.
func (l *Ledger) Load(ctx context.Context) error {
	rec, err := l.store.LoadLedger(ctx, l.job)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ledger %s: %w", l.job, err)
	}
	if err := Check(l.job, rec); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	merged := make([]crawler.LinkEntry, 0, len(rec.Links)+len(l.entries))
	index := make(map[string]int, len(rec.Links)+len(l.entries))
	for _, e := range rec.Links {
		if i, ok := l.index[e.URL]; ok {
			e = mergeEntry(e, l.entries[i])
		}
		index[e.URL] = len(merged)
		merged = append(merged, e)
	}
	for _, e := range l.entries {
		if _, ok := index[e.URL]; ok {
			continue
		}
		index[e.URL] = len(merged)
		merged = append(merged, e)
	}
	l.entries = merged
	l.index = index
	if l.startURL == "" {
		l.startURL = rec.StartURL
	}
	if l.collectedAt.IsZero() || rec.CollectedAt.After(l.collectedAt) {
		l.collectedAt = rec.CollectedAt
	}
	l.stored = true
	l.logger.Debug("ledger loaded",
		zap.String("job", l.job),
		zap.Int("persisted", len(rec.Links)),
		zap.Int("total", len(l.entries)),
	)
	return nil
}

// Check validates a persisted ledger record for job.
func Check(job string, rec crawler.LedgerRecord) error {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("ledger %s: %w: %s", job, crawler.ErrCorruptState, fmt.Sprintf(format, args...))
	}
	if rec.JobName != job {
		return corrupt("record belongs to job %q", rec.JobName)
	}
	seen := make(map[string]struct{}, len(rec.Links))
	crawled := 0
	for i, e := range rec.Links {
		if e.URL == "" {
			return corrupt("entry %d has empty url", i)
		}
		if _, dup := seen[e.URL]; dup {
			return corrupt("duplicate url %q", e.URL)
		}
		seen[e.URL] = struct{}{}
		if e.Crawled != (e.CrawledAt != nil) {
			return corrupt("entry %q crawled=%t disagrees with crawled_at", e.URL, e.Crawled)
		}
		if e.Crawled {
			crawled++
		}
	}
	if rec.TotalLinks != len(rec.Links) || rec.CrawledCount != crawled {
		return corrupt("counts total=%d crawled=%d do not match %d links, %d crawled",
			rec.TotalLinks, rec.CrawledCount, len(rec.Links), crawled)
	}
	return nil
}

func mergeEntry(persisted, mem crawler.LinkEntry) crawler.LinkEntry {
	out := persisted
	if mem.Depth < out.Depth {
		out.Depth = mem.Depth
	}
	if mem.Crawled {
		if !out.Crawled || mem.CrawledAt.Before(*out.CrawledAt) {
			at := *mem.CrawledAt
			out.Crawled = true
			out.CrawledAt = &at
		}
	}
	return out
}

func cloneEntries(in []crawler.LinkEntry) []crawler.LinkEntry {
	out := make([]crawler.LinkEntry, len(in))
	for i, e := range in {
		if e.CrawledAt != nil {
			at := *e.CrawledAt
			e.CrawledAt = &at
		}
		out[i] = e
	}
	return out
}
