// Package results implements the durable, deduplicated store of extracted
// items for a job.
package results

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

// Accumulator holds extracted items keyed by source URL. Items accumulate
// across runs; loading never truncates.
type Accumulator struct {
	job      string
	template string
	startURL string
	store    crawler.StateStore
	clock    crawler.Clock

	mu    sync.Mutex
	items []crawler.ExtractedItem
	index map[string]int
	links int
}

// New creates an empty accumulator for job.
func New(job, template, startURL string, store crawler.StateStore, clock crawler.Clock) *Accumulator {
	return &Accumulator{
		job:      job,
		template: template,
		startURL: startURL,
		store:    store,
		clock:    clock,
		index:    make(map[string]int),
	}
}

// Add inserts item, or replaces the item with the same source URL. It
// reports whether the entry count grew.
func (a *Accumulator) Add(item crawler.ExtractedItem) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i, ok := a.index[item.SourceURL]; ok {
		a.items[i] = item
		return false
	}
	a.index[item.SourceURL] = len(a.items)
	a.items = append(a.items, item)
	return true
}

// Has reports whether an item for sourceURL exists.
func (a *Accumulator) Has(sourceURL string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.index[sourceURL]
	return ok
}

// Len returns the number of distinct items.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// SetLinkCount records the ledger size reported in the persisted record.
func (a *Accumulator) SetLinkCount(n int) {
	a.mu.Lock()
	a.links = n
	a.mu.Unlock()
}

// Snapshot returns the items in insertion order.
func (a *Accumulator) Snapshot() []crawler.ExtractedItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]crawler.ExtractedItem, len(a.items))
	copy(out, a.items)
	return out
}

// Persist writes all items to the state store.
func (a *Accumulator) Persist(ctx context.Context) error {
	a.mu.Lock()
	rec := crawler.ResultsRecord{
		JobName:  a.job,
		Template: a.template,
		StartURL: a.startURL,
		Counts: crawler.ResultCounts{
			LinksCollected: a.links,
			ItemsExtracted: len(a.items),
		},
		LastUpdated: a.clock.Now(),
		Items:       make([]crawler.ExtractedItem, len(a.items)),
	}
	copy(rec.Items, a.items)
	a.mu.Unlock()

	if err := a.store.SaveResults(ctx, rec); err != nil {
		return fmt.Errorf("save results %s: %w", a.job, err)
	}
	return nil
}

// Load folds persisted items into memory without loss. Persisted order is
// kept; on a shared source URL the in-memory item wins since it is newer.
func (a *Accumulator) Load(ctx context.Context) error {
	rec, err := a.store.LoadResults(ctx, a.job)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load results %s: %w", a.job, err)
	}
	if err := Check(a.job, rec); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	merged := make([]crawler.ExtractedItem, 0, len(rec.Items)+len(a.items))
	index := make(map[string]int, len(rec.Items)+len(a.items))
	for _, item := range rec.Items {
		if i, ok := a.index[item.SourceURL]; ok {
			item = a.items[i]
		}
		index[item.SourceURL] = len(merged)
		merged = append(merged, item)
	}
	for _, item := range a.items {
		if _, ok := index[item.SourceURL]; ok {
			continue
		}
		index[item.SourceURL] = len(merged)
		merged = append(merged, item)
	}
	a.items = merged
	a.index = index
	if a.template == "" {
		a.template = rec.Template
	}
	return nil
}

// Check validates a persisted results record for job.
func Check(job string, rec crawler.ResultsRecord) error {
	if rec.JobName != job {
		return fmt.Errorf("results %s: %w: record belongs to job %q", job, crawler.ErrCorruptState, rec.JobName)
	}
	seen := make(map[string]struct{}, len(rec.Items))
	for i, item := range rec.Items {
		if item.SourceURL == "" {
			return fmt.Errorf("results %s: %w: item %d has no source url", job, crawler.ErrCorruptState, i)
		}
		if _, dup := seen[item.SourceURL]; dup {
			return fmt.Errorf("results %s: %w: duplicate source url %q", job, crawler.ErrCorruptState, item.SourceURL)
		}
		seen[item.SourceURL] = struct{}{}
	}
	if rec.Counts.ItemsExtracted != len(rec.Items) {
		return fmt.Errorf("results %s: %w: items_extracted=%d does not match %d items",
			job, crawler.ErrCorruptState, rec.Counts.ItemsExtracted, len(rec.Items))
	}
	return nil
}
