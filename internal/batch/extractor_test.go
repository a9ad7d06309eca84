package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/ledger"
	"github.com/JakeFAU/twostage-crawler/internal/results"
	"github.com/JakeFAU/twostage-crawler/internal/stage"
	"github.com/JakeFAU/twostage-crawler/internal/storage/memory"
)

const (
	jobName  = "shop"
	startURL = "https://shop.example.com/"
)

var productTemplate = crawler.Template{
	Name: "product",
	Fields: []crawler.TemplateField{
		{Name: "title", Description: "product title"},
		{Name: "price", Description: "price in USD"},
	},
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// fakeFetcher serves every URL with its path as body unless told otherwise.
type fakeFetcher struct {
	mu       sync.Mutex
	status   map[string]int
	errs     map[string]error
	calls    []string
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{status: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	err := f.errs[req.URL]
	status, ok := f.status[req.URL]
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !ok {
		status = http.StatusOK
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(req.URL)}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeExtractor returns the body as title; bodies containing "empty" yield
// blank fields and bodies containing "broken" fail.
type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, content []byte, tmpl crawler.Template) (map[string]any, error) {
	body := string(content)
	if strings.Contains(body, "broken") {
		return nil, errors.New("model returned prose")
	}
	if strings.Contains(body, "empty") {
		return map[string]any{"title": "", "price": nil}, nil
	}
	fields := make(map[string]any, len(tmpl.Fields))
	fields["title"] = body
	fields["price"] = 9.99
	return fields, nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("len-%d", len(data)), nil
}

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) {
	return "", errors.New("hash unavailable")
}

// orderedStore records the order of ledger and results saves.
type orderedStore struct {
	*memory.StateStore
	mu  sync.Mutex
	log []string
}

func (s *orderedStore) SaveLedger(ctx context.Context, rec crawler.LedgerRecord) error {
	s.mu.Lock()
	s.log = append(s.log, "ledger")
	s.mu.Unlock()
	return s.StateStore.SaveLedger(ctx, rec)
}

func (s *orderedStore) SaveResults(ctx context.Context, rec crawler.ResultsRecord) error {
	s.mu.Lock()
	s.log = append(s.log, "results")
	s.mu.Unlock()
	return s.StateStore.SaveResults(ctx, rec)
}

type harness struct {
	store   crawler.StateStore
	clock   *fakeClock
	ledger  *ledger.Ledger
	results *results.Accumulator
}

func newHarness(t *testing.T, store crawler.StateStore) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(0, 0).UTC()}
	h := &harness{
		store:   store,
		clock:   clock,
		ledger:  ledger.New(jobName, startURL, store, clock, ledger.Options{}),
		results: results.New(jobName, productTemplate.Name, startURL, store, clock),
	}
	require.NoError(t, h.ledger.Load(context.Background()))
	require.NoError(t, h.results.Load(context.Background()))
	return h
}

func (h *harness) register(t *testing.T, urls ...string) {
	t.Helper()
	for _, u := range urls {
		_, err := h.ledger.Register(u, 1)
		require.NoError(t, err)
	}
	require.NoError(t, h.ledger.Persist(context.Background()))
}

func (h *harness) extractor(f crawler.Fetcher, opts Options) *Extractor {
	return New(jobName, h.ledger, h.results, f, fakeExtractor{}, productTemplate, h.clock, opts)
}

func productURLs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://shop.example.com/product/%02d", i)
	}
	return out
}

func TestExtractBatchRejectsBadArguments(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.NewStateStore())
	h.register(t, productURLs(3)...)
	fetcher := newFakeFetcher()
	ex := h.extractor(fetcher, Options{})

	_, err := ex.ExtractBatch(context.Background(), nil, 0, 1)
	require.ErrorIs(t, err, crawler.ErrConfig)
	_, err = ex.ExtractBatch(context.Background(), nil, 1, 0)
	require.ErrorIs(t, err, crawler.ErrConfig)
	_, err = ex.ExtractBatch(context.Background(), []string{"regex:(oops"}, 1, 1)
	require.ErrorIs(t, err, crawler.ErrConfig)
	require.Empty(t, fetcher.Calls())
}

func TestExtractBatchProcessesInLedgerOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.NewStateStore())
	h.register(t, "https://shop.example.com/about")
	h.register(t, productURLs(5)...)
	fetcher := newFakeFetcher()
	ex := h.extractor(fetcher, Options{Hasher: fakeHasher{}})

	res, err := ex.ExtractBatch(context.Background(), []string{"/product/"}, 3, 10)
	require.NoError(t, err)
	require.Equal(t, Result{Attempted: 3, Succeeded: 3, RemainingPending: 2}, res)
	require.Equal(t, productURLs(3), fetcher.Calls())

	items := h.results.Snapshot()
	require.Len(t, items, 3)
	require.Equal(t, productURLs(1)[0], items[0].SourceURL)
	require.Equal(t, "len-35", items[0].ContentHash)
	require.Equal(t, ledger.Counts{Total: 6, Crawled: 3, Pending: 3}, h.ledger.Counts())
}

func TestExtractBatchHashErrorIsLogged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.NewStateStore())
	h.register(t, productURLs(1)...)
	core, logs := observer.New(zap.WarnLevel)
	ex := h.extractor(newFakeFetcher(), Options{Hasher: failingHasher{}, Logger: zap.New(core)})

	res, err := ex.ExtractBatch(context.Background(), nil, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	items := h.results.Snapshot()
	require.Len(t, items, 1)
	require.Empty(t, items[0].ContentHash)

	entries := logs.FilterMessage("content hash failed, storing item without hash").All()
	require.Len(t, entries, 1)
	require.Equal(t, productURLs(1)[0], entries[0].ContextMap()["url"])
}

func TestExtractBatchFailuresStayPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.NewStateStore())
	urls := []string{
		"https://shop.example.com/product/ok",
		"https://shop.example.com/product/gone",
		"https://shop.example.com/product/down",
		"https://shop.example.com/product/broken",
		"https://shop.example.com/product/empty",
	}
	h.register(t, urls...)
	fetcher := newFakeFetcher()
	fetcher.status[urls[1]] = http.StatusNotFound
	fetcher.errs[urls[2]] = errors.New("connection reset")
	ex := h.extractor(fetcher, Options{})

	res, err := ex.ExtractBatch(context.Background(), nil, 10, 2)
	require.NoError(t, err)
	require.Equal(t, 5, res.Attempted)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 4, res.Failed)
	require.Equal(t, 4, res.RemainingPending)

	byURL := map[string]error{}
	for _, f := range res.Failures {
		byURL[f.URL] = f.Err
	}
	require.ErrorIs(t, byURL[urls[1]], crawler.ErrTransport)
	require.ErrorIs(t, byURL[urls[2]], crawler.ErrTransport)
	require.ErrorIs(t, byURL[urls[3]], crawler.ErrExtraction)
	require.ErrorIs(t, byURL[urls[4]], crawler.ErrExtraction)
	require.Equal(t, 1, h.results.Len())

	// A later batch retries the same failing links and nothing else.
	res, err = ex.ExtractBatch(context.Background(), nil, 10, 2)
	require.NoError(t, err)
	require.Equal(t, 4, res.Attempted)
	require.Equal(t, 0, res.Succeeded)
}

func TestCheckpointWritesResultsBeforeLedger(t *testing.T) {
	t.Parallel()

	store := &orderedStore{StateStore: memory.NewStateStore()}
	h := newHarness(t, store)
	h.register(t, productURLs(5)...)
	store.log = nil
	ex := h.extractor(newFakeFetcher(), Options{})

	_, err := ex.ExtractBatch(context.Background(), nil, 5, 2)
	require.NoError(t, err)
	// Two interval checkpoints plus the final one for the fifth link.
	require.Equal(t, []string{"results", "ledger", "results", "ledger", "results", "ledger"}, store.log)
}

func TestRestartNeitherLosesNorDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStateStore()
	h := newHarness(t, store)
	h.register(t, productURLs(10)...)

	// The ledger write of the second checkpoint fails: results for links
	// 0..3 are durable but only links 0..1 are marked crawled on disk.
	ex := h.extractor(newFakeFetcher(), Options{})
	_, err := ex.ExtractBatch(ctx, nil, 2, 2)
	require.NoError(t, err)
	store.FailSaves(jobName, memory.KindLedger, errors.New("disk full"))
	_, err = ex.ExtractBatch(ctx, nil, 2, 2)
	require.Error(t, err)
	store.FailSaves(jobName, memory.KindLedger, nil)

	// Reload in a fresh process and finish the job.
	restarted := newHarness(t, store)
	require.Equal(t, 2, restarted.ledger.Counts().Crawled)
	require.Equal(t, 4, restarted.results.Len())
	fetcher := newFakeFetcher()
	ex2 := restarted.extractor(fetcher, Options{})
	for {
		res, err := ex2.ExtractBatch(ctx, nil, 3, 2)
		require.NoError(t, err)
		if res.RemainingPending == 0 {
			break
		}
	}
	require.Len(t, fetcher.Calls(), 8, "links 2 and 3 are redone, nothing else")

	// Compare against a single uninterrupted run.
	single := newHarness(t, memory.NewStateStore())
	single.register(t, productURLs(10)...)
	_, err = single.extractor(newFakeFetcher(), Options{}).ExtractBatch(ctx, nil, 10, 2)
	require.NoError(t, err)

	final := newHarness(t, store)
	require.Equal(t, single.ledger.Counts(), final.ledger.Counts())
	require.Equal(t, single.results.Len(), final.results.Len())
	for i, item := range final.results.Snapshot() {
		require.Equal(t, single.results.Snapshot()[i].SourceURL, item.SourceURL)
		require.Equal(t, single.results.Snapshot()[i].Fields, item.Fields)
	}
}

func TestParallelismKeepsOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.NewStateStore())
	h.register(t, productURLs(8)...)
	fetcher := newFakeFetcher()
	fetcher.delay = 20 * time.Millisecond
	ex := h.extractor(fetcher, Options{Parallelism: 4})

	res, err := ex.ExtractBatch(context.Background(), nil, 8, 3)
	require.NoError(t, err)
	require.Equal(t, 8, res.Succeeded)
	require.Greater(t, fetcher.peak.Load(), int32(1))
	require.LessOrEqual(t, fetcher.peak.Load(), int32(4))

	items := h.results.Snapshot()
	for i, u := range productURLs(8) {
		require.Equal(t, u, items[i].SourceURL)
	}
}

func TestCancellationStopsNewAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.NewStateStore())
	h.register(t, productURLs(6)...)
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := newFakeFetcher()
	ex := New(jobName, h.ledger, h.results, fetcher, cancelAfter{n: 2, cancel: cancel}, productTemplate, h.clock, Options{})

	res, err := ex.ExtractBatch(ctx, nil, 6, 100)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, res.Attempted)
	require.Equal(t, 2, res.Succeeded)
	require.Len(t, fetcher.Calls(), 2)

	persisted, err := h.store.LoadLedger(context.Background(), jobName)
	require.NoError(t, err)
	require.Equal(t, 2, persisted.CrawledCount, "final checkpoint written on cancellation")
}

// cancelAfter cancels once it has extracted n pages.
type cancelAfter struct {
	n      int
	cancel context.CancelFunc
}

func (c cancelAfter) Extract(ctx context.Context, content []byte, tmpl crawler.Template) (map[string]any, error) {
	fields, err := fakeExtractor{}.Extract(ctx, content, tmpl)
	if strings.HasSuffix(string(content), fmt.Sprintf("/%02d", c.n-1)) {
		c.cancel()
	}
	return fields, err
}

// shopSite generates 62 pages reachable within depth 3: the home page,
// four sections, nine listings, forty products and eight info pages.
func shopSite() map[string][]string {
	pages := map[string][]string{}
	home := []string{}
	for s := 0; s < 3; s++ {
		section := fmt.Sprintf("/section/%d", s)
		home = append(home, section)
		var listings []string
		for l := 0; l < 3; l++ {
			listings = append(listings, fmt.Sprintf("/listing/%d", s*3+l))
		}
		pages["https://shop.example.com"+section] = listings
	}
	home = append(home, "/about")
	pages[startURL] = home
	for k := 0; k < 9; k++ {
		var links []string
		for i := k; i < 40; i += 9 {
			links = append(links, fmt.Sprintf("/product/%02d", i))
		}
		if k < 8 {
			links = append(links, fmt.Sprintf("/info/%d", k))
		}
		pages[fmt.Sprintf("https://shop.example.com/listing/%d", k)] = links
	}
	return pages
}

type siteDiscoverer map[string][]string

func (s siteDiscoverer) Discover(_ context.Context, url string) (crawler.DiscoveredPage, error) {
	return crawler.DiscoveredPage{URL: url, Links: s[url]}, nil
}

func TestDiscoverThenDrainInThreeBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, memory.NewStateStore())
	ctrl := stage.New(jobName, startURL, h.ledger, h.store, siteDiscoverer(shopSite()), h.clock, stage.Options{MaxDepth: 3, MaxPages: 100})

	collected, err := ctrl.Collect(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 62, collected.TotalLinks)
	require.NoError(t, ctrl.BeginExtraction(ctx))

	filter, err := crawler.CompileFilter([]string{"/product/"})
	require.NoError(t, err)
	require.Equal(t, 40, h.ledger.PendingCount(filter))

	ex := h.extractor(newFakeFetcher(), Options{Parallelism: 2})
	var remaining []int
	for _, size := range []int{10, 20, 30} {
		res, err := ex.ExtractBatch(ctx, []string{"/product/"}, size, 5)
		require.NoError(t, err)
		remaining = append(remaining, res.RemainingPending)
		state, err := ctrl.CompleteBatch(ctx, res.RemainingPending)
		require.NoError(t, err)
		if res.RemainingPending == 0 {
			require.Equal(t, crawler.StageDone, state)
		}
	}
	require.Equal(t, []int{30, 10, 0}, remaining)
	require.Equal(t, 40, h.results.Len())
	require.Equal(t, ledger.Counts{Total: 62, Crawled: 40, Pending: 22}, h.ledger.Counts())
}

func TestDrainWithPermanentFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, memory.NewStateStore())
	h.register(t, productURLs(40)...)
	fetcher := newFakeFetcher()
	fetcher.status[productURLs(40)[7]] = http.StatusGone
	fetcher.status[productURLs(40)[31]] = http.StatusGone
	ex := h.extractor(fetcher, Options{})

	var res Result
	var err error
	for _, size := range []int{10, 20, 30} {
		res, err = ex.ExtractBatch(ctx, []string{"/product/"}, size, 5)
		require.NoError(t, err)
	}
	require.Equal(t, 2, res.RemainingPending)
	require.Equal(t, 38, h.results.Len())
}
