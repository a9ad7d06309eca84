package app_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/app"
	"github.com/JakeFAU/twostage-crawler/internal/config"
	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/stage"
	localstorage "github.com/JakeFAU/twostage-crawler/internal/storage/local"
)

const home = "https://shop.example.com/"

type siteDiscoverer struct {
	pages map[string][]string
}

func (d siteDiscoverer) Discover(ctx context.Context, url string) (crawler.DiscoveredPage, error) {
	if err := ctx.Err(); err != nil {
		return crawler.DiscoveredPage{}, err
	}
	return crawler.DiscoveredPage{URL: url, Content: []byte("<html></html>"), Links: d.pages[url]}, nil
}

func newSite() siteDiscoverer {
	return siteDiscoverer{pages: map[string][]string{
		home:                             {"/cat/a", "/p/1", "/p/2"},
		"https://shop.example.com/cat/a": {"/p/3"},
	}}
}

type pageFetcher struct{}

func (pageFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("<p>" + req.URL + "</p>")}, nil
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, content []byte, tmpl crawler.Template) (map[string]any, error) {
	args := m.Called(ctx, content, tmpl)
	fields, _ := args.Get(0).(map[string]any)
	return fields, args.Error(1)
}

func widgetExtractor() *mockExtractor {
	m := &mockExtractor{}
	m.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(map[string]any{"name": "widget"}, nil)
	return m
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "templates", "product.yaml"), "name: product name\n")
	return config.Config{
		State:     config.StateConfig{Backend: "memory"},
		Jobs:      config.JobsConfig{Backend: "memory"},
		Export:    config.ExportConfig{Backend: "local", Dir: filepath.Join(dir, "exports")},
		PubSub:    config.PubSubConfig{Backend: "memory", Topic: "jobs-finished"},
		Fetcher:   config.FetcherConfig{UserAgent: "twostage-test", Timeout: time.Second},
		Extractor: config.ExtractorConfig{Provider: "claude"},
		Worker:    config.WorkerConfig{MaxStalledBatches: 1, Parallelism: 2},
		Scheduler: config.SchedulerConfig{MaxConcurrent: 2},
		Templates: config.TemplatesConfig{Dir: filepath.Join(dir, "templates")},
		Defaults: crawler.JobParameters{
			TemplatePath: "product.yaml",
			MaxDepth:     2,
			MaxPages:     50,
			BatchSize:    2,
			SaveInterval: 1,
			URLPatterns:  []string{"/p/"},
		},
	}
}

func build(t *testing.T, cfg config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.Build(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })
	return a
}

func buildFake(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	return build(t, cfg,
		app.WithDiscoverer(newSite()),
		app.WithFetcher(pageFetcher{}),
		app.WithExtractor(widgetExtractor()),
	)
}

func TestBuildLocalBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.State = config.StateConfig{Backend: "local", Dir: t.TempDir()}
	cfg.Jobs = config.JobsConfig{Backend: "local"}
	cfg.Fetcher.MaxAttempts = 3
	cfg.Fetcher.BlockedDomains = []string{"*.tracker.net"}
	cfg.Fetcher.DomainDelays = []config.DomainDelay{{Domain: "slow.example.org", Delay: time.Second}}
	a := build(t, cfg)

	_, err := a.AddJob(context.Background(), "shop", crawler.JobParameters{StartURL: home})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.State.Dir, localstorage.JobsFile))
	require.NoError(t, err)
}

func TestAddJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := buildFake(t, testConfig(t))

	job, err := a.AddJob(ctx, "shop", crawler.JobParameters{StartURL: home, BatchSize: 7})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, 7, job.Params.BatchSize)
	require.Equal(t, 2, job.Params.MaxDepth)
	require.Equal(t, "product.yaml", job.Params.TemplatePath)
	require.False(t, job.CreatedAt.IsZero())

	_, err = a.AddJob(ctx, "shop", crawler.JobParameters{StartURL: home})
	require.ErrorIs(t, err, crawler.ErrJobExists)

	_, err = a.AddJob(ctx, "bad/name", crawler.JobParameters{StartURL: home})
	require.ErrorIs(t, err, crawler.ErrConfig)

	_, err = a.AddJob(ctx, "nourl", crawler.JobParameters{})
	require.ErrorIs(t, err, crawler.ErrConfig)

	_, err = a.AddJob(ctx, "badpattern", crawler.JobParameters{StartURL: home, URLPatterns: []string{"regex:("}})
	require.ErrorIs(t, err, crawler.ErrConfig)
}

func TestStepwiseDiscoverAndExtract(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := buildFake(t, testConfig(t))
	_, err := a.AddJob(ctx, "shop", crawler.JobParameters{StartURL: home})
	require.NoError(t, err)

	_, err = a.ExtractBatch(ctx, "shop", app.BatchRequest{})
	require.ErrorIs(t, err, stage.ErrInvalidTransition)

	collected, err := a.Discover(ctx, "shop", false)
	require.NoError(t, err)
	require.False(t, collected.Skipped)
	require.Equal(t, 5, collected.TotalLinks)

	again, err := a.Discover(ctx, "shop", false)
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Equal(t, 5, again.TotalLinks)

	first, err := a.ExtractBatch(ctx, "shop", app.BatchRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, first.Succeeded)
	require.Equal(t, 1, first.RemainingPending)

	second, err := a.ExtractBatch(ctx, "shop", app.BatchRequest{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, second.Attempted)
	require.Equal(t, 0, second.RemainingPending)

	sum, err := a.Status(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, crawler.StageDone, sum.Stage)
	require.Equal(t, 3, sum.Items)
	require.Equal(t, 5, sum.Links.Total)

	job, err := a.Job(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, 5, job.Counters.LinksDiscovered)
	require.Equal(t, 3, job.Counters.ItemsFound)
}

func TestExtractBatchPatternOverride(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := buildFake(t, testConfig(t))
	_, err := a.AddJob(ctx, "shop", crawler.JobParameters{StartURL: home})
	require.NoError(t, err)
	_, err = a.Discover(ctx, "shop", false)
	require.NoError(t, err)

	res, err := a.ExtractBatch(ctx, "shop", app.BatchRequest{Size: 10, Patterns: []string{"regex:/cat/"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 0, res.RemainingPending)
}

func TestRunPendingCompletesAndExports(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Progress = config.ProgressConfig{Enabled: true, MaxBatchWait: 10 * time.Millisecond}
	cfg.Metrics = config.MetricsConfig{Enabled: true}
	a := build(t, cfg,
		app.WithDiscoverer(newSite()),
		app.WithFetcher(pageFetcher{}),
		app.WithExtractor(widgetExtractor()),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	for _, name := range []string{"shop", "outlet"} {
		_, err := a.AddJob(ctx, name, crawler.JobParameters{StartURL: home})
		require.NoError(t, err)
	}

	sum, err := a.RunPending(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Selected)
	require.Equal(t, 2, sum.Completed)

	job, err := a.Job(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.True(t, strings.HasPrefix(job.OutputLocation, "file://"))
	_, err = os.Stat(strings.TrimPrefix(job.OutputLocation, "file://"))
	require.NoError(t, err)

	again, err := a.RunPending(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, again.Selected)

	_, err = a.RunPending(ctx, 0)
	require.ErrorIs(t, err, crawler.ErrConfig)
}

func TestRequeueResetWipeDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := buildFake(t, testConfig(t))
	_, err := a.AddJob(ctx, "shop", crawler.JobParameters{StartURL: home})
	require.NoError(t, err)
	_, err = a.RunPending(ctx, 1)
	require.NoError(t, err)

	job, err := a.Requeue(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Nil(t, job.FinishedAt)

	require.NoError(t, a.Reset(ctx, "shop"))
	sum, err := a.Status(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, crawler.StageNotStarted, sum.Stage)
	require.Equal(t, 5, sum.Links.Total, "reset keeps the ledger")
	require.Equal(t, 3, sum.Items)

	wiped, err := a.Wipe(ctx, "shop")
	require.NoError(t, err)
	require.Zero(t, wiped.Counters.LinksDiscovered)
	require.Empty(t, wiped.OutputLocation)
	sum, err = a.Status(ctx, "shop")
	require.NoError(t, err)
	require.Zero(t, sum.Links.Total)
	require.Zero(t, sum.Items)

	uri, err := a.Export(ctx, "shop")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(uri, "shop/results.json"))

	require.NoError(t, a.Delete(ctx, "shop"))
	_, err = a.Job(ctx, "shop")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.ErrorIs(t, a.Reset(ctx, "shop"), crawler.ErrJobNotFound)
}

func TestExportWithoutStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Export = config.ExportConfig{Backend: "none"}
	a := buildFake(t, cfg)
	_, err := a.AddJob(ctx, "shop", crawler.JobParameters{StartURL: home})
	require.NoError(t, err)

	_, err = a.Export(ctx, "shop")
	require.ErrorIs(t, err, crawler.ErrConfig)
}

func TestLoadTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := buildFake(t, testConfig(t))
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	writeFile(t, path, `tasks:
  - task_id: shop
    start_url: https://shop.example.com/
    stage2:
      batch_size: 4
  - task_name: blog
    start_url: https://blog.example.com/
`)

	res, err := a.LoadTasks(ctx, path)
	require.NoError(t, err)
	require.Len(t, res.Added, 2)
	require.Empty(t, res.Skipped)

	shop, err := a.Job(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, 4, shop.Params.BatchSize)
	require.Equal(t, 2, shop.Params.MaxDepth)

	res, err = a.LoadTasks(ctx, path)
	require.NoError(t, err)
	require.Empty(t, res.Added)
	require.Equal(t, []string{"shop", "blog"}, res.Skipped)
}

func TestMissingAPIKeyFailsPerLink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := build(t, testConfig(t), app.WithDiscoverer(newSite()), app.WithFetcher(pageFetcher{}))
	_, err := a.AddJob(ctx, "shop", crawler.JobParameters{StartURL: home})
	require.NoError(t, err)
	_, err = a.Discover(ctx, "shop", false)
	require.NoError(t, err)

	res, err := a.ExtractBatch(ctx, "shop", app.BatchRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	require.ErrorIs(t, res.Failures[0].Err, crawler.ErrConfig)
	require.Equal(t, 3, res.RemainingPending)
}
