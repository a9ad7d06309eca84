package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/twostage-crawler/internal/progress"
)

// PrometheusSink exports job progress via Prometheus. It owns collectors for
// job lifecycle, discovery pages and extraction outcomes.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	pages           *prometheus.CounterVec
	linksDiscovered *prometheus.CounterVec
	items           *prometheus.CounterVec
	linkFailures    *prometheus.CounterVec
	extractDuration *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twostage_progress_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twostage_progress_jobs_completed_total",
			Help: "Total jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twostage_progress_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "twostage_progress_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twostage_progress_discovery_pages_total",
			Help: "Discovery pages partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		linksDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twostage_progress_links_discovered_total",
			Help: "New ledger entries per site.",
		}, []string{"site"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twostage_progress_items_extracted_total",
			Help: "Items extracted per site.",
		}, []string{"site"}),
		linkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twostage_progress_link_failures_total",
			Help: "Failed extraction attempts per site.",
		}, []string{"site"}),
		extractDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "twostage_progress_extract_duration_seconds",
			Help:    "Fetch plus extraction time per link.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"site"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.pages,
		s.linksDiscovered,
		s.items,
		s.linkFailures,
		s.extractDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	site := evt.Site()
	if site == "" {
		site = "unknown"
	}
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
		s.handleJobEvent(evt)
	case progress.StagePageVisited:
		s.pages.WithLabelValues(site, "visited").Inc()
		if evt.Links > 0 {
			s.linksDiscovered.WithLabelValues(site).Add(float64(evt.Links))
		}
	case progress.StagePageSkipped:
		s.pages.WithLabelValues(site, "skipped").Inc()
	case progress.StageItemExtracted:
		s.items.WithLabelValues(site).Inc()
		if evt.Dur > 0 {
			s.extractDuration.WithLabelValues(site).Observe(evt.Dur.Seconds())
		}
	case progress.StageLinkFailed:
		s.linkFailures.WithLabelValues(site).Inc()
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.Job) {
			s.jobsRunning.Inc()
		}
		return
	case progress.StageJobDone:
		s.finish(evt, "success")
	case progress.StageJobError:
		s.finish(evt, "error")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.Job) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(job string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[job]; ok {
		return false
	}
	t.running[job] = struct{}{}
	return true
}

func (t *jobTracker) complete(job string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[job]; !ok {
		return false
	}
	delete(t.running, job)
	return true
}
