package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status ends a run.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobParameters captures the per-job tunables.
type JobParameters struct {
	StartURL      string   `json:"start_url" yaml:"start_url" mapstructure:"start_url" validate:"required,url"`
	TemplatePath  string   `json:"template_path" yaml:"template_path" mapstructure:"template_path"`
	MaxDepth      int      `json:"max_depth" yaml:"max_depth" mapstructure:"max_depth" validate:"gte=1"`
	MaxPages      int      `json:"max_pages" yaml:"max_pages" mapstructure:"max_pages" validate:"gte=1"`
	BatchSize     int      `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size" validate:"gte=1"`
	SaveInterval  int      `json:"save_interval" yaml:"save_interval" mapstructure:"save_interval" validate:"gte=1"`
	URLPatterns   []string `json:"url_patterns" yaml:"url_patterns" mapstructure:"url_patterns"`
	FollowPerPage int      `json:"follow_per_page" yaml:"follow_per_page" mapstructure:"follow_per_page" validate:"gte=0"`
	AllowExternal bool     `json:"allow_external" yaml:"allow_external" mapstructure:"allow_external"`
	// ForceDiscovery re-runs link discovery even when it already completed.
	ForceDiscovery bool `json:"force_discovery" yaml:"force_discovery" mapstructure:"force_discovery"`
}

// JobCounters tracks progress stats per job.
type JobCounters struct {
	PagesVisited       int `json:"pages_visited"`
	PagesSkipped       int `json:"pages_skipped"`
	LinksDiscovered    int `json:"links_discovered"`
	ItemsFound         int `json:"items_found"`
	ExtractionFailures int `json:"extraction_failures"`
}

// Job is the record persisted for each configured crawl-and-extract task.
type Job struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         JobStatus     `json:"status"`
	Params         JobParameters `json:"params"`
	Counters       JobCounters   `json:"counters"`
	OutputLocation string        `json:"output_location,omitempty"`
	ErrorText      string        `json:"error_text,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
}

// LinkEntry is one discovered URL and its crawl status.
type LinkEntry struct {
	URL          string     `json:"url"`
	Crawled      bool       `json:"crawled"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	Depth        int        `json:"depth"`
	CrawledAt    *time.Time `json:"crawled_at,omitempty"`
}

// LedgerRecord is the persisted form of a job's link ledger.
type LedgerRecord struct {
	JobName      string      `json:"job_name"`
	StartURL     string      `json:"start_url"`
	CollectedAt  time.Time   `json:"collected_at"`
	TotalLinks   int         `json:"total_links"`
	CrawledCount int         `json:"crawled_count"`
	Links        []LinkEntry `json:"links"`
}

// ResultCounts summarizes a results record.
type ResultCounts struct {
	LinksCollected int `json:"total_links_collected"`
	ItemsExtracted int `json:"items_extracted"`
}

// ResultsRecord is the persisted form of a job's accumulated items.
type ResultsRecord struct {
	JobName     string          `json:"job_name"`
	Template    string          `json:"template"`
	StartURL    string          `json:"start_url"`
	Counts      ResultCounts    `json:"counts"`
	LastUpdated time.Time       `json:"last_updated"`
	Items       []ExtractedItem `json:"items"`
}

// StageState is a position in the discovery/extraction state machine.
type StageState string

// Stage states in transition order.
const (
	StageNotStarted     StageState = "not_started"
	StageCollecting     StageState = "collecting"
	StageLinksCollected StageState = "links_collected"
	StageExtracting     StageState = "extracting"
	StageDone           StageState = "done"
)

// StageRecord is the persisted state machine of a job. The discovery
// marker exists iff DiscoveredAt is set.
type StageRecord struct {
	JobName      string     `json:"job_name"`
	State        StageState `json:"state"`
	DiscoveredAt *time.Time `json:"discovered_at,omitempty"`
	Visited      []string   `json:"visited,omitempty"`
	PagesVisited int        `json:"pages_visited"`
	PagesSkipped int        `json:"pages_skipped"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasMarker reports whether link discovery completed.
func (r StageRecord) HasMarker() bool {
	return r.DiscoveredAt != nil
}

// DiscoveredPage is what the discovery collaborator returns for one URL.
type DiscoveredPage struct {
	URL     string
	Content []byte
	Links   []string
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobName string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
