// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/extractor"
	"github.com/JakeFAU/twostage-crawler/internal/extractor/claude"
	"github.com/JakeFAU/twostage-crawler/internal/extractor/gemini"
	"github.com/JakeFAU/twostage-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/twostage-crawler/internal/logging"
	"github.com/JakeFAU/twostage-crawler/internal/storage/postgres"
)

// EnvPrefix prefixes every environment override, e.g. TWOSTAGE_SERVER_PORT.
const EnvPrefix = "TWOSTAGE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   logging.Config  `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	State     StateConfig     `mapstructure:"state"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Export    ExportConfig    `mapstructure:"export"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	// Defaults fill unset job tunables when jobs are added.
	Defaults crawler.JobParameters `mapstructure:"defaults"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StateConfig selects where ledgers, results and stage markers live.
type StateConfig struct {
	// Backend is local, badger or memory.
	Backend    string `mapstructure:"backend"`
	Dir        string `mapstructure:"dir"`
	BadgerPath string `mapstructure:"badger_path"`
}

// JobsConfig selects where job records live.
type JobsConfig struct {
	// Backend is local, badger, postgres or memory.
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// ExportConfig selects where finished results are exported.
type ExportConfig struct {
	// Backend is none, local or gcs.
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	Prefix    string `mapstructure:"prefix"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for job-finished notifications.
type PubSubConfig struct {
	// Backend is none, memory or gcp.
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// FetcherConfig governs plain HTTP fetching and politeness.
type FetcherConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// Delay is the minimum spacing between requests to one domain.
	Delay time.Duration `mapstructure:"delay"`
	Burst int           `mapstructure:"burst"`
	// MaxAttempts bounds tries per extraction fetch; transport errors,
	// 429 and 5xx responses are retried.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BlockedDomains are hosts never registered during discovery, exact
	// or as "*.suffix" wildcards.
	BlockedDomains []string `mapstructure:"blocked_domains"`
	// DomainDelays override Delay for a host and its subdomains.
	DomainDelays []DomainDelay `mapstructure:"domain_delays"`
}

// DomainDelay is one per-host politeness override. It is a list entry
// rather than a map because host names contain the key delimiter.
type DomainDelay struct {
	Domain string        `mapstructure:"domain"`
	Delay  time.Duration `mapstructure:"delay"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Discover renders discovery pages as well as extraction pages.
	Discover          bool          `mapstructure:"discover"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Settle            time.Duration `mapstructure:"settle"`
	// Mode is "always" (render every extraction page) or "auto" (render
	// only pages Detect flags as JavaScript shells).
	Mode   string                  `mapstructure:"mode"`
	Detect headless.DetectorConfig `mapstructure:"detect"`
}

// ExtractorConfig selects the model provider.
type ExtractorConfig struct {
	// Provider is claude or gemini.
	Provider        string        `mapstructure:"provider"`
	MaxContentChars int           `mapstructure:"max_content_chars"`
	Claude          claude.Config `mapstructure:"claude"`
	Gemini          gemini.Config `mapstructure:"gemini"`
}

// Options converts to extractor options.
func (e ExtractorConfig) Options() extractor.Config {
	return extractor.Config{MaxContentChars: e.MaxContentChars}
}

// WorkerConfig tunes job execution.
type WorkerConfig struct {
	MaxStalledBatches int  `mapstructure:"max_stalled_batches"`
	Parallelism       int  `mapstructure:"parallelism"`
	StrictUnknown     bool `mapstructure:"strict_unknown"`
}

// SchedulerConfig tunes RunPending.
type SchedulerConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// Cron, when set, runs pending jobs on this schedule under serve.
	Cron string `mapstructure:"cron"`
}

// TemplatesConfig locates field templates.
type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProgressConfig sizes the progress event hub.
type ProgressConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// MetricsConfig toggles Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from an optional file, an optional .env file and
// the environment. Environment variables win over the file.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config: %w", crawler.ErrConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %w", crawler.ErrConfig, err)
	}
	cfg.applyProviderKeys()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv loads KEY=value pairs without overriding the environment.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("%w: load %s: %w", crawler.ErrConfig, path, err)
}

// applyProviderKeys falls back to the providers' conventional variables.
func (c *Config) applyProviderKeys() {
	if c.Extractor.Claude.APIKey == "" {
		c.Extractor.Claude.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Extractor.Gemini.APIKey == "" {
		c.Extractor.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("state.backend", "local")
	v.SetDefault("state.dir", "output")
	v.SetDefault("state.badger_path", "data/badger")
	v.SetDefault("jobs.backend", "local")
	v.SetDefault("jobs.postgres.dsn", "")
	v.SetDefault("jobs.postgres.table", postgres.DefaultTable)
	v.SetDefault("jobs.postgres.max_conns", 4)
	v.SetDefault("export.backend", "none")
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.prefix", "")
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("pubsub.backend", "none")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("fetcher.user_agent", "twostage-crawler/1.0")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.timeout", "15s")
	v.SetDefault("fetcher.delay", "1s")
	v.SetDefault("fetcher.burst", 1)
	v.SetDefault("fetcher.max_attempts", 3)
	v.SetDefault("fetcher.blocked_domains", []string{})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.discover", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.settle", "500ms")
	v.SetDefault("headless.mode", HeadlessAlways)
	v.SetDefault("headless.detect.min_html_bytes", 2048)
	v.SetDefault("headless.detect.required_selectors", []string{})
	v.SetDefault("headless.detect.keywords", []string{"enable javascript", "__NEXT_DATA__", "ng-app"})
	v.SetDefault("extractor.provider", "claude")
	v.SetDefault("extractor.max_content_chars", 60000)
	v.SetDefault("extractor.claude.api_key", "")
	v.SetDefault("extractor.claude.model", claude.DefaultModel)
	v.SetDefault("extractor.claude.max_tokens", 2048)
	v.SetDefault("extractor.claude.timeout", "60s")
	v.SetDefault("extractor.claude.max_retries", 2)
	v.SetDefault("extractor.gemini.api_key", "")
	v.SetDefault("extractor.gemini.model", gemini.DefaultModel)
	v.SetDefault("extractor.gemini.timeout", "60s")
	v.SetDefault("worker.max_stalled_batches", 1)
	v.SetDefault("worker.parallelism", 1)
	v.SetDefault("worker.strict_unknown", false)
	v.SetDefault("scheduler.max_concurrent", 2)
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("templates.dir", "templates")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", "1s")
	v.SetDefault("progress.sink_timeout", "2s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("defaults.max_depth", 3)
	v.SetDefault("defaults.max_pages", 100)
	v.SetDefault("defaults.batch_size", 10)
	v.SetDefault("defaults.save_interval", 5)
	v.SetDefault("defaults.follow_per_page", 0)
}

var (
	stateBackends  = []string{"local", "badger", "memory"}
	jobBackends    = []string{"local", "badger", "postgres", "memory"}
	exportBackends = []string{"none", "local", "gcs", "memory"}
	pubsubBackends = []string{"none", "memory", "gcp"}
	providers      = []string{"claude", "gemini"}
	headlessModes  = []string{HeadlessAlways, HeadlessAuto}
)

// Headless modes.
const (
	HeadlessAlways = "always"
	HeadlessAuto   = "auto"
)

// Validate enforces required values and reasonable limits. Every failure
// wraps crawler.ErrConfig.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(slices.Contains(stateBackends, c.State.Backend), "state.backend must be one of %v", stateBackends)
	check(c.State.Backend != "local" || c.State.Dir != "", "state.dir is required for the local backend")
	check(c.State.Backend != "badger" || c.State.BadgerPath != "", "state.badger_path is required for the badger backend")
	check(slices.Contains(jobBackends, c.Jobs.Backend), "jobs.backend must be one of %v", jobBackends)
	check(c.Jobs.Backend != "postgres" || c.Jobs.Postgres.DSN != "", "jobs.postgres.dsn is required for the postgres backend")
	check(c.Jobs.Backend != "badger" || c.State.BadgerPath != "", "state.badger_path is required for badger job records")
	check(slices.Contains(exportBackends, c.Export.Backend), "export.backend must be one of %v", exportBackends)
	check(c.Export.Backend != "gcs" || c.Export.GCSBucket != "", "export.gcs_bucket is required for the gcs backend")
	check(c.Export.Backend != "local" || c.Export.Dir != "", "export.dir is required for the local backend")
	check(slices.Contains(pubsubBackends, c.PubSub.Backend), "pubsub.backend must be one of %v", pubsubBackends)
	check(c.PubSub.Backend != "gcp" || c.PubSub.ProjectID != "", "pubsub.project_id is required for the gcp backend")
	check(c.PubSub.Backend == "none" || c.PubSub.Topic != "", "pubsub.topic is required when notifications are enabled")
	check(c.Fetcher.Timeout > 0, "fetcher.timeout must be > 0")
	check(c.Fetcher.Delay >= 0, "fetcher.delay must be >= 0")
	for _, d := range c.Fetcher.DomainDelays {
		check(d.Domain != "" && d.Delay >= 0, "fetcher.domain_delays entries need a domain and a delay >= 0")
	}
	check(c.Fetcher.MaxAttempts >= 0, "fetcher.max_attempts must be >= 0")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	check(!c.Headless.Discover || c.Headless.Enabled, "headless.discover requires headless.enabled")
	check(c.Headless.Mode == "" || slices.Contains(headlessModes, c.Headless.Mode), "headless.mode must be one of %v", headlessModes)
	check(slices.Contains(providers, c.Extractor.Provider), "extractor.provider must be one of %v", providers)
	check(c.Worker.Parallelism >= 1, "worker.parallelism must be >= 1")
	check(c.Worker.MaxStalledBatches >= 1, "worker.max_stalled_batches must be >= 1")
	check(c.Scheduler.MaxConcurrent >= 1, "scheduler.max_concurrent must be >= 1")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", crawler.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}
