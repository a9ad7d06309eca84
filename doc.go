// Command twostage runs resumable two-stage crawl jobs.
//
// Architecture overview:
//   - Jobs: a job names a start URL, discovery limits, URL patterns and an extraction template. Job records live
//     in the configured JobStore (local JSON, Badger, Postgres or memory) and move pending → running →
//     completed/failed.
//   - Stage one (discovery): the Colly collector, or Chromedp when headless discovery is enabled, walks outward
//     from the start URL within max_depth and max_pages. Every link lands in the job's LinkLedger; the stage
//     controller records links_collected once the walk finishes.
//   - Stage two (extraction): the batch extractor takes pending links that match the job's patterns, fetches
//     each page, converts it to Markdown and asks the LLM provider (Claude or Gemini) for fields described by
//     the template. Items and crawled marks are checkpointed every save_interval extractions, so a killed
//     process resumes without redoing finished pages.
//   - Scheduling: run, the HTTP POST /v1/run and the optional cron schedule all call RunPending, which drives
//     every pending job with bounded concurrency. A job that stops making progress is failed; a cancelled job
//     goes back to pending.
//   - Fanout: finished jobs are exported as a JSON results document to the BlobStore (local or GCS) and announced on Pub/Sub
//     when a topic is configured. Progress events are batched to log and Prometheus sinks.
//
// Quick checklist:
//   - Configure via a YAML file passed with --config and TWOSTAGE_* env overrides (a .env file is read too).
//   - Provider keys: TWOSTAGE_EXTRACTOR_CLAUDE_API_KEY or ANTHROPIC_API_KEY, TWOSTAGE_EXTRACTOR_GEMINI_API_KEY or
//     GEMINI_API_KEY.
//   - Run locally: twostage add shop --start-url https://example.com --pattern /product/ && twostage run
//   - Serve: twostage serve exposes /healthz, /metrics and the /v1 API and drains on SIGTERM.
package main
