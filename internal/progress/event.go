package progress

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart      Stage = "JOB_START"
	StageJobDone       Stage = "JOB_DONE"
	StageJobError      Stage = "JOB_ERROR"
	StagePageVisited   Stage = "PAGE_VISITED"
	StagePageSkipped   Stage = "PAGE_SKIPPED"
	StageDiscoveryDone Stage = "DISCOVERY_DONE"
	StageItemExtracted Stage = "ITEM_EXTRACTED"
	StageLinkFailed    Stage = "LINK_FAILED"
	StageCheckpoint    Stage = "CHECKPOINT"
	StageBatchDone     Stage = "BATCH_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetches.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single unit of job progress.
type Event struct {
	// Job is the job name the event belongs to.
	Job string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// URL is the page the event concerns, if any.
	URL string
	// Links counts new ledger entries produced by a visited page.
	Links int64
	// Items counts items added by an extraction or a batch.
	Items int64
	// Failed counts failed links in a batch summary.
	Failed      int64
	Bytes       int64
	StatusClass StatusClass
	Dur         time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Job == "" {
		return errors.New("job is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageDiscoveryDone, StageCheckpoint, StageBatchDone:
	case StagePageVisited, StagePageSkipped, StageItemExtracted, StageLinkFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Site returns the host of the event URL, or "" when there is none.
func (e Event) Site() string {
	if e.URL == "" {
		return ""
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
