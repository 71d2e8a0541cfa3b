package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart   Stage = "JOB_START"
	StageJobDone    Stage = "JOB_DONE"
	StageJobSkipped Stage = "JOB_SKIPPED"
	StageJobError   Stage = "JOB_ERROR"
	StageFetchDone  Stage = "FETCH_DONE"
)

// Terminal reports whether the stage ends a job.
func (s Stage) Terminal() bool {
	switch s {
	case StageJobDone, StageJobSkipped, StageJobError:
		return true
	default:
		return false
	}
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one milestone of a scrape job.
type Event struct {
	JobID string
	TS    time.Time
	Stage Stage
	// Site is the lowercase host of URL.
	Site string
	URL  string
	// Bytes is the body size for FETCH_DONE.
	Bytes       int64
	StatusClass StatusClass
	// Dur is the fetch latency for FETCH_DONE and the job runtime for
	// terminal stages.
	Dur time.Duration
	// Count is the number of candidates offered on JOB_DONE.
	Count int
	// Note carries the skip reason or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobSkipped, StageJobError:
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
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
