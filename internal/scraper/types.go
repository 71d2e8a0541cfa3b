package scraper

import (
	"math"
	"strings"
	"time"
)

// MediaKind classifies a discovered media reference.
type MediaKind string

// Supported media kinds.
const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// Job is one submitted URL waiting to be scraped.
type Job struct {
	ID        string
	URL       string
	Submitted time.Time
}

// Candidate is a media reference extracted from a page that has not yet been
// written to the store.
type Candidate struct {
	SourceURL string    `json:"source_url"`
	MediaURL  string    `json:"media_url"`
	Kind      MediaKind `json:"type"`
}

// MediaRecord is a persisted media row. The (SourceURL, MediaURL) pair is unique.
type MediaRecord struct {
	ID        int64     `json:"id"`
	SourceURL string    `json:"source_url"`
	MediaURL  string    `json:"media_url"`
	Kind      MediaKind `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// FetchResponse is the outcome of a successful HTTP fetch.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// IsHTML reports whether a Content-Type header value denotes an HTML document.
func IsHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// Outcome is the terminal state of a job.
type Outcome string

// Job outcomes.
const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeScraped Outcome = "scraped"
	OutcomeFailed  Outcome = "failed"
)

// SkipReason explains a skipped outcome.
type SkipReason string

// Skip reasons.
const (
	ReasonNone           SkipReason = ""
	ReasonAlreadyScraped SkipReason = "already_scraped"
	ReasonNotHTML        SkipReason = "not_html"
)

// Result is what a worker reports for one job. Count is the number of
// candidates offered to the store, not the number of new rows.
type Result struct {
	Outcome Outcome
	Count   int
	Reason  SkipReason
	Err     error
}

// Skipped builds a skipped result.
func Skipped(reason SkipReason) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

// Scraped builds a scraped result carrying the offered count.
func Scraped(count int) Result {
	return Result{Outcome: OutcomeScraped, Count: count}
}

// Failed builds a failed result.
func Failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: err}
}

// ErrorText returns the error message or an empty string.
func (r Result) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// MediaQuery filters and pages media records.
type MediaQuery struct {
	Page     int
	PageSize int
	Kind     MediaKind
	Search   string
}

// Offset returns the row offset for the requested page (1-based). Pages too
// far out to represent saturate at math.MaxInt, which matches no rows.
func (q MediaQuery) Offset() int {
	if q.Page <= 1 || q.PageSize <= 0 {
		return 0
	}
	if q.Page-1 > math.MaxInt/q.PageSize {
		return math.MaxInt
	}
	return (q.Page - 1) * q.PageSize
}

// MediaPage is one page of media records plus the total match count.
type MediaPage struct {
	Total   int64         `json:"total"`
	Records []MediaRecord `json:"data"`
}

// JobStatus tracks a job through the ledger.
type JobStatus string

// Ledger statuses.
const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
)

// JobReport is the ledger view of a job.
type JobReport struct {
	ID        string     `json:"job_id"`
	URL       string     `json:"url"`
	Status    JobStatus  `json:"status"`
	Outcome   Outcome    `json:"outcome,omitempty"`
	Count     int        `json:"count"`
	Reason    SkipReason `json:"reason,omitempty"`
	Error     string     `json:"error,omitempty"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
}

// Notification is the payload published when a job finishes.
type Notification struct {
	JobID      string     `json:"job_id"`
	URL        string     `json:"url"`
	Outcome    Outcome    `json:"outcome"`
	Count      int        `json:"count"`
	Reason     SkipReason `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}
