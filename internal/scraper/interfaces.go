package scraper

import (
	"context"
	"time"
)

// Fetcher retrieves a page over HTTP(S).
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Extractor turns an HTML document into media candidates. Implementations
// perform no I/O.
type Extractor interface {
	Extract(html []byte, baseURL string) []Candidate
}

// MediaStore is the persistence gate consulted and written by workers.
type MediaStore interface {
	AlreadyScraped(ctx context.Context, sourceURL string) (bool, error)
	WriteCandidates(ctx context.Context, candidates []Candidate) (int, error)
}

// MediaReader serves filtered, paged reads of stored media.
type MediaReader interface {
	ListMedia(ctx context.Context, query MediaQuery) (MediaPage, error)
}

// Queue provides enqueue/dequeue semantics for scrape jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
}

// JobStore records job lifecycle for inspection.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	MarkRunning(ctx context.Context, jobID string, at time.Time) error
	Complete(ctx context.Context, jobID string, result Result, at time.Time) error
	GetJob(ctx context.Context, jobID string) (JobReport, error)
	ListJobs(ctx context.Context, limit int) ([]JobReport, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job results to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Limiter throttles outbound fetches.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
