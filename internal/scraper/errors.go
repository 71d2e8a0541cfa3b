package scraper

import (
	"errors"
	"fmt"
)

// Fetch error kinds.
var (
	ErrFetchTimeout  = errors.New("fetch timeout")
	ErrFetchTooLarge = errors.New("response too large")
	ErrFetchNetwork  = errors.New("network error")
)

// ErrPersistence marks store failures (unreachable store, failed query).
var ErrPersistence = errors.New("persistence error")

// ErrQueueClosed is returned by queues after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// ErrJobNotFound is returned by job stores for unknown IDs.
var ErrJobNotFound = errors.New("job not found")

// FetchError is a transport-level failure. Kind is one of ErrFetchTimeout,
// ErrFetchTooLarge or ErrFetchNetwork.
type FetchError struct {
	Kind       error
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v: %v", e.URL, e.Kind, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: %v: status %d", e.URL, e.Kind, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Kind)
	}
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *FetchError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewFetchError builds a FetchError.
func NewFetchError(kind error, url string, cause error) *FetchError {
	return &FetchError{Kind: kind, URL: url, Err: cause}
}
