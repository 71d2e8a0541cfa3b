package scraper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchErrorMatchesKindAndCause(t *testing.T) {
	t.Parallel()

	err := NewFetchError(ErrFetchTimeout, "https://example.com", context.DeadlineExceeded)
	wrapped := fmt.Errorf("worker: %w", err)

	require.ErrorIs(t, wrapped, ErrFetchTimeout)
	require.ErrorIs(t, wrapped, context.DeadlineExceeded)
	require.NotErrorIs(t, wrapped, ErrFetchNetwork)

	var fe *FetchError
	require.True(t, errors.As(wrapped, &fe))
	require.Equal(t, "https://example.com", fe.URL)
	require.Contains(t, err.Error(), "fetch timeout")
}

func TestFetchErrorStatusMessage(t *testing.T) {
	t.Parallel()

	err := &FetchError{Kind: ErrFetchNetwork, URL: "https://example.com/x", StatusCode: 404}
	require.Equal(t, "fetch https://example.com/x: network error: status 404", err.Error())
	require.ErrorIs(t, err, ErrFetchNetwork)
}

func TestResultConstructors(t *testing.T) {
	t.Parallel()

	require.Equal(t, Result{Outcome: OutcomeSkipped, Reason: ReasonNotHTML}, Skipped(ReasonNotHTML))
	require.Equal(t, Result{Outcome: OutcomeScraped, Count: 2}, Scraped(2))

	failed := Failed(ErrPersistence)
	require.Equal(t, OutcomeFailed, failed.Outcome)
	require.Equal(t, "persistence error", failed.ErrorText())
	require.Empty(t, Scraped(0).ErrorText())
}

func TestMediaQueryOffsetAndKindValid(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, MediaQuery{Page: 0, PageSize: 20}.Offset())
	require.Equal(t, 0, MediaQuery{Page: 1, PageSize: 20}.Offset())
	require.Equal(t, 40, MediaQuery{Page: 3, PageSize: 20}.Offset())
	require.True(t, KindVideo.Valid())
	require.False(t, MediaKind("audio").Valid())
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"text/html":                 true,
		"text/html; charset=utf-8":  true,
		"TEXT/HTML":                 true,
		"application/json":          false,
		"application/xhtml+xml":     false,
		"":                          false,
		"text/plain; note=text/htm": false,
	}
	for ct, want := range cases {
		require.Equal(t, want, IsHTML(ct), ct)
	}
}
