package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

var _ scraper.Clock = New()

func TestNowIsUTCWallTime(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()

	require.Equal(t, time.UTC, got.Location())
	require.WithinDuration(t, before.Add(time.Second), got, 2*time.Second)
}

func TestNowNeverGoesBackwards(t *testing.T) {
	t.Parallel()

	clk := New()
	prev := clk.Now()
	for range 100 {
		next := clk.Now()
		require.False(t, next.Before(prev), "clock went from %v to %v", prev, next)
		prev = next
	}
}
