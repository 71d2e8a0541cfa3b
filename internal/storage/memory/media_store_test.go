package memory

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

func tickingClock() func() time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestMediaStoreWriteIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMediaStore(tickingClock())
	ctx := context.Background()
	batch := []scraper.Candidate{
		{SourceURL: "http://ex.test/", MediaURL: "http://ex.test/images/photo.jpg", Kind: scraper.KindImage},
		{SourceURL: "http://ex.test/", MediaURL: "http://ex.test/clip.mp4", Kind: scraper.KindVideo},
	}

	seen, err := store.AlreadyScraped(ctx, "http://ex.test/")
	require.NoError(t, err)
	require.False(t, seen)

	n, err := store.WriteCandidates(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.WriteCandidates(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, store.Count())

	seen, err = store.AlreadyScraped(ctx, "http://ex.test/")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestMediaStoreSameMediaDifferentSource(t *testing.T) {
	t.Parallel()

	store := NewMediaStore(nil)
	ctx := context.Background()
	_, err := store.WriteCandidates(ctx, []scraper.Candidate{
		{SourceURL: "http://a.test/", MediaURL: "http://cdn.test/clip.mp4", Kind: scraper.KindVideo},
		{SourceURL: "http://b.test/", MediaURL: "http://cdn.test/clip.mp4", Kind: scraper.KindVideo},
	})
	require.NoError(t, err)
	require.Equal(t, 2, store.Count())
}

func TestMediaStoreListMedia(t *testing.T) {
	t.Parallel()

	store := NewMediaStore(tickingClock())
	ctx := context.Background()
	_, err := store.WriteCandidates(ctx, []scraper.Candidate{
		{SourceURL: "http://ex.test/", MediaURL: "http://ex.test/images/Cat-1.jpg", Kind: scraper.KindImage},
		{SourceURL: "http://ex.test/", MediaURL: "http://ex.test/images/dog-1.jpg", Kind: scraper.KindImage},
		{SourceURL: "http://ex.test/", MediaURL: "http://ex.test/videos/cat.mp4", Kind: scraper.KindVideo},
		{SourceURL: "http://ex.test/", MediaURL: "http://ex.test/images/cat-2.jpg", Kind: scraper.KindImage},
	})
	require.NoError(t, err)

	page, err := store.ListMedia(ctx, scraper.MediaQuery{Page: 1, PageSize: 20, Kind: scraper.KindImage, Search: "cat"})
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)
	require.Len(t, page.Records, 2)
	require.Equal(t, "http://ex.test/images/cat-2.jpg", page.Records[0].MediaURL)
	require.Equal(t, "http://ex.test/images/Cat-1.jpg", page.Records[1].MediaURL)

	page, err = store.ListMedia(ctx, scraper.MediaQuery{Page: 2, PageSize: 3})
	require.NoError(t, err)
	require.Equal(t, int64(4), page.Total)
	require.Len(t, page.Records, 1)
	require.Equal(t, "http://ex.test/images/Cat-1.jpg", page.Records[0].MediaURL)

	page, err = store.ListMedia(ctx, scraper.MediaQuery{Page: 9, PageSize: 3})
	require.NoError(t, err)
	require.Equal(t, int64(4), page.Total)
	require.NotNil(t, page.Records)
	require.Empty(t, page.Records)
}

func TestMediaStoreListMediaFarPage(t *testing.T) {
	t.Parallel()

	store := NewMediaStore(tickingClock())
	_, err := store.WriteCandidates(context.Background(), []scraper.Candidate{
		{SourceURL: "http://ex.test/", MediaURL: "http://ex.test/images/photo.jpg", Kind: scraper.KindImage},
	})
	require.NoError(t, err)

	page, err := store.ListMedia(context.Background(), scraper.MediaQuery{Page: math.MaxInt/20 + 2, PageSize: 20})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)
	require.NotNil(t, page.Records)
	require.Empty(t, page.Records)
}
