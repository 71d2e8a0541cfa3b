package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

type mediaKey struct {
	source string
	media  string
}

// MediaStore is an in-memory scraper.MediaStore and scraper.MediaReader that
// keeps the same uniqueness rule as the Postgres table.
type MediaStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	nextID  int64
	records []scraper.MediaRecord
	keys    map[mediaKey]struct{}
	sources map[string]struct{}
}

// NewMediaStore constructs an empty MediaStore. A nil now uses time.Now.
func NewMediaStore(now func() time.Time) *MediaStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MediaStore{
		now:     now,
		keys:    make(map[mediaKey]struct{}),
		sources: make(map[string]struct{}),
	}
}

// AlreadyScraped reports whether any record exists for sourceURL.
func (s *MediaStore) AlreadyScraped(_ context.Context, sourceURL string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sources[sourceURL]
	return ok, nil
}

// WriteCandidates stores new pairs, ignores duplicates, and returns the
// number offered.
func (s *MediaStore) WriteCandidates(_ context.Context, candidates []scraper.Candidate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candidates {
		key := mediaKey{source: c.SourceURL, media: c.MediaURL}
		if _, dup := s.keys[key]; dup {
			continue
		}
		s.nextID++
		s.keys[key] = struct{}{}
		s.sources[c.SourceURL] = struct{}{}
		s.records = append(s.records, scraper.MediaRecord{
			ID:        s.nextID,
			SourceURL: c.SourceURL,
			MediaURL:  c.MediaURL,
			Kind:      c.Kind,
			CreatedAt: s.now(),
		})
	}
	return len(candidates), nil
}

// ListMedia filters and pages records newest first.
func (s *MediaStore) ListMedia(_ context.Context, q scraper.MediaQuery) (scraper.MediaPage, error) {
	s.mu.RLock()
	matched := make([]scraper.MediaRecord, 0, len(s.records))
	search := strings.ToLower(q.Search)
	for _, rec := range s.records {
		if q.Kind != "" && rec.Kind != q.Kind {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(rec.MediaURL), search) {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := scraper.MediaPage{Total: int64(len(matched)), Records: []scraper.MediaRecord{}}
	start := q.Offset()
	if start < 0 || start >= len(matched) {
		return page, nil
	}
	end := len(matched)
	if q.PageSize > 0 {
		end = start + min(q.PageSize, len(matched)-start)
	}
	page.Records = append(page.Records, matched[start:end]...)
	return page, nil
}

// Count returns the number of stored records.
func (s *MediaStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
