package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

// DefaultLedgerCapacity bounds the job ledger when no capacity is given.
const DefaultLedgerCapacity = 1000

// JobStore is a bounded in-memory job ledger. When full, the oldest job is
// evicted to make room for a new one.
type JobStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	jobs     map[string]scraper.JobReport
}

// NewJobStore constructs a JobStore holding at most capacity jobs.
func NewJobStore(capacity int) *JobStore {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &JobStore{
		capacity: capacity,
		jobs:     make(map[string]scraper.JobReport),
	}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job scraper.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	for len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.jobs, oldest)
	}
	s.order = append(s.order, job.ID)
	s.jobs[job.ID] = scraper.JobReport{
		ID:        job.ID,
		URL:       job.URL,
		Status:    scraper.JobStatusQueued,
		Submitted: job.Submitted,
	}
	return nil
}

// MarkRunning records that a worker picked the job up.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", scraper.ErrJobNotFound, jobID)
	}
	job.Status = scraper.JobStatusRunning
	job.Started = pointerTime(at)
	s.jobs[jobID] = job
	return nil
}

// Complete records the terminal result of a job.
func (s *JobStore) Complete(_ context.Context, jobID string, result scraper.Result, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", scraper.ErrJobNotFound, jobID)
	}
	job.Status = scraper.JobStatusDone
	job.Outcome = result.Outcome
	job.Count = result.Count
	job.Reason = result.Reason
	job.Error = result.ErrorText()
	job.Finished = pointerTime(at)
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scraper.JobReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.JobReport{}, fmt.Errorf("%w: %s", scraper.ErrJobNotFound, jobID)
	}
	return job, nil
}

// ListJobs returns up to limit jobs, most recently submitted first.
func (s *JobStore) ListJobs(_ context.Context, limit int) ([]scraper.JobReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]scraper.JobReport, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.jobs[s.order[i]])
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
