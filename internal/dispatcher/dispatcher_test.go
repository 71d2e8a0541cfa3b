package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/extractor"
	queuemem "github.com/JakeFAU/media-scraper/internal/queue/memory"
	"github.com/JakeFAU/media-scraper/internal/scraper"
	"github.com/JakeFAU/media-scraper/internal/storage/memory"
	"github.com/JakeFAU/media-scraper/internal/worker"
)

func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	r := runnerFunc(func(ctx context.Context) {
		started <- struct{}{}
		<-ctx.Done()
	})
	d := New(queuemem.NewQueue(1), []Runner{r}, nil, &seqIDs{}, fixedClock{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker did not start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestSubmitRecordsAndQueues(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(4)
	jobs := memory.NewJobStore(10)
	d := New(q, nil, jobs, &seqIDs{}, fixedClock{}, nil)

	ids, err := d.SubmitAll(context.Background(), []string{"http://a.test/", "http://b.test/"})
	require.NoError(t, err)
	require.Equal(t, []string{"job-1", "job-2"}, ids)
	require.Equal(t, 2, q.Len())

	report, err := jobs.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusQueued, report.Status)
	require.Equal(t, "http://b.test/", report.URL)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, scraper.Job{ID: "job-1", URL: "http://a.test/", Submitted: fixedClock{}.Now()}, job)
}

func TestSubmitEnqueueFailureClosesLedgerEntry(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(1)
	q.Close()
	jobs := memory.NewJobStore(10)
	d := New(q, nil, jobs, &seqIDs{}, fixedClock{}, nil)

	ids, err := d.SubmitAll(context.Background(), []string{"http://a.test/", "http://b.test/"})
	require.ErrorIs(t, err, scraper.ErrQueueClosed)
	require.Empty(t, ids)

	report, err := jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusDone, report.Status)
	require.Equal(t, scraper.OutcomeFailed, report.Outcome)
}

func TestSubmitIDFailure(t *testing.T) {
	t.Parallel()

	d := New(queuemem.NewQueue(1), nil, nil, failingIDs{}, fixedClock{}, nil)
	_, err := d.Submit(context.Background(), "http://a.test/")
	require.ErrorContains(t, err, "new job id")
}

func TestSubmitReturnsBeforeJobRuns(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(1)
	d := New(q, nil, nil, &seqIDs{}, fixedClock{}, nil)

	// No workers are running; Submit must still return immediately.
	done := make(chan struct{})
	go func() {
		_, _ = d.Submit(context.Background(), "http://a.test/")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit blocked on job execution")
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	t.Parallel()

	const (
		concurrency = 3
		total       = 50
	)
	fetcher := &gatedFetcher{delay: 10 * time.Millisecond}
	store := memory.NewMediaStore(nil)
	jobs := memory.NewJobStore(total)
	q := queuemem.NewQueue(total)

	workers := make([]Runner, 0, concurrency)
	for i := range concurrency {
		w, err := worker.New(i, worker.Deps{
			Queue:     q,
			Fetcher:   fetcher,
			Extractor: extractor.New(),
			Store:     store,
			Jobs:      jobs,
		}, worker.Config{})
		require.NoError(t, err)
		workers = append(workers, w)
	}
	d := New(q, workers, jobs, &seqIDs{}, fixedClock{}, nil)

	urls := make([]string, total)
	for i := range urls {
		urls[i] = fmt.Sprintf("http://site%02d.test/", i)
	}
	ids, err := d.SubmitAll(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, ids, total)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return allDone(t, jobs, ids)
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, int64(total), fetcher.calls.Load())
	require.LessOrEqual(t, fetcher.maxInFlight.Load(), int64(concurrency))
	require.Equal(t, total, store.Count())
}

func TestResubmissionIsSkipped(t *testing.T) {
	t.Parallel()

	fetcher := &gatedFetcher{}
	store := memory.NewMediaStore(nil)
	jobs := memory.NewJobStore(10)
	q := queuemem.NewQueue(4)
	w, err := worker.New(0, worker.Deps{
		Queue: q, Fetcher: fetcher, Extractor: extractor.New(), Store: store, Jobs: jobs,
	}, worker.Config{})
	require.NoError(t, err)
	d := New(q, []Runner{w}, jobs, &seqIDs{}, fixedClock{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	first, err := d.Submit(ctx, "http://ex.test/")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return allDone(t, jobs, []string{first}) }, 5*time.Second, 5*time.Millisecond)

	second, err := d.Submit(ctx, "http://ex.test/")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return allDone(t, jobs, []string{second}) }, 5*time.Second, 5*time.Millisecond)

	report, err := jobs.GetJob(ctx, second)
	require.NoError(t, err)
	require.Equal(t, scraper.OutcomeSkipped, report.Outcome)
	require.Equal(t, scraper.ReasonAlreadyScraped, report.Reason)
	require.Equal(t, int64(1), fetcher.calls.Load())
	require.Equal(t, 1, store.Count())
}

func allDone(t *testing.T, jobs scraper.JobStore, ids []string) bool {
	t.Helper()
	for _, id := range ids {
		r, err := jobs.GetJob(context.Background(), id)
		if err != nil || r.Status != scraper.JobStatusDone {
			return false
		}
	}
	return true
}

type runnerFunc func(context.Context)

func (f runnerFunc) Run(ctx context.Context) { f(ctx) }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

// gatedFetcher serves one video per page and tracks peak concurrency.
type gatedFetcher struct {
	delay       time.Duration
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	calls       atomic.Int64
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string) (scraper.FetchResponse, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return scraper.FetchResponse{}, ctx.Err()
	}
	return scraper.FetchResponse{
		URL:         url,
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
		Body:        []byte(`<video src="clip.mp4"></video>`),
	}, nil
}
