// Package dispatcher accepts scrape submissions and fans queued jobs out to a
// fixed pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/metrics"
	"github.com/JakeFAU/media-scraper/internal/scraper"
)

const depthInterval = time.Second

// Runner is a worker loop. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns job creation and the worker pool.
type Dispatcher struct {
	queue   scraper.Queue
	workers []Runner
	jobs    scraper.JobStore
	ids     scraper.IDGenerator
	clock   scraper.Clock
	logger  *zap.Logger
}

// New creates a Dispatcher. jobs may be nil when no ledger is kept.
func New(
	queue scraper.Queue,
	workers []Runner,
	jobs scraper.JobStore,
	ids scraper.IDGenerator,
	clock scraper.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		jobs:    jobs,
		ids:     ids,
		clock:   clock,
		logger:  logger,
	}
}

// Submit queues one URL and returns its job ID without waiting for the
// outcome. It blocks only while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, url string) (string, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("new job id: %w", err)
	}
	job := scraper.Job{ID: id, URL: url, Submitted: d.clock.Now()}

	if d.jobs != nil {
		if err := d.jobs.CreateJob(ctx, job); err != nil {
			d.logger.Warn("record job failed", zap.String("job_id", id), zap.Error(err))
		}
	}

	if err := d.queue.Enqueue(ctx, job); err != nil {
		if d.jobs != nil {
			if cErr := d.jobs.Complete(context.WithoutCancel(ctx), id, scraper.Failed(err), d.clock.Now()); cErr != nil &&
				!errors.Is(cErr, scraper.ErrJobNotFound) {
				d.logger.Warn("record enqueue failure failed", zap.String("job_id", id), zap.Error(cErr))
			}
		}
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	d.observeDepth()
	d.logger.Debug("job queued", zap.String("job_id", id), zap.String("url", url))
	return id, nil
}

// SubmitAll queues one job per URL in order. On error it returns the IDs
// queued so far.
func (d *Dispatcher) SubmitAll(ctx context.Context, urls []string) ([]string, error) {
	ids := make([]string, 0, len(urls))
	for _, u := range urls {
		id, err := d.Submit(ctx, u)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Run starts all workers and blocks until every worker has returned. Workers
// return when ctx finishes or the queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			d.observeDepth()
			return
		case <-ticker.C:
			d.observeDepth()
		}
	}
}

func (d *Dispatcher) observeDepth() {
	if l, ok := d.queue.(interface{ Len() int }); ok {
		metrics.SetQueueDepth(l.Len())
	}
}
