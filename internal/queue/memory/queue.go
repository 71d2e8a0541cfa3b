// Package memory provides the in-process job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

// Queue is a bounded FIFO of scrape jobs with context-aware operations.
// Enqueue blocks while the queue is full.
type Queue struct {
	ch     chan scraper.Job
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan scraper.Job, capacity)}
}

// Enqueue pushes a job or returns when ctx ends or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, job scraper.Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return scraper.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job in FIFO order. After Close it drains what is left
// and then returns scraper.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (scraper.Job, error) {
	select {
	case <-ctx.Done():
		return scraper.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return scraper.Job{}, scraper.ErrQueueClosed
		}
		return job, nil
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting jobs. It is safe to call more than once. A pending
// Enqueue blocked on a full queue holds Close off until it completes or its
// context ends.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
