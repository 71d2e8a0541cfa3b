// Package pubsub provides a job queue backed by a Google Cloud Pub/Sub topic
// and subscription, so several scraper replicas can share one backlog.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

const defaultBuffer = 16

// Config names the topic jobs are published to and the subscription workers
// pull from.
type Config struct {
	Topic        string
	Subscription string
	// Buffer bounds how many received jobs wait locally for a worker.
	Buffer int
	Logger *zap.Logger
}

// jobMessage is the wire form of a scraper.Job.
type jobMessage struct {
	ID          string    `json:"job_id"`
	URL         string    `json:"url"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// receiver is the part of *pubsub.Subscription the queue pulls from.
type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Queue implements scraper.Queue on Pub/Sub. A message is acked once a
// worker-side buffer slot takes it, so delivery is at most once per job.
type Queue struct {
	topic  *pubsub.Topic
	jobs   chan scraper.Job
	log    *zap.Logger
	closed atomic.Bool

	errMu sync.Mutex
	err   error

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New checks that the topic and subscription exist and starts receiving.
// The client is owned by the caller.
func New(ctx context.Context, client *pubsub.Client, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("topic and subscription are required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", cfg.Topic, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.Topic)
	}
	sub := client.Subscription(cfg.Subscription)
	ok, err = sub.Exists(ctx)
	if err != nil {
		topic.Stop()
		return nil, fmt.Errorf("check subscription %q: %w", cfg.Subscription, err)
	}
	if !ok {
		topic.Stop()
		return nil, fmt.Errorf("pubsub subscription %q does not exist", cfg.Subscription)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.Buffer
	return start(ctx, topic, sub, cfg), nil
}

func start(ctx context.Context, topic *pubsub.Topic, sub receiver, cfg Config) *Queue {
	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q := &Queue{
		topic:  topic,
		jobs:   make(chan scraper.Job, cfg.Buffer),
		log:    cfg.Logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.receive(recvCtx, sub)
	return q
}

// receive owns q.jobs and closes it when Receive returns, so workers blocked
// in Dequeue wake up whether the queue was closed or the stream failed.
func (q *Queue) receive(ctx context.Context, sub receiver) {
	defer close(q.done)
	defer close(q.jobs)
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var msg jobMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil || msg.URL == "" {
			q.log.Warn("dropping malformed job message", zap.String("message_id", m.ID), zap.Error(err))
			m.Ack()
			return
		}
		job := scraper.Job{ID: msg.ID, URL: msg.URL, Submitted: msg.SubmittedAt}
		select {
		case q.jobs <- job:
			m.Ack()
		case <-ctx.Done():
			m.Nack()
		}
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("receive returned before close")
	}
	q.errMu.Lock()
	q.err = err
	q.errMu.Unlock()
	q.closed.Store(true)
	q.log.Error("pubsub receive stopped", zap.Error(err))
}

// Err reports why receiving stopped before Close, or nil.
func (q *Queue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

// Enqueue publishes job and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, job scraper.Job) error {
	if q.closed.Load() {
		return scraper.ErrQueueClosed
	}
	data, err := json.Marshal(jobMessage{ID: job.ID, URL: job.URL, SubmittedAt: job.Submitted})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"job_id": job.ID}}
	if _, err := q.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Dequeue returns the next received job. After Close, or after the
// subscription stream fails, it drains the local buffer and then returns
// scraper.ErrQueueClosed (wrapping the stream error, if any).
func (q *Queue) Dequeue(ctx context.Context) (scraper.Job, error) {
	select {
	case <-ctx.Done():
		return scraper.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.jobs:
		if !ok {
			if err := q.Err(); err != nil {
				return scraper.Job{}, fmt.Errorf("%w: %w", scraper.ErrQueueClosed, err)
			}
			return scraper.Job{}, scraper.ErrQueueClosed
		}
		return job, nil
	}
}

// Len reports jobs received but not yet taken by a worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Close stops receiving, nacks anything not yet buffered and flushes pending
// publishes. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		q.cancel()
		<-q.done
		q.topic.Stop()
	})
}
