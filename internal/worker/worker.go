// Package worker runs the scrape pipeline for one job at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/clock/system"
	"github.com/JakeFAU/media-scraper/internal/metrics"
	"github.com/JakeFAU/media-scraper/internal/progress"
	"github.com/JakeFAU/media-scraper/internal/scraper"
)

const (
	snapshotContentType = "text/html; charset=utf-8"
	// sideEffectTimeout bounds ledger, snapshot and publish calls made after
	// the job context may already be canceled.
	sideEffectTimeout = 5 * time.Second
)

// Config controls optional Worker behavior.
type Config struct {
	// SnapshotPrefix is the object key prefix for archived pages.
	SnapshotPrefix string
	// Topic receives a notification per finished job when a Publisher is set.
	Topic string
}

// Deps are the collaborators of a Worker. Queue, Fetcher, Extractor and Store
// are required; the rest are optional.
type Deps struct {
	Queue     scraper.Queue
	Fetcher   scraper.Fetcher
	Extractor scraper.Extractor
	Store     scraper.MediaStore
	Jobs      scraper.JobStore
	Limiter   scraper.Limiter
	Blobs     scraper.BlobStore
	Hasher    scraper.Hasher
	Publisher scraper.Publisher
	Progress  *progress.Hub
	Clock     scraper.Clock
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Worker consumes jobs from the queue and processes them sequentially.
type Worker struct {
	id   int
	deps Deps
	cfg  Config
	log  *zap.Logger
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("worker: queue is required")
	case deps.Fetcher == nil:
		return nil, errors.New("worker: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("worker: extractor is required")
	case deps.Store == nil:
		return nil, errors.New("worker: media store is required")
	case deps.Blobs != nil && deps.Hasher == nil:
		return nil, errors.New("worker: hasher is required for snapshots")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/media-scraper/internal/worker")
	}
	return &Worker{
		id:   id,
		deps: deps,
		cfg:  cfg,
		log:  deps.Logger.With(zap.Int("worker", id)),
	}, nil
}

// Run dequeues and processes jobs until ctx ends or the queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scraper.ErrQueueClosed) {
				return
			}
			w.log.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs one job to completion and returns its result. It never panics.
func (w *Worker) Process(ctx context.Context, job scraper.Job) (result scraper.Result) {
	started := w.deps.Clock.Now()
	log := w.log.With(zap.String("job_id", job.ID), zap.String("url", job.URL))

	ctx, span := w.deps.Tracer.Start(ctx, "scrape.job")
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("url.full", job.URL))
	defer func() {
		span.SetAttributes(
			attribute.String("scrape.outcome", string(result.Outcome)),
			attribute.Int("scrape.count", result.Count),
		)
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
		span.End()
	}()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.markRunning(ctx, job, started, log)
	w.deps.Progress.Emit(progress.Event{
		JobID: job.ID,
		TS:    started,
		Stage: progress.StageJobStart,
		Site:  metrics.SanitizeSite(job.URL),
		URL:   job.URL,
	})

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = scraper.Failed(fmt.Errorf("panic: %v", r))
		}
		w.finish(ctx, job, started, result, log)
	}()

	return w.scrape(ctx, job, log)
}

func (w *Worker) scrape(ctx context.Context, job scraper.Job, log *zap.Logger) scraper.Result {
	seen, err := w.deps.Store.AlreadyScraped(ctx, job.URL)
	if err != nil {
		return scraper.Failed(fmt.Errorf("%w: %w", scraper.ErrPersistence, err))
	}
	if seen {
		return scraper.Skipped(scraper.ReasonAlreadyScraped)
	}

	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, job.URL); err != nil {
			return scraper.Failed(err)
		}
	}

	resp, err := w.fetch(ctx, job)
	if err != nil {
		return scraper.Failed(err)
	}
	if !scraper.IsHTML(resp.ContentType) {
		log.Debug("skipping non-html page", zap.String("content_type", resp.ContentType))
		return scraper.Skipped(scraper.ReasonNotHTML)
	}

	base := resp.URL
	if base == "" {
		base = job.URL
	}
	candidates := w.deps.Extractor.Extract(resp.Body, base)
	// Records are keyed by the submitted URL so the pre-check matches after redirects.
	for i := range candidates {
		candidates[i].SourceURL = job.URL
	}

	w.snapshot(ctx, job, resp.Body, log)

	if len(candidates) == 0 {
		return scraper.Scraped(0)
	}
	n, err := w.deps.Store.WriteCandidates(ctx, candidates)
	if err != nil {
		return scraper.Failed(fmt.Errorf("%w: %w", scraper.ErrPersistence, err))
	}
	observeKinds(candidates)
	return scraper.Scraped(n)
}

func (w *Worker) fetch(ctx context.Context, job scraper.Job) (scraper.FetchResponse, error) {
	done := metrics.StartFetch()
	resp, err := w.deps.Fetcher.Fetch(ctx, job.URL)
	done(fetchOutcome(resp, err))

	status := resp.StatusCode
	var fe *scraper.FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		status = fe.StatusCode
	}
	if status != 0 {
		w.deps.Progress.Emit(progress.Event{
			JobID:       job.ID,
			TS:          w.deps.Clock.Now(),
			Stage:       progress.StageFetchDone,
			Site:        metrics.SanitizeSite(job.URL),
			URL:         job.URL,
			Bytes:       int64(len(resp.Body)),
			StatusClass: progress.ClassifyStatus(status),
			Dur:         resp.Duration,
		})
	}
	if err != nil {
		return scraper.FetchResponse{}, fmt.Errorf("fetch page: %w", err)
	}
	return resp, nil
}

func fetchOutcome(resp scraper.FetchResponse, err error) string {
	switch {
	case errors.Is(err, scraper.ErrFetchTimeout):
		return "timeout"
	case errors.Is(err, scraper.ErrFetchTooLarge):
		return "too_large"
	case err != nil:
		return "network"
	case !scraper.IsHTML(resp.ContentType):
		return "not_html"
	default:
		return "ok"
	}
}

func observeKinds(candidates []scraper.Candidate) {
	var images, videos int
	for _, c := range candidates {
		switch c.Kind {
		case scraper.KindImage:
			images++
		case scraper.KindVideo:
			videos++
		}
	}
	metrics.ObserveCandidates(string(scraper.KindImage), images)
	metrics.ObserveCandidates(string(scraper.KindVideo), videos)
}

// snapshot archives the page body. Failures are logged and never fail the job.
func (w *Worker) snapshot(ctx context.Context, job scraper.Job, body []byte, log *zap.Logger) {
	if w.deps.Blobs == nil || len(body) == 0 {
		return
	}
	sum, err := w.deps.Hasher.Hash(body)
	if err != nil {
		log.Warn("hash snapshot failed", zap.Error(err))
		return
	}
	key := snapshotKey(w.cfg.SnapshotPrefix, job.URL, sum)
	uri, err := w.deps.Blobs.PutObject(ctx, key, snapshotContentType, body)
	if err != nil {
		log.Warn("store snapshot failed", zap.String("key", key), zap.Error(err))
		return
	}
	log.Debug("stored snapshot", zap.String("uri", uri))
}

// snapshotKey builds <prefix>/<host>/<digest>.html.
func snapshotKey(prefix, rawURL, digest string) string {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	return strings.TrimPrefix(path.Join(strings.Trim(prefix, "/"), host, digest+".html"), "/")
}

func (w *Worker) markRunning(ctx context.Context, job scraper.Job, at time.Time, log *zap.Logger) {
	if w.deps.Jobs == nil {
		return
	}
	if err := w.deps.Jobs.MarkRunning(ctx, job.ID, at); err != nil && !errors.Is(err, scraper.ErrJobNotFound) {
		log.Warn("mark job running failed", zap.Error(err))
	}
}

func (w *Worker) finish(ctx context.Context, job scraper.Job, started time.Time, result scraper.Result, log *zap.Logger) {
	finished := w.deps.Clock.Now()
	elapsed := max(finished.Sub(started), 0)

	// Bookkeeping still runs when the job context was canceled mid-flight.
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if w.deps.Jobs != nil {
		if err := w.deps.Jobs.Complete(sideCtx, job.ID, result, finished); err != nil &&
			!errors.Is(err, scraper.ErrJobNotFound) {
			log.Warn("complete job failed", zap.Error(err))
		}
	}

	metrics.ObserveJob(string(result.Outcome))

	evt := progress.Event{
		JobID: job.ID,
		TS:    finished,
		Site:  metrics.SanitizeSite(job.URL),
		URL:   job.URL,
		Dur:   elapsed,
	}
	fields := []zap.Field{
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("elapsed", elapsed),
	}
	switch result.Outcome {
	case scraper.OutcomeScraped:
		evt.Stage = progress.StageJobDone
		evt.Count = result.Count
		log.Info("job scraped", append(fields, zap.Int("count", result.Count))...)
	case scraper.OutcomeSkipped:
		evt.Stage = progress.StageJobSkipped
		evt.Note = string(result.Reason)
		log.Info("job skipped", append(fields, zap.String("reason", string(result.Reason)))...)
	default:
		evt.Stage = progress.StageJobError
		evt.Note = result.ErrorText()
		log.Warn("job failed", append(fields, zap.Error(result.Err))...)
	}
	w.deps.Progress.Emit(evt)

	w.notify(sideCtx, job, result, finished, log)
}

func (w *Worker) notify(ctx context.Context, job scraper.Job, result scraper.Result, at time.Time, log *zap.Logger) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	msg := scraper.Notification{
		JobID:      job.ID,
		URL:        job.URL,
		Outcome:    result.Outcome,
		Count:      result.Count,
		Reason:     result.Reason,
		Error:      result.ErrorText(),
		FinishedAt: at,
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, msg); err != nil {
		log.Warn("publish job result failed", zap.Error(err))
	}
}
