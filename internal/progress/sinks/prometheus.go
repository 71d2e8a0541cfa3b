package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/media-scraper/internal/progress"
)

// PrometheusSink derives job and fetch metrics from progress events.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	pageFetches *prometheus.CounterVec
	pageBytes   *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediascraper_jobs_started_total",
			Help: "Jobs picked up by a worker.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediascraper_jobs_completed_total",
			Help: "Jobs that reached a terminal stage, partitioned by stage.",
		}, []string{"stage"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediascraper_jobs_running",
			Help: "Jobs started but not yet finished.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediascraper_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		pageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediascraper_page_fetches_total",
			Help: "Completed page fetches partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediascraper_page_bytes_total",
			Help: "HTML bytes downloaded per site.",
		}, []string{"site"}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.jobsStarted, s.jobsCompleted, s.jobsRunning, s.jobRuntime, s.pageFetches, s.pageBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.track(evt.JobID, true) {
				s.jobsRunning.Inc()
			}
		case evt.Stage.Terminal():
			label := string(evt.Stage)
			s.jobsCompleted.WithLabelValues(label).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.JobID, false) {
				s.jobsRunning.Dec()
			}
		case evt.Stage == progress.StageFetchDone:
			site := evt.Site
			if site == "" {
				site = "unknown"
			}
			s.pageFetches.WithLabelValues(site, string(evt.StatusClass)).Inc()
			if evt.Bytes > 0 {
				s.pageBytes.WithLabelValues(site).Add(float64(evt.Bytes))
			}
		}
	}
	return nil
}

// track adds or removes id from the running set and reports whether the set
// changed.
func (s *PrometheusSink) track(id string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	switch {
	case start && !ok:
		s.running[id] = struct{}{}
		return true
	case !start && ok:
		delete(s.running, id)
		return true
	default:
		return false
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
