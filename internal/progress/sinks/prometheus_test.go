package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "a", TS: now, Stage: progress.StageJobStart},
		{JobID: "b", TS: now, Stage: progress.StageJobStart},
		{
			JobID:       "a",
			TS:          now,
			Stage:       progress.StageFetchDone,
			Site:        "ex.test",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{JobID: "a", TS: now, Stage: progress.StageJobDone, Count: 2, Dur: time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("JOB_DONE")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pageFetches.WithLabelValues("ex.test", "2xx")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.pageBytes.WithLabelValues("ex.test")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "mediascraper_job_runtime_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "b", TS: now, Stage: progress.StageJobSkipped, Note: "not_html"},
		{JobID: "b", TS: now, Stage: progress.StageJobSkipped},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("JOB_SKIPPED")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
