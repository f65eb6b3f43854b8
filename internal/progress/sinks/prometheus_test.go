package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/fetchengine/internal/progress"
)

func sampleBatch() []progress.Event {
	now := time.Now()
	return []progress.Event{
		{BatchID: "b1", TS: now, Stage: progress.StageBatchStart, URLs: 2},
		{
			BatchID:     "b1",
			TS:          now.Add(time.Second),
			Stage:       progress.StageFetchDone,
			Host:        "example.com",
			URL:         "https://example.com/a",
			StatusClass: progress.Status2xx,
			Attempts:    3,
		},
		{
			BatchID:     "b1",
			TS:          now.Add(time.Second),
			Stage:       progress.StageFetchDone,
			Host:        "example.com",
			URL:         "https://example.com/b",
			StatusClass: progress.Status5xx,
			Attempts:    4,
			Note:        "HTTP 503",
		},
		{BatchID: "b1", TS: now.Add(2 * time.Second), Stage: progress.StageBatchDone, URLs: 2, Succeeded: 1, Dur: 2 * time.Second},
	}
}

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchesStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchesCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.batchesCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.batchesRunning))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchSettled.WithLabelValues("example.com", "2xx")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchSettled.WithLabelValues("example.com", "5xx")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchRuntime, "fetchengine_batch_runtime_seconds"))
}

func TestPrometheusSinkReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	second, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, second.Consume(context.Background(), sampleBatch()[:1]))
	require.Equal(t, 1.0, testutil.ToFloat64(first.batchesStarted))
}

func TestLogSinkWritesEvents(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.FilterMessage("progress event").All()
	require.Len(t, entries, 4)
	fetched := entries[2].ContextMap()
	require.Equal(t, "https://example.com/b", fetched["url"])
	require.Equal(t, "HTTP 503", fetched["note"])
	require.EqualValues(t, 2, entries[3].ContextMap()["urls"])
}
