package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/fetchengine/internal/progress"
)

// PrometheusSink exports batch progress via Prometheus: batches started,
// completed and running, plus per-host fetch completions by status class.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec
	fetchSettled     *prometheus.CounterVec
	fetchAttempts    prometheus.Histogram
}

// NewPrometheusSink registers the collectors against reg. Collectors that are
// already registered, e.g. by an earlier sink, are reused.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{}
	var err error
	if s.batchesStarted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetchengine_batches_started_total",
		Help: "Total batches that have started.",
	})); err != nil {
		return nil, err
	}
	if s.batchesCompleted, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchengine_batches_completed_total",
		Help: "Total batches completed partitioned by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if s.batchesRunning, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fetchengine_batches_running",
		Help: "Current number of running batches.",
	})); err != nil {
		return nil, err
	}
	if s.batchRuntime, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetchengine_batch_runtime_seconds",
		Help:    "Wall time per completed batch.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if s.fetchSettled, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchengine_fetch_settled_total",
		Help: "URLs settled partitioned by host and status class.",
	}, []string{"host", "status_class"})); err != nil {
		return nil, err
	}
	if s.fetchAttempts, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchengine_fetch_attempts",
		Help:    "Attempts used per settled URL.",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart:
			s.batchesStarted.Inc()
			s.batchesRunning.Inc()
		case progress.StageBatchDone:
			s.finish(evt, "success")
		case progress.StageBatchError:
			s.finish(evt, "error")
		case progress.StageFetchDone:
			host := evt.Host
			if host == "" {
				host = "_invalid"
			}
			s.fetchSettled.WithLabelValues(host, string(evt.StatusClass)).Inc()
			if evt.Attempts > 0 {
				s.fetchAttempts.Observe(float64(evt.Attempts))
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.batchesCompleted.WithLabelValues(result).Inc()
	s.batchesRunning.Dec()
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
