// Package metrics holds the Prometheus instruments for the ingestion
// pipeline. One Metrics value is constructed per process and injected into
// the components that report; a nil *Metrics silently drops all observations
// so tests do not need a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "killfeed_ingester_"

type Metrics struct {
	recordsProcessed *prometheus.CounterVec
	retries          *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	backfillRuns     *prometheus.CounterVec
	pagesFetched     prometheus.Counter
	backfillDuration prometheus.Histogram
}

func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		recordsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "records_processed_total",
			Help: "Records evaluated by the ingestion pipeline, partitioned by outcome.",
		}, []string{"outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "retries_total",
			Help: "Retry attempts made against external services.",
		}, []string{"service"}),
		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "circuit_state",
			Help: "Circuit breaker state per service: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
		backfillRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "backfill_runs_total",
			Help: "Backfill runs, partitioned by result.",
		}, []string{"result"}),
		pagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "feed_pages_total",
			Help: "Feed pages fetched across all backfill runs.",
		}),
		backfillDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "backfill_duration_seconds",
			Help:    "Wall time of backfill runs that ran to completion.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.recordsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRetry(service string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(service).Inc()
}

func (m *Metrics) SetCircuitState(service string, state float64) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(service).Set(state)
}

func (m *Metrics) RecordBackfillRun(result string) {
	if m == nil {
		return
	}
	m.backfillRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPage() {
	if m == nil {
		return
	}
	m.pagesFetched.Inc()
}

func (m *Metrics) ObserveBackfillDuration(seconds float64) {
	if m == nil {
		return
	}
	m.backfillDuration.Observe(seconds)
}
