// Package metrics holds the Prometheus instrumentation for the engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics manages Prometheus instrumentation for the query engine.
type EngineMetrics struct {
	invocationTotal    *prometheus.CounterVec
	invocationDuration prometheus.Histogram
	admissionDenied    *prometheus.CounterVec
	externalCalls      *prometheus.CounterVec
	externalCostMicro  prometheus.Counter
	localFallback      prometheus.Counter
	poolQueueDepth     prometheus.Gauge
	poolHealthyWorkers prometheus.Gauge
	searchHits         prometheus.Histogram
	autoSessions       *prometheus.CounterVec
	streamsActive      prometheus.Gauge
}

var (
	engineMetricsInstance *EngineMetrics
	engineMetricsOnce     sync.Once
)

// Get returns the singleton engine metrics instance.
func Get() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetricsInstance = newEngineMetrics()
	})
	return engineMetricsInstance
}

func newEngineMetrics() *EngineMetrics {
	m := &EngineMetrics{
		invocationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inquest",
				Subsystem: "pipeline",
				Name:      "invocation_total",
				Help:      "Total pipeline invocations by outcome",
			},
			[]string{"outcome", "auto"},
		),
		invocationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "inquest",
				Subsystem: "pipeline",
				Name:      "invocation_duration_seconds",
				Help:      "End-to-end pipeline invocation duration",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		admissionDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inquest",
				Subsystem: "gate",
				Name:      "admission_denied_total",
				Help:      "Total admissions denied by reason",
			},
			[]string{"reason"},
		),
		externalCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inquest",
				Subsystem: "external",
				Name:      "calls_total",
				Help:      "Total external model calls by result",
			},
			[]string{"result"},
		),
		externalCostMicro: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "inquest",
				Subsystem: "external",
				Name:      "cost_micro_usd_total",
				Help:      "Cumulative external model spend in micro-USD",
			},
		),
		localFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "inquest",
				Subsystem: "pipeline",
				Name:      "local_fallback_total",
				Help:      "Total analyses routed to the local model fallback",
			},
		),
		poolQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "inquest",
				Subsystem: "localmodel",
				Name:      "queue_depth",
				Help:      "Requests currently queued for the local model pool",
			},
		),
		poolHealthyWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "inquest",
				Subsystem: "localmodel",
				Name:      "healthy_workers",
				Help:      "Local model workers currently serving",
			},
		),
		searchHits: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "inquest",
				Subsystem: "search",
				Name:      "hits_per_query",
				Help:      "Documents returned per retrieval",
				Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),
		autoSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inquest",
				Subsystem: "auto",
				Name:      "sessions_total",
				Help:      "Total auto sessions by final status",
			},
			[]string{"status"},
		),
		streamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "inquest",
				Subsystem: "stream",
				Name:      "active",
				Help:      "Event streams currently open",
			},
		),
	}

	prometheus.MustRegister(
		m.invocationTotal,
		m.invocationDuration,
		m.admissionDenied,
		m.externalCalls,
		m.externalCostMicro,
		m.localFallback,
		m.poolQueueDepth,
		m.poolHealthyWorkers,
		m.searchHits,
		m.autoSessions,
		m.streamsActive,
	)
	return m
}

// RecordInvocation counts one finished pipeline invocation.
func (m *EngineMetrics) RecordInvocation(outcome string, auto bool, seconds float64) {
	autoLabel := "false"
	if auto {
		autoLabel = "true"
	}
	m.invocationTotal.WithLabelValues(outcome, autoLabel).Inc()
	m.invocationDuration.Observe(seconds)
}

// RecordAdmissionDenied counts a denied admission.
func (m *EngineMetrics) RecordAdmissionDenied(reason string) {
	m.admissionDenied.WithLabelValues(reason).Inc()
}

// RecordExternalCall counts one external model call and its spend.
func (m *EngineMetrics) RecordExternalCall(result string, costMicroUSD int64) {
	m.externalCalls.WithLabelValues(result).Inc()
	if costMicroUSD > 0 {
		m.externalCostMicro.Add(float64(costMicroUSD))
	}
}

// RecordLocalFallback counts an analysis served by the local model.
func (m *EngineMetrics) RecordLocalFallback() {
	m.localFallback.Inc()
}

// SetPoolGauges publishes local pool health.
func (m *EngineMetrics) SetPoolGauges(queueDepth, healthyWorkers int) {
	m.poolQueueDepth.Set(float64(queueDepth))
	m.poolHealthyWorkers.Set(float64(healthyWorkers))
}

// RecordSearchHits observes the retrieval result size.
func (m *EngineMetrics) RecordSearchHits(n int) {
	m.searchHits.Observe(float64(n))
}

// RecordAutoSession counts a finished auto session.
func (m *EngineMetrics) RecordAutoSession(status string) {
	m.autoSessions.WithLabelValues(status).Inc()
}

// StreamOpened and StreamClosed track open event streams.
func (m *EngineMetrics) StreamOpened() { m.streamsActive.Inc() }
func (m *EngineMetrics) StreamClosed() { m.streamsActive.Dec() }
