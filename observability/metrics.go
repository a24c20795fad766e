package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	collectorMetricsOnce sync.Once
	collectorRegistry    *CollectorMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// CollectorMetrics wraps collectors tracking event intake.
type CollectorMetrics struct {
	events     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	pending    *prometheus.GaugeVec
	latency    *prometheus.HistogramVec
}

// Collector returns the lazily-initialised registry for event intake.
func Collector() *CollectorMetrics {
	collectorMetricsOnce.Do(func() {
		collectorRegistry = &CollectorMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "adchain",
				Subsystem: "collector",
				Name:      "events_total",
				Help:      "Events appended to tenant chains segmented by type and verification result.",
			}, []string{"type", "verified"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "adchain",
				Subsystem: "collector",
				Name:      "rejections_total",
				Help:      "Events rejected before reaching the ledger segmented by reason.",
			}, []string{"reason"}),
			pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "adchain",
				Subsystem: "collector",
				Name:      "pending_events",
				Help:      "Events awaiting the next flush per tenant.",
			}, []string{"tenant"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "adchain",
				Subsystem: "collector",
				Name:      "append_duration_seconds",
				Help:      "Latency of durable ledger appends.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			collectorRegistry.events,
			collectorRegistry.rejections,
			collectorRegistry.pending,
			collectorRegistry.latency,
		)
	})
	return collectorRegistry
}

// RecordEvent counts an appended event.
func (m *CollectorMetrics) RecordEvent(eventType string, verified bool, d time.Duration) {
	if m == nil {
		return
	}
	label := labelValue(eventType)
	m.events.WithLabelValues(label, boolLabel(verified)).Inc()
	m.latency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordRejection counts an event rejected at the boundary.
func (m *CollectorMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(labelValue(reason)).Inc()
}

// SetPending updates the pending gauge for a tenant.
func (m *CollectorMetrics) SetPending(tenant string, pending int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(labelValue(tenant)).Set(float64(pending))
}

// SettlementMetrics bundles collectors for flush and settlement health.
type SettlementMetrics struct {
	flushes    *prometheus.CounterVec
	partitions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retryDepth prometheus.Gauge
}

// Settlement returns the lazily-initialised settlement registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "adchain",
				Subsystem: "settlement",
				Name:      "flushes_total",
				Help:      "Non-empty segment flushes segmented by trigger.",
			}, []string{"trigger"}),
			partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "adchain",
				Subsystem: "settlement",
				Name:      "partitions_total",
				Help:      "Campaign partitions settled segmented by outcome.",
			}, []string{"outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "adchain",
				Subsystem: "settlement",
				Name:      "flush_duration_seconds",
				Help:      "Time spent uploading and submitting one segment.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"trigger"}),
			retryDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "adchain",
				Subsystem: "settlement",
				Name:      "retry_pending",
				Help:      "Partitions waiting for an upload or submission retry.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.flushes,
			settlementRegistry.partitions,
			settlementRegistry.duration,
			settlementRegistry.retryDepth,
		)
	})
	return settlementRegistry
}

// ObserveFlush records a settled segment.
func (m *SettlementMetrics) ObserveFlush(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	label := labelValue(trigger)
	m.flushes.WithLabelValues(label).Inc()
	m.duration.WithLabelValues(label).Observe(d.Seconds())
}

// RecordPartition counts a partition outcome such as "settled" or "upload_failed".
func (m *SettlementMetrics) RecordPartition(outcome string) {
	if m == nil {
		return
	}
	m.partitions.WithLabelValues(labelValue(outcome)).Inc()
}

// SetRetryDepth updates the retry backlog gauge.
func (m *SettlementMetrics) SetRetryDepth(depth int) {
	if m == nil {
		return
	}
	m.retryDepth.Set(float64(depth))
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unspecified"
	}
	return trimmed
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
