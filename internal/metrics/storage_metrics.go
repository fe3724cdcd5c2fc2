package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Log label values.
const (
	LogSchedule = "schedule"
	LogDispatch = "dispatch"
)

// StorageMetrics covers the schedule and dispatch logs. Every series carries
// a "log" label.
type StorageMetrics struct {
	// Appends counts appends by log and status.
	Appends *prometheus.CounterVec

	// BytesWritten counts bytes appended.
	BytesWritten *prometheus.CounterVec

	// AppendLatency is the time from append call to bytes in the page cache.
	AppendLatency *prometheus.HistogramVec

	// SegmentsTotal is the number of live segments.
	SegmentsTotal *prometheus.GaugeVec

	// SegmentsCreated counts bucket allocations.
	SegmentsCreated *prometheus.CounterVec

	// SegmentsCleaned counts segments removed by retention.
	SegmentsCleaned *prometheus.CounterVec

	// FlushLatency is the time of one full-log flush.
	FlushLatency *prometheus.HistogramVec

	// FlushErrors counts failed fsyncs.
	FlushErrors *prometheus.CounterVec

	// TruncatedBytes counts bytes cut from segment tails during recovery.
	TruncatedBytes *prometheus.CounterVec

	registry *Registry
}

func newStorageMetrics(r *Registry) *StorageMetrics {
	m := &StorageMetrics{registry: r}
	logLabel := []string{"log"}

	m.Appends = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "appends_total",
			Help:      "Appends by log and status",
		},
		[]string{"log", "status"},
	)
	m.BytesWritten = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "bytes_written_total",
			Help:      "Bytes appended to log segments",
		},
		logLabel,
	)
	m.AppendLatency = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "storage",
			Name:      "append_latency_seconds",
			Help:      "Time to append one record",
		},
		logLabel,
	)
	m.SegmentsTotal = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "storage",
			Name:      "segments",
			Help:      "Number of live segments",
		},
		logLabel,
	)
	m.SegmentsCreated = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "segments_created_total",
			Help:      "Segments allocated",
		},
		logLabel,
	)
	m.SegmentsCleaned = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "segments_cleaned_total",
			Help:      "Segments removed by retention",
		},
		logLabel,
	)
	m.FlushLatency = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "storage",
			Name:      "flush_latency_seconds",
			Help:      "Time to flush every segment of a log",
		},
		logLabel,
	)
	m.FlushErrors = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "flush_errors_total",
			Help:      "Failed segment flushes (data may not be durable)",
		},
		logLabel,
	)
	m.TruncatedBytes = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "recovery_truncated_bytes_total",
			Help:      "Bytes truncated from segment tails during recovery",
		},
		logLabel,
	)
	return m
}

// RecordAppend records one append outcome.
func (m *StorageMetrics) RecordAppend(log, status string, bytes int64, latency time.Duration) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Appends.WithLabelValues(log, status).Inc()
	if bytes > 0 {
		m.BytesWritten.WithLabelValues(log).Add(float64(bytes))
	}
	m.AppendLatency.WithLabelValues(log).Observe(latency.Seconds())
}

// RecordSegmentCreated records a bucket allocation.
func (m *StorageMetrics) RecordSegmentCreated(log string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.SegmentsCreated.WithLabelValues(log).Inc()
	m.SegmentsTotal.WithLabelValues(log).Inc()
}

// RecordSegmentCleaned records a retention removal.
func (m *StorageMetrics) RecordSegmentCleaned(log string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.SegmentsCleaned.WithLabelValues(log).Inc()
	m.SegmentsTotal.WithLabelValues(log).Dec()
}

// SetSegments sets the live segment gauge.
func (m *StorageMetrics) SetSegments(log string, n int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.SegmentsTotal.WithLabelValues(log).Set(float64(n))
}

// RecordFlush records one full-log flush.
func (m *StorageMetrics) RecordFlush(log string, latency time.Duration, err error) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.FlushLatency.WithLabelValues(log).Observe(latency.Seconds())
	if err != nil {
		m.FlushErrors.WithLabelValues(log).Inc()
	}
}

// RecordTruncated records bytes cut from a segment during recovery.
func (m *StorageMetrics) RecordTruncated(log string, bytes int64) {
	if m == nil || !m.registry.enabled || bytes <= 0 {
		return
	}
	m.TruncatedBytes.WithLabelValues(log).Add(float64(bytes))
}
