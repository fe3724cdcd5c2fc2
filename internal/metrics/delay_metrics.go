package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// WHEEL
// =============================================================================

// WheelMetrics covers the timing wheel and its loader.
type WheelMetrics struct {
	// Pending is the number of indices held by the wheel.
	Pending prometheus.Gauge

	// Admissions counts admission decisions by outcome.
	Admissions *prometheus.CounterVec

	// Fired counts indices handed to dispatch by ticks.
	Fired prometheus.Counter

	// Retried counts indices re-slotted after a failed dispatch.
	Retried prometheus.Counter

	// Loaded counts indices the loader placed from disk.
	Loaded prometheus.Counter

	// LoadCursor is the base offset of the segment the loader reached.
	LoadCursor prometheus.Gauge

	registry *Registry
}

func newWheelMetrics(r *Registry) *WheelMetrics {
	m := &WheelMetrics{registry: r}

	m.Pending = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "wheel",
		Name:      "pending",
		Help:      "Indices waiting in the timing wheel",
	})
	m.Admissions = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "wheel",
			Name:      "admissions_total",
			Help:      "Admission decisions for freshly appended entries",
		},
		[]string{"outcome"},
	)
	m.Fired = r.newCounter(prometheus.CounterOpts{
		Subsystem: "wheel",
		Name:      "fired_total",
		Help:      "Indices handed to dispatch by wheel ticks",
	})
	m.Retried = r.newCounter(prometheus.CounterOpts{
		Subsystem: "wheel",
		Name:      "retried_total",
		Help:      "Indices re-slotted after a failed dispatch",
	})
	m.Loaded = r.newCounter(prometheus.CounterOpts{
		Subsystem: "wheel",
		Name:      "loaded_total",
		Help:      "Indices loaded from the schedule log",
	})
	m.LoadCursor = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "wheel",
		Name:      "load_cursor_base_offset",
		Help:      "Base offset of the last segment loaded into the wheel",
	})
	return m
}

// SetPending sets the wheel size gauge.
func (m *WheelMetrics) SetPending(n int64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Pending.Set(float64(n))
}

// RecordAdmission records one admission decision.
func (m *WheelMetrics) RecordAdmission(outcome string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Admissions.WithLabelValues(outcome).Inc()
}

// RecordFired records indices fired by one tick.
func (m *WheelMetrics) RecordFired(n int) {
	if m == nil || !m.registry.enabled || n == 0 {
		return
	}
	m.Fired.Add(float64(n))
}

// RecordRetry records one re-slotted index.
func (m *WheelMetrics) RecordRetry() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Retried.Inc()
}

// RecordLoaded records indices loaded from one segment and the new cursor.
func (m *WheelMetrics) RecordLoaded(n int, cursorBase int64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Loaded.Add(float64(n))
	m.LoadCursor.Set(float64(cursorBase))
}

// =============================================================================
// DISPATCH
// =============================================================================

// Dispatch outcomes.
const (
	DispatchPublished = "published"
	DispatchSkipped   = "skipped"
	DispatchFailed    = "failed"
	DispatchLost      = "lost"
)

// DispatchMetrics covers the path from wheel to publisher.
type DispatchMetrics struct {
	// Outcomes counts dispatch attempts by outcome.
	Outcomes *prometheus.CounterVec

	// PublishLatency is the publisher call time.
	PublishLatency prometheus.Histogram

	// Lag is how late messages were published relative to schedule time.
	Lag prometheus.Histogram

	registry *Registry
}

func newDispatchMetrics(r *Registry) *DispatchMetrics {
	m := &DispatchMetrics{registry: r}

	m.Outcomes = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
	m.PublishLatency = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "dispatch",
		Name:      "publish_latency_seconds",
		Help:      "Time spent in the publisher",
	})
	m.Lag = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "dispatch",
		Name:      "lag_seconds",
		Help:      "Publish time minus schedule time",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})
	return m
}

// RecordOutcome records one dispatch attempt.
func (m *DispatchMetrics) RecordOutcome(outcome string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

// RecordPublish records a successful publish and its lag.
func (m *DispatchMetrics) RecordPublish(latency, lag time.Duration) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Outcomes.WithLabelValues(DispatchPublished).Inc()
	m.PublishLatency.Observe(latency.Seconds())
	if lag < 0 {
		lag = 0
	}
	m.Lag.Observe(lag.Seconds())
}

// =============================================================================
// CHECKPOINT
// =============================================================================

// CheckpointMetrics covers checkpoint persistence.
type CheckpointMetrics struct {
	// Saves counts checkpoint saves by result.
	Saves *prometheus.CounterVec

	// SaveLatency is the time of one atomic save.
	SaveLatency prometheus.Histogram

	// Loads counts loads by source (live, backup, none).
	Loads *prometheus.CounterVec

	registry *Registry
}

func newCheckpointMetrics(r *Registry) *CheckpointMetrics {
	m := &CheckpointMetrics{registry: r}

	m.Saves = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "checkpoint",
			Name:      "saves_total",
			Help:      "Checkpoint saves by result",
		},
		[]string{"result"},
	)
	m.SaveLatency = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "checkpoint",
		Name:      "save_latency_seconds",
		Help:      "Time of one atomic checkpoint save",
	})
	m.Loads = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "checkpoint",
			Name:      "loads_total",
			Help:      "Checkpoint loads by source",
		},
		[]string{"source"},
	)
	return m
}

// RecordSave records one save.
func (m *CheckpointMetrics) RecordSave(latency time.Duration, err error) {
	if m == nil || !m.registry.enabled {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Saves.WithLabelValues(result).Inc()
	m.SaveLatency.Observe(latency.Seconds())
}

// RecordLoad records where a checkpoint was loaded from.
func (m *CheckpointMetrics) RecordLoad(source string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Loads.WithLabelValues(source).Inc()
}
