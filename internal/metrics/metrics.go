package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rpggio/activitylog/internal/domain/activity"
)

// Metrics provides observability for the activity layer.
type Metrics struct {
	// Recorder outcomes by action, entity type and status
	Records *prometheus.CounterVec

	// Interceptor pre-capture and post-mutation lookups that failed
	CaptureFailures *prometheus.CounterVec

	// Attribution results by source ("session", "token", "principal", "none")
	Attributions *prometheus.CounterVec

	// Background recording tasks currently running
	PendingTasks prometheus.Gauge

	// Background tasks that panicked
	TaskPanics prometheus.Counter

	// Time from handler return to recorded entry
	RecordLatency prometheus.Histogram
}

// New creates a Metrics instance registered with reg.
// A nil reg uses a private registry so tests can create instances freely.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_records_total",
			Help: "Activity record attempts by action, entity type and outcome",
		}, []string{"action", "entity_type", "status"}),

		CaptureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_capture_failures_total",
			Help: "Snapshot lookups that failed around a mutation",
		}, []string{"action"}),

		Attributions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_attributions_total",
			Help: "Actor attribution results by source",
		}, []string{"source"}),

		PendingTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "activitylog_pending_tasks",
			Help: "Background recording tasks in flight",
		}),

		TaskPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_task_panics_total",
			Help: "Background recording tasks that panicked",
		}),

		RecordLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "activitylog_record_duration_seconds",
			Help:    "Duration from mutation response to persisted entry",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// UntrackedLabel replaces the entity_type label on not-tracked outcomes.
// Those entity types are caller supplied and unbounded.
const UntrackedLabel = "untracked"

// ObserveRecord implements activity.Observer.
func (m *Metrics) ObserveRecord(action activity.Action, entityType string, status activity.Status) {
	if m == nil {
		return
	}
	if status == activity.StatusNotTracked {
		entityType = UntrackedLabel
	}
	m.Records.WithLabelValues(string(action), entityType, string(status)).Inc()
}

// IncrementCaptureFailure records a failed snapshot lookup.
func (m *Metrics) IncrementCaptureFailure(action activity.Action) {
	if m != nil {
		m.CaptureFailures.WithLabelValues(string(action)).Inc()
	}
}

// IncrementAttribution records which source produced an actor id.
func (m *Metrics) IncrementAttribution(source string) {
	if m != nil {
		m.Attributions.WithLabelValues(source).Inc()
	}
}

// TaskStarted marks a background task as in flight.
func (m *Metrics) TaskStarted() {
	if m != nil {
		m.PendingTasks.Inc()
	}
}

// TaskFinished marks a background task as done.
func (m *Metrics) TaskFinished() {
	if m != nil {
		m.PendingTasks.Dec()
	}
}

// IncrementTaskPanic records a recovered background panic.
func (m *Metrics) IncrementTaskPanic() {
	if m != nil {
		m.TaskPanics.Inc()
	}
}

// ObserveRecordLatency records time spent recording after a response.
func (m *Metrics) ObserveRecordLatency(d time.Duration) {
	if m != nil {
		m.RecordLatency.Observe(d.Seconds())
	}
}
