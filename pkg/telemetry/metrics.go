package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// Metrics provides Prometheus metrics for the onboarding engine and
// implements engine.MetricsRecorder. A disabled instance records nothing.
type Metrics struct {
	config MetricsConfig

	tasksSubmitted    prometheus.Counter
	tasksCompleted    *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	attempts          *prometheus.CounterVec
	attemptDuration   *prometheus.HistogramVec
	detections        *prometheus.CounterVec
	detectionDuration prometheus.Histogram
	queueDepth        prometheus.Gauge
	runningWorkers    prometheus.Gauge

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_submitted_total",
				Help:      "Total number of onboarding tasks accepted",
			},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of onboarding tasks that reached a terminal status",
			},
			[]string{"status", "kind"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time from submission to terminal status in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of onboarding attempts",
			},
			[]string{"platform", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of a single onboarding attempt in seconds",
				Buckets:   buckets,
			},
			[]string{"platform"},
		),
		detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detections_total",
				Help:      "Total number of platform detections",
			},
			[]string{"platform", "outcome"},
		),
		detectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "detection_duration_seconds",
				Help:      "Duration of platform detection in seconds",
				Buckets:   buckets,
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Tasks waiting for a worker",
			},
		),
		runningWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_workers",
				Help:      "Workers currently executing a task",
			},
		),
	}

	registry.MustRegister(
		m.tasksSubmitted,
		m.tasksCompleted,
		m.taskDuration,
		m.attempts,
		m.attemptDuration,
		m.detections,
		m.detectionDuration,
		m.queueDepth,
		m.runningWorkers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordTaskSubmitted implements engine.MetricsRecorder.
func (m *Metrics) RecordTaskSubmitted() {
	if m.tasksSubmitted == nil {
		return
	}
	m.tasksSubmitted.Inc()
}

// RecordTaskCompleted implements engine.MetricsRecorder.
func (m *Metrics) RecordTaskCompleted(status engine.TaskStatus, kind engine.Kind, duration time.Duration) {
	if m.tasksCompleted == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(string(status), string(kind)).Inc()
	m.taskDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordAttempt implements engine.MetricsRecorder.
func (m *Metrics) RecordAttempt(platform, outcome string, duration time.Duration) {
	if m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(platform, outcome).Inc()
	m.attemptDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordDetection implements engine.MetricsRecorder.
func (m *Metrics) RecordDetection(platform, outcome string, duration time.Duration) {
	if m.detections == nil {
		return
	}
	m.detections.WithLabelValues(platform, outcome).Inc()
	m.detectionDuration.Observe(duration.Seconds())
}

// SetQueueDepth implements engine.MetricsRecorder.
func (m *Metrics) SetQueueDepth(depth int) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetRunningWorkers implements engine.MetricsRecorder.
func (m *Metrics) SetRunningWorkers(n int) {
	if m.runningWorkers == nil {
		return
	}
	m.runningWorkers.Set(float64(n))
}

// Registry returns the Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
