package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	taskTotal    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskInFlight prometheus.Gauge
	queueLag     *prometheus.HistogramVec
	reapedTotal  prometheus.Counter
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	taskTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "task_total",
			Help:      "Total handled queue tasks by kind and outcome.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"kind", "status"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Task handling duration in seconds by kind and outcome.",
			Buckets:   prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"kind", "status"},
	)
	taskInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "task_in_flight",
			Help:      "Number of claimed tasks currently being handled.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between a task becoming available and its claim.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"kind"},
	)
	reapedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "reaped_leases_total",
			Help:      "Expired claims returned to pending by the reaper.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(taskTotal, taskDuration, taskInFlight, queueLag, reapedTotal)

	return &WorkerMetrics{
		registry:     registry,
		taskTotal:    taskTotal,
		taskDuration: taskDuration,
		taskInFlight: taskInFlight,
		queueLag:     queueLag,
		reapedTotal:  reapedTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartTask() {
	m.taskInFlight.Inc()
}

func (m *WorkerMetrics) FinishTask(kind domain.TaskKind, duration time.Duration, err error) {
	m.taskInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.taskTotal.WithLabelValues(string(kind), status).Inc()
	m.taskDuration.WithLabelValues(string(kind), status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(kind domain.TaskKind, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(string(kind)).Observe(lag.Seconds())
}

func (m *WorkerMetrics) AddReaped(count int) {
	if count > 0 {
		m.reapedTotal.Add(float64(count))
	}
}
