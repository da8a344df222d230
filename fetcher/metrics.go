package fetcher

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsNamespace = "stellite"
	fetcherSubsystem = "fetcher"
)

var (
	totalTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: fetcherSubsystem,
			Name:      "total_tasks",
			Help:      "Amount of backend fetch tasks started",
		},
	)
	outstandingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: fetcherSubsystem,
			Name:      "outstanding_tasks",
			Help:      "Backend fetch tasks currently in flight",
		},
	)
	responsesByStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: fetcherSubsystem,
			Name:      "responses_by_status",
			Help:      "Count of backend responses by HTTP status code",
		},
		[]string{"status_code"},
	)
	taskErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: fetcherSubsystem,
			Name:      "task_errors",
			Help:      "Count of backend fetch tasks that ended in an error",
		},
		[]string{"error"},
	)
	retriedTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: fetcherSubsystem,
			Name:      "retried_tasks",
			Help:      "Count of automatic retry attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		totalTasks,
		outstandingTasks,
		responsesByStatus,
		taskErrors,
		retriedTasks,
	)
}

func statusLabel(statusCode int) string {
	return strconv.Itoa(statusCode)
}
