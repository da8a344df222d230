package proxy

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellite/stellite/fetcher"
)

const proxySubsystem = "proxy"

var (
	totalRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: fetcher.MetricsNamespace,
			Subsystem: proxySubsystem,
			Name:      "total_requests",
			Help:      "Amount of requests proxied to the backend",
		},
	)
	concurrentRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: fetcher.MetricsNamespace,
			Subsystem: proxySubsystem,
			Name:      "concurrent_requests",
			Help:      "Concurrent requests proxied to the backend",
		},
	)
	responseByCode = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: fetcher.MetricsNamespace,
			Subsystem: proxySubsystem,
			Name:      "response_by_code",
			Help:      "Count of responses by HTTP status code",
		},
		[]string{"status_code"},
	)
	requestErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: fetcher.MetricsNamespace,
			Subsystem: proxySubsystem,
			Name:      "request_errors",
			Help:      "Count of errors proxying to the backend",
		},
	)
)

func init() {
	prometheus.MustRegister(
		totalRequests,
		concurrentRequests,
		responseByCode,
		requestErrors,
	)
}

func incrementRequests() {
	totalRequests.Inc()
	concurrentRequests.Inc()
}

func decrementConcurrentRequests() {
	concurrentRequests.Dec()
}
