package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellite/stellite/fetcher"
)

const serverSubsystem = "server"

var (
	acceptedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: fetcher.MetricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "accepted_sessions",
			Help:      "Amount of QUIC sessions accepted",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: fetcher.MetricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "active_sessions",
			Help:      "QUIC sessions currently live",
		},
	)
	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: fetcher.MetricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "active_streams",
			Help:      "Request streams currently live",
		},
	)
)

func init() {
	prometheus.MustRegister(
		acceptedSessions,
		activeSessions,
		activeStreams,
	)
}
