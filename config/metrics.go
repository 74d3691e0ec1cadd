package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "data_sync_"

var (
	Beds24Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "beds24_requests_total",
		Help: "Beds24 API requests by method and outcome",
	}, []string{"method", "outcome"})

	Beds24RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "beds24_rate_limit_waits_total",
		Help: "Times a 429 response forced a cooldown",
	})

	BookingsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "bookings_reconciled_total",
		Help: "Reconciled bookings by phase and action",
	}, []string{"phase", "action"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metricsPrefix + "phase_duration_seconds",
		Help:    "Sync phase duration",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"phase"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "jobs_processed_total",
		Help: "Queue jobs by type and terminal status",
	}, []string{"type", "status"})
)
