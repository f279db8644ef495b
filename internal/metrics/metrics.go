package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherwatch_source_calls_total",
			Help: "Total OpenWeather current-conditions calls",
		},
		[]string{"city", "status"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherwatch_source_latency_seconds",
			Help:    "OpenWeather call latency in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"city"},
	)

	ReadingsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherwatch_readings_stored_total",
			Help: "Total readings successfully stored",
		},
		[]string{"city"},
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherwatch_alert_transitions_total",
			Help: "Alert state transitions by kind and direction",
		},
		[]string{"kind", "transition"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherwatch_notifications_total",
			Help: "Alert notifications by outcome (sent, failed, skipped)",
		},
		[]string{"outcome"},
	)

	RollupSummaries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherwatch_rollup_summaries_total",
			Help: "Daily summaries written by the rollup job",
		},
	)

	PushSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weatherwatch_push_subscribers",
			Help: "Currently connected push-channel subscribers",
		},
	)

	PushDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherwatch_push_dropped_total",
			Help: "Events dropped for subscribers whose buffer was full",
		},
	)
)
