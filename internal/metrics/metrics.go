// Package metrics holds the prometheus collectors shared by the pipeline,
// the delivery transporter and the HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "expiry_archiver"

var (
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Instrument tasks resolved, by result (success, failure).",
	}, []string{"result"})

	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "Candle fetch attempts, by result (ok, error, no_data).",
	}, []string{"result"})

	UploadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_attempts_total",
		Help:      "Archive upload attempts, by result (ok, transient, permanent).",
	}, []string{"result"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Archive deliveries, by result (delivered, failed, skipped).",
	}, []string{"result"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall clock time of a full fetch and upload run.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	LastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last run finished.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Status API requests, by status code.",
	}, []string{"code"})
)
