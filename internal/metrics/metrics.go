package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat_platform"

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	// QueryDuration covers one chat turn end to end, mode is sync or stream.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "query_duration_seconds",
			Help:      "Chat query duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"mode", "status"},
	)

	CloneStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "clone_steps_total",
			Help:      "Shared conversation clone steps by outcome",
		},
		[]string{"step", "status"},
	)

	ShareLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "share_lookups_total",
			Help:      "Shared link lookups by result",
		},
		[]string{"result"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "uploads_total",
			Help:      "Attachment uploads by status",
		},
		[]string{"status"},
	)

	DocumentJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "jobs_total",
			Help:      "Document processing jobs by outcome",
		},
		[]string{"status"},
	)
)

func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
