package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepmap_flight_publish_total",
		Help: "Pose publish attempts by result (ok, error, rejected)",
	}, []string{"result"})

	publishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepmap_flight_publish_duration_seconds",
		Help:    "Time spent uploading pose records",
		Buckets: prometheus.DefBuckets,
	})
)
