package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepmap_device_pool_hits_total",
		Help: "Total number of matrices served from the buffer pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepmap_device_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})
)
