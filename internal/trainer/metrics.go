package trainer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	epochsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepmap_epochs_total",
		Help: "The total number of completed training epochs",
	})

	trainingLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deepmap_training_loss",
		Help: "Mean training loss of the last completed epoch",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepmap_batch_duration_seconds",
		Help:    "Time spent on one training step",
		Buckets: prometheus.DefBuckets,
	})

	evalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepmap_eval_duration_seconds",
		Help:    "Time spent evaluating and writing results",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	checkpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepmap_checkpoints_total",
		Help: "The total number of checkpoints written",
	})

	evalScriptRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepmap_eval_script_runs_total",
		Help: "External evaluation script runs by result (ok, error)",
	}, []string{"result"})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepmap_publish_failures_total",
		Help: "Pose publishes that failed and were skipped",
	})
)
