package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gcalevents",
			Subsystem: "import",
			Name:      "runs_total",
			Help:      "Import runs by outcome.",
		},
		[]string{"result"},
	)

	rowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gcalevents",
			Subsystem: "import",
			Name:      "rows_total",
			Help:      "Store rows touched by imports, by action.",
		},
		[]string{"action"},
	)

	truncatedSeriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gcalevents",
			Subsystem: "import",
			Name:      "truncated_series_total",
			Help:      "Series whose expansion hit the per-series instance cap.",
		},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gcalevents",
			Subsystem: "import",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one import run.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
