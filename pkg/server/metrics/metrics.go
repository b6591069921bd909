package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skiff_build_info",
			Help: "Build information of the skiff server",
		},
		[]string{"version", "commit", "date"},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiff_queries_total",
			Help: "Queries received, by outcome",
		},
		[]string{"outcome"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skiff_query_duration_seconds",
			Help:    "End-to-end query handling duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	AttachWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiff_attach_warnings_total",
			Help: "Per-datasource warnings during attachment, by stage",
		},
		[]string{"stage"},
	)

	ResultCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skiff_result_cache_hits_total",
			Help: "Result cache lookups that found a record",
		},
	)

	ResultCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skiff_result_cache_misses_total",
			Help: "Result cache lookups that found nothing",
		},
	)
)
