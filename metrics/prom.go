package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipbin_paste_reads_total",
			Help: "no. of paste reads by outcome",
		},
		[]string{"outcome"},
	)
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_paste_burned_total",
		Help: "no. of burn-after-read pastes consumed",
	})
	CleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipbin_cleanup_failures_total",
			Help: "no. of failed deletes during burn or reap, by tier",
		},
		[]string{"tier"},
	)
	CreateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_create_conflicts_total",
		Help: "no. of shortlink conflicts hit at insert",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_cache_misses_total",
		Help: "no. of cache misses",
	})
	CacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_cache_errors_total",
		Help: "no. of cache errors treated as misses",
	})
	Reaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_reaped_total",
		Help: "no. of expired pastes removed by the retention reaper",
	})
	ReapCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_reap_cycles_total",
		Help: "no. of retention reaper cycles",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snipbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
