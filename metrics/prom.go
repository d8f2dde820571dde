package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termpad_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termpad_paste_retrieved_total",
		Help: "no. of pastes opened for reading",
	})
	PasteNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termpad_paste_not_found_total",
		Help: "no. of lookups for pastes that do not exist",
	})
	IngestBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termpad_ingest_bytes_total",
		Help: "uncompressed bytes accepted into the store",
	})
	IngestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termpad_ingest_failures_total",
			Help: "no. of uploads that were aborted",
		},
		[]string{"reason"},
	)
	SweepPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termpad_sweep_passes_total",
		Help: "no. of retention sweep passes",
	})
	SweptFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termpad_swept_files_total",
		Help: "no. of files removed by the retention sweeper",
	})
	SweepFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termpad_sweep_faults_total",
			Help: "no. of per-entry failures during retention sweeps",
		},
		[]string{"kind"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termpad_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termpad_rate_limit_hits_total",
			Help: "no. of throttled requests",
		},
		[]string{"endpoint"},
	)
	RawConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termpad_raw_connections_total",
			Help: "no. of raw socket connections accepted",
		},
		[]string{"mode"},
	)
	RecentFaultRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termpad_recent_fault_rate_percent",
		Help: "share of recent requests that failed with a server fault",
	})
	AdaptiveThrottle = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termpad_adaptive_throttle_total",
		Help: "no. of times throttling was tightened after a fault spike",
	})
)
