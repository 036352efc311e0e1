package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zamunda",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zamunda",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20, 60},
	}, []string{"method", "path"})

	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zamunda",
		Name:      "upstream_requests_total",
		Help:      "Requests sent to the tracker site by endpoint and outcome.",
	}, []string{"endpoint", "status"})

	UpstreamRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zamunda",
		Name:      "upstream_request_duration_seconds",
		Help:      "Tracker site request duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"endpoint"})

	LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zamunda",
		Name:      "logins_total",
		Help:      "Login exchanges by result (ok, rejected, timeout, error).",
	}, []string{"result"})

	ParsedRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zamunda",
		Name:      "parsed_rows_total",
		Help:      "Result rows extracted from search pages.",
	})

	SkippedRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zamunda",
		Name:      "skipped_rows_total",
		Help:      "Result rows dropped because they did not match the expected layout.",
	})

	DescriptorResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zamunda",
		Name:      "descriptor_resolutions_total",
		Help:      "Descriptor resolutions by result (ok, empty, failed).",
	}, []string{"result"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zamunda",
		Name:      "cache_hits_total",
		Help:      "Total number of search cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zamunda",
		Name:      "cache_misses_total",
		Help:      "Total number of search cache misses.",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zamunda",
		Name:      "cache_evictions_total",
		Help:      "Cache entries removed after exceeding their TTL.",
	})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zamunda",
		Name:      "cache_entries",
		Help:      "Entries currently held by the in-memory search cache.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		LoginsTotal,
		ParsedRowsTotal,
		SkippedRowsTotal,
		DescriptorResolutionsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheEntries,
	)
}
