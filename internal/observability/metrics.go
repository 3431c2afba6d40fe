package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HandoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "av_fleet", Name: "handoffs_total", Help: "Handoff outcomes by status"},
		[]string{"status"},
	)
	HandoffLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "av_fleet", Name: "handoff_latency_seconds", Help: "End-to-end handoff latency",
		Buckets: prometheus.DefBuckets,
	})
	BufferDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "av_fleet", Name: "buffer_depth", Help: "Buffered handoffs per target region"},
		[]string{"region"},
	)
	BufferDrainedTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "av_fleet", Name: "buffer_drained_total", Help: "Buffered handoffs drained"},
	)
	RegionHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "av_fleet", Name: "region_healthy", Help: "1 when the region probes AVAILABLE"},
		[]string{"region"},
	)
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "av_fleet", Name: "recoveries_total", Help: "Transactions resolved by recovery, by outcome"},
		[]string{"outcome"},
	)
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "av_fleet", Name: "searches_total", Help: "Ride searches by scope"},
		[]string{"scope"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "av_fleet", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "av_fleet",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func SetRegionHealth(region string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	RegionHealthy.WithLabelValues(region).Set(v)
}
