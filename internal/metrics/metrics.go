package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "craftsmen_requests_total",
		Help: "Total number of API requests by route",
	}, []string{"route"})
	RequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "craftsmen_request_duration_ms",
		Help:    "Request duration in milliseconds by route",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"route"})
	EmptyResultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "craftsmen_empty_results_total",
		Help: "Total number of lookups that matched no provider",
	})
	UnknownPostcodeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "craftsmen_unknown_postcode_total",
		Help: "Total number of lookups for a postal code that is not loaded",
	})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "craftsmen_cache_hits_total",
		Help: "Total redis response cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "craftsmen_cache_misses_total",
		Help: "Total redis response cache misses",
	})
	UpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "craftsmen_updates_total",
		Help: "Provider updates by outcome",
	}, []string{"outcome"})
	MissingQualityTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "craftsmen_missing_quality_total",
		Help: "Providers skipped in quality rankings because no quality factor is loaded",
	})
	ProvidersLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "craftsmen_providers_loaded",
		Help: "Number of service providers held by the matching engine",
	})
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "craftsmen_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDurationMs)
	prometheus.MustRegister(EmptyResultsTotal)
	prometheus.MustRegister(UnknownPostcodeTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(UpdatesTotal)
	prometheus.MustRegister(MissingQualityTotal)
	prometheus.MustRegister(ProvidersLoaded)
	prometheus.MustRegister(RateLimitedTotal)
}

// 文档注释：Prometheus 指标处理器，在主入口挂载到 /metrics
func Handler() http.Handler { return promhttp.Handler() }
