// internal/metrics/prometheus.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "endpoint", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)
	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_fetch_total",
			Help: "Page fetch attempts by domain and outcome.",
		},
		[]string{"domain", "outcome"},
	)
	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_fetch_duration_seconds",
			Help:    "Histogram of page fetch durations.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"domain"},
	)
	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rategate_circuit_state",
			Help: "Circuit breaker state per domain (0 closed, 1 open, 2 half-open).",
		},
		[]string{"domain"},
	)
	blocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rategate_blocks_total",
			Help: "Block signals reported per domain and reason.",
		},
		[]string{"domain", "reason"},
	)
	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_items_total",
			Help: "Scraped items by source and result.",
		},
		[]string{"source", "result"},
	)
	upsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_upserts_total",
			Help: "Product upserts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(fetchTotal)
	prometheus.MustRegister(fetchDuration)
	prometheus.MustRegister(circuitState)
	prometheus.MustRegister(blocksTotal)
	prometheus.MustRegister(itemsTotal)
	prometheus.MustRegister(upsertsTotal)
}

// RecordRequest records one API request.
func RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := classifyStatus(statusCode)
	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

func RecordFetch(domain, outcome string, duration time.Duration) {
	fetchTotal.WithLabelValues(domain, outcome).Inc()
	fetchDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

func SetCircuitState(domain string, state int) {
	circuitState.WithLabelValues(domain).Set(float64(state))
}

func RecordBlock(domain, reason string) {
	blocksTotal.WithLabelValues(domain, reason).Inc()
}

func RecordItem(source, result string) {
	itemsTotal.WithLabelValues(source, result).Inc()
}

func RecordUpsert(result string) {
	upsertsTotal.WithLabelValues(result).Inc()
}

func classifyStatus(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "2xx"
	} else if statusCode >= 300 && statusCode < 400 {
		return "3xx"
	} else if statusCode >= 400 && statusCode < 500 {
		return "4xx"
	} else if statusCode >= 500 && statusCode < 600 {
		return "5xx"
	}
	return "unknown"
}

// MetricsHandler exposes the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
