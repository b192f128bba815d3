package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce   sync.Once
	bucketOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

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
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	pipelineRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rejections_total",
			Help: "Requests short-circuited by a pipeline stage.",
		},
		[]string{"stage", "code"},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limiter admission decisions.",
		},
		[]string{"outcome"},
	)
)

// Init registers the metrics in the default registry. Repeated calls are no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			pipelineRejections, rateLimitDecisions)
	})
}

// RegisterBucketGauge exposes the number of live rate-limit buckets.
func RegisterBucketGauge(size func() int) {
	bucketOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rate_limit_buckets",
			Help: "Rate-limit buckets currently held in memory.",
		}, func() float64 { return float64(size()) }))
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TrackInFlight increments the in-flight gauge; call the returned func when the request ends.
func TrackInFlight() (done func()) {
	httpInFlight.Inc()
	return httpInFlight.Dec
}

// ObserveRequest records one completed request. endpoint is the route pattern, not the raw path.
func ObserveRequest(method, endpoint string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	httpRequestDuration.WithLabelValues(method, endpoint, code).Observe(elapsed.Seconds())
	httpRequestsTotal.WithLabelValues(method, endpoint, code).Inc()
}

// RecordRejection counts a short-circuit at stage with the envelope code.
func RecordRejection(stage, code string) {
	pipelineRejections.WithLabelValues(stage, code).Inc()
}

// RecordRateLimit counts one admission decision.
func RecordRateLimit(allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	rateLimitDecisions.WithLabelValues(outcome).Inc()
}
