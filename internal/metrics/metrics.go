package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure stages reported by FeedFailed.
const (
	StageFetch = "fetch"
	StageParse = "parse"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calfeed_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calfeed_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calfeed_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	feedFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calfeed_feed_fetch_duration_seconds",
		Help:    "Histogram of upstream ICS fetch latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "outcome"})

	feedFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calfeed_feed_failures_total",
		Help: "Feeds that contributed no events to a request, by failure stage.",
	}, []string{"source", "stage"})

	feedOccurrences = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calfeed_feed_occurrences",
		Help:    "Occurrences produced by one parse of a feed.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"source"})

	probeUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calfeed_probe_up",
		Help: "1 if the last scheduled probe of a feed succeeded, 0 otherwise.",
	}, []string{"source"})
)

// Middleware records request metrics per chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// The pattern is only known after routing.
			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(r.Method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records the latency of one upstream fetch.
func ObserveFetch(source string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	feedFetchDuration.WithLabelValues(source, outcome).Observe(d.Seconds())
}

// FeedFailed counts a feed dropped from a request at the given stage.
func FeedFailed(source, stage string) {
	feedFailuresTotal.WithLabelValues(source, stage).Inc()
}

// ObserveOccurrences records how many occurrences one parse produced.
func ObserveOccurrences(source string, n int) {
	feedOccurrences.WithLabelValues(source).Observe(float64(n))
}

// SetProbeUp publishes the result of the latest probe of a feed.
func SetProbeUp(source string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	probeUp.WithLabelValues(source).Set(v)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
