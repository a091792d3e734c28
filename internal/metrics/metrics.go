// Package metrics exposes Prometheus collectors for the extraction service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesRenderedTotal         *prometheus.CounterVec
	renderBytesTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sessionsActive             prometheus.Gauge
	cacheLookupsTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesRenderedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webextract_pages_rendered_total",
				Help: "Total number of pages rendered, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		renderBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webextract_render_bytes_total",
				Help: "Total number of rendered HTML bytes, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webextract_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webextract_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		sessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webextract_sessions_active",
				Help: "Number of browser sessions currently lent out.",
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webextract_cache_lookups_total",
				Help: "Total number of cache lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRender increments the render metrics.
func ObserveRender(site string, status string, htmlBytes int) {
	if pagesRenderedTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	pagesRenderedTotal.WithLabelValues(sanitizedSite, status).Inc()
	if htmlBytes > 0 {
		renderBytesTotal.WithLabelValues(sanitizedSite).Add(float64(htmlBytes))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheLookup counts a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if cacheLookupsTotal == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveSessions increments the active sessions gauge.
func IncActiveSessions() {
	if sessionsActive != nil {
		sessionsActive.Inc()
	}
}

// DecActiveSessions decrements the active sessions gauge.
func DecActiveSessions() {
	if sessionsActive != nil {
		sessionsActive.Dec()
	}
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
