// Package observability exposes Prometheus metrics for access decisions and
// the control API.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanamilabs/telegram-bot-admin/internal/cache"
)

const namespace = "botadmin"

// CacheStatsFunc reports hit and miss counters of the bot-admin and
// chat-admin caches.
type CacheStatsFunc func() (bots cache.Stats, chats cache.Stats)

type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	permissionChecks   *prometheus.CounterVec
	throttleDecisions  *prometheus.CounterVec
	sessionValidations *prometheus.CounterVec
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	maintenanceRuns    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		permissionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_checks_total",
			Help:      "Permission checks by permission and outcome.",
		}, []string{"permission", "outcome"}),
		throttleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_decisions_total",
			Help:      "Throttle decisions by action and outcome.",
		}, []string{"action", "outcome"}),
		sessionValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_validations_total",
			Help:      "Session token validations by outcome.",
		}, []string{"outcome"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests by route and status.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request duration per route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		maintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job runs by job and outcome.",
		}, []string{"job", "outcome"}),
	}
	registry.MustRegister(
		m.permissionChecks,
		m.throttleDecisions,
		m.sessionValidations,
		m.requestsTotal,
		m.requestDuration,
		m.maintenanceRuns,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// WatchCaches exports the resolver cache counters, read at scrape time.
func (m *Metrics) WatchCaches(stats CacheStatsFunc) {
	m.registry.MustRegister(&cacheCollector{
		stats: stats,
		hits:  prometheus.NewDesc(namespace+"_admin_cache_hits_total", "Admin cache hits.", []string{"cache"}, nil),
		miss:  prometheus.NewDesc(namespace+"_admin_cache_misses_total", "Admin cache misses.", []string{"cache"}, nil),
	})
}

func (m *Metrics) PermissionChecked(permission string, granted bool, err error) {
	outcome := "denied"
	switch {
	case err != nil:
		outcome = "error"
	case granted:
		outcome = "granted"
	}
	m.permissionChecks.WithLabelValues(permission, outcome).Inc()
}

func (m *Metrics) ThrottleDecision(action string, allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	m.throttleDecisions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) SessionValidated(ok bool) {
	outcome := "invalid"
	if ok {
		outcome = "valid"
	}
	m.sessionValidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MaintenanceRun(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.maintenanceRuns.WithLabelValues(job, outcome).Inc()
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

type cacheCollector struct {
	stats CacheStatsFunc
	hits  *prometheus.Desc
	miss  *prometheus.Desc
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.miss
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	bots, chats := c.stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(bots.Hits), "bot")
	ch <- prometheus.MustNewConstMetric(c.miss, prometheus.CounterValue, float64(bots.Misses), "bot")
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(chats.Hits), "chat")
	ch <- prometheus.MustNewConstMetric(c.miss, prometheus.CounterValue, float64(chats.Misses), "chat")
}
