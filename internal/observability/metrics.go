package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the portal's Prometheus metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	refreshTotal     *prometheus.CounterVec
	roleCacheTotal   *prometheus.CounterVec
	permissionChecks *prometheus.CounterVec
	logoutNotify     *prometheus.CounterVec
}

// NewMetrics initialises the registry and the portal collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	refresh := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_session_refresh_total",
		Help: "Access token refresh attempts by outcome.",
	}, []string{"outcome"})
	roleCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_role_cache_lookups_total",
		Help: "Role permission cache lookups by result.",
	}, []string{"result"})
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_permission_checks_total",
		Help: "Permission checks by decision.",
	}, []string{"result"})
	logout := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_logout_notifications_total",
		Help: "Backend logout notifications by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, refresh, roleCache, checks, logout)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		refreshTotal:     refresh,
		roleCacheTotal:   roleCache,
		permissionChecks: checks,
		logoutNotify:     logout,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
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

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveRefresh counts a token refresh by outcome: ok, adopted, unpersisted,
// expired, error or skipped.
func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

// ObserveRoleCache counts a role cache lookup.
func (m *Metrics) ObserveRoleCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.roleCacheTotal.WithLabelValues(result).Inc()
}

// ObservePermissionCheck counts a permission decision.
func (m *Metrics) ObservePermissionCheck(granted bool) {
	if m == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	m.permissionChecks.WithLabelValues(result).Inc()
}

// ObserveLogoutNotify counts a backend logout notification by outcome (ok, failed, deferred).
func (m *Metrics) ObserveLogoutNotify(outcome string) {
	if m == nil {
		return
	}
	m.logoutNotify.WithLabelValues(outcome).Inc()
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
