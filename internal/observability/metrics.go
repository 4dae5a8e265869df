package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by counters with a status dimension.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// MetricsManager owns the Prometheus registry. It registers onto a private
// registry rather than the global one so tests can build as many managers as
// they like without duplicate-collector panics.
type MetricsManager struct {
	registry *prometheus.Registry

	uptime       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	serversTotal         prometheus.Gauge
	serversConnected     prometheus.Gauge
	serversAwaitingOAuth prometheus.Gauge
	toolsTotal           prometheus.Gauge
	connectAttempts      *prometheus.CounterVec

	reloads        *prometheus.CounterVec
	reloadDuration prometheus.Histogram

	notificationsBatched *prometheus.CounterVec

	sessionsActive  prometheus.Gauge
	sessionPersists *prometheus.CounterVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
}

// NewMetricsManager creates a manager with all collectors registered.
func NewMetricsManager() *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{registry: registry}
	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onemcp_uptime_seconds",
		Help: "Time since the proxy started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onemcp_http_requests_total",
			Help: "Total number of inbound HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onemcp_http_request_duration_seconds",
			Help:    "Inbound HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.serversTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onemcp_servers_total",
		Help: "Number of configured upstream servers",
	})

	mm.serversConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onemcp_servers_connected",
		Help: "Number of connected upstream servers",
	})

	mm.serversAwaitingOAuth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onemcp_servers_awaiting_oauth",
		Help: "Number of upstream servers waiting for user authorization",
	})

	mm.toolsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onemcp_tools_total",
		Help: "Number of tools in the aggregated view",
	})

	mm.connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onemcp_upstream_connect_attempts_total",
			Help: "Upstream connect attempts by terminal outcome",
		},
		[]string{"server", "status"},
	)

	mm.reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onemcp_reloads_total",
			Help: "Configuration reload operations by strategy and outcome",
		},
		[]string{"strategy", "status"},
	)

	mm.reloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "onemcp_reload_duration_seconds",
		Help:    "Time from reload analysis to its terminal phase",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15, 60},
	})

	mm.notificationsBatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onemcp_notifications_batched_total",
			Help: "List-changed notifications absorbed by an open batch window",
		},
		[]string{"kind"},
	)

	mm.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onemcp_sessions_active",
		Help: "Number of live inbound sessions",
	})

	mm.sessionPersists = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onemcp_session_persists_total",
			Help: "Session records written to disk by persistence trigger",
		},
		[]string{"trigger"},
	)

	mm.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onemcp_tool_calls_total",
			Help: "Tool calls proxied to upstream servers",
		},
		[]string{"server", "tool", "status"},
	)

	mm.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onemcp_tool_call_duration_seconds",
			Help:    "Proxied tool call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "status"},
	)
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.serversTotal,
		mm.serversConnected,
		mm.serversAwaitingOAuth,
		mm.toolsTotal,
		mm.connectAttempts,
		mm.reloads,
		mm.reloadDuration,
		mm.notificationsBatched,
		mm.sessionsActive,
		mm.sessionPersists,
		mm.toolCalls,
		mm.toolDuration,
	)

	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the /metrics endpoint handler.
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the private registry for custom collectors.
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// SetUptime refreshes the uptime gauge.
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records one served HTTP request.
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetServerStats updates the upstream population gauges.
func (mm *MetricsManager) SetServerStats(total, connected, awaitingOAuth int) {
	mm.serversTotal.Set(float64(total))
	mm.serversConnected.Set(float64(connected))
	mm.serversAwaitingOAuth.Set(float64(awaitingOAuth))
}

// SetToolsTotal sets the aggregated tool count.
func (mm *MetricsManager) SetToolsTotal(total int) {
	mm.toolsTotal.Set(float64(total))
}

// RecordConnectAttempt records the terminal outcome of one connect.
func (mm *MetricsManager) RecordConnectAttempt(server, status string) {
	mm.connectAttempts.WithLabelValues(server, status).Inc()
}

// RecordReload records a finished reload operation.
func (mm *MetricsManager) RecordReload(strategy, status string, duration time.Duration) {
	mm.reloads.WithLabelValues(strategy, status).Inc()
	mm.reloadDuration.Observe(duration.Seconds())
}

// RecordNotificationBatched counts a list-changed notification that was
// absorbed into an already armed batch window.
func (mm *MetricsManager) RecordNotificationBatched(kind string) {
	mm.notificationsBatched.WithLabelValues(kind).Inc()
}

// SetSessionsActive sets the live session gauge.
func (mm *MetricsManager) SetSessionsActive(count int) {
	mm.sessionsActive.Set(float64(count))
}

// RecordSessionPersist counts one session file write.
func (mm *MetricsManager) RecordSessionPersist(trigger string) {
	mm.sessionPersists.WithLabelValues(trigger).Inc()
}

// RecordToolCall records a proxied tool call.
func (mm *MetricsManager) RecordToolCall(server, tool, status string, duration time.Duration) {
	mm.toolCalls.WithLabelValues(server, tool, status).Inc()
	mm.toolDuration.WithLabelValues(server, tool, status).Observe(duration.Seconds())
}

// HTTPMiddleware records request counts and latency for every handler it
// wraps.
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			mm.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(ww.statusCode), duration)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
