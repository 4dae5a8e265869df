// Package observability provides health checks, Prometheus metrics, and
// OpenTelemetry tracing for the proxy process.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthChecker reports whether a component is alive.
type HealthChecker interface {
	// HealthCheck returns nil if healthy.
	HealthCheck(ctx context.Context) error
	// Name identifies the component in responses and logs.
	Name() string
}

// ReadinessChecker reports whether a component can serve traffic.
type ReadinessChecker interface {
	// ReadinessCheck returns nil if ready.
	ReadinessCheck(ctx context.Context) error
	// Name identifies the component in responses and logs.
	Name() string
}

// ComponentStatus is one component's row in a health or readiness response.
type ComponentStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentStatus `json:"components"`
}

// ReadinessResponse is the /readyz body.
type ReadinessResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentStatus `json:"components"`
}

// HealthManager runs registered checkers with a shared timeout.
type HealthManager struct {
	logger            *zap.Logger
	healthCheckers    []HealthChecker
	readinessCheckers []ReadinessChecker
	timeout           time.Duration
}

// NewHealthManager creates an empty health manager.
func NewHealthManager(logger *zap.Logger) *HealthManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthManager{
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// AddHealthChecker registers a liveness checker.
func (hm *HealthManager) AddHealthChecker(checker HealthChecker) {
	hm.healthCheckers = append(hm.healthCheckers, checker)
}

// AddReadinessChecker registers a readiness checker.
func (hm *HealthManager) AddReadinessChecker(checker ReadinessChecker) {
	hm.readinessCheckers = append(hm.readinessCheckers, checker)
}

// SetTimeout bounds each handler invocation.
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		hm.timeout = timeout
	}
}

// HealthzHandler serves liveness.
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		response := hm.checkHealth(ctx)

		statusCode := http.StatusOK
		if response.Status != "healthy" {
			statusCode = http.StatusServiceUnavailable
		}
		hm.writeJSON(w, statusCode, response)
	}
}

// ReadyzHandler serves readiness.
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		response := hm.checkReadiness(ctx)

		statusCode := http.StatusOK
		if response.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}
		hm.writeJSON(w, statusCode, response)
	}
}

func (hm *HealthManager) checkHealth(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Components: make([]ComponentStatus, 0, len(hm.healthCheckers)),
	}

	for _, checker := range hm.healthCheckers {
		start := time.Now()
		status := ComponentStatus{
			Name:   checker.Name(),
			Status: "healthy",
		}

		if err := checker.HealthCheck(ctx); err != nil {
			status.Status = "unhealthy"
			status.Error = err.Error()
			response.Status = "unhealthy"
			hm.logger.Warn("health check failed",
				zap.String("component", checker.Name()),
				zap.Error(err))
		}

		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}

	return response
}

func (hm *HealthManager) checkReadiness(ctx context.Context) ReadinessResponse {
	response := ReadinessResponse{
		Status:     "ready",
		Timestamp:  time.Now(),
		Components: make([]ComponentStatus, 0, len(hm.readinessCheckers)),
	}

	for _, checker := range hm.readinessCheckers {
		start := time.Now()
		status := ComponentStatus{
			Name:   checker.Name(),
			Status: "ready",
		}

		if err := checker.ReadinessCheck(ctx); err != nil {
			status.Status = "not_ready"
			status.Error = err.Error()
			response.Status = "not_ready"
			hm.logger.Warn("readiness check failed",
				zap.String("component", checker.Name()),
				zap.Error(err))
		}

		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}

	return response
}

func (hm *HealthManager) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		hm.logger.Error("failed to encode health response", zap.Error(err))
	}
}

// IsHealthy reports whether every liveness check passes right now.
func (hm *HealthManager) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()
	return hm.checkHealth(ctx).Status == "healthy"
}

// IsReady reports whether every readiness check passes right now.
func (hm *HealthManager) IsReady() bool {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()
	return hm.checkReadiness(ctx).Status == "ready"
}
