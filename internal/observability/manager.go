package observability

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config enables the three observability surfaces independently.
type Config struct {
	Health  HealthConfig  `json:"health"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
}

// HealthConfig tunes the health endpoints.
type HealthConfig struct {
	Enabled bool          `json:"enabled"`
	Timeout time.Duration `json:"timeout"`
}

// MetricsConfig tunes the metrics endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns the default observability configuration: health and
// metrics on, tracing off until an OTLP endpoint is configured.
func DefaultConfig(serviceName, serviceVersion string) Config {
	return Config{
		Health: HealthConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			SampleRate:     0.1,
		},
	}
}

// Manager coordinates health, metrics, and tracing.
type Manager struct {
	logger  *zap.Logger
	config  Config
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager builds the enabled components.
func NewManager(logger *zap.Logger, config Config) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("observability")

	manager := &Manager{
		logger:    logger,
		config:    config,
		startTime: time.Now(),
	}

	if config.Health.Enabled {
		manager.health = NewHealthManager(logger)
		manager.health.SetTimeout(config.Health.Timeout)
	}

	if config.Metrics.Enabled {
		manager.metrics = NewMetricsManager()
		logger.Debug("metrics enabled")
	}

	if config.Tracing.Enabled {
		var err error
		manager.tracing, err = NewTracingManager(logger, config.Tracing)
		if err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// Health returns the health manager, nil when disabled.
func (m *Manager) Health() *HealthManager {
	return m.health
}

// Metrics returns the metrics manager, nil when disabled.
func (m *Manager) Metrics() *MetricsManager {
	return m.metrics
}

// Tracing returns the tracing manager, nil when disabled.
func (m *Manager) Tracing() *TracingManager {
	return m.tracing
}

// RegisterHealthChecker adds a liveness checker if health is enabled.
func (m *Manager) RegisterHealthChecker(checker HealthChecker) {
	if m.health != nil {
		m.health.AddHealthChecker(checker)
	}
}

// RegisterReadinessChecker adds a readiness checker if health is enabled.
func (m *Manager) RegisterReadinessChecker(checker ReadinessChecker) {
	if m.health != nil {
		m.health.AddReadinessChecker(checker)
	}
}

// HTTPMiddleware chains the metrics and tracing middlewares.
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	middlewares := make([]func(http.Handler) http.Handler, 0, 2)

	if m.metrics != nil {
		middlewares = append(middlewares, m.metrics.HTTPMiddleware())
	}
	if m.tracing != nil {
		middlewares = append(middlewares, m.tracing.HTTPMiddleware())
	}

	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// UpdateUptime refreshes the uptime gauge from the manager's start time.
func (m *Manager) UpdateUptime() {
	if m.metrics != nil {
		m.metrics.SetUptime(m.startTime)
	}
}

// Close shuts down components that buffer data.
func (m *Manager) Close(ctx context.Context) error {
	if m.tracing != nil {
		if err := m.tracing.Close(ctx); err != nil {
			m.logger.Error("failed to close tracing", zap.Error(err))
			return err
		}
	}
	return nil
}

// IsHealthy reports overall liveness; true when health checks are disabled.
func (m *Manager) IsHealthy() bool {
	if m.health == nil {
		return true
	}
	return m.health.IsHealthy()
}

// IsReady reports overall readiness; true when health checks are disabled.
func (m *Manager) IsReady() bool {
	if m.health == nil {
		return true
	}
	return m.health.IsReady()
}

// RecordToolCall records metrics and tracing for one proxied tool call.
func (m *Manager) RecordToolCall(ctx context.Context, server, tool string, duration time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}

	if m.metrics != nil {
		m.metrics.RecordToolCall(server, tool, status, duration)
	}
	if m.tracing != nil && err != nil {
		m.tracing.SetSpanError(ctx, err)
	}
}
