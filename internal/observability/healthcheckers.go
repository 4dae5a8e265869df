package observability

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

// DatabaseHealthChecker verifies the state cache can open a read
// transaction.
type DatabaseHealthChecker struct {
	name string
	db   *bbolt.DB
}

// NewDatabaseHealthChecker wraps a bbolt handle.
func NewDatabaseHealthChecker(name string, db *bbolt.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{name: name, db: db}
}

// Name returns the component name.
func (dhc *DatabaseHealthChecker) Name() string {
	return dhc.name
}

// HealthCheck opens and closes a read transaction.
func (dhc *DatabaseHealthChecker) HealthCheck(_ context.Context) error {
	if dhc.db == nil {
		return fmt.Errorf("database is nil")
	}
	return dhc.db.View(func(_ *bbolt.Tx) error {
		return nil
	})
}

// ReadinessCheck is the same probe as HealthCheck.
func (dhc *DatabaseHealthChecker) ReadinessCheck(ctx context.Context) error {
	return dhc.HealthCheck(ctx)
}

// UpstreamReadinessChecker gates readiness on a minimum number of connected
// upstream servers. Zero upstreams configured always passes, so an empty
// document still yields a ready proxy.
type UpstreamReadinessChecker struct {
	name         string
	counts       func() (total, connected int)
	minConnected int
}

// NewUpstreamReadinessChecker wraps a connection-count probe.
func NewUpstreamReadinessChecker(name string, counts func() (total, connected int), minConnected int) *UpstreamReadinessChecker {
	return &UpstreamReadinessChecker{
		name:         name,
		counts:       counts,
		minConnected: minConnected,
	}
}

// Name returns the component name.
func (urc *UpstreamReadinessChecker) Name() string {
	return urc.name
}

// HealthCheck only verifies the probe is wired.
func (urc *UpstreamReadinessChecker) HealthCheck(_ context.Context) error {
	if urc.counts == nil {
		return fmt.Errorf("counts probe is nil")
	}
	return nil
}

// ReadinessCheck fails while fewer than minConnected upstreams are live.
func (urc *UpstreamReadinessChecker) ReadinessCheck(_ context.Context) error {
	if urc.counts == nil {
		return fmt.Errorf("counts probe is nil")
	}
	total, connected := urc.counts()
	if total == 0 {
		return nil
	}
	if connected < urc.minConnected {
		return fmt.Errorf("insufficient connected upstreams: %d < %d", connected, urc.minConnected)
	}
	return nil
}

// ComponentHealthChecker adapts a pair of boolean probes.
type ComponentHealthChecker struct {
	name      string
	isHealthy func() bool
	isReady   func() bool
}

// NewComponentHealthChecker wraps two probes. Either may be nil, in which
// case the corresponding check fails.
func NewComponentHealthChecker(name string, isHealthy, isReady func() bool) *ComponentHealthChecker {
	return &ComponentHealthChecker{
		name:      name,
		isHealthy: isHealthy,
		isReady:   isReady,
	}
}

// Name returns the component name.
func (chc *ComponentHealthChecker) Name() string {
	return chc.name
}

// HealthCheck runs the liveness probe.
func (chc *ComponentHealthChecker) HealthCheck(_ context.Context) error {
	if chc.isHealthy == nil {
		return fmt.Errorf("isHealthy probe is nil")
	}
	if !chc.isHealthy() {
		return fmt.Errorf("component is not healthy")
	}
	return nil
}

// ReadinessCheck runs the readiness probe.
func (chc *ComponentHealthChecker) ReadinessCheck(_ context.Context) error {
	if chc.isReady == nil {
		return fmt.Errorf("isReady probe is nil")
	}
	if !chc.isReady() {
		return fmt.Errorf("component is not ready")
	}
	return nil
}

var _ HealthChecker = (*DatabaseHealthChecker)(nil)
var _ ReadinessChecker = (*DatabaseHealthChecker)(nil)
var _ HealthChecker = (*UpstreamReadinessChecker)(nil)
var _ ReadinessChecker = (*UpstreamReadinessChecker)(nil)
var _ HealthChecker = (*ComponentHealthChecker)(nil)
var _ ReadinessChecker = (*ComponentHealthChecker)(nil)
