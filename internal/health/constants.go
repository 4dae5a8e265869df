package health

// Health levels, ordered from best to worst.
const (
	LevelHealthy   = "healthy"
	LevelDegraded  = "degraded"
	LevelUnhealthy = "unhealthy"
)

// Admin states. A disabled server is healthy by definition: the operator
// turned it off on purpose.
const (
	StateEnabled  = "enabled"
	StateDisabled = "disabled"
)

// Suggested remediations surfaced next to unhealthy rows.
const (
	ActionNone      = ""
	ActionAuthorize = "authorize"
	ActionReconnect = "reconnect"
	ActionEnable    = "enable"
)

// IsHealthy reports whether a row counts as healthy for readiness purposes.
func IsHealthy(row *Row) bool {
	return row != nil && row.Level == LevelHealthy
}
