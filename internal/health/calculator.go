// Package health turns raw per-server state into the health rows shown by
// the readiness endpoint, the status command, and the list_servers tool.
package health

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/onemcp/onemcp-go/internal/stringutil"
)

// Input normalizes one server's state from its different sources: the
// connection record, the configuration, and the aggregated capability view.
type Input struct {
	Server   string
	Disabled bool

	// Connection record
	State            string
	LastError        string
	RetryCount       int
	AuthorizationURL string

	// OAuth token, nil when the server has none
	TokenExpiresAt  *time.Time
	HasRefreshToken bool

	// Capability view
	Tags      []string
	Tools     int
	Resources int
	Prompts   int
}

// Config holds the calculator thresholds.
type Config struct {
	// ExpiryWarning is how close to token expiry a connected server turns
	// degraded. Default one hour.
	ExpiryWarning time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() *Config {
	return &Config{ExpiryWarning: time.Hour}
}

// Row is one server's computed health line.
type Row struct {
	Server     string   `json:"server"`
	Level      string   `json:"level"`
	AdminState string   `json:"adminState"`
	State      string   `json:"state,omitempty"`
	Summary    string   `json:"summary"`
	Detail     string   `json:"detail,omitempty"`
	Action     string   `json:"action,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Tools      int      `json:"tools"`
	Resources  int      `json:"resources"`
	Prompts    int      `json:"prompts"`
}

// Calculate computes one server's health row. Admin state is checked first,
// then connection state, then token freshness; the first rule that fires
// decides the row.
func Calculate(input Input, cfg *Config) *Row {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	row := &Row{
		Server:     input.Server,
		AdminState: StateEnabled,
		State:      input.State,
		Tags:       input.Tags,
		Tools:      input.Tools,
		Resources:  input.Resources,
		Prompts:    input.Prompts,
	}

	if input.Disabled {
		row.Level = LevelHealthy
		row.AdminState = StateDisabled
		row.Summary = "Disabled"
		row.Action = ActionEnable
		return row
	}

	switch strings.ToLower(input.State) {
	case "awaitingoauth":
		row.Level = LevelDegraded
		row.Summary = "Authorization required"
		row.Detail = input.AuthorizationURL
		row.Action = ActionAuthorize
		return row

	case "error":
		row.Level = LevelUnhealthy
		row.Summary = formatErrorSummary(input.LastError)
		row.Detail = input.LastError
		row.Action = ActionReconnect
		if isOAuthRelatedError(input.LastError) {
			row.Summary = "Authentication required"
			row.Action = ActionAuthorize
		}
		return row

	case "connecting":
		row.Level = LevelDegraded
		row.Summary = "Connecting..."
		if input.RetryCount > 0 {
			row.Detail = fmt.Sprintf("attempt %d", input.RetryCount+1)
		}
		return row

	case "disconnected":
		row.Level = LevelUnhealthy
		row.Summary = "Disconnected"
		row.Action = ActionReconnect
		if input.LastError != "" {
			row.Summary = formatErrorSummary(input.LastError)
			row.Detail = input.LastError
			if isOAuthRelatedError(input.LastError) {
				row.Summary = "Authentication required"
				row.Action = ActionAuthorize
			}
		}
		return row

	case "connected":
		if input.TokenExpiresAt != nil && !input.TokenExpiresAt.IsZero() {
			untilExpiry := time.Until(*input.TokenExpiresAt)
			switch {
			case untilExpiry <= 0:
				row.Level = LevelDegraded
				row.Summary = "Token expired"
				row.Action = ActionAuthorize
				return row
			case untilExpiry <= cfg.ExpiryWarning && !input.HasRefreshToken:
				row.Level = LevelDegraded
				row.Summary = formatExpiringTokenSummary(untilExpiry)
				row.Detail = fmt.Sprintf("token expires at %s", input.TokenExpiresAt.Format(time.RFC3339))
				row.Action = ActionAuthorize
				return row
			}
		}
		row.Level = LevelHealthy
		row.Summary = formatConnectedSummary(input.Tools)
		return row

	default:
		row.Level = LevelDegraded
		row.Summary = input.State
		return row
	}
}

// CalculateAll computes rows for every input, sorted by server name.
func CalculateAll(inputs []Input, cfg *Config) []Row {
	rows := make([]Row, 0, len(inputs))
	for _, input := range inputs {
		rows = append(rows, *Calculate(input, cfg))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Server < rows[j].Server })
	return rows
}

func formatConnectedSummary(toolCount int) string {
	switch toolCount {
	case 0:
		return "Connected"
	case 1:
		return "Connected (1 tool)"
	default:
		return fmt.Sprintf("Connected (%d tools)", toolCount)
	}
}

// formatErrorSummary maps raw transport errors to short operator-friendly
// summaries. Specific patterns come before generic ones: DNS failures often
// read "dial tcp: no such host", and should classify as the former.
func formatErrorSummary(lastError string) string {
	if lastError == "" {
		return "Connection error"
	}

	errorMappings := []struct {
		pattern  string
		friendly string
	}{
		{"no such host", "Host not found"},
		{"connection refused", "Connection refused"},
		{"connection reset", "Connection reset"},
		{"timeout", "Connection timeout"},
		{"EOF", "Connection closed"},
		{"unauthorized", "Unauthorized"},
		{"forbidden", "Access forbidden"},
		{"certificate", "Certificate error"},
		{"dial tcp", "Cannot connect"},
	}

	for _, mapping := range errorMappings {
		if stringutil.ContainsIgnoreCase(lastError, mapping.pattern) {
			return mapping.friendly
		}
	}

	if len(lastError) > 50 {
		return lastError[:47] + "..."
	}
	return lastError
}

func formatExpiringTokenSummary(untilExpiry time.Duration) string {
	if untilExpiry < time.Minute {
		return "Token expiring now"
	}
	if untilExpiry < time.Hour {
		return fmt.Sprintf("Token expiring in %dm", int(untilExpiry.Minutes()))
	}
	return fmt.Sprintf("Token expiring in %dh", int(untilExpiry.Hours()))
}

var oauthErrorPatterns = []string{
	"oauth",
	"authorization required",
	"authentication required",
	"unauthorized",
	"token expired",
	"invalid_grant",
	"access_denied",
}

func isOAuthRelatedError(err string) bool {
	if err == "" {
		return false
	}
	return stringutil.ContainsAnyIgnoreCase(err, oauthErrorPatterns)
}
