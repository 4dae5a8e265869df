// Package reqcontext carries request identity through context for the HTTP
// and MCP middleware, so one id shows up in every log line of a request.
package reqcontext

import (
	"context"
	"regexp"

	"github.com/google/uuid"
)

// RequestIDHeader is the HTTP header the id is read from and echoed to.
const RequestIDHeader = "X-Request-Id"

// MaxRequestIDLength caps accepted client-supplied ids.
const MaxRequestIDLength = 128

// requestIDPattern limits ids to alphanumerics, dashes, and underscores so
// a hostile header cannot smuggle log-breaking bytes.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidRequestID reports whether a client-supplied id is safe to adopt.
func IsValidRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	return requestIDPattern.MatchString(id)
}

// GenerateRequestID returns a fresh UUIDv4 id.
func GenerateRequestID() string {
	return uuid.New().String()
}

// GetOrGenerateRequestID adopts a valid provided id and replaces anything
// else. The middleware entry point.
func GetOrGenerateRequestID(provided string) string {
	if IsValidRequestID(provided) {
		return provided
	}
	return GenerateRequestID()
}

// ctxKey keeps context keys private to the package.
type ctxKey int

const (
	requestIDKey ctxKey = iota
	sourceKey
)

// Source labels where a request entered the proxy.
type Source string

const (
	SourceHTTP Source = "http"
	SourceMCP  Source = "mcp"
	SourceCLI  Source = "cli"
)

// WithRequestID returns a context carrying the id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id carried by ctx, or empty when none was set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// EnsureRequestID returns ctx guaranteed to carry an id, generating one on
// first use so non-HTTP entry points get ids too.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestID(ctx); id != "" {
		return ctx, id
	}
	id := GenerateRequestID()
	return WithRequestID(ctx, id), id
}

// WithSource returns a context labeled with the entry point.
func WithSource(ctx context.Context, source Source) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

// SourceFrom returns the entry point label, or empty when unset.
func SourceFrom(ctx context.Context) Source {
	source, _ := ctx.Value(sourceKey).(Source)
	return source
}
