// Package apperr defines the error taxonomy shared across the proxy.
//
// Errors carry a Kind so callers can branch on failure class without string
// matching, plus optional server/path context for logs and user-facing
// messages. Wrapping is compatible with errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value; it never matches a typed check.
	KindUnknown Kind = iota
	// KindIO covers file reads/writes: not found, permission denied, disk full.
	KindIO
	// KindParse covers invalid JSON/JSON5 input.
	KindParse
	// KindValidation covers schema mismatches; Path points at the offending node.
	KindValidation
	// KindRender covers template render failures for a named server.
	KindRender
	// KindTransportBuild means a config cannot produce a valid transport.
	KindTransportBuild
	// KindConnectionTimeout means a connect exceeded its budget.
	KindConnectionTimeout
	// KindOAuthRequired means the caller should prompt the user to authorize.
	KindOAuthRequired
	// KindClientConnection is terminal after retry exhaustion or explicit abort.
	KindClientConnection
	// KindCapability means the requested operation is not supported by the server.
	KindCapability
	// KindClientNotFound means the server name is not in the connection map.
	KindClientNotFound
	// KindCancelled signals cooperative cancellation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindParse:
		return "parse"
	case KindValidation:
		return "validation"
	case KindRender:
		return "render"
	case KindTransportBuild:
		return "transport_build"
	case KindConnectionTimeout:
		return "connection_timeout"
	case KindOAuthRequired:
		return "oauth_required"
	case KindClientConnection:
		return "client_connection"
	case KindCapability:
		return "capability"
	case KindClientNotFound:
		return "client_not_found"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified error with optional context fields.
type Error struct {
	Kind   Kind
	Server string // affected server name, if any
	Path   string // config path for validation errors, if any
	Msg    string
	Err    error // wrapped cause

	// AuthURL is set on KindOAuthRequired once the authorization URL is known.
	AuthURL string
}

func (e *Error) Error() string {
	var b []byte
	b = append(b, e.Kind.String()...)
	if e.Server != "" {
		b = append(b, ' ', '[')
		b = append(b, e.Server...)
		b = append(b, ']')
	}
	if e.Path != "" {
		b = append(b, " at "...)
		b = append(b, e.Path...)
	}
	if e.Msg != "" {
		b = append(b, ": "...)
		b = append(b, e.Msg...)
	}
	if e.Err != nil {
		b = append(b, ": "...)
		b = append(b, e.Err.Error()...)
	}
	return string(b)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, ignoring context fields.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IO wraps a filesystem failure.
func IO(err error, format string, args ...interface{}) *Error {
	return Wrap(KindIO, err, format, args...)
}

// Parse wraps a JSON/JSON5 decode failure.
func Parse(err error, format string, args ...interface{}) *Error {
	return Wrap(KindParse, err, format, args...)
}

// Validation reports a schema violation at path.
func Validation(path, reason string) *Error {
	return &Error{Kind: KindValidation, Path: path, Msg: reason}
}

// Render reports a template render failure for a server.
func Render(server string, err error) *Error {
	return &Error{Kind: KindRender, Server: server, Err: err}
}

// TransportBuild reports that a config cannot produce a transport.
func TransportBuild(server string, err error) *Error {
	return &Error{Kind: KindTransportBuild, Server: server, Err: err}
}

// ConnectionTimeout reports a connect that exceeded its budget.
func ConnectionTimeout(server string) *Error {
	return &Error{Kind: KindConnectionTimeout, Server: server}
}

// OAuthRequired signals that user authorization is needed.
func OAuthRequired(server, authURL string) *Error {
	return &Error{Kind: KindOAuthRequired, Server: server, AuthURL: authURL}
}

// ClientConnection reports a terminal connection failure.
func ClientConnection(server string, cause error) *Error {
	return &Error{Kind: KindClientConnection, Server: server, Err: cause}
}

// Capability reports an unsupported operation on a server.
func Capability(server, capability string) *Error {
	return &Error{Kind: KindCapability, Server: server, Msg: capability}
}

// ClientNotFound reports an unknown server name.
func ClientNotFound(server string) *Error {
	return &Error{Kind: KindClientNotFound, Server: server}
}

// Cancelled reports cooperative cancellation.
func Cancelled(reason string) *Error {
	return &Error{Kind: KindCancelled, Msg: reason}
}

// KindOf extracts the Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// AuthURLOf extracts the authorization URL from an oauth-required error.
func AuthURLOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindOAuthRequired {
		return e.AuthURL
	}
	return ""
}
