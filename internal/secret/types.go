// Package secret resolves ${env:NAME} and ${keyring:NAME} references found
// in configuration strings.
package secret

import "context"

// Ref is a parsed secret reference.
type Ref struct {
	Type     string // "env" or "keyring"
	Name     string // variable name or keyring alias
	Original string // the literal ${type:name} text
}

// Provider resolves one reference type.
type Provider interface {
	// CanResolve returns true if this provider handles the given type.
	CanResolve(secretType string) bool

	// Resolve retrieves the secret value.
	Resolve(ctx context.Context, ref Ref) (string, error)

	// Store saves a secret, where the backend supports writes.
	Store(ctx context.Context, ref Ref, value string) error

	// Delete removes a secret, where the backend supports deletes.
	Delete(ctx context.Context, ref Ref) error

	// List enumerates the references this provider knows about.
	List(ctx context.Context) ([]Ref, error)

	// IsAvailable checks whether the backend works on this system.
	IsAvailable() bool
}

// Resolver dispatches references to registered providers.
type Resolver struct {
	providers map[string]Provider
}
