package secret

import (
	"context"
	"fmt"
	"os"
)

// SecretTypeEnv is the reference type served by EnvProvider.
const SecretTypeEnv = "env"

// EnvProvider resolves secrets from environment variables. It is read-only.
type EnvProvider struct{}

// NewEnvProvider creates a new environment variable provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// CanResolve returns true for "env" references.
func (p *EnvProvider) CanResolve(secretType string) bool {
	return secretType == SecretTypeEnv
}

// Resolve reads the variable; empty or unset is an error, since a reference
// expresses intent that the value exists.
func (p *EnvProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	if !p.CanResolve(ref.Type) {
		return "", fmt.Errorf("env provider cannot resolve secret type: %s", ref.Type)
	}

	value := os.Getenv(ref.Name)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not found or empty", ref.Name)
	}
	return value, nil
}

// Store is not supported for environment variables.
func (p *EnvProvider) Store(_ context.Context, _ Ref, _ string) error {
	return fmt.Errorf("env provider does not support storing secrets")
}

// Delete is not supported for environment variables.
func (p *EnvProvider) Delete(_ context.Context, _ Ref) error {
	return fmt.Errorf("env provider does not support deleting secrets")
}

// List is intentionally empty: enumerating the process environment as
// "secrets" invites accidental disclosure in CLI output.
func (p *EnvProvider) List(_ context.Context) ([]Ref, error) {
	return nil, nil
}

// IsAvailable always returns true.
func (p *EnvProvider) IsAvailable() bool {
	return true
}
