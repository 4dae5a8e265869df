package secret

import (
	"context"
	"fmt"
)

// NewResolver creates a resolver with the default env and keyring providers.
func NewResolver() *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	r.RegisterProvider(SecretTypeEnv, NewEnvProvider())
	r.RegisterProvider(SecretTypeKeyring, NewKeyringProvider())
	return r
}

// RegisterProvider registers a provider for a reference type, replacing any
// previous registration.
func (r *Resolver) RegisterProvider(secretType string, provider Provider) {
	r.providers[secretType] = provider
}

// Resolve resolves a single reference.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	provider, ok := r.providers[ref.Type]
	if !ok {
		return "", fmt.Errorf("no provider for secret type: %s", ref.Type)
	}
	if !provider.IsAvailable() {
		return "", fmt.Errorf("provider for %s is not available on this system", ref.Type)
	}
	return provider.Resolve(ctx, ref)
}

// Store stores a secret through the matching provider.
func (r *Resolver) Store(ctx context.Context, ref Ref, value string) error {
	provider, ok := r.providers[ref.Type]
	if !ok {
		return fmt.Errorf("no provider for secret type: %s", ref.Type)
	}
	if !provider.IsAvailable() {
		return fmt.Errorf("provider for %s is not available on this system", ref.Type)
	}
	return provider.Store(ctx, ref, value)
}

// Delete deletes a secret through the matching provider.
func (r *Resolver) Delete(ctx context.Context, ref Ref) error {
	provider, ok := r.providers[ref.Type]
	if !ok {
		return fmt.Errorf("no provider for secret type: %s", ref.Type)
	}
	if !provider.IsAvailable() {
		return fmt.Errorf("provider for %s is not available on this system", ref.Type)
	}
	return provider.Delete(ctx, ref)
}

// ListAll lists references from every available provider. Per-provider
// failures are skipped so one broken backend does not hide the others.
func (r *Resolver) ListAll(ctx context.Context) ([]Ref, error) {
	var all []Ref
	for _, provider := range r.providers {
		if !provider.IsAvailable() {
			continue
		}
		refs, err := provider.List(ctx)
		if err != nil {
			continue
		}
		all = append(all, refs...)
	}
	return all, nil
}
