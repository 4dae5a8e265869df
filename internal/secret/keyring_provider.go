package secret

import (
	"context"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName namespaces keyring entries.
	ServiceName = "onemcp"
	// SecretTypeKeyring is the reference type served by KeyringProvider.
	SecretTypeKeyring = "keyring"

	// registryKey tracks stored names; go-keyring cannot enumerate entries.
	registryKey = "_onemcp_secret_registry"

	availabilityProbeKey = "_onemcp_test_availability"
)

// KeyringProvider stores secrets in the OS keyring (Keychain, Secret
// Service, Windows Credential Manager).
type KeyringProvider struct {
	serviceName string
}

// NewKeyringProvider creates a new keyring provider.
func NewKeyringProvider() *KeyringProvider {
	return &KeyringProvider{serviceName: ServiceName}
}

// CanResolve returns true for "keyring" references.
func (p *KeyringProvider) CanResolve(secretType string) bool {
	return secretType == SecretTypeKeyring
}

// Resolve reads a secret from the keyring.
func (p *KeyringProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	if !p.CanResolve(ref.Type) {
		return "", fmt.Errorf("keyring provider cannot resolve secret type: %s", ref.Type)
	}

	value, err := keyring.Get(p.serviceName, ref.Name)
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s from keyring: %w", ref.Name, err)
	}
	return value, nil
}

// Store saves a secret and records its name in the registry entry.
func (p *KeyringProvider) Store(_ context.Context, ref Ref, value string) error {
	if !p.CanResolve(ref.Type) {
		return fmt.Errorf("keyring provider cannot store secret type: %s", ref.Type)
	}

	if err := keyring.Set(p.serviceName, ref.Name, value); err != nil {
		return fmt.Errorf("failed to store secret %s in keyring: %w", ref.Name, err)
	}
	if err := p.addToRegistry(ref.Name); err != nil {
		return fmt.Errorf("failed to update secret registry: %w", err)
	}
	return nil
}

// Delete removes a secret and its registry record.
func (p *KeyringProvider) Delete(_ context.Context, ref Ref) error {
	if !p.CanResolve(ref.Type) {
		return fmt.Errorf("keyring provider cannot delete secret type: %s", ref.Type)
	}

	if err := keyring.Delete(p.serviceName, ref.Name); err != nil {
		return fmt.Errorf("failed to delete secret %s from keyring: %w", ref.Name, err)
	}
	if err := p.removeFromRegistry(ref.Name); err != nil {
		return fmt.Errorf("failed to update secret registry: %w", err)
	}
	return nil
}

// List returns the names recorded in the registry entry.
func (p *KeyringProvider) List(_ context.Context) ([]Ref, error) {
	registry, err := keyring.Get(p.serviceName, registryKey)
	if err != nil {
		// No registry yet means nothing stored.
		return []Ref{}, nil
	}

	var refs []Ref
	for _, name := range strings.Split(registry, "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		refs = append(refs, Ref{
			Type:     SecretTypeKeyring,
			Name:     name,
			Original: fmt.Sprintf("${keyring:%s}", name),
		})
	}
	return refs, nil
}

// IsAvailable probes the keyring with a throwaway entry.
func (p *KeyringProvider) IsAvailable() bool {
	if err := keyring.Set(p.serviceName, availabilityProbeKey, "test"); err != nil {
		return false
	}
	if _, err := keyring.Get(p.serviceName, availabilityProbeKey); err != nil {
		return false
	}
	_ = keyring.Delete(p.serviceName, availabilityProbeKey)
	return true
}

func (p *KeyringProvider) addToRegistry(name string) error {
	names := p.registryNames()
	for _, existing := range names {
		if existing == name {
			return nil
		}
	}
	names = append(names, name)
	return keyring.Set(p.serviceName, registryKey, strings.Join(names, "\n"))
}

func (p *KeyringProvider) removeFromRegistry(name string) error {
	names := p.registryNames()
	kept := names[:0]
	for _, existing := range names {
		if existing != name {
			kept = append(kept, existing)
		}
	}
	return keyring.Set(p.serviceName, registryKey, strings.Join(kept, "\n"))
}

func (p *KeyringProvider) registryNames() []string {
	registry, err := keyring.Get(p.serviceName, registryKey)
	if err != nil || registry == "" {
		return nil
	}
	var names []string
	for _, name := range strings.Split(registry, "\n") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
