package vault

import (
	"fmt"
	"sort"
	"strings"
)

// ProviderSpec declares an upstream provider the vault may hold credentials
// for, together with the scope names it recognizes.
type ProviderSpec struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	Scopes      []string `json:"scopes"`
}

// ProviderRegistry is an immutable, config-time validated set of provider
// specs keyed by lowercase provider ID.
type ProviderRegistry struct {
	providers map[string]ProviderSpec
}

// NewProviderRegistry validates the given specs and builds a registry.
// Provider IDs are lowercased and must be unique; every provider must
// declare at least one scope. DisplayName defaults to the ID.
func NewProviderRegistry(specs []ProviderSpec) (*ProviderRegistry, error) {
	providers := make(map[string]ProviderSpec, len(specs))
	for _, spec := range specs {
		providerID := strings.ToLower(strings.TrimSpace(spec.ID))
		if providerID == "" {
			return nil, fmt.Errorf("provider id is required")
		}
		if _, ok := providers[providerID]; ok {
			return nil, fmt.Errorf("duplicate provider %q", providerID)
		}

		scopes := make([]string, 0, len(spec.Scopes))
		seen := make(map[string]struct{}, len(spec.Scopes))
		for _, scope := range spec.Scopes {
			scope = strings.TrimSpace(scope)
			if scope == "" {
				continue
			}
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			scopes = append(scopes, scope)
		}
		if len(scopes) == 0 {
			return nil, fmt.Errorf("provider %q declares no scopes", providerID)
		}

		displayName := strings.TrimSpace(spec.DisplayName)
		if displayName == "" {
			displayName = providerID
		}

		providers[providerID] = ProviderSpec{
			ID:          providerID,
			DisplayName: displayName,
			Scopes:      scopes,
		}
	}

	return &ProviderRegistry{providers: providers}, nil
}

// Lookup returns the spec for the given provider ID.
func (r *ProviderRegistry) Lookup(providerID string) (ProviderSpec, bool) {
	if r == nil {
		return ProviderSpec{}, false
	}
	spec, ok := r.providers[strings.ToLower(strings.TrimSpace(providerID))]
	return spec, ok
}

// RecognizesScopes reports whether the provider knows every given scope.
func (r *ProviderRegistry) RecognizesScopes(providerID string, scopes []string) bool {
	spec, ok := r.Lookup(providerID)
	if !ok {
		return false
	}
	return ScopesSubset(scopes, spec.Scopes)
}

// List returns all provider specs sorted by ID.
func (r *ProviderRegistry) List() []ProviderSpec {
	if r == nil {
		return nil
	}
	specs := make([]ProviderSpec, 0, len(r.providers))
	for _, spec := range r.providers {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}
