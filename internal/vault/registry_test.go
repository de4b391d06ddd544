package vault

import (
	"testing"
)

func TestNewProviderRegistryValidates(t *testing.T) {
	tests := []struct {
		name  string
		specs []ProviderSpec
	}{
		{
			name:  "empty id",
			specs: []ProviderSpec{{ID: " ", Scopes: []string{"repo:read"}}},
		},
		{
			name: "duplicate id ignores case",
			specs: []ProviderSpec{
				{ID: "github", Scopes: []string{"repo:read"}},
				{ID: "GitHub", Scopes: []string{"repo:write"}},
			},
		},
		{
			name:  "no scopes",
			specs: []ProviderSpec{{ID: "github", Scopes: []string{" "}}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewProviderRegistry(tc.specs); err == nil {
				t.Error("NewProviderRegistry() error = nil, want error")
			}
		})
	}
}

func TestProviderRegistryLookup(t *testing.T) {
	registry, err := NewProviderRegistry([]ProviderSpec{
		{ID: "GitHub", DisplayName: "GitHub", Scopes: []string{"repo:read", "repo:write"}},
		{ID: "calendar", Scopes: []string{"events:read"}},
	})
	if err != nil {
		t.Fatalf("NewProviderRegistry() error = %v", err)
	}

	spec, ok := registry.Lookup("GITHUB")
	if !ok {
		t.Fatal("Lookup(GITHUB) = false, want true")
	}
	if spec.ID != "github" {
		t.Errorf("Lookup ID = %q, want %q", spec.ID, "github")
	}

	spec, ok = registry.Lookup("calendar")
	if !ok {
		t.Fatal("Lookup(calendar) = false, want true")
	}
	if spec.DisplayName != "calendar" {
		t.Errorf("DisplayName = %q, want id fallback %q", spec.DisplayName, "calendar")
	}

	if _, ok := registry.Lookup("gitlab"); ok {
		t.Error("Lookup(gitlab) = true, want false")
	}

	specs := registry.List()
	if len(specs) != 2 || specs[0].ID != "calendar" || specs[1].ID != "github" {
		t.Errorf("List() = %v, want sorted [calendar github]", specs)
	}
}

func TestProviderRegistryRecognizesScopes(t *testing.T) {
	registry, err := NewProviderRegistry([]ProviderSpec{
		{ID: "github", Scopes: []string{"repo:read", "repo:write"}},
	})
	if err != nil {
		t.Fatalf("NewProviderRegistry() error = %v", err)
	}

	if !registry.RecognizesScopes("github", []string{"repo:read"}) {
		t.Error("RecognizesScopes(repo:read) = false, want true")
	}
	if registry.RecognizesScopes("github", []string{"repo:admin"}) {
		t.Error("RecognizesScopes(repo:admin) = true, want false")
	}
	if registry.RecognizesScopes("gitlab", []string{"repo:read"}) {
		t.Error("RecognizesScopes for unknown provider = true, want false")
	}
}
