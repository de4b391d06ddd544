package vault

import (
	"errors"
	"testing"
	"time"
)

func TestEffectiveStatus(t *testing.T) {
	expiresAt := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	revokedAt := time.Date(2026, time.March, 14, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		grant Grant
		now   time.Time
		want  Status
	}{
		{
			name:  "active before expiry",
			grant: Grant{Status: StatusActive, ExpiresAt: expiresAt},
			now:   expiresAt.Add(-time.Minute),
			want:  StatusActive,
		},
		{
			name:  "active at exact expiry",
			grant: Grant{Status: StatusActive, ExpiresAt: expiresAt},
			now:   expiresAt,
			want:  StatusActive,
		},
		{
			name:  "expired after expiry",
			grant: Grant{Status: StatusActive, ExpiresAt: expiresAt},
			now:   expiresAt.Add(time.Millisecond),
			want:  StatusExpired,
		},
		{
			name:  "revoked wins over expiry",
			grant: Grant{Status: StatusRevoked, RevokedAt: &revokedAt, ExpiresAt: expiresAt},
			now:   expiresAt.Add(time.Hour),
			want:  StatusRevoked,
		},
		{
			name:  "stored expired stays expired",
			grant: Grant{Status: StatusExpired, ExpiresAt: expiresAt},
			now:   expiresAt.Add(time.Hour),
			want:  StatusExpired,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.grant.EffectiveStatus(tc.now); got != tc.want {
				t.Errorf("EffectiveStatus() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestScopesSubset(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		granted   []string
		want      bool
	}{
		{name: "empty requested is subset", requested: nil, granted: []string{"repo:read"}, want: true},
		{name: "exact match", requested: []string{"repo:read"}, granted: []string{"repo:read"}, want: true},
		{name: "proper subset", requested: []string{"repo:read"}, granted: []string{"repo:read", "repo:write"}, want: true},
		{name: "superset rejected", requested: []string{"repo:read", "repo:write"}, granted: []string{"repo:read"}, want: false},
		{name: "disjoint rejected", requested: []string{"calendar:read"}, granted: []string{"repo:read"}, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ScopesSubset(tc.requested, tc.granted); got != tc.want {
				t.Errorf("ScopesSubset(%v, %v) = %v, want %v", tc.requested, tc.granted, got, tc.want)
			}
		})
	}
}

func TestNormalizeCreateInput(t *testing.T) {
	valid := CreateInput{
		UserID:        "user-1",
		AgentID:       "agent-1",
		Provider:      "GitHub",
		Scopes:        []string{" repo:read ", ""},
		RawCredential: []byte("ghp_secret"),
	}

	t.Run("canonicalizes and defaults", func(t *testing.T) {
		got, err := NormalizeCreateInput(valid)
		if err != nil {
			t.Fatalf("NormalizeCreateInput() error = %v", err)
		}
		if got.Provider != "github" {
			t.Errorf("Provider = %q, want %q", got.Provider, "github")
		}
		if len(got.Scopes) != 1 || got.Scopes[0] != "repo:read" {
			t.Errorf("Scopes = %v, want [repo:read]", got.Scopes)
		}
		if got.TTL != DefaultGrantTTL {
			t.Errorf("TTL = %v, want %v", got.TTL, DefaultGrantTTL)
		}
	})

	t.Run("clamps oversized ttl", func(t *testing.T) {
		input := valid
		input.TTL = 48 * time.Hour
		got, err := NormalizeCreateInput(input)
		if err != nil {
			t.Fatalf("NormalizeCreateInput() error = %v", err)
		}
		if got.TTL != MaxGrantTTL {
			t.Errorf("TTL = %v, want %v", got.TTL, MaxGrantTTL)
		}
	})

	tests := []struct {
		name    string
		mutate  func(*CreateInput)
		wantErr error
	}{
		{name: "missing user", mutate: func(in *CreateInput) { in.UserID = " " }, wantErr: ErrEmptyUserID},
		{name: "missing agent", mutate: func(in *CreateInput) { in.AgentID = "" }, wantErr: ErrEmptyAgentID},
		{name: "missing provider", mutate: func(in *CreateInput) { in.Provider = "" }, wantErr: ErrEmptyProvider},
		{name: "missing scopes", mutate: func(in *CreateInput) { in.Scopes = []string{" "} }, wantErr: ErrEmptyScopes},
		{name: "missing credential", mutate: func(in *CreateInput) { in.RawCredential = nil }, wantErr: ErrEmptyCredential},
		{name: "negative ttl", mutate: func(in *CreateInput) { in.TTL = -time.Second }, wantErr: ErrInvalidTTL},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := valid
			tc.mutate(&input)
			if _, err := NormalizeCreateInput(input); !errors.Is(err, tc.wantErr) {
				t.Errorf("NormalizeCreateInput() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestCreate(t *testing.T) {
	now := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	input := CreateInput{
		UserID:        "user-1",
		AgentID:       "agent-1",
		Provider:      "github",
		Scopes:        []string{"repo:read"},
		RawCredential: []byte("ghp_secret"),
		TTL:           30 * time.Minute,
	}

	t.Run("generates id when unset", func(t *testing.T) {
		grant, err := Create(input, clock, func() (string, error) { return "generated-id", nil })
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if grant.ID != "generated-id" {
			t.Errorf("ID = %q, want %q", grant.ID, "generated-id")
		}
		if grant.Status != StatusActive {
			t.Errorf("Status = %q, want %q", grant.Status, StatusActive)
		}
		if !grant.ExpiresAt.Equal(now.Add(30 * time.Minute)) {
			t.Errorf("ExpiresAt = %v, want %v", grant.ExpiresAt, now.Add(30*time.Minute))
		}
		if !grant.CreatedAt.Equal(now) || !grant.UpdatedAt.Equal(now) {
			t.Errorf("timestamps = %v/%v, want %v", grant.CreatedAt, grant.UpdatedAt, now)
		}
	})

	t.Run("keeps caller supplied id", func(t *testing.T) {
		withID := input
		withID.ID = "pre-bound-id"
		grant, err := Create(withID, clock, func() (string, error) { return "", errors.New("must not be called") })
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if grant.ID != "pre-bound-id" {
			t.Errorf("ID = %q, want %q", grant.ID, "pre-bound-id")
		}
	})
}
