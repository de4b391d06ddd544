// Package vault stores and redeems delegated grants as encrypted,
// scope-bounded credentials.
//
// A grant is minted only as the side effect of an approved backchannel
// request; redemption is restricted to the bound agent and fails closed once
// the grant is revoked, expired, or its sealed material no longer
// authenticates.
package vault

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/latchwell/countersign/internal/platform/id"
)

// Status represents grant lifecycle state.
type Status string

const (
	// StatusActive indicates the grant may still be redeemed.
	StatusActive Status = "active"
	// StatusRevoked indicates the owner or policy withdrew the grant.
	StatusRevoked Status = "revoked"
	// StatusExpired indicates the grant ran out of time.
	StatusExpired Status = "expired"
)

const (
	// DefaultGrantTTL bounds grant lifetime when the approval flow does not
	// ask for a specific expiry.
	DefaultGrantTTL = time.Hour
	// MaxGrantTTL caps requested grant lifetimes.
	MaxGrantTTL = 24 * time.Hour
)

var (
	// ErrEmptyUserID indicates the owning user ID is required.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrEmptyAgentID indicates the bound agent ID is required.
	ErrEmptyAgentID = errors.New("agent id is required")
	// ErrEmptyProvider indicates the provider identifier is required.
	ErrEmptyProvider = errors.New("provider is required")
	// ErrEmptyScopes indicates at least one scope is required.
	ErrEmptyScopes = errors.New("at least one scope is required")
	// ErrEmptyCredential indicates raw credential material is required.
	ErrEmptyCredential = errors.New("credential is required")
	// ErrInvalidTTL indicates a negative requested lifetime.
	ErrInvalidTTL = errors.New("ttl must not be negative")
)

// Grant is a delegated credential a bound agent may redeem against a
// provider. The sealed payload never appears on the domain type; it stays in
// storage and is opened only during redemption.
type Grant struct {
	ID       string
	UserID   string
	AgentID  string
	Provider string
	Scopes   []string

	Status Status

	ExpiresAt time.Time
	RevokedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveStatus derives the grant status at now. Revocation is monotonic
// and wins over expiry; expiry is data-driven off ExpiresAt regardless of
// the stored status.
func (g Grant) EffectiveStatus(now time.Time) Status {
	if g.Status == StatusRevoked {
		return StatusRevoked
	}
	if now.After(g.ExpiresAt) {
		return StatusExpired
	}
	return g.Status
}

// ScopesSubset reports whether every requested scope is present in granted.
// An empty requested set is vacuously a subset; callers that require a
// non-empty selection check that separately.
func ScopesSubset(requested []string, granted []string) bool {
	if len(requested) == 0 {
		return true
	}
	grantedSet := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		grantedSet[scope] = struct{}{}
	}
	for _, scope := range requested {
		if _, ok := grantedSet[scope]; !ok {
			return false
		}
	}
	return true
}

// CreateInput contains fields for grant creation. ID is optional: the
// approval flow pre-generates the grant ID so it can be bound to the request
// record in the same conditional write that resolves the approval race.
type CreateInput struct {
	ID            string
	UserID        string
	AgentID       string
	Provider      string
	Scopes        []string
	RawCredential []byte
	TTL           time.Duration
}

// NormalizeCreateInput canonicalizes and validates grant creation input. A
// zero TTL selects the default and an oversized TTL clamps to the maximum.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	input.ID = strings.TrimSpace(input.ID)

	input.UserID = strings.TrimSpace(input.UserID)
	if input.UserID == "" {
		return CreateInput{}, ErrEmptyUserID
	}

	input.AgentID = strings.TrimSpace(input.AgentID)
	if input.AgentID == "" {
		return CreateInput{}, ErrEmptyAgentID
	}

	input.Provider = strings.ToLower(strings.TrimSpace(input.Provider))
	if input.Provider == "" {
		return CreateInput{}, ErrEmptyProvider
	}

	scopes := make([]string, 0, len(input.Scopes))
	for _, scope := range input.Scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		scopes = append(scopes, scope)
	}
	if len(scopes) == 0 {
		return CreateInput{}, ErrEmptyScopes
	}
	input.Scopes = scopes

	if len(input.RawCredential) == 0 {
		return CreateInput{}, ErrEmptyCredential
	}

	if input.TTL < 0 {
		return CreateInput{}, ErrInvalidTTL
	}
	if input.TTL == 0 {
		input.TTL = DefaultGrantTTL
	}
	if input.TTL > MaxGrantTTL {
		input.TTL = MaxGrantTTL
	}

	return input, nil
}

// Create constructs a normalized active grant shell. Sealing the credential
// and persisting the record are the service's responsibility.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Grant, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return Grant{}, err
	}

	grantID := normalized.ID
	if grantID == "" {
		grantID, err = idGenerator()
		if err != nil {
			return Grant{}, fmt.Errorf("generate grant id: %w", err)
		}
	}

	createdAt := now().UTC()
	return Grant{
		ID:        grantID,
		UserID:    normalized.UserID,
		AgentID:   normalized.AgentID,
		Provider:  normalized.Provider,
		Scopes:    normalized.Scopes,
		Status:    StatusActive,
		ExpiresAt: createdAt.Add(normalized.TTL),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
