// Package backchannel models the delegated authorization flow where a client
// initiates a request out of band and the resource owner resolves it from a
// separate authenticated session.
//
// It provides the request state machine and poll gating so approval stays an
// explicit owner action rather than something a polling client can
// self-serve.
package backchannel

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/latchwell/countersign/internal/platform/id"
	"github.com/latchwell/countersign/internal/secret"
)

// Status represents backchannel request lifecycle state.
type Status string

const (
	// StatusPending indicates the request is awaiting owner resolution.
	StatusPending Status = "pending"
	// StatusApproved indicates the owner accepted the request.
	StatusApproved Status = "approved"
	// StatusDenied indicates the owner denied the request.
	StatusDenied Status = "denied"
	// StatusExpired indicates the request ran out of time unresolved.
	StatusExpired Status = "expired"
)

const (
	// DefaultPollInterval is the minimum spacing between redeem polls.
	DefaultPollInterval = 5 * time.Second
	// DefaultRequestTTL bounds how long an owner has to resolve a request
	// when the initiating client does not ask for a specific expiry.
	DefaultRequestTTL = 10 * time.Minute
	// MaxRequestTTL caps client-requested expiries.
	MaxRequestTTL = time.Hour
	// MaxBindingMessageLength bounds the human-checkable context string shown
	// to the owner at approval time.
	MaxBindingMessageLength = 20
	// MaxScopes bounds how many capability strings one request may carry.
	MaxScopes = 16
)

var (
	// ErrEmptyClientID indicates the initiating client ID is required.
	ErrEmptyClientID = errors.New("client id is required")
	// ErrEmptyUserID indicates the resolved owner user ID is required.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrEmptyScopes indicates at least one scope is required.
	ErrEmptyScopes = errors.New("at least one scope is required")
	// ErrInvalidScope indicates a scope contains characters outside the
	// OAuth scope-token alphabet.
	ErrInvalidScope = errors.New("scope is invalid")
	// ErrTooManyScopes indicates the scope set exceeds policy limits.
	ErrTooManyScopes = errors.New("too many scopes requested")
	// ErrBindingMessageTooLong indicates the binding message exceeds the
	// display limit.
	ErrBindingMessageTooLong = errors.New("binding message is too long")
	// ErrInvalidTTL indicates a negative requested expiry.
	ErrInvalidTTL = errors.New("requested expiry must not be negative")
)

// Request stores one pending-or-resolved authorization attempt. The opaque
// handle handed to the initiating client never appears here; only its digest
// does.
type Request struct {
	ID string

	RequestDigest string

	ClientID string
	UserID   string
	Scopes   []string

	BindingMessage string

	Status Status

	PollInterval time.Duration

	ExpiresAt    time.Time
	LastPolledAt *time.Time
	ApprovedAt   *time.Time
	DeniedAt     *time.Time

	GrantID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveStatus derives the request status at now. Expiry is data-driven:
// any request whose deadline has passed reads as expired regardless of the
// stored status, whether or not that transition was ever persisted.
func (r Request) EffectiveStatus(now time.Time) Status {
	if now.After(r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// InitiateInput contains client-provided fields for request creation. UserID
// is the already-resolved owner, not the raw login hint.
type InitiateInput struct {
	ClientID       string
	UserID         string
	Scopes         []string
	BindingMessage string
	TTL            time.Duration
}

// NormalizeInitiateInput canonicalizes and validates request creation input.
// A zero TTL selects the default and an oversized TTL clamps to the maximum;
// only a negative TTL is an error.
func NormalizeInitiateInput(input InitiateInput) (InitiateInput, error) {
	input.ClientID = strings.TrimSpace(input.ClientID)
	if input.ClientID == "" {
		return InitiateInput{}, ErrEmptyClientID
	}

	input.UserID = strings.TrimSpace(input.UserID)
	if input.UserID == "" {
		return InitiateInput{}, ErrEmptyUserID
	}

	scopes, err := NormalizeScopes(input.Scopes)
	if err != nil {
		return InitiateInput{}, err
	}
	input.Scopes = scopes

	input.BindingMessage = strings.TrimSpace(input.BindingMessage)
	if utf8.RuneCountInString(input.BindingMessage) > MaxBindingMessageLength {
		return InitiateInput{}, ErrBindingMessageTooLong
	}

	if input.TTL < 0 {
		return InitiateInput{}, ErrInvalidTTL
	}
	if input.TTL == 0 {
		input.TTL = DefaultRequestTTL
	}
	if input.TTL > MaxRequestTTL {
		input.TTL = MaxRequestTTL
	}

	return input, nil
}

// NormalizeScopes trims, validates, and deduplicates a scope set while
// preserving the caller's ordering.
func NormalizeScopes(scopes []string) ([]string, error) {
	normalized := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if !validScope(scope) {
			return nil, ErrInvalidScope
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		normalized = append(normalized, scope)
	}
	if len(normalized) == 0 {
		return nil, ErrEmptyScopes
	}
	if len(normalized) > MaxScopes {
		return nil, ErrTooManyScopes
	}
	return normalized, nil
}

// validScope reports whether every character falls inside the OAuth
// scope-token alphabet: printable ASCII excluding space, double quote, and
// backslash.
func validScope(scope string) bool {
	for _, r := range scope {
		if r < '!' || r > '~' || r == '"' || r == '\\' {
			return false
		}
	}
	return true
}

// Create constructs a normalized pending backchannel request. The returned
// handle is the initiating client's bearer credential for polling; only its
// digest is retained on the request.
func Create(input InitiateInput, now func() time.Time, idGenerator func() (string, error), handleGenerator func() (string, error)) (Request, string, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	if handleGenerator == nil {
		handleGenerator = secret.NewHandle
	}

	normalized, err := NormalizeInitiateInput(input)
	if err != nil {
		return Request{}, "", err
	}

	requestID, err := idGenerator()
	if err != nil {
		return Request{}, "", fmt.Errorf("generate backchannel request id: %w", err)
	}
	handle, err := handleGenerator()
	if err != nil {
		return Request{}, "", fmt.Errorf("generate request handle: %w", err)
	}

	createdAt := now().UTC()
	return Request{
		ID:             requestID,
		RequestDigest:  secret.DigestString(handle),
		ClientID:       normalized.ClientID,
		UserID:         normalized.UserID,
		Scopes:         normalized.Scopes,
		BindingMessage: normalized.BindingMessage,
		Status:         StatusPending,
		PollInterval:   DefaultPollInterval,
		ExpiresAt:      createdAt.Add(normalized.TTL),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}, handle, nil
}
