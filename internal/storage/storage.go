package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a requested state transition is invalid.
var ErrConflict = errors.New("record conflict")

// BackchannelRequestRecord stores one pending-or-resolved authorization
// attempt.
type BackchannelRequestRecord struct {
	ID string

	// RequestDigest is a non-reversible digest of the opaque request handle.
	// The handle is the polling caller's bearer credential and never
	// persists.
	RequestDigest string

	ClientID string
	UserID   string
	Scopes   []string

	BindingMessage string

	Status string

	// PollInterval is the minimum spacing between redeem polls, in seconds.
	PollInterval int64

	ExpiresAt    time.Time
	LastPolledAt *time.Time
	ApprovedAt   *time.Time
	DeniedAt     *time.Time

	// GrantID is bound in the same conditional update as the
	// pending->approved transition.
	GrantID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BackchannelRequestPage is a paged set of backchannel requests.
type BackchannelRequestPage struct {
	Requests      []BackchannelRequestRecord
	NextPageToken string
}

// GrantRecord stores one delegated credential a bound agent may redeem.
type GrantRecord struct {
	ID       string
	UserID   string
	AgentID  string
	Provider string
	Scopes   []string
	Status   string

	// Ciphertext, IV, and Tag hold the authenticated-encrypted provider
	// credential as separate fields; plaintext never crosses into storage.
	Ciphertext []byte
	IV         []byte
	Tag        []byte

	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GrantPage is a paged set of grants.
type GrantPage struct {
	Grants        []GrantRecord
	NextPageToken string
}

// ProviderCredentialRecord stores an owner's sealed provider credential,
// the material grants are minted from at approval time.
type ProviderCredentialRecord struct {
	ID       string
	UserID   string
	Provider string

	Ciphertext []byte
	IV         []byte
	Tag        []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserRecord stores one resource owner.
type UserRecord struct {
	ID          string
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// AuditEventRecord stores one append-only audit event.
type AuditEventRecord struct {
	ID string

	EventName string
	ActorID   string
	UserID    string
	ClientID  string
	SubjectID string
	Outcome   string

	CreatedAt time.Time
}

// AuditEventPage is a paged set of audit events.
type AuditEventPage struct {
	AuditEvents   []AuditEventRecord
	NextPageToken string
}

// BackchannelRequestStore persists backchannel request records.
//
// The three transition methods specialize one conditional-update primitive:
// each succeeds only if the stored status still reads pending at write time
// and reports ErrConflict otherwise. That single guarantee is what keeps
// concurrent approve, deny, and expiry writes from producing two terminal
// outcomes for the same request.
type BackchannelRequestStore interface {
	CreateBackchannelRequest(ctx context.Context, record BackchannelRequestRecord) error
	GetBackchannelRequest(ctx context.Context, requestID string) (BackchannelRequestRecord, error)
	GetBackchannelRequestByDigest(ctx context.Context, requestDigest string) (BackchannelRequestRecord, error)
	// ApproveBackchannelRequest transitions pending->approved and binds the
	// grant ID in the same statement.
	ApproveBackchannelRequest(ctx context.Context, requestID string, grantID string, approvedAt time.Time) error
	// DenyBackchannelRequest transitions pending->denied.
	DenyBackchannelRequest(ctx context.Context, requestID string, deniedAt time.Time) error
	// ExpireBackchannelRequest lazily persists a derived expiry. Callers
	// ignore ErrConflict; expiry is re-derived on every read regardless of
	// stored status.
	ExpireBackchannelRequest(ctx context.Context, requestID string, expiredAt time.Time) error
	// TouchBackchannelRequestPoll records the most recent redeem poll.
	TouchBackchannelRequestPoll(ctx context.Context, requestID string, polledAt time.Time) error
	ListBackchannelRequestsByUser(ctx context.Context, userID string, pageSize int, pageToken string) (BackchannelRequestPage, error)
	// PurgeBackchannelRequests deletes rows whose expiry passed before the
	// cutoff. Hygiene only; correctness never depends on physical deletion.
	PurgeBackchannelRequests(ctx context.Context, before time.Time) (int64, error)
}

// GrantStore persists grant records.
type GrantStore interface {
	PutGrant(ctx context.Context, record GrantRecord) error
	GetGrant(ctx context.Context, grantID string) (GrantRecord, error)
	ListGrantsByUser(ctx context.Context, userID string, pageSize int, pageToken string) (GrantPage, error)
	// RevokeGrant is monotonic: the first revocation time sticks and
	// repeated revocations succeed.
	RevokeGrant(ctx context.Context, grantID string, revokedAt time.Time) error
	// ExpireGrant lazily persists a derived expiry for an active grant.
	// Callers ignore ErrConflict.
	ExpireGrant(ctx context.Context, grantID string, expiredAt time.Time) error
}

// ProviderCredentialStore persists owner provider credentials.
type ProviderCredentialStore interface {
	// PutProviderCredential inserts or replaces the one credential per
	// (user, provider) pair.
	PutProviderCredential(ctx context.Context, record ProviderCredentialRecord) error
	GetProviderCredential(ctx context.Context, userID string, provider string) (ProviderCredentialRecord, error)
	DeleteProviderCredential(ctx context.Context, userID string, provider string) error
}

// UserStore persists resource owners.
type UserStore interface {
	PutUser(ctx context.Context, record UserRecord) error
	GetUser(ctx context.Context, userID string) (UserRecord, error)
	// ResolveUserByHint matches a login hint against username first, then
	// record ID.
	ResolveUserByHint(ctx context.Context, hint string) (UserRecord, error)
}

// AuditEventStore persists append-only audit events.
type AuditEventStore interface {
	PutAuditEvent(ctx context.Context, record AuditEventRecord) error
	ListAuditEventsByUser(ctx context.Context, userID string, pageSize int, pageToken string) (AuditEventPage, error)
}
