package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	apperrors "github.com/latchwell/countersign/internal/platform/errors"
	"github.com/latchwell/countersign/internal/platform/id"
	"github.com/latchwell/countersign/internal/secret"
	"github.com/latchwell/countersign/internal/storage"
)

// Service mints, redeems, and revokes grants and manages the sealed provider
// credentials grants are cut from.
type Service struct {
	grants      storage.GrantStore
	credentials storage.ProviderCredentialStore
	audit       storage.AuditEventStore
	providers   *ProviderRegistry
	sealer      *secret.AESGCMSealer

	now         func() time.Time
	idGenerator func() (string, error)
}

// Config contains dependencies for the vault service.
type Config struct {
	Grants      storage.GrantStore
	Credentials storage.ProviderCredentialStore
	Audit       storage.AuditEventStore
	Providers   *ProviderRegistry
	Sealer      *secret.AESGCMSealer
	Now         func() time.Time
	IDGenerator func() (string, error)
}

// New creates a vault service. The sealer is mandatory: a vault without an
// encryption key refuses to start rather than fall back to plaintext
// storage.
func New(config Config) (*Service, error) {
	if config.Grants == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if config.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if config.Audit == nil {
		return nil, fmt.Errorf("audit event store is required")
	}
	if config.Providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if config.Sealer == nil {
		return nil, apperrors.New(apperrors.CodeEncryptionKeyRequired, "vault encryption key is required")
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}
	idGenerator := config.IDGenerator
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	return &Service{
		grants:      config.Grants,
		credentials: config.Credentials,
		audit:       config.Audit,
		providers:   config.Providers,
		sealer:      config.Sealer,
		now:         now,
		idGenerator: idGenerator,
	}, nil
}

// RedeemInput identifies a grant redemption attempt by a bound agent.
type RedeemInput struct {
	GrantID string
	AgentID string
	Scopes  []string
}

// RedeemedGrant is the result of a successful redemption.
type RedeemedGrant struct {
	Grant      Grant
	Credential []byte
}

// CreateGrant seals the raw credential and persists a new active grant. The
// provider and its scopes must be registered; unknown providers never reach
// the sealer.
func (s *Service) CreateGrant(ctx context.Context, input CreateInput) (Grant, error) {
	if s == nil || s.grants == nil {
		return Grant{}, apperrors.New(apperrors.CodeInternal, "vault service not initialized")
	}

	grant, err := Create(input, s.now, s.idGenerator)
	if err != nil {
		return Grant{}, apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid grant", err)
	}

	spec, ok := s.providers.Lookup(grant.Provider)
	if !ok {
		return Grant{}, apperrors.WithMetadata(apperrors.CodeInvalidProvider, "unknown provider", map[string]string{
			"provider": grant.Provider,
		})
	}
	if !ScopesSubset(grant.Scopes, spec.Scopes) {
		return Grant{}, apperrors.WithMetadata(apperrors.CodeInvalidScopes, "scopes not recognized by provider", map[string]string{
			"provider": grant.Provider,
		})
	}

	box, err := s.sealer.Seal(input.RawCredential)
	if err != nil {
		return Grant{}, apperrors.Wrap(apperrors.CodeInternal, "seal credential", err)
	}

	record := grantToRecord(grant)
	record.Ciphertext = box.Ciphertext
	record.IV = box.IV
	record.Tag = box.Tag
	if err := s.grants.PutGrant(ctx, record); err != nil {
		return Grant{}, apperrors.Wrap(apperrors.CodeInternal, "store grant", err)
	}

	if err := s.appendAuditEvent(ctx, "grant.created", grant.UserID, grant.UserID, grant.AgentID, grant.ID); err != nil {
		return Grant{}, err
	}
	return grant, nil
}

// RedeemGrant releases the sealed credential to the bound agent. Checks run
// strictest first: existence, agent binding, revocation, expiry, scopes, and
// only then decryption. Expiry observed here is lazily persisted but never
// required; status derives from the record on every read.
func (s *Service) RedeemGrant(ctx context.Context, input RedeemInput) (RedeemedGrant, error) {
	if s == nil || s.grants == nil {
		return RedeemedGrant{}, apperrors.New(apperrors.CodeInternal, "vault service not initialized")
	}

	record, err := s.grants.GetGrant(ctx, input.GrantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return RedeemedGrant{}, apperrors.New(apperrors.CodeGrantNotFound, "grant not found")
		}
		return RedeemedGrant{}, apperrors.Wrap(apperrors.CodeInternal, "load grant", err)
	}
	grant := grantFromRecord(record)

	if input.AgentID == "" || input.AgentID != grant.AgentID {
		return RedeemedGrant{}, apperrors.New(apperrors.CodeUnauthorizedAgent, "agent is not bound to this grant")
	}

	now := s.now().UTC()
	switch grant.EffectiveStatus(now) {
	case StatusRevoked:
		return RedeemedGrant{}, apperrors.New(apperrors.CodeGrantRevoked, "grant has been revoked")
	case StatusExpired:
		if grant.Status == StatusActive {
			if err := s.grants.ExpireGrant(ctx, grant.ID, now); err != nil && !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
				log.Printf("vault: persist expiry for grant %s: %v", grant.ID, err)
			}
		}
		return RedeemedGrant{}, apperrors.New(apperrors.CodeGrantExpired, "grant has expired")
	}

	if len(input.Scopes) == 0 {
		return RedeemedGrant{}, apperrors.New(apperrors.CodeInvalidScopes, "at least one scope is required")
	}
	if !ScopesSubset(input.Scopes, grant.Scopes) {
		return RedeemedGrant{}, apperrors.New(apperrors.CodeInvalidScopes, "requested scopes exceed the grant")
	}

	credential, err := s.sealer.Open(secret.Box{
		Ciphertext: record.Ciphertext,
		IV:         record.IV,
		Tag:        record.Tag,
	})
	if err != nil {
		// Authentication failure on sealed material means the key or the
		// record is damaged. The grant is unusable; an operator has to
		// intervene.
		log.Printf("vault: decryption failed for grant %s: %v", grant.ID, err)
		return RedeemedGrant{}, apperrors.New(apperrors.CodeDecryptionFailed, "credential cannot be decrypted")
	}

	if err := s.appendAuditEvent(ctx, "grant.redeemed", grant.AgentID, grant.UserID, grant.AgentID, grant.ID); err != nil {
		return RedeemedGrant{}, err
	}
	return RedeemedGrant{Grant: grant, Credential: credential}, nil
}

// RevokeGrant withdraws a grant on behalf of its owner. Revocation is
// monotonic and idempotent: repeated calls succeed and the first revocation
// time sticks. A grant owned by someone else reads as not found.
func (s *Service) RevokeGrant(ctx context.Context, userID string, grantID string) (Grant, error) {
	if s == nil || s.grants == nil {
		return Grant{}, apperrors.New(apperrors.CodeInternal, "vault service not initialized")
	}

	record, err := s.grants.GetGrant(ctx, grantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Grant{}, apperrors.New(apperrors.CodeGrantNotFound, "grant not found")
		}
		return Grant{}, apperrors.Wrap(apperrors.CodeInternal, "load grant", err)
	}
	if record.UserID != userID {
		return Grant{}, apperrors.New(apperrors.CodeGrantNotFound, "grant not found")
	}

	now := s.now().UTC()
	if err := s.grants.RevokeGrant(ctx, grantID, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Grant{}, apperrors.New(apperrors.CodeGrantNotFound, "grant not found")
		}
		return Grant{}, apperrors.Wrap(apperrors.CodeInternal, "revoke grant", err)
	}

	record, err = s.grants.GetGrant(ctx, grantID)
	if err != nil {
		return Grant{}, apperrors.Wrap(apperrors.CodeInternal, "load grant", err)
	}
	grant := grantFromRecord(record)

	if err := s.appendAuditEvent(ctx, "grant.revoked", userID, userID, grant.AgentID, grant.ID); err != nil {
		return Grant{}, err
	}
	return grant, nil
}

// GetGrant returns an owner's view of a grant with its derived status.
func (s *Service) GetGrant(ctx context.Context, userID string, grantID string) (Grant, error) {
	if s == nil || s.grants == nil {
		return Grant{}, apperrors.New(apperrors.CodeInternal, "vault service not initialized")
	}

	record, err := s.grants.GetGrant(ctx, grantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Grant{}, apperrors.New(apperrors.CodeGrantNotFound, "grant not found")
		}
		return Grant{}, apperrors.Wrap(apperrors.CodeInternal, "load grant", err)
	}
	if record.UserID != userID {
		return Grant{}, apperrors.New(apperrors.CodeGrantNotFound, "grant not found")
	}

	grant := grantFromRecord(record)
	grant.Status = grant.EffectiveStatus(s.now().UTC())
	return grant, nil
}

// GrantPage is a paged owner view of grants.
type GrantPage struct {
	Grants        []Grant
	NextPageToken string
}

// ListGrantsByUser lists an owner's grants with derived statuses.
func (s *Service) ListGrantsByUser(ctx context.Context, userID string, pageSize int, pageToken string) (GrantPage, error) {
	if s == nil || s.grants == nil {
		return GrantPage{}, apperrors.New(apperrors.CodeInternal, "vault service not initialized")
	}

	page, err := s.grants.ListGrantsByUser(ctx, userID, pageSize, pageToken)
	if err != nil {
		return GrantPage{}, apperrors.Wrap(apperrors.CodeInternal, "list grants", err)
	}

	now := s.now().UTC()
	grants := make([]Grant, 0, len(page.Grants))
	for _, record := range page.Grants {
		grant := grantFromRecord(record)
		grant.Status = grant.EffectiveStatus(now)
		grants = append(grants, grant)
	}
	return GrantPage{Grants: grants, NextPageToken: page.NextPageToken}, nil
}

// PutCredentialInput contains fields for storing an owner's provider
// credential.
type PutCredentialInput struct {
	UserID        string
	Provider      string
	RawCredential []byte
}

// PutCredential seals and stores an owner's provider credential, replacing
// any previous credential for the same provider.
func (s *Service) PutCredential(ctx context.Context, input PutCredentialInput) error {
	if s == nil || s.credentials == nil {
		return apperrors.New(apperrors.CodeInternal, "vault service not initialized")
	}

	if input.UserID == "" {
		return apperrors.New(apperrors.CodeInvalidRequest, "user id is required")
	}
	spec, ok := s.providers.Lookup(input.Provider)
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeInvalidProvider, "unknown provider", map[string]string{
			"provider": input.Provider,
		})
	}
	if len(input.RawCredential) == 0 {
		return apperrors.New(apperrors.CodeInvalidRequest, "credential is required")
	}

	box, err := s.sealer.Seal(input.RawCredential)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "seal credential", err)
	}

	credentialID, err := s.idGenerator()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "generate credential id", err)
	}

	now := s.now().UTC()
	record := storage.ProviderCredentialRecord{
		ID:         credentialID,
		UserID:     input.UserID,
		Provider:   spec.ID,
		Ciphertext: box.Ciphertext,
		IV:         box.IV,
		Tag:        box.Tag,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.credentials.PutProviderCredential(ctx, record); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "store credential", err)
	}

	return s.appendAuditEvent(ctx, "credential.stored", input.UserID, input.UserID, "", spec.ID)
}

// OpenCredential loads and unseals an owner's provider credential. The
// approval flow calls this before minting a grant so denial of service on a
// missing credential surfaces to the approver, not the polling agent.
func (s *Service) OpenCredential(ctx context.Context, userID string, provider string) ([]byte, error) {
	if s == nil || s.credentials == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "vault service not initialized")
	}

	record, err := s.credentials.GetProviderCredential(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.WithMetadata(apperrors.CodeCredentialNotFound, "no credential stored for provider", map[string]string{
				"provider": provider,
			})
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "load credential", err)
	}

	credential, err := s.sealer.Open(secret.Box{
		Ciphertext: record.Ciphertext,
		IV:         record.IV,
		Tag:        record.Tag,
	})
	if err != nil {
		log.Printf("vault: decryption failed for credential %s/%s: %v", userID, provider, err)
		return nil, apperrors.New(apperrors.CodeDecryptionFailed, "credential cannot be decrypted")
	}
	return credential, nil
}

// DeleteCredential removes an owner's provider credential. Existing grants
// already sealed their own copy and are unaffected.
func (s *Service) DeleteCredential(ctx context.Context, userID string, provider string) error {
	if s == nil || s.credentials == nil {
		return apperrors.New(apperrors.CodeInternal, "vault service not initialized")
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	if err := s.credentials.DeleteProviderCredential(ctx, userID, provider); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeCredentialNotFound, "no credential stored for provider", map[string]string{
				"provider": provider,
			})
		}
		return apperrors.Wrap(apperrors.CodeInternal, "delete credential", err)
	}

	return s.appendAuditEvent(ctx, "credential.deleted", userID, userID, "", provider)
}

// Providers lists the registered provider specs.
func (s *Service) Providers() []ProviderSpec {
	if s == nil {
		return nil
	}
	return s.providers.List()
}

func (s *Service) appendAuditEvent(ctx context.Context, eventName, actorID, userID, clientID, subjectID string) error {
	event := storage.AuditEventRecord{
		EventName: eventName,
		ActorID:   actorID,
		UserID:    userID,
		ClientID:  clientID,
		SubjectID: subjectID,
		Outcome:   "success",
		CreatedAt: s.now().UTC(),
	}
	if err := s.audit.PutAuditEvent(ctx, event); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "append audit event", err)
	}
	return nil
}

func grantToRecord(grant Grant) storage.GrantRecord {
	return storage.GrantRecord{
		ID:        grant.ID,
		UserID:    grant.UserID,
		AgentID:   grant.AgentID,
		Provider:  grant.Provider,
		Scopes:    grant.Scopes,
		Status:    string(grant.Status),
		ExpiresAt: grant.ExpiresAt,
		RevokedAt: grant.RevokedAt,
		CreatedAt: grant.CreatedAt,
		UpdatedAt: grant.UpdatedAt,
	}
}

func grantFromRecord(record storage.GrantRecord) Grant {
	return Grant{
		ID:        record.ID,
		UserID:    record.UserID,
		AgentID:   record.AgentID,
		Provider:  record.Provider,
		Scopes:    record.Scopes,
		Status:    Status(record.Status),
		ExpiresAt: record.ExpiresAt,
		RevokedAt: record.RevokedAt,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}
