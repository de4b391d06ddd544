package backchannel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	apperrors "github.com/latchwell/countersign/internal/platform/errors"
	"github.com/latchwell/countersign/internal/platform/id"
	"github.com/latchwell/countersign/internal/secret"
	"github.com/latchwell/countersign/internal/storage"
	"github.com/latchwell/countersign/internal/vault"
)

// GrantMinter is the slice of the vault the engine needs: opening the
// owner's stored provider credential and minting the grant an approval
// produces.
type GrantMinter interface {
	OpenCredential(ctx context.Context, userID string, provider string) ([]byte, error)
	CreateGrant(ctx context.Context, input vault.CreateInput) (vault.Grant, error)
}

// Engine orchestrates the backchannel authorization flow across the request
// store, the client registry, and the vault.
type Engine struct {
	requests  storage.BackchannelRequestStore
	users     storage.UserStore
	audit     storage.AuditEventStore
	vault     GrantMinter
	clients   *ClientRegistry
	providers *vault.ProviderRegistry

	grantTTL             time.Duration
	ignoreThrottledPolls bool

	now             func() time.Time
	idGenerator     func() (string, error)
	handleGenerator func() (string, error)
}

// EngineConfig contains dependencies for the engine.
type EngineConfig struct {
	Requests  storage.BackchannelRequestStore
	Users     storage.UserStore
	Audit     storage.AuditEventStore
	Vault     GrantMinter
	Clients   *ClientRegistry
	Providers *vault.ProviderRegistry

	// GrantTTL bounds the lifetime of grants minted on approval. Zero
	// selects the vault default.
	GrantTTL time.Duration

	// IgnoreThrottledPolls leaves the poll timestamp untouched when a poll
	// arrives inside the minimum interval. The zero value records every
	// poll, so a client that keeps polling too fast stays throttled until
	// it backs off for a full interval.
	IgnoreThrottledPolls bool

	Now             func() time.Time
	IDGenerator     func() (string, error)
	HandleGenerator func() (string, error)
}

// NewEngine creates a backchannel engine.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Requests == nil {
		return nil, fmt.Errorf("request store is required")
	}
	if config.Users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if config.Audit == nil {
		return nil, fmt.Errorf("audit event store is required")
	}
	if config.Vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if config.Clients == nil {
		return nil, fmt.Errorf("client registry is required")
	}
	if config.Providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if config.GrantTTL < 0 {
		return nil, fmt.Errorf("grant ttl must not be negative")
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}
	idGenerator := config.IDGenerator
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	handleGenerator := config.HandleGenerator
	if handleGenerator == nil {
		handleGenerator = secret.NewHandle
	}

	return &Engine{
		requests:             config.Requests,
		users:                config.Users,
		audit:                config.Audit,
		vault:                config.Vault,
		clients:              config.Clients,
		providers:            config.Providers,
		grantTTL:             config.GrantTTL,
		ignoreThrottledPolls: config.IgnoreThrottledPolls,
		now:                  now,
		idGenerator:          idGenerator,
		handleGenerator:      handleGenerator,
	}, nil
}

// InitiateRequest contains the authenticated client's initiation input.
type InitiateRequest struct {
	ClientID       string
	ClientSecret   string
	LoginHint      string
	Scopes         []string
	BindingMessage string
	TTL            time.Duration
}

// InitiateResult is handed back to the initiating client. Handle is the
// opaque bearer credential for polling and the only identifier the client
// ever sees.
type InitiateResult struct {
	Handle       string
	PollInterval time.Duration
	ExpiresAt    time.Time
}

// Initiate starts a backchannel authorization request on behalf of an
// authenticated client and parks it pending owner resolution.
func (e *Engine) Initiate(ctx context.Context, input InitiateRequest) (InitiateResult, error) {
	if e == nil || e.requests == nil {
		return InitiateResult{}, apperrors.New(apperrors.CodeInternal, "backchannel engine not initialized")
	}

	clientSpec, ok := e.clients.Authenticate(input.ClientID, input.ClientSecret)
	if !ok {
		return InitiateResult{}, apperrors.New(apperrors.CodeUnauthorizedClient, "unknown client or bad credentials")
	}

	scopes, err := NormalizeScopes(input.Scopes)
	if err != nil {
		return InitiateResult{}, apperrors.Wrap(apperrors.CodeInvalidScopes, "invalid scopes", err)
	}
	if _, ok := e.providers.Lookup(clientSpec.Provider); !ok {
		return InitiateResult{}, apperrors.WithMetadata(apperrors.CodeInvalidProvider, "client provider is not registered", map[string]string{
			"provider": clientSpec.Provider,
		})
	}
	if !e.providers.RecognizesScopes(clientSpec.Provider, scopes) {
		return InitiateResult{}, apperrors.WithMetadata(apperrors.CodeInvalidScopes, "scopes not recognized by provider", map[string]string{
			"provider": clientSpec.Provider,
		})
	}

	user, err := e.users.ResolveUserByHint(ctx, input.LoginHint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return InitiateResult{}, apperrors.New(apperrors.CodeUserNotFound, "unknown user")
		}
		return InitiateResult{}, apperrors.Wrap(apperrors.CodeInternal, "resolve user", err)
	}

	request, handle, err := Create(InitiateInput{
		ClientID:       clientSpec.ID,
		UserID:         user.ID,
		Scopes:         scopes,
		BindingMessage: input.BindingMessage,
		TTL:            input.TTL,
	}, e.now, e.idGenerator, e.handleGenerator)
	if err != nil {
		return InitiateResult{}, apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid authorization request", err)
	}

	if err := e.requests.CreateBackchannelRequest(ctx, requestToRecord(request)); err != nil {
		return InitiateResult{}, apperrors.Wrap(apperrors.CodeInternal, "store authorization request", err)
	}

	if err := e.appendAuditEvent(ctx, "backchannel.initiated", clientSpec.ID, user.ID, clientSpec.ID, request.ID); err != nil {
		return InitiateResult{}, err
	}

	return InitiateResult{
		Handle:       handle,
		PollInterval: request.PollInterval,
		ExpiresAt:    request.ExpiresAt,
	}, nil
}

// Verify returns the owner's view of a pending-or-resolved request so the
// approval surface can render scopes and the binding message. The caller
// proves possession of the handle; a request owned by someone else reads as
// not found.
func (e *Engine) Verify(ctx context.Context, handle string, callerUserID string) (Request, error) {
	if e == nil || e.requests == nil {
		return Request{}, apperrors.New(apperrors.CodeInternal, "backchannel engine not initialized")
	}

	request, err := e.loadByHandle(ctx, handle)
	if err != nil {
		return Request{}, err
	}
	if callerUserID == "" || request.UserID != callerUserID {
		return Request{}, apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
	}

	now := e.now().UTC()
	if request.EffectiveStatus(now) == StatusExpired {
		e.persistRequestExpiry(ctx, request, now)
		return Request{}, apperrors.New(apperrors.CodeGrantExpired, "authorization request has expired")
	}
	return request, nil
}

// ApproveResult reports a successful approval.
type ApproveResult struct {
	Request Request
	GrantID string
}

// Approve resolves a pending request in the owner's favor and mints the
// grant. The grant ID is generated up front and bound to the request in the
// same conditional write that decides the approval race, so at most one
// grant can ever be associated with a request.
func (e *Engine) Approve(ctx context.Context, handle string, callerUserID string) (ApproveResult, error) {
	if e == nil || e.requests == nil {
		return ApproveResult{}, apperrors.New(apperrors.CodeInternal, "backchannel engine not initialized")
	}

	request, err := e.loadByHandle(ctx, handle)
	if err != nil {
		return ApproveResult{}, err
	}
	if callerUserID == "" || request.UserID != callerUserID {
		return ApproveResult{}, apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
	}

	now := e.now().UTC()
	if request.EffectiveStatus(now) == StatusExpired {
		e.persistRequestExpiry(ctx, request, now)
		return ApproveResult{}, apperrors.New(apperrors.CodeGrantExpired, "authorization request has expired")
	}
	if request.Status != StatusPending {
		return ApproveResult{}, apperrors.WithMetadata(apperrors.CodeInvalidState, "authorization request already resolved", map[string]string{
			"status": string(request.Status),
		})
	}

	clientSpec, ok := e.clients.Lookup(request.ClientID)
	if !ok {
		return ApproveResult{}, apperrors.New(apperrors.CodeUnauthorizedClient, "initiating client is no longer registered")
	}

	// Opening the credential before the transition means a missing or
	// damaged credential surfaces to the approver while the request is
	// still pending, not to the polling client after it resolved.
	credential, err := e.vault.OpenCredential(ctx, request.UserID, clientSpec.Provider)
	if err != nil {
		return ApproveResult{}, err
	}

	grantID, err := e.idGenerator()
	if err != nil {
		return ApproveResult{}, apperrors.Wrap(apperrors.CodeInternal, "generate grant id", err)
	}

	if err := e.requests.ApproveBackchannelRequest(ctx, request.ID, grantID, now); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return ApproveResult{}, e.resolutionConflict(ctx, request.ID, now)
		case errors.Is(err, storage.ErrNotFound):
			return ApproveResult{}, apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
		default:
			return ApproveResult{}, apperrors.Wrap(apperrors.CodeInternal, "approve authorization request", err)
		}
	}

	grant, err := e.vault.CreateGrant(ctx, vault.CreateInput{
		ID:            grantID,
		UserID:        request.UserID,
		AgentID:       clientSpec.AgentID,
		Provider:      clientSpec.Provider,
		Scopes:        request.Scopes,
		RawCredential: credential,
		TTL:           e.grantTTL,
	})
	if err != nil {
		// The request is already approved with the grant ID bound. A
		// failure here leaves it redeemable only once the grant exists, so
		// make the gap loud.
		log.Printf("backchannel: grant %s for request %s failed to mint: %v", grantID, request.ID, err)
		return ApproveResult{}, err
	}

	if err := e.appendAuditEvent(ctx, "backchannel.approved", callerUserID, request.UserID, request.ClientID, request.ID); err != nil {
		return ApproveResult{}, err
	}

	request.Status = StatusApproved
	request.ApprovedAt = &now
	request.GrantID = grant.ID
	request.UpdatedAt = now
	return ApproveResult{Request: request, GrantID: grant.ID}, nil
}

// Deny resolves a pending request against the client. Denial is terminal
// and mints nothing.
func (e *Engine) Deny(ctx context.Context, handle string, callerUserID string) (Request, error) {
	if e == nil || e.requests == nil {
		return Request{}, apperrors.New(apperrors.CodeInternal, "backchannel engine not initialized")
	}

	request, err := e.loadByHandle(ctx, handle)
	if err != nil {
		return Request{}, err
	}
	if callerUserID == "" || request.UserID != callerUserID {
		return Request{}, apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
	}

	now := e.now().UTC()
	if request.EffectiveStatus(now) == StatusExpired {
		e.persistRequestExpiry(ctx, request, now)
		return Request{}, apperrors.New(apperrors.CodeGrantExpired, "authorization request has expired")
	}
	if request.Status != StatusPending {
		return Request{}, apperrors.WithMetadata(apperrors.CodeInvalidState, "authorization request already resolved", map[string]string{
			"status": string(request.Status),
		})
	}

	if err := e.requests.DenyBackchannelRequest(ctx, request.ID, now); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return Request{}, e.resolutionConflict(ctx, request.ID, now)
		case errors.Is(err, storage.ErrNotFound):
			return Request{}, apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
		default:
			return Request{}, apperrors.Wrap(apperrors.CodeInternal, "deny authorization request", err)
		}
	}

	if err := e.appendAuditEvent(ctx, "backchannel.denied", callerUserID, request.UserID, request.ClientID, request.ID); err != nil {
		return Request{}, err
	}

	request.Status = StatusDenied
	request.DeniedAt = &now
	request.UpdatedAt = now
	return request, nil
}

// RedeemInput identifies a redemption poll by the handle-holding client.
type RedeemInput struct {
	Handle       string
	ClientID     string
	ClientSecret string
}

// RedeemResult reports a successful redemption poll.
type RedeemResult struct {
	Request  Request
	GrantID  string
	AgentID  string
	Provider string
}

// Redeem is the client's polling call. Poll pacing is checked before
// anything else and the poll timestamp is recorded best-effort; a stale or
// failed timestamp write degrades throttling, never correctness. Redeeming
// an approved request is idempotent and always yields the same grant ID.
func (e *Engine) Redeem(ctx context.Context, input RedeemInput) (RedeemResult, error) {
	if e == nil || e.requests == nil {
		return RedeemResult{}, apperrors.New(apperrors.CodeInternal, "backchannel engine not initialized")
	}

	clientSpec, ok := e.clients.Authenticate(input.ClientID, input.ClientSecret)
	if !ok {
		return RedeemResult{}, apperrors.New(apperrors.CodeUnauthorizedClient, "unknown client or bad credentials")
	}

	request, err := e.loadByHandle(ctx, input.Handle)
	if err != nil {
		return RedeemResult{}, err
	}
	if request.ClientID != clientSpec.ID {
		// A handle initiated by another client reveals nothing.
		return RedeemResult{}, apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
	}

	now := e.now().UTC()
	throttled := Throttled(request.LastPolledAt, request.PollInterval, now)

	if !throttled || !e.ignoreThrottledPolls {
		if err := e.requests.TouchBackchannelRequestPoll(ctx, request.ID, now); err != nil {
			log.Printf("backchannel: record poll for request %s: %v", request.ID, err)
		}
	}
	if throttled {
		retry := RetryAfter(request.LastPolledAt, request.PollInterval, now)
		seconds := int64(retry / time.Second)
		if retry%time.Second != 0 {
			seconds++
		}
		return RedeemResult{}, apperrors.WithMetadata(apperrors.CodeSlowDown, "polling faster than the advertised interval", map[string]string{
			"retry_after_seconds": strconv.FormatInt(seconds, 10),
		})
	}

	switch request.EffectiveStatus(now) {
	case StatusExpired:
		if request.Status == StatusPending {
			e.persistRequestExpiry(ctx, request, now)
		}
		return RedeemResult{}, apperrors.New(apperrors.CodeGrantExpired, "authorization request has expired")
	case StatusDenied:
		return RedeemResult{}, apperrors.New(apperrors.CodeAccessDenied, "owner denied the request")
	case StatusPending:
		return RedeemResult{}, apperrors.New(apperrors.CodeAuthorizationPending, "authorization pending")
	}

	if request.GrantID == "" {
		return RedeemResult{}, apperrors.New(apperrors.CodeInternal, "approved request has no grant")
	}

	if err := e.appendAuditEvent(ctx, "backchannel.redeemed", clientSpec.ID, request.UserID, clientSpec.ID, request.ID); err != nil {
		return RedeemResult{}, err
	}
	return RedeemResult{
		Request:  request,
		GrantID:  request.GrantID,
		AgentID:  clientSpec.AgentID,
		Provider: clientSpec.Provider,
	}, nil
}

// ClientInfo exposes a registered client's display attributes for approval
// surfaces.
func (e *Engine) ClientInfo(clientID string) (ClientSpec, bool) {
	if e == nil {
		return ClientSpec{}, false
	}
	return e.clients.Lookup(clientID)
}

// RequestPage is a paged owner view of backchannel requests.
type RequestPage struct {
	Requests      []Request
	NextPageToken string
}

// ListRequests lists an owner's requests newest-last with derived statuses.
// This is a visibility surface; resolving a request still requires the
// handle.
func (e *Engine) ListRequests(ctx context.Context, userID string, pageSize int, pageToken string) (RequestPage, error) {
	if e == nil || e.requests == nil {
		return RequestPage{}, apperrors.New(apperrors.CodeInternal, "backchannel engine not initialized")
	}

	page, err := e.requests.ListBackchannelRequestsByUser(ctx, userID, pageSize, pageToken)
	if err != nil {
		return RequestPage{}, apperrors.Wrap(apperrors.CodeInternal, "list authorization requests", err)
	}

	now := e.now().UTC()
	requests := make([]Request, 0, len(page.Requests))
	for _, record := range page.Requests {
		request := requestFromRecord(record)
		request.Status = request.EffectiveStatus(now)
		requests = append(requests, request)
	}
	return RequestPage{Requests: requests, NextPageToken: page.NextPageToken}, nil
}

// ListAuditEvents lists an owner's audit trail.
func (e *Engine) ListAuditEvents(ctx context.Context, userID string, pageSize int, pageToken string) (storage.AuditEventPage, error) {
	if e == nil || e.audit == nil {
		return storage.AuditEventPage{}, apperrors.New(apperrors.CodeInternal, "backchannel engine not initialized")
	}

	page, err := e.audit.ListAuditEventsByUser(ctx, userID, pageSize, pageToken)
	if err != nil {
		return storage.AuditEventPage{}, apperrors.Wrap(apperrors.CodeInternal, "list audit events", err)
	}
	return page, nil
}

// PurgeExpired deletes request rows whose expiry passed before now minus
// retainFor. Correctness never depends on this running; it only keeps the
// table from growing without bound.
func (e *Engine) PurgeExpired(ctx context.Context, retainFor time.Duration) (int64, error) {
	if e == nil || e.requests == nil {
		return 0, apperrors.New(apperrors.CodeInternal, "backchannel engine not initialized")
	}
	if retainFor < 0 {
		retainFor = 0
	}

	cutoff := e.now().UTC().Add(-retainFor)
	purged, err := e.requests.PurgeBackchannelRequests(ctx, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, "purge authorization requests", err)
	}
	return purged, nil
}

// loadByHandle resolves an opaque handle to its request. Lookup goes through
// the digest; the stored digest is still compared in constant time before
// the record is trusted.
func (e *Engine) loadByHandle(ctx context.Context, handle string) (Request, error) {
	if handle == "" {
		return Request{}, apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
	}

	requestDigest := secret.DigestString(handle)
	record, err := e.requests.GetBackchannelRequestByDigest(ctx, requestDigest)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Request{}, apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
		}
		return Request{}, apperrors.Wrap(apperrors.CodeInternal, "load authorization request", err)
	}
	if !secret.ConstantTimeEquals([]byte(requestDigest), []byte(record.RequestDigest)) {
		return Request{}, apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
	}
	return requestFromRecord(record), nil
}

// resolutionConflict re-derives the outcome after losing a transition race:
// the stored row moved, so report what it moved to.
func (e *Engine) resolutionConflict(ctx context.Context, requestID string, now time.Time) error {
	record, err := e.requests.GetBackchannelRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeGrantNotFound, "authorization request not found")
		}
		return apperrors.Wrap(apperrors.CodeInternal, "load authorization request", err)
	}

	request := requestFromRecord(record)
	if request.EffectiveStatus(now) == StatusExpired {
		return apperrors.New(apperrors.CodeGrantExpired, "authorization request has expired")
	}
	return apperrors.WithMetadata(apperrors.CodeInvalidState, "authorization request already resolved", map[string]string{
		"status": string(request.Status),
	})
}

// persistRequestExpiry lazily records a derived expiry. Losing the write is
// fine: expiry is re-derived from the deadline on every read.
func (e *Engine) persistRequestExpiry(ctx context.Context, request Request, now time.Time) {
	if request.Status != StatusPending {
		return
	}
	err := e.requests.ExpireBackchannelRequest(ctx, request.ID, now)
	if err != nil && !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("backchannel: persist expiry for request %s: %v", request.ID, err)
	}
}

func (e *Engine) appendAuditEvent(ctx context.Context, eventName, actorID, userID, clientID, subjectID string) error {
	event := storage.AuditEventRecord{
		EventName: eventName,
		ActorID:   actorID,
		UserID:    userID,
		ClientID:  clientID,
		SubjectID: subjectID,
		Outcome:   "success",
		CreatedAt: e.now().UTC(),
	}
	if err := e.audit.PutAuditEvent(ctx, event); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "append audit event", err)
	}
	return nil
}

func requestToRecord(request Request) storage.BackchannelRequestRecord {
	return storage.BackchannelRequestRecord{
		ID:             request.ID,
		RequestDigest:  request.RequestDigest,
		ClientID:       request.ClientID,
		UserID:         request.UserID,
		Scopes:         request.Scopes,
		BindingMessage: request.BindingMessage,
		Status:         string(request.Status),
		PollInterval:   int64(request.PollInterval / time.Second),
		ExpiresAt:      request.ExpiresAt,
		LastPolledAt:   request.LastPolledAt,
		ApprovedAt:     request.ApprovedAt,
		DeniedAt:       request.DeniedAt,
		GrantID:        request.GrantID,
		CreatedAt:      request.CreatedAt,
		UpdatedAt:      request.UpdatedAt,
	}
}

func requestFromRecord(record storage.BackchannelRequestRecord) Request {
	return Request{
		ID:             record.ID,
		RequestDigest:  record.RequestDigest,
		ClientID:       record.ClientID,
		UserID:         record.UserID,
		Scopes:         record.Scopes,
		BindingMessage: record.BindingMessage,
		Status:         Status(record.Status),
		PollInterval:   time.Duration(record.PollInterval) * time.Second,
		ExpiresAt:      record.ExpiresAt,
		LastPolledAt:   record.LastPolledAt,
		ApprovedAt:     record.ApprovedAt,
		DeniedAt:       record.DeniedAt,
		GrantID:        record.GrantID,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}
