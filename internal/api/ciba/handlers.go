package ciba

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/latchwell/countersign/internal/backchannel"
	apperrors "github.com/latchwell/countersign/internal/platform/errors"
	"github.com/latchwell/countersign/internal/token"
	"github.com/latchwell/countersign/internal/vault"
)

// cibaGrantType is the only grant type the token endpoint accepts.
const cibaGrantType = "urn:openid:params:grant-type:ciba"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type initiateResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
	GrantID     string `json:"grant_id"`
}

type verifyResponse struct {
	AuthReqID      string    `json:"auth_req_id"`
	ClientID       string    `json:"client_id"`
	ClientName     string    `json:"client_name,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Scopes         []string  `json:"scopes"`
	BindingMessage string    `json:"binding_message,omitempty"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type resolveResponse struct {
	Status  string `json:"status"`
	GrantID string `json:"grant_id,omitempty"`
}

type requestView struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	Scopes         []string  `json:"scopes"`
	BindingMessage string    `json:"binding_message,omitempty"`
	Status         string    `json:"status"`
	GrantID        string    `json:"grant_id,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type listRequestsResponse struct {
	Requests      []requestView `json:"requests"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

type auditEventView struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	ActorID   string    `json:"actor_id"`
	ClientID  string    `json:"client_id,omitempty"`
	SubjectID string    `json:"subject_id"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

type listAuditEventsResponse struct {
	Events        []auditEventView `json:"events"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type putCredentialRequest struct {
	Provider   string `json:"provider"`
	Credential string `json:"credential"`
}

type credentialResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

type grantView struct {
	GrantID   string     `json:"grant_id"`
	AgentID   string     `json:"agent_id"`
	Provider  string     `json:"provider"`
	Scopes    []string   `json:"scopes"`
	Status    string     `json:"status"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type listGrantsResponse struct {
	Grants        []grantView `json:"grants"`
	NextPageToken string      `json:"next_page_token,omitempty"`
}

type revokeResponse struct {
	Status    string     `json:"status"`
	GrantID   string     `json:"grant_id"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

type redeemGrantRequest struct {
	Scopes []string `json:"scopes"`
}

type redeemGrantResponse struct {
	Credential string    `json:"credential"`
	Provider   string    `json:"provider"`
	Scopes     []string  `json:"scopes"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// handleBackchannelAuthorize starts a backchannel authorization request for
// an authenticated client. The response carries the opaque auth_req_id the
// client polls the token endpoint with.
func (s *Server) handleBackchannelAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "invalid form body")
		return
	}

	ttl := time.Duration(0)
	if raw := strings.TrimSpace(r.FormValue("requested_expiry")); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "requested_expiry must be an integer number of seconds")
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}

	result, err := s.engine.Initiate(r.Context(), backchannel.InitiateRequest{
		ClientID:       r.FormValue("client_id"),
		ClientSecret:   r.FormValue("client_secret"),
		LoginHint:      r.FormValue("login_hint"),
		Scopes:         strings.Fields(r.FormValue("scope")),
		BindingMessage: r.FormValue("binding_message"),
		TTL:            ttl,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, initiateResponse{
		AuthReqID: result.Handle,
		ExpiresIn: int64(result.ExpiresAt.Sub(s.clock().UTC()) / time.Second),
		Interval:  int64(result.PollInterval / time.Second),
	})
}

// handleToken is the polling endpoint. Errors use OAuth token error names so
// off-the-shelf CIBA clients can drive the retry loop.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}

	if grantType := r.FormValue("grant_type"); grantType != cibaGrantType {
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be "+cibaGrantType)
		return
	}
	authReqID := r.FormValue("auth_req_id")
	if authReqID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "auth_req_id is required")
		return
	}

	result, err := s.engine.Redeem(r.Context(), backchannel.RedeemInput{
		Handle:       authReqID,
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
	})
	if err != nil {
		writeTokenError(w, err)
		return
	}

	minted, err := s.tokens.Mint(token.MintInput{
		GrantID: result.GrantID,
		AgentID: result.AgentID,
		Scopes:  result.Request.Scopes,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to mint access token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: minted.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(minted.ExpiresAt.Sub(s.clock().UTC()) / time.Second),
		Scope:       strings.Join(result.Request.Scopes, " "),
		GrantID:     result.GrantID,
	})
}

// handleVerify shows the owner what a handle would authorize before they
// resolve it.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	authReqID := r.URL.Query().Get("auth_req_id")
	request, err := s.engine.Verify(r.Context(), authReqID, owner)
	if err != nil {
		writeAppError(w, err)
		return
	}

	view := verifyResponse{
		AuthReqID:      authReqID,
		ClientID:       request.ClientID,
		Scopes:         request.Scopes,
		BindingMessage: request.BindingMessage,
		Status:         string(request.Status),
		ExpiresAt:      request.ExpiresAt,
		CreatedAt:      request.CreatedAt,
	}
	if spec, ok := s.engine.ClientInfo(request.ClientID); ok {
		view.ClientName = spec.Name
		view.Provider = spec.Provider
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "invalid form body")
		return
	}

	result, err := s.engine.Approve(r.Context(), r.FormValue("auth_req_id"), owner)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Status: "approved", GrantID: result.GrantID})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "invalid form body")
		return
	}

	if _, err := s.engine.Deny(r.Context(), r.FormValue("auth_req_id"), owner); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Status: "denied"})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	pageSize, err := parsePageSize(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	page, err := s.engine.ListRequests(r.Context(), owner, pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	views := make([]requestView, 0, len(page.Requests))
	for _, request := range page.Requests {
		views = append(views, requestView{
			ID:             request.ID,
			ClientID:       request.ClientID,
			Scopes:         request.Scopes,
			BindingMessage: request.BindingMessage,
			Status:         string(request.Status),
			GrantID:        request.GrantID,
			ExpiresAt:      request.ExpiresAt,
			CreatedAt:      request.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, listRequestsResponse{Requests: views, NextPageToken: page.NextPageToken})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	pageSize, err := parsePageSize(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	page, err := s.engine.ListAuditEvents(r.Context(), owner, pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	views := make([]auditEventView, 0, len(page.AuditEvents))
	for _, event := range page.AuditEvents {
		views = append(views, auditEventView{
			ID:        event.ID,
			Event:     event.EventName,
			ActorID:   event.ActorID,
			ClientID:  event.ClientID,
			SubjectID: event.SubjectID,
			Outcome:   event.Outcome,
			CreatedAt: event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, listAuditEventsResponse{Events: views, NextPageToken: page.NextPageToken})
}

// handleCredentials stores or deletes the owner's provider credential. PUT
// replaces any previous credential for the provider.
func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPut:
		var body putCredentialRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "invalid json body")
			return
		}
		err := s.vault.PutCredential(r.Context(), vault.PutCredentialInput{
			UserID:        owner,
			Provider:      body.Provider,
			RawCredential: []byte(body.Credential),
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, credentialResponse{Status: "stored", Provider: body.Provider})
	case http.MethodDelete:
		provider := r.URL.Query().Get("provider")
		if err := s.vault.DeleteCredential(r.Context(), owner, provider); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, credentialResponse{Status: "deleted", Provider: provider})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
	}
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	pageSize, err := parsePageSize(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	page, err := s.vault.ListGrantsByUser(r.Context(), owner, pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	views := make([]grantView, 0, len(page.Grants))
	for _, grant := range page.Grants {
		views = append(views, grantToView(grant))
	}
	writeJSON(w, http.StatusOK, listGrantsResponse{Grants: views, NextPageToken: page.NextPageToken})
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "invalid form body")
		return
	}
	grantID := r.FormValue("grant_id")
	if grantID == "" {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "grant_id is required")
		return
	}

	grant, err := s.vault.RevokeGrant(r.Context(), owner, grantID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{Status: "revoked", GrantID: grant.ID, RevokedAt: grant.RevokedAt})
}

// handleRedeemGrant exchanges a minted access token for the sealed provider
// credential. Requested scopes default to the token's scope claim.
func (s *Server) handleRedeemGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, string(apperrors.CodeInvalidRequest), "method not allowed")
		return
	}

	rawToken, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(rawToken) == "" {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthenticated), "bearer token required")
		return
	}
	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var body redeemGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeInvalidRequest), "invalid json body")
		return
	}
	scopes := body.Scopes
	if len(scopes) == 0 {
		scopes = claims.Scopes()
	}

	redeemed, err := s.vault.RedeemGrant(r.Context(), vault.RedeemInput{
		GrantID: claims.GrantID,
		AgentID: claims.Subject,
		Scopes:  scopes,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, redeemGrantResponse{
		Credential: string(redeemed.Credential),
		Provider:   redeemed.Grant.Provider,
		Scopes:     redeemed.Grant.Scopes,
		ExpiresAt:  redeemed.Grant.ExpiresAt,
	})
}

func grantToView(grant vault.Grant) grantView {
	return grantView{
		GrantID:   grant.ID,
		AgentID:   grant.AgentID,
		Provider:  grant.Provider,
		Scopes:    grant.Scopes,
		Status:    string(grant.Status),
		ExpiresAt: grant.ExpiresAt,
		RevokedAt: grant.RevokedAt,
		CreatedAt: grant.CreatedAt,
	}
}

// requireOwner extracts the authenticated owner identity. Owner sessions are
// terminated upstream; the proxy forwards the verified subject in a header.
func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if owner == "" {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthenticated), "missing X-User-ID header")
		return "", false
	}
	return owner, true
}

func parsePageSize(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("page_size"))
	if raw == "" {
		return defaultPageSize, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size < 1 || size > maxPageSize {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "page_size must be an integer between 1 and 100")
	}
	return size, nil
}

// writeTokenError maps engine errors onto OAuth token endpoint error names.
// slow_down additionally carries a Retry-After header.
func writeTokenError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	switch appErr.Code {
	case apperrors.CodeAuthorizationPending:
		writeJSONError(w, http.StatusBadRequest, "authorization_pending", "authorization is pending owner resolution")
	case apperrors.CodeSlowDown:
		if retry := appErr.Metadata["retry_after_seconds"]; retry != "" {
			w.Header().Set("Retry-After", retry)
		}
		writeJSONError(w, http.StatusBadRequest, "slow_down", "polling faster than the advertised interval")
	case apperrors.CodeGrantExpired:
		writeJSONError(w, http.StatusBadRequest, "expired_token", "authorization request has expired")
	case apperrors.CodeAccessDenied:
		writeJSONError(w, http.StatusBadRequest, "access_denied", "owner denied the request")
	case apperrors.CodeUnauthorizedClient:
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
	case apperrors.CodeGrantNotFound:
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "unknown auth_req_id")
	case apperrors.CodeInvalidRequest:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", appErr.Message)
	default:
		writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// writeAppError renders a platform error with its mapped HTTP status.
func writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		writeJSONError(w, http.StatusInternalServerError, string(apperrors.CodeInternal), "internal error")
		return
	}
	writeJSONError(w, appErr.Code.HTTPStatus(), string(appErr.Code), appErr.Message)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}
