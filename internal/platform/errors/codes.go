// Package errors provides structured error handling for countersign.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Grant errors
	CodeGrantNotFound Code = "GRANT_NOT_FOUND"
	CodeGrantRevoked  Code = "GRANT_REVOKED"
	CodeGrantExpired  Code = "GRANT_EXPIRED"

	// Caller identity errors
	CodeUnauthorizedAgent  Code = "UNAUTHORIZED_AGENT"
	CodeUnauthorizedClient Code = "UNAUTHORIZED_CLIENT"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"

	// Vault errors
	CodeInvalidProvider       Code = "INVALID_PROVIDER"
	CodeEncryptionKeyRequired Code = "ENCRYPTION_KEY_REQUIRED"
	CodeDecryptionFailed      Code = "DECRYPTION_FAILED"
	CodeCredentialNotFound    Code = "CREDENTIAL_NOT_FOUND"

	// Request validation errors
	CodeUserNotFound   Code = "USER_NOT_FOUND"
	CodeInvalidScopes  Code = "INVALID_SCOPES"
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// Polling protocol errors
	CodeAuthorizationPending Code = "AUTHORIZATION_PENDING"
	CodeSlowDown             Code = "SLOW_DOWN"
	CodeAccessDenied         Code = "ACCESS_DENIED"
	CodeInvalidState         Code = "INVALID_STATE"

	// Internal errors
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures and protocol retry signals
	case CodeInvalidScopes,
		CodeInvalidProvider,
		CodeInvalidRequest,
		CodeAuthorizationPending,
		CodeSlowDown:
		return http.StatusBadRequest

	// Unauthorized - caller identity missing or unverifiable
	case CodeUnauthenticated,
		CodeUnauthorizedClient:
		return http.StatusUnauthorized

	// Forbidden - identity known, action not permitted
	case CodeUnauthorizedAgent,
		CodeAccessDenied:
		return http.StatusForbidden

	// NotFound - resource missing or not visible to this caller
	case CodeGrantNotFound,
		CodeUserNotFound,
		CodeCredentialNotFound:
		return http.StatusNotFound

	// Conflict - stored state no longer allows the operation
	case CodeInvalidState:
		return http.StatusConflict

	// Gone - the resource existed but is past use
	case CodeGrantExpired,
		CodeGrantRevoked:
		return http.StatusGone

	default:
		return http.StatusInternalServerError
	}
}
