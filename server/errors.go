package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0, OIDC and CIBA error codes.
// The root package re-exports these so callers do not need to import server.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidRequestURI       = "invalid_request_uri"
	ErrorCodeInvalidRequestObject    = "invalid_request_object"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"

	// CIBA (OpenID Connect Client-Initiated Backchannel Authentication Core 1.0)
	ErrorCodeAuthorizationPending  = "authorization_pending"
	ErrorCodeSlowDown              = "slow_down"
	ErrorCodeExpiredToken          = "expired_token"
	ErrorCodeUnknownUserID         = "unknown_user_id"
	ErrorCodeInvalidUserCode       = "invalid_user_code"
	ErrorCodeMissingUserCode       = "missing_user_code"
	ErrorCodeInvalidBindingMessage = "invalid_binding_message"
)

// ErrorKind tells the HTTP layer how to render an OAuthError.
type ErrorKind int

const (
	// KindBadRequest is rendered as a JSON error body
	KindBadRequest ErrorKind = iota
	// KindRedirectableBadRequest is sent back to the client's redirect_uri
	KindRedirectableBadRequest
	// KindClientUnauthorized is a failed client authentication (401)
	KindClientUnauthorized
	// KindInvalidGrant is a rejected grant at the token endpoint
	KindInvalidGrant
	// KindUnsupportedGrant is a grant type the server or client does not allow
	KindUnsupportedGrant
	// KindServerError is an internal failure; details stay in the logs
	KindServerError
	// KindPolling is an expected CIBA poll outcome such as authorization_pending
	KindPolling
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindRedirectableBadRequest:
		return "redirectable_bad_request"
	case KindClientUnauthorized:
		return "client_unauthorized"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindUnsupportedGrant:
		return "unsupported_grant"
	case KindServerError:
		return "server_error"
	case KindPolling:
		return "polling"
	}
	return "unknown"
}

// OAuthError is a protocol error produced by the engine.
type OAuthError struct {
	Kind        ErrorKind
	Code        string
	Description string
	Status      int

	// Set for KindRedirectableBadRequest
	RedirectURI  string
	State        string
	ResponseMode string

	// Set for KindClientUnauthorized
	Method   string
	ClientID string

	// Err is the internal cause. It is logged, never sent to the client.
	Err error
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the internal cause
func (e *OAuthError) Unwrap() error {
	return e.Err
}

// IsRedirectable reports whether the error must be delivered to the redirect_uri
func (e *OAuthError) IsRedirectable() bool {
	return e.Kind == KindRedirectableBadRequest && e.RedirectURI != ""
}

// WithRedirect returns a redirectable copy of e.
func (e *OAuthError) WithRedirect(redirectURI, state, responseMode string) *OAuthError {
	c := *e
	c.Kind = KindRedirectableBadRequest
	c.RedirectURI = redirectURI
	c.State = state
	c.ResponseMode = responseMode
	return &c
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(kind ErrorKind, code, description string, status int) *OAuthError {
	return &OAuthError{
		Kind:        kind,
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsOAuthError returns err as an OAuthError. Errors that are not protocol
// errors become server_error.
func AsOAuthError(err error) *OAuthError {
	if err == nil {
		return nil
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError("internal error", err)
}

// IsPollingOutcome reports whether err is an expected CIBA poll result
func IsPollingOutcome(err error) bool {
	var oauthErr *OAuthError
	return errors.As(err, &oauthErr) && oauthErr.Kind == KindPolling
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates the client is unknown or disabled
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(KindClientUnauthorized, ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates the code, refresh token or auth_req_id is invalid
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(KindInvalidGrant, ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope is invalid
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the presented access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the access token lacks a required scope
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrUnauthorizedClient indicates the client may not use the requested feature
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not enabled
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(KindUnsupportedGrant, ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates the response type is not enabled
	ErrUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrInvalidRequestURI indicates the request_uri is unregistered or could not be fetched
	ErrInvalidRequestURI = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeInvalidRequestURI, desc, http.StatusBadRequest)
	}

	// ErrInvalidRequestObject indicates the request object is invalid
	ErrInvalidRequestObject = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeInvalidRequestObject, desc, http.StatusBadRequest)
	}

	// ErrTenantNotFound indicates the tenant in the request path is unknown
	ErrTenantNotFound = func(tenantID string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeInvalidRequest, fmt.Sprintf("unknown tenant %q", tenantID), http.StatusNotFound)
	}

	// CIBA request errors

	ErrUnknownUserID = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeUnknownUserID, desc, http.StatusBadRequest)
	}
	ErrInvalidUserCode = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeInvalidUserCode, desc, http.StatusBadRequest)
	}
	ErrMissingUserCode = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeMissingUserCode, desc, http.StatusBadRequest)
	}
	ErrInvalidBindingMessage = func(desc string) *OAuthError {
		return NewOAuthError(KindBadRequest, ErrorCodeInvalidBindingMessage, desc, http.StatusBadRequest)
	}

	// CIBA poll outcomes

	ErrAuthorizationPending = func() *OAuthError {
		return NewOAuthError(KindPolling, ErrorCodeAuthorizationPending, "the authorization request is still pending", http.StatusBadRequest)
	}
	ErrSlowDown = func() *OAuthError {
		return NewOAuthError(KindPolling, ErrorCodeSlowDown, "polling too frequently", http.StatusBadRequest)
	}
	ErrExpiredToken = func() *OAuthError {
		return NewOAuthError(KindPolling, ErrorCodeExpiredToken, "the auth_req_id has expired", http.StatusBadRequest)
	}
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(KindPolling, ErrorCodeAccessDenied, desc, http.StatusBadRequest)
	}
)

// ErrClientUnauthorized is a failed client authentication. reason is kept
// internal; the client only sees a generic description.
func ErrClientUnauthorized(method, clientID, reason string) *OAuthError {
	return &OAuthError{
		Kind:        KindClientUnauthorized,
		Code:        ErrorCodeInvalidClient,
		Description: "client authentication failed",
		Status:      http.StatusUnauthorized,
		Method:      method,
		ClientID:    clientID,
		Err:         errors.New(reason),
	}
}

// ErrServerError wraps an internal failure
func ErrServerError(desc string, err error) *OAuthError {
	return &OAuthError{
		Kind:        KindServerError,
		Code:        ErrorCodeServerError,
		Description: desc,
		Status:      http.StatusInternalServerError,
		Err:         err,
	}
}
