package oauth

import (
	"github.com/giantswarm/idp-oauth/server"
)

// OAuth 2.0, OIDC and CIBA error codes
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidRequestURI       = server.ErrorCodeInvalidRequestURI
	ErrorCodeInvalidRequestObject    = server.ErrorCodeInvalidRequestObject
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError

	ErrorCodeAuthorizationPending  = server.ErrorCodeAuthorizationPending
	ErrorCodeSlowDown              = server.ErrorCodeSlowDown
	ErrorCodeExpiredToken          = server.ErrorCodeExpiredToken
	ErrorCodeUnknownUserID         = server.ErrorCodeUnknownUserID
	ErrorCodeInvalidUserCode       = server.ErrorCodeInvalidUserCode
	ErrorCodeMissingUserCode       = server.ErrorCodeMissingUserCode
	ErrorCodeInvalidBindingMessage = server.ErrorCodeInvalidBindingMessage
)

// OAuthError is a protocol error. See server.OAuthError.
type OAuthError = server.OAuthError

// ErrorKind selects how an OAuthError is rendered
type ErrorKind = server.ErrorKind

// Error kinds
const (
	KindBadRequest             = server.KindBadRequest
	KindRedirectableBadRequest = server.KindRedirectableBadRequest
	KindClientUnauthorized     = server.KindClientUnauthorized
	KindInvalidGrant           = server.KindInvalidGrant
	KindUnsupportedGrant       = server.KindUnsupportedGrant
	KindServerError            = server.KindServerError
	KindPolling                = server.KindPolling
)

// Common OAuth errors
var (
	ErrInvalidRequest       = server.ErrInvalidRequest
	ErrInvalidClient        = server.ErrInvalidClient
	ErrInvalidGrant         = server.ErrInvalidGrant
	ErrInvalidScope         = server.ErrInvalidScope
	ErrInvalidToken         = server.ErrInvalidToken
	ErrUnauthorizedClient   = server.ErrUnauthorizedClient
	ErrUnsupportedGrantType = server.ErrUnsupportedGrantType
	ErrAccessDenied         = server.ErrAccessDenied
	ErrServerError          = server.ErrServerError
)

// NewOAuthError creates a new OAuth error
func NewOAuthError(kind ErrorKind, code, description string, status int) *OAuthError {
	return server.NewOAuthError(kind, code, description, status)
}

// AsOAuthError returns err as an OAuthError; other errors become server_error
func AsOAuthError(err error) *OAuthError {
	return server.AsOAuthError(err)
}
