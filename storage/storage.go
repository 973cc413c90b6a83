// Package storage defines the repository interfaces used by the authorization
// engine to persist tenant configuration, authorization requests, grants and tokens.
package storage

import (
	"context"
	"time"
)

// ServerConfigurationRepository returns the per-tenant issuer configuration.
type ServerConfigurationRepository interface {
	// GetServerConfiguration returns ErrNotFound when the tenant is unknown.
	GetServerConfiguration(ctx context.Context, tenantID string) (*ServerConfiguration, error)
}

// ClientConfigurationRepository returns per-tenant client registrations.
type ClientConfigurationRepository interface {
	// GetClientConfiguration returns ErrNotFound when the client is not registered.
	GetClientConfiguration(ctx context.Context, tenantID, clientID string) (*ClientConfiguration, error)
}

// AuthorizationRequestRepository persists validated authorization requests.
// Stored requests are immutable.
type AuthorizationRequestRepository interface {
	RegisterAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error
	GetAuthorizationRequest(ctx context.Context, tenantID, id string) (*AuthorizationRequest, error)
	DeleteAuthorizationRequest(ctx context.Context, tenantID, id string) error
}

// AuthorizationCodeGrantRepository persists single-use authorization codes.
type AuthorizationCodeGrantRepository interface {
	RegisterAuthorizationCodeGrant(ctx context.Context, grant *AuthorizationCodeGrant) error

	// FindAuthorizationCodeGrant returns the grant without modifying it.
	FindAuthorizationCodeGrant(ctx context.Context, tenantID, code string) (*AuthorizationCodeGrant, error)

	// ConsumeAuthorizationCodeGrant atomically checks that the code is unused and
	// marks it used. Only one concurrent caller can succeed.
	// On ErrAlreadyUsed the stored grant is returned alongside the error so the
	// caller can react to the replay. For ErrNotFound and ErrExpired it is nil.
	ConsumeAuthorizationCodeGrant(ctx context.Context, tenantID, code string) (*AuthorizationCodeGrant, error)

	DeleteAuthorizationCodeGrant(ctx context.Context, tenantID, code string) error
}

// BackchannelAuthenticationRequestRepository persists CIBA requests.
type BackchannelAuthenticationRequestRepository interface {
	RegisterBackchannelAuthenticationRequest(ctx context.Context, req *BackchannelAuthenticationRequest) error
	FindBackchannelAuthenticationRequest(ctx context.Context, tenantID, id string) (*BackchannelAuthenticationRequest, error)
	DeleteBackchannelAuthenticationRequest(ctx context.Context, tenantID, id string) error
}

// CibaGrantRepository persists CIBA grants keyed by auth_req_id.
type CibaGrantRepository interface {
	RegisterCibaGrant(ctx context.Context, grant *CibaGrant) error
	FindCibaGrant(ctx context.Context, tenantID, authReqID string) (*CibaGrant, error)

	// UpdateCibaGrant replaces the stored grant only if its Revision still equals
	// grant.Revision, then increments the stored revision. A stale revision returns
	// ErrConcurrentModification. The returned grant carries the new revision.
	UpdateCibaGrant(ctx context.Context, grant *CibaGrant) (*CibaGrant, error)

	DeleteCibaGrant(ctx context.Context, tenantID, authReqID string) error
}

// OAuthTokenRepository persists issued tokens. Both halves of a token are
// indexed by (token issuer, value).
type OAuthTokenRepository interface {
	RegisterOAuthToken(ctx context.Context, token *OAuthToken) error
	FindOAuthTokenByAccessToken(ctx context.Context, tokenIssuer, accessToken string) (*OAuthToken, error)
	FindOAuthTokenByRefreshToken(ctx context.Context, tokenIssuer, refreshToken string) (*OAuthToken, error)

	// DeleteOAuthToken removes the access and refresh entries of the token in one
	// atomic step. It returns ErrNotFound when the token is already gone, which
	// lets concurrent refresh rotations detect that they lost.
	DeleteOAuthToken(ctx context.Context, token *OAuthToken) error
}

// JTIRepository remembers JWT identifiers until they expire.
type JTIRepository interface {
	// MarkJTIUsed records jti within scope. It returns ErrAlreadyUsed when the
	// identifier was already recorded and has not yet expired.
	MarkJTIUsed(ctx context.Context, scope, jti string, expiresAt time.Time) error
}

// Repositories bundles every repository the engine needs.
type Repositories struct {
	ServerConfigurations    ServerConfigurationRepository
	ClientConfigurations    ClientConfigurationRepository
	AuthorizationRequests   AuthorizationRequestRepository
	AuthorizationCodeGrants AuthorizationCodeGrantRepository
	BackchannelAuthRequests BackchannelAuthenticationRequestRepository
	CibaGrants              CibaGrantRepository
	OAuthTokens             OAuthTokenRepository
	JTIs                    JTIRepository
}
