package oauth

import (
	"time"

	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage"
)

// Endpoint paths below the tenant prefix. A tenant issuer of
// https://idp.example.com/acme serves its token endpoint at
// https://idp.example.com/acme/token.
const (
	EndpointAuthorize             = "/authorize"
	EndpointToken                 = "/token"
	EndpointIntrospect            = "/introspect"
	EndpointRevoke                = "/revoke"
	EndpointUserinfo              = "/userinfo"
	EndpointJWKS                  = "/jwks"
	EndpointBackchannelAuthorize  = "/bc-authorize"
	EndpointOpenIDConfiguration   = "/.well-known/openid-configuration"
	EndpointAuthorizationMetadata = "/.well-known/oauth-authorization-server"
)

// ErrorResponse is the JSON body of an error (RFC 6749 section 5.2)
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationRequestResponse is returned for an accepted authorization
// request. The host continues the interactive step with ID.
type AuthorizationRequestResponse struct {
	ID        string          `json:"id"`
	Profile   storage.Profile `json:"profile"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Responses of the engine, re-exported for hosts that only import this package
type (
	TokenResponse         = server.TokenResponse
	IntrospectionResponse = server.IntrospectionResponse
	BackchannelResponse   = server.BackchannelResponse
	ServerMetadata        = server.ServerMetadata
	AuthorizationResponse = server.AuthorizationResponse
)

// Delegates connect the HTTP endpoints to the host's user directory.
// A nil delegate makes the endpoints that need it fail with server_error,
// except Password, whose absence disables the password grant.
type Delegates struct {
	Ciba     server.CibaRequestDelegate
	Userinfo server.UserinfoDelegate
	Password server.PasswordDelegate
}
