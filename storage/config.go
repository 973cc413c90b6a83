package storage

import (
	"slices"
	"time"
)

// Token endpoint authentication methods.
const (
	AuthMethodNone                    = "none"
	AuthMethodClientSecretBasic       = "client_secret_basic"
	AuthMethodClientSecretPost        = "client_secret_post"
	AuthMethodClientSecretJWT         = "client_secret_jwt"
	AuthMethodPrivateKeyJWT           = "private_key_jwt"
	AuthMethodTLSClientAuth           = "tls_client_auth"
	AuthMethodSelfSignedTLSClientAuth = "self_signed_tls_client_auth"
)

// Grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeCIBA              = "urn:openid:params:grant-type:ciba"
)

// CIBA token delivery modes.
const (
	DeliveryModePoll = "poll"
	DeliveryModePing = "ping"
	DeliveryModePush = "push"
)

// Access token formats.
const (
	AccessTokenFormatOpaque = "opaque"
	AccessTokenFormatJWT    = "jwt"
)

// ServerConfiguration is the per-tenant issuer configuration. Values are
// immutable snapshots; a reload produces a new value with a higher Version.
// Durations are expressed in seconds.
type ServerConfiguration struct {
	TenantID string `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Issuer   string `json:"issuer" yaml:"issuer" validate:"required,url"`
	Version  int64  `json:"version" yaml:"version"`

	AuthorizationEndpoint             string            `json:"authorization_endpoint,omitempty" yaml:"authorization_endpoint" validate:"omitempty,url"`
	TokenEndpoint                     string            `json:"token_endpoint" yaml:"token_endpoint" validate:"required,url"`
	IntrospectionEndpoint             string            `json:"introspection_endpoint,omitempty" yaml:"introspection_endpoint" validate:"omitempty,url"`
	RevocationEndpoint                string            `json:"revocation_endpoint,omitempty" yaml:"revocation_endpoint" validate:"omitempty,url"`
	UserinfoEndpoint                  string            `json:"userinfo_endpoint,omitempty" yaml:"userinfo_endpoint" validate:"omitempty,url"`
	JWKSURI                           string            `json:"jwks_uri,omitempty" yaml:"jwks_uri" validate:"omitempty,url"`
	BackchannelAuthenticationEndpoint string            `json:"backchannel_authentication_endpoint,omitempty" yaml:"backchannel_authentication_endpoint" validate:"omitempty,url"`
	MTLSEndpointAliases               map[string]string `json:"mtls_endpoint_aliases,omitempty" yaml:"mtls_endpoint_aliases"`

	ScopesSupported                        []string `json:"scopes_supported,omitempty" yaml:"scopes_supported"`
	ResponseTypesSupported                 []string `json:"response_types_supported,omitempty" yaml:"response_types_supported"`
	ResponseModesSupported                 []string `json:"response_modes_supported,omitempty" yaml:"response_modes_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported,omitempty" yaml:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported,omitempty" yaml:"token_endpoint_auth_methods_supported"`
	BackchannelTokenDeliveryModesSupported []string `json:"backchannel_token_delivery_modes_supported,omitempty" yaml:"backchannel_token_delivery_modes_supported"`
	BackchannelUserCodeParameterSupported  bool     `json:"backchannel_user_code_parameter_supported,omitempty" yaml:"backchannel_user_code_parameter_supported"`
	RequestObjectSigningAlgValuesSupported []string `json:"request_object_signing_alg_values_supported,omitempty" yaml:"request_object_signing_alg_values_supported"`

	// FAPIBaselineScopes and FAPIAdvanceScopes select the FAPI profiles
	FAPIBaselineScopes []string `json:"fapi_baseline_scopes,omitempty" yaml:"fapi_baseline_scopes"`
	FAPIAdvanceScopes  []string `json:"fapi_advance_scopes,omitempty" yaml:"fapi_advance_scopes"`

	TLSClientCertificateBoundAccessTokens bool `json:"tls_client_certificate_bound_access_tokens,omitempty" yaml:"tls_client_certificate_bound_access_tokens"`

	AccessTokenFormat          string `json:"access_token_format,omitempty" yaml:"access_token_format" validate:"omitempty,oneof=opaque jwt"`
	AuthorizationRequestTTL    int64  `json:"authorization_request_ttl,omitempty" yaml:"authorization_request_ttl" validate:"gte=0"`
	AuthorizationCodeTTL       int64  `json:"authorization_code_ttl,omitempty" yaml:"authorization_code_ttl" validate:"gte=0"`
	AccessTokenTTL             int64  `json:"access_token_ttl,omitempty" yaml:"access_token_ttl" validate:"gte=0"`
	RefreshTokenTTL            int64  `json:"refresh_token_ttl,omitempty" yaml:"refresh_token_ttl" validate:"gte=0"`
	IDTokenTTL                 int64  `json:"id_token_ttl,omitempty" yaml:"id_token_ttl" validate:"gte=0"`
	BackchannelAuthRequestTTL  int64  `json:"backchannel_auth_request_ttl,omitempty" yaml:"backchannel_auth_request_ttl" validate:"gte=0"`
	BackchannelPollingInterval int64  `json:"backchannel_polling_interval,omitempty" yaml:"backchannel_polling_interval" validate:"gte=0"`
	RotateRefreshToken         bool   `json:"rotate_refresh_token,omitempty" yaml:"rotate_refresh_token"`
	RequestObjectMaxSize       int    `json:"request_object_max_size,omitempty" yaml:"request_object_max_size" validate:"gte=0"`

	// SigningJWKS is a JWK Set (JSON) holding the tenant's private signing keys.
	// The first key is used for signing.
	SigningJWKS string `json:"signing_jwks,omitempty" yaml:"signing_jwks"`
}

// SupportsGrantType reports whether the server enables the grant type.
// An empty list enables every grant type the engine implements.
func (c *ServerConfiguration) SupportsGrantType(grantType string) bool {
	return len(c.GrantTypesSupported) == 0 || slices.Contains(c.GrantTypesSupported, grantType)
}

// SupportsResponseType reports whether the server accepts the response type.
// An empty list accepts only "code".
func (c *ServerConfiguration) SupportsResponseType(responseType string) bool {
	if len(c.ResponseTypesSupported) == 0 {
		return responseType == "code"
	}
	return containsResponseType(c.ResponseTypesSupported, responseType)
}

// SupportsResponseMode reports whether the server accepts the response mode.
func (c *ServerConfiguration) SupportsResponseMode(responseMode string) bool {
	if len(c.ResponseModesSupported) == 0 {
		return slices.Contains([]string{"query", "fragment", "form_post"}, responseMode)
	}
	return slices.Contains(c.ResponseModesSupported, responseMode)
}

// SupportsScope reports whether the scope is known to the server.
// An empty list accepts every scope.
func (c *ServerConfiguration) SupportsScope(scope string) bool {
	return len(c.ScopesSupported) == 0 || slices.Contains(c.ScopesSupported, scope)
}

// SupportsDeliveryMode reports whether the CIBA delivery mode is enabled.
func (c *ServerConfiguration) SupportsDeliveryMode(mode string) bool {
	if len(c.BackchannelTokenDeliveryModesSupported) == 0 {
		return mode == DeliveryModePoll
	}
	return slices.Contains(c.BackchannelTokenDeliveryModesSupported, mode)
}

// HasFAPIAdvanceScope reports whether any scope selects the FAPI Advance profile.
func (c *ServerConfiguration) HasFAPIAdvanceScope(scopes []string) bool {
	return containsAny(c.FAPIAdvanceScopes, scopes)
}

// HasFAPIBaselineScope reports whether any scope selects the FAPI Baseline profile.
func (c *ServerConfiguration) HasFAPIBaselineScope(scopes []string) bool {
	return containsAny(c.FAPIBaselineScopes, scopes)
}

// TokenEndpointAudiences returns every value accepted as the audience of a
// client assertion addressed to this server.
func (c *ServerConfiguration) TokenEndpointAudiences() []string {
	audiences := []string{c.Issuer, c.TokenEndpoint}
	for _, endpoint := range []string{c.IntrospectionEndpoint, c.RevocationEndpoint, c.BackchannelAuthenticationEndpoint} {
		if endpoint != "" {
			audiences = append(audiences, endpoint)
		}
	}
	for _, alias := range c.MTLSEndpointAliases {
		audiences = append(audiences, alias)
	}
	return audiences
}

func (c *ServerConfiguration) AuthorizationRequestDuration() time.Duration {
	return time.Duration(c.AuthorizationRequestTTL) * time.Second
}

func (c *ServerConfiguration) AuthorizationCodeDuration() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *ServerConfiguration) AccessTokenDuration() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *ServerConfiguration) RefreshTokenDuration() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

func (c *ServerConfiguration) IDTokenDuration() time.Duration {
	return time.Duration(c.IDTokenTTL) * time.Second
}

func (c *ServerConfiguration) BackchannelAuthRequestDuration() time.Duration {
	return time.Duration(c.BackchannelAuthRequestTTL) * time.Second
}

// ClientConfiguration is a client registration within a tenant.
type ClientConfiguration struct {
	TenantID string `json:"tenant_id" yaml:"-"`
	ClientID string `json:"client_id" yaml:"client_id" validate:"required"`
	Version  int64  `json:"version" yaml:"version"`

	// ClientSecretHash is the bcrypt hash of the client secret
	ClientSecretHash string `json:"client_secret_hash,omitempty" yaml:"client_secret_hash"`

	// JWKS is the client's public JWK Set (JSON), used for private_key_jwt,
	// signed request objects and self_signed_tls_client_auth.
	JWKS string `json:"jwks,omitempty" yaml:"jwks"`

	RedirectURIs            []string `json:"redirect_uris,omitempty" yaml:"redirect_uris" validate:"dive,url"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method" validate:"required"`
	GrantTypes              []string `json:"grant_types,omitempty" yaml:"grant_types"`
	ResponseTypes           []string `json:"response_types,omitempty" yaml:"response_types"`
	Scopes                  []string `json:"scopes,omitempty" yaml:"scopes"`
	RequestURIs             []string `json:"request_uris,omitempty" yaml:"request_uris"`

	TLSClientAuthSubjectDN                string `json:"tls_client_auth_subject_dn,omitempty" yaml:"tls_client_auth_subject_dn"`
	TLSClientCertificateBoundAccessTokens bool   `json:"tls_client_certificate_bound_access_tokens,omitempty" yaml:"tls_client_certificate_bound_access_tokens"`

	BackchannelTokenDeliveryMode          string `json:"backchannel_token_delivery_mode,omitempty" yaml:"backchannel_token_delivery_mode" validate:"omitempty,oneof=poll ping push"`
	BackchannelClientNotificationEndpoint string `json:"backchannel_client_notification_endpoint,omitempty" yaml:"backchannel_client_notification_endpoint" validate:"omitempty,url"`
	BackchannelUserCodeParameter          bool   `json:"backchannel_user_code_parameter,omitempty" yaml:"backchannel_user_code_parameter"`

	// Disabled clients exist but cannot start new flows
	Disabled bool `json:"disabled,omitempty" yaml:"disabled"`
}

// IsPublic reports whether the client does not authenticate.
func (c *ClientConfiguration) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// SupportsGrantType reports whether the client may use the grant type.
// An empty list allows only authorization_code, following OIDC registration defaults.
func (c *ClientConfiguration) SupportsGrantType(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return grantType == GrantTypeAuthorizationCode
	}
	return slices.Contains(c.GrantTypes, grantType)
}

// SupportsResponseType reports whether the client registered the response type.
func (c *ClientConfiguration) SupportsResponseType(responseType string) bool {
	if len(c.ResponseTypes) == 0 {
		return responseType == "code"
	}
	return containsResponseType(c.ResponseTypes, responseType)
}

// HasRedirectURI reports an exact match against the registered redirect URIs.
func (c *ClientConfiguration) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasRequestURI reports whether the request_uri was pre-registered.
func (c *ClientConfiguration) HasRequestURI(uri string) bool {
	return slices.Contains(c.RequestURIs, uri)
}

// AllowsScope reports whether the scope is in the client allowlist.
func (c *ClientConfiguration) AllowsScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// DeliveryMode returns the CIBA delivery mode, poll when unset.
func (c *ClientConfiguration) DeliveryMode() string {
	if c.BackchannelTokenDeliveryMode == "" {
		return DeliveryModePoll
	}
	return c.BackchannelTokenDeliveryMode
}

func containsAny(set, values []string) bool {
	for _, v := range values {
		if slices.Contains(set, v) {
			return true
		}
	}
	return false
}

// containsResponseType compares space separated response types without regard to order.
func containsResponseType(registered []string, responseType string) bool {
	want := NormalizeResponseType(responseType)
	for _, r := range registered {
		if NormalizeResponseType(r) == want {
			return true
		}
	}
	return false
}

// NormalizeResponseType sorts the space separated values of a response_type.
func NormalizeResponseType(responseType string) string {
	parts := SplitSpaceDelimited(responseType)
	slices.Sort(parts)
	return JoinSpaceDelimited(parts)
}
