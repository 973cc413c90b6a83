package server

import (
	"context"
	"slices"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/giantswarm/idp-oauth/storage"
)

// ServerMetadata is the OpenID Provider / RFC 8414 discovery document
type ServerMetadata struct {
	Issuer                                     string            `json:"issuer"`
	AuthorizationEndpoint                      string            `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                              string            `json:"token_endpoint"`
	IntrospectionEndpoint                      string            `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                         string            `json:"revocation_endpoint,omitempty"`
	UserinfoEndpoint                           string            `json:"userinfo_endpoint,omitempty"`
	JWKSURI                                    string            `json:"jwks_uri,omitempty"`
	BackchannelAuthenticationEndpoint          string            `json:"backchannel_authentication_endpoint,omitempty"`
	MTLSEndpointAliases                        map[string]string `json:"mtls_endpoint_aliases,omitempty"`
	ScopesSupported                            []string          `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                     []string          `json:"response_types_supported"`
	ResponseModesSupported                     []string          `json:"response_modes_supported,omitempty"`
	GrantTypesSupported                        []string          `json:"grant_types_supported"`
	SubjectTypesSupported                      []string          `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported           []string          `json:"id_token_signing_alg_values_supported,omitempty"`
	TokenEndpointAuthMethodsSupported          []string          `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported              []string          `json:"code_challenge_methods_supported"`
	RequestParameterSupported                  bool              `json:"request_parameter_supported"`
	RequestURIParameterSupported               bool              `json:"request_uri_parameter_supported"`
	RequireRequestURIRegistration              bool              `json:"require_request_uri_registration"`
	RequestObjectSigningAlgValuesSupported     []string          `json:"request_object_signing_alg_values_supported,omitempty"`
	AuthorizationResponseIssParameterSupported bool              `json:"authorization_response_iss_parameter_supported"`
	TLSClientCertificateBoundAccessTokens      bool              `json:"tls_client_certificate_bound_access_tokens,omitempty"`
	BackchannelTokenDeliveryModesSupported     []string          `json:"backchannel_token_delivery_modes_supported,omitempty"`
	BackchannelUserCodeParameterSupported      bool              `json:"backchannel_user_code_parameter_supported,omitempty"`
}

// ServerMetadata returns the discovery document of a tenant
func (s *Server) ServerMetadata(ctx context.Context, tenantID string) (*ServerMetadata, error) {
	t, err := s.tenants.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	srv := t.config

	md := &ServerMetadata{
		Issuer:                                     srv.Issuer,
		AuthorizationEndpoint:                      srv.AuthorizationEndpoint,
		TokenEndpoint:                              srv.TokenEndpoint,
		IntrospectionEndpoint:                      srv.IntrospectionEndpoint,
		RevocationEndpoint:                         srv.RevocationEndpoint,
		UserinfoEndpoint:                           srv.UserinfoEndpoint,
		JWKSURI:                                    srv.JWKSURI,
		BackchannelAuthenticationEndpoint:          srv.BackchannelAuthenticationEndpoint,
		MTLSEndpointAliases:                        srv.MTLSEndpointAliases,
		ScopesSupported:                            srv.ScopesSupported,
		ResponseTypesSupported:                     srv.ResponseTypesSupported,
		ResponseModesSupported:                     srv.ResponseModesSupported,
		GrantTypesSupported:                        srv.GrantTypesSupported,
		SubjectTypesSupported:                      []string{"public"},
		TokenEndpointAuthMethodsSupported:          srv.TokenEndpointAuthMethodsSupported,
		CodeChallengeMethodsSupported:              []string{PKCEMethodS256, PKCEMethodPlain},
		RequestParameterSupported:                  true,
		RequestURIParameterSupported:               true,
		RequireRequestURIRegistration:              true,
		RequestObjectSigningAlgValuesSupported:     srv.RequestObjectSigningAlgValuesSupported,
		AuthorizationResponseIssParameterSupported: true,
		TLSClientCertificateBoundAccessTokens:      srv.TLSClientCertificateBoundAccessTokens,
		BackchannelUserCodeParameterSupported:      srv.BackchannelUserCodeParameterSupported,
	}
	if len(md.ResponseTypesSupported) == 0 {
		md.ResponseTypesSupported = []string{ResponseTypeCode}
	}
	if len(md.GrantTypesSupported) == 0 {
		md.GrantTypesSupported = []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeRefreshToken,
			storage.GrantTypeClientCredentials,
			storage.GrantTypePassword,
			storage.GrantTypeCIBA,
		}
	}
	if len(md.TokenEndpointAuthMethodsSupported) == 0 {
		for method := range s.authenticators {
			md.TokenEndpointAuthMethodsSupported = append(md.TokenEndpointAuthMethodsSupported, method)
		}
		slices.Sort(md.TokenEndpointAuthMethodsSupported)
	}
	if srv.BackchannelAuthenticationEndpoint != "" {
		md.BackchannelTokenDeliveryModesSupported = srv.BackchannelTokenDeliveryModesSupported
		if len(md.BackchannelTokenDeliveryModesSupported) == 0 {
			md.BackchannelTokenDeliveryModesSupported = []string{storage.DeliveryModePoll}
		}
	}
	if t.keys != nil {
		md.IDTokenSigningAlgValuesSupported = []string{t.keys.alg.String()}
	}
	return md, nil
}

// PublicJWKS returns the tenant's public signing keys
func (s *Server) PublicJWKS(ctx context.Context, tenantID string) (jwk.Set, error) {
	t, err := s.tenants.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.keys == nil {
		return jwk.NewSet(), nil
	}
	return t.keys.public, nil
}
