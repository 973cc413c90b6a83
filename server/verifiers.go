package server

import (
	"context"
	"slices"
	"strings"

	"github.com/giantswarm/idp-oauth/storage"
)

// Supported response types
const (
	ResponseTypeCode        = "code"
	ResponseTypeCodeIDToken = "code id_token"
)

// Response modes, including the JARM variants
const (
	ResponseModeQuery       = "query"
	ResponseModeFragment    = "fragment"
	ResponseModeFormPost    = "form_post"
	ResponseModeJWT         = "jwt"
	ResponseModeQueryJWT    = "query.jwt"
	ResponseModeFragmentJWT = "fragment.jwt"
	ResponseModeFormPostJWT = "form_post.jwt"
)

// authorizationContext carries an authorization request through the verifiers
type authorizationContext struct {
	srv           *storage.ServerConfiguration
	client        *storage.ClientConfiguration
	params        *AuthorizationParameters
	requestObject *requestObject
	scopes        []string
	profile       storage.Profile

	// set by the verifiers
	responseType         string
	responseMode         string
	redirectURI          string
	redirectURIProvided  bool
	maxAge               int64
	authorizationDetails []map[string]any
}

// verifierRule is one step of authorization request verification
type verifierRule struct {
	name   string
	skip   func(ac *authorizationContext) bool
	verify func(ctx context.Context, ac *authorizationContext) error
}

func (s *Server) authorizationVerifiers() []verifierRule {
	return []verifierRule{
		{
			name:   "redirect_uri",
			verify: s.verifyRedirectURI,
		},
		{
			name:   "oauth2",
			verify: s.verifyOAuth2,
		},
		{
			name:   "oidc",
			skip:   func(ac *authorizationContext) bool { return !ac.profile.IsOIDC() },
			verify: s.verifyOIDC,
		},
		{
			name:   "fapi_baseline",
			skip:   func(ac *authorizationContext) bool { return !ac.profile.IsFAPI() },
			verify: s.verifyFAPIBaseline,
		},
		{
			name:   "fapi_advance",
			skip:   func(ac *authorizationContext) bool { return ac.profile != storage.ProfileFAPIAdvance },
			verify: s.verifyFAPIAdvance,
		},
		{
			name:   "request_object",
			skip:   func(ac *authorizationContext) bool { return ac.requestObject == nil },
			verify: s.verifyRequestObject,
		},
	}
}

// runVerifiers applies the rule table in order. Once the redirect_uri is
// established, failures are returned to the client through it.
func (s *Server) runVerifiers(ctx context.Context, ac *authorizationContext) error {
	for _, rule := range s.verifiers {
		if rule.skip != nil && rule.skip(ac) {
			continue
		}
		err := rule.verify(ctx, ac)
		if err == nil {
			continue
		}

		oauthErr := AsOAuthError(err)
		s.Logger.Debug("Authorization request failed verification",
			"verifier", rule.name,
			"tenant_id", ac.srv.TenantID,
			"client_id", ac.client.ClientID,
			"error", oauthErr.Code)
		if ac.redirectURI != "" && oauthErr.Kind != KindServerError {
			return oauthErr.WithRedirect(ac.redirectURI, ac.params.State, ac.responseMode)
		}
		return oauthErr
	}
	return nil
}

func (s *Server) verifyRedirectURI(_ context.Context, ac *authorizationContext) error {
	redirectURI := ac.params.RedirectURI
	if redirectURI == "" {
		if len(ac.client.RedirectURIs) != 1 {
			return ErrInvalidRequest("redirect_uri is required")
		}
		redirectURI = ac.client.RedirectURIs[0]
	}
	if err := validateRedirectURIShape(redirectURI); err != nil {
		return ErrInvalidRequest(err.Error())
	}
	if !ac.client.HasRedirectURI(redirectURI) {
		return ErrInvalidRequest("redirect_uri is not registered for the client")
	}
	ac.redirectURI = redirectURI
	ac.redirectURIProvided = ac.params.RedirectURI != ""

	// the response mode is needed to deliver errors from here on
	ac.responseType = storage.NormalizeResponseType(ac.params.ResponseType)
	ac.responseMode = resolveResponseMode(ac.responseType, ac.params.ResponseMode)
	return nil
}

func (s *Server) verifyOAuth2(_ context.Context, ac *authorizationContext) error {
	if ac.responseType == "" {
		return ErrInvalidRequest("response_type is required")
	}
	if ac.responseType != ResponseTypeCode && ac.responseType != storage.NormalizeResponseType(ResponseTypeCodeIDToken) {
		return ErrUnsupportedResponseType("response_type " + ac.params.ResponseType + " is not supported")
	}
	if !ac.srv.SupportsResponseType(ac.responseType) {
		return ErrUnsupportedResponseType("response_type is not enabled on this server")
	}
	if !ac.client.SupportsResponseType(ac.responseType) {
		return ErrUnauthorizedClient("client is not registered for this response_type")
	}
	if !ac.client.SupportsGrantType(storage.GrantTypeAuthorizationCode) {
		return ErrUnauthorizedClient("client is not allowed the authorization_code grant")
	}
	if !isKnownResponseMode(ac.responseMode) {
		return ErrInvalidRequest("response_mode " + ac.params.ResponseMode + " is not supported")
	}
	if isJARMResponseMode(ac.responseMode) && !ac.srv.SupportsResponseMode(ac.params.ResponseMode) {
		return ErrInvalidRequest("JWT secured responses are not enabled on this server")
	}
	if returnsIDToken(ac.responseType) && !slices.Contains(ac.scopes, ScopeOpenID) {
		return ErrInvalidScope("response_type id_token requires the openid scope")
	}

	if len(ac.scopes) == 0 {
		return ErrInvalidScope("no requested scope is allowed for the client")
	}

	if ac.params.CodeChallenge == "" && ac.client.IsPublic() {
		return ErrInvalidRequest("PKCE is required for public clients")
	}
	if ac.params.CodeChallenge == "" && ac.params.CodeChallengeMethod != "" {
		return ErrInvalidRequest("code_challenge_method without code_challenge")
	}
	if ac.params.CodeChallenge != "" {
		switch ac.params.CodeChallengeMethod {
		case PKCEMethodS256, PKCEMethodPlain, "":
		default:
			return ErrInvalidRequest("code_challenge_method must be S256 or plain")
		}
	}

	maxAge, err := parseMaxAge(ac.params.MaxAge)
	if err != nil {
		return ErrInvalidRequest(err.Error())
	}
	ac.maxAge = maxAge

	details, err := parseAuthorizationDetails(ac.params.AuthorizationDetails)
	if err != nil {
		return ErrInvalidRequest(err.Error())
	}
	ac.authorizationDetails = details
	return nil
}

func (s *Server) verifyOIDC(_ context.Context, ac *authorizationContext) error {
	if returnsIDToken(ac.responseType) {
		if ac.params.Nonce == "" {
			return ErrInvalidRequest("nonce is required when the response contains an id_token")
		}
		if ac.params.ResponseMode == ResponseModeQuery {
			return ErrInvalidRequest("response_mode query cannot be used for this response_type")
		}
	}
	if ac.params.ResponseMode != "" && !ac.srv.SupportsResponseMode(ac.params.ResponseMode) {
		return ErrInvalidRequest("response_mode " + ac.params.ResponseMode + " is not supported by the server")
	}
	if prompts := storage.SplitSpaceDelimited(ac.params.Prompt); slices.Contains(prompts, "none") && len(prompts) > 1 {
		return ErrInvalidRequest("prompt=none cannot be combined with other values")
	}
	return nil
}

func (s *Server) verifyFAPIBaseline(_ context.Context, ac *authorizationContext) error {
	if !isHTTPS(ac.redirectURI) {
		return ErrInvalidRequest("redirect_uri must use https")
	}
	if ac.params.CodeChallenge == "" || ac.params.CodeChallengeMethod != PKCEMethodS256 {
		return ErrInvalidRequest("PKCE with S256 is required")
	}
	switch ac.client.TokenEndpointAuthMethod {
	case storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost:
		return ErrUnauthorizedClient("client secret authentication is not allowed")
	}
	if slices.Contains(ac.scopes, ScopeOpenID) {
		if ac.params.Nonce == "" {
			return ErrInvalidRequest("nonce is required")
		}
	} else if ac.params.State == "" {
		return ErrInvalidRequest("state is required")
	}
	return nil
}

func (s *Server) verifyFAPIAdvance(_ context.Context, ac *authorizationContext) error {
	if ac.requestObject == nil {
		return ErrInvalidRequest("a signed request object is required")
	}
	jarm := isJARMResponseMode(ac.responseMode)
	if ac.responseType != storage.NormalizeResponseType(ResponseTypeCodeIDToken) && (ac.responseType != ResponseTypeCode || !jarm) {
		return ErrUnsupportedResponseType("response_type must be code id_token, or code with response_mode jwt")
	}
	if !ac.srv.TLSClientCertificateBoundAccessTokens || !ac.client.TLSClientCertificateBoundAccessTokens {
		return ErrUnauthorizedClient("certificate bound access tokens are required")
	}
	switch ac.client.TokenEndpointAuthMethod {
	case storage.AuthMethodNone, storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost, storage.AuthMethodClientSecretJWT:
		return ErrUnauthorizedClient("client authentication method is not allowed")
	}
	return s.verifyFAPIRequestObjectClaims(ac.srv, ac.requestObject)
}

func (s *Server) verifyRequestObject(ctx context.Context, ac *authorizationContext) error {
	return s.verifyRequestObjectClaims(ctx, ac.srv, ac.client, ac.requestObject)
}

// resolveResponseMode applies the default mode of the response type and expands "jwt"
func resolveResponseMode(responseType, requested string) string {
	def := ResponseModeFragment
	if responseType == ResponseTypeCode {
		def = ResponseModeQuery
	}
	switch requested {
	case "":
		return def
	case ResponseModeJWT:
		return def + "." + ResponseModeJWT
	}
	return requested
}

// splitResponseMode returns the transport mode and whether the response is a JARM JWT
func splitResponseMode(mode string) (string, bool) {
	base, jarm := strings.CutSuffix(mode, "."+ResponseModeJWT)
	return base, jarm
}

func isJARMResponseMode(mode string) bool {
	_, jarm := splitResponseMode(mode)
	return jarm
}

func isKnownResponseMode(mode string) bool {
	base, _ := splitResponseMode(mode)
	return base == ResponseModeQuery || base == ResponseModeFragment || base == ResponseModeFormPost
}

func returnsIDToken(responseType string) bool {
	return slices.Contains(storage.SplitSpaceDelimited(responseType), "id_token")
}
