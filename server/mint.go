package server

import (
	"context"
	"crypto/x509"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/storage"
)

// Scopes that release standard user claims in id_tokens and userinfo
const (
	ScopeProfile = "profile"
	ScopeEmail   = "email"
)

// registeredClaims are never overwritten by custom claims
var registeredClaims = []string{"iss", "sub", "aud", "exp", "iat", "nbf", "jti", "auth_time", "nonce", "azp", "at_hash", "c_hash", "s_hash", "cnf", "client_id", "scope"}

// TokenResponse is the token endpoint response body
type TokenResponse struct {
	AccessToken          string           `json:"access_token"`
	TokenType            string           `json:"token_type"`
	ExpiresIn            int64            `json:"expires_in"`
	RefreshToken         string           `json:"refresh_token,omitempty"`
	Scope                string           `json:"scope,omitempty"`
	IDToken              string           `json:"id_token,omitempty"`
	AuthorizationDetails []map[string]any `json:"authorization_details,omitempty"`
}

// mintInput is what a grant handler passes to mint
type mintInput struct {
	tenant               *tenant
	client               *storage.ClientConfiguration
	grantType            string
	user                 *storage.User
	scopes               []string
	claims               map[string]any
	customProperties     map[string]any
	authorizationDetails []map[string]any
	nonce                string
	authTime             time.Time
	certificate          *x509.Certificate
	clientIP             string

	issueRefreshToken bool

	// reuse this refresh token and its expiry instead of creating one
	refreshToken          string
	refreshTokenExpiresAt time.Time
}

// mint issues and stores an access token, with optional refresh token and id_token.
// Every grant ends here.
func (s *Server) mint(ctx context.Context, in *mintInput) (*storage.OAuthToken, error) {
	srv := in.tenant.config
	now := s.now()

	token := &storage.OAuthToken{
		ID:                   uuid.NewString(),
		TenantID:             srv.TenantID,
		TokenIssuer:          srv.Issuer,
		TokenType:            storage.TokenTypeBearer,
		GrantType:            in.grantType,
		ClientID:             in.client.ClientID,
		Scopes:               in.scopes,
		Claims:               in.claims,
		CustomProperties:     in.customProperties,
		AuthorizationDetails: in.authorizationDetails,
		IssuedAt:             now,
		AccessTokenExpiresAt: now.Add(ttl(srv.AccessTokenTTL, s.Config.AccessTokenTTL)),
	}
	if in.user != nil {
		token.Subject = in.user.Subject
	}

	if bindsCertificate(srv, in.client) {
		if in.certificate == nil {
			return nil, errCertificateRequired()
		}
		token.CertificateThumbprint = certificateThumbprint(in.certificate)
	}

	if srv.AccessTokenFormat == storage.AccessTokenFormatJWT {
		accessToken, err := s.signAccessToken(in.tenant, token, in.authTime)
		if err != nil {
			return nil, ErrServerError("failed to sign access token", err)
		}
		token.AccessToken = accessToken
	} else {
		token.AccessToken = oauth2.GenerateVerifier()
	}

	switch {
	case in.refreshToken != "":
		token.RefreshToken = in.refreshToken
		token.RefreshTokenExpiresAt = in.refreshTokenExpiresAt
	case in.issueRefreshToken:
		token.RefreshToken = oauth2.GenerateVerifier()
		token.RefreshTokenExpiresAt = now.Add(ttl(srv.RefreshTokenTTL, s.Config.RefreshTokenTTL))
	}

	if in.user != nil && slices.Contains(in.scopes, ScopeOpenID) {
		idToken, err := s.buildIDToken(in.tenant, in.client.ClientID, &idTokenInput{
			user:        in.user,
			scopes:      in.scopes,
			claims:      in.claims,
			nonce:       in.nonce,
			authTime:    in.authTime,
			accessToken: token.AccessToken,
		})
		if err != nil {
			return nil, ErrServerError("failed to issue id_token", err)
		}
		token.IDToken = idToken
	}

	if err := s.repos.OAuthTokens.RegisterOAuthToken(ctx, token); err != nil {
		return nil, ErrServerError("failed to store token", err)
	}

	s.Auditor.LogTokenIssued(srv.TenantID, token.Subject, token.ClientID, in.clientIP, in.grantType, token.Scope())
	s.metrics.RecordTokenIssued(ctx, srv.TenantID, in.grantType)
	s.Logger.Info("Token issued",
		"tenant_id", srv.TenantID,
		"client_id", token.ClientID,
		"grant_type", in.grantType,
		"token_prefix", util.SafeTruncate(token.AccessToken, 8),
		"refresh", token.HasRefreshToken(),
		"certificate_bound", token.IsCertificateBound())
	return token, nil
}

// signAccessToken renders the token as an RFC 9068 JWT
func (s *Server) signAccessToken(t *tenant, token *storage.OAuthToken, authTime time.Time) (string, error) {
	sub := token.Subject
	if sub == "" {
		sub = token.ClientID
	}
	claims := map[string]any{
		"iss":       token.TokenIssuer,
		"sub":       sub,
		"aud":       token.ClientID,
		"client_id": token.ClientID,
		"iat":       token.IssuedAt,
		"exp":       token.AccessTokenExpiresAt,
		"jti":       token.ID,
	}
	if len(token.Scopes) > 0 {
		claims["scope"] = token.Scope()
	}
	if !authTime.IsZero() {
		claims["auth_time"] = authTime.Unix()
	}
	if token.IsCertificateBound() {
		claims["cnf"] = map[string]any{"x5t#S256": token.CertificateThumbprint}
	}
	if len(token.AuthorizationDetails) > 0 {
		claims["authorization_details"] = token.AuthorizationDetails
	}
	return signJWT(t.keys, JWTTypeAccessToken, claims)
}

type idTokenInput struct {
	user     *storage.User
	scopes   []string
	claims   map[string]any
	nonce    string
	authTime time.Time

	// values hashed into at_hash, c_hash and s_hash when set
	accessToken string
	code        string
	state       string
}

func (s *Server) buildIDToken(t *tenant, clientID string, in *idTokenInput) (string, error) {
	if t.keys == nil {
		return "", ErrServerError("tenant has no signing keys", nil)
	}
	now := s.now()
	claims := userClaims(in.user, in.scopes)
	for name, value := range in.claims {
		if !slices.Contains(registeredClaims, name) {
			claims[name] = value
		}
	}
	claims["iss"] = t.config.Issuer
	claims["sub"] = in.user.Subject
	claims["aud"] = clientID
	claims["azp"] = clientID
	claims["iat"] = now
	claims["exp"] = now.Add(ttl(t.config.IDTokenTTL, s.Config.IDTokenTTL))
	if !in.authTime.IsZero() {
		claims["auth_time"] = in.authTime.Unix()
	}
	if in.nonce != "" {
		claims["nonce"] = in.nonce
	}
	if in.accessToken != "" {
		claims["at_hash"] = halfHash(t.keys.alg, in.accessToken)
	}
	if in.code != "" {
		claims["c_hash"] = halfHash(t.keys.alg, in.code)
	}
	if in.state != "" {
		claims["s_hash"] = halfHash(t.keys.alg, in.state)
	}
	return signJWT(t.keys, JWTTypeIDToken, claims)
}

// userClaims releases the standard claims the scopes allow, plus the user's own claims
func userClaims(user *storage.User, scopes []string) map[string]any {
	claims := map[string]any{"sub": user.Subject}
	if slices.Contains(scopes, ScopeProfile) {
		if user.Name != "" {
			claims["name"] = user.Name
		}
		if user.PreferredUsername != "" {
			claims["preferred_username"] = user.PreferredUsername
		}
	}
	if slices.Contains(scopes, ScopeEmail) && user.Email != "" {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}
	extra := maps.Clone(user.Claims)
	for _, name := range registeredClaims {
		delete(extra, name)
	}
	maps.Copy(claims, extra)
	return claims
}

// bindsCertificate reports whether tokens of the client are bound to its mTLS certificate
func bindsCertificate(srv *storage.ServerConfiguration, client *storage.ClientConfiguration) bool {
	return srv.TLSClientCertificateBoundAccessTokens && client.TLSClientCertificateBoundAccessTokens
}

func errCertificateRequired() *OAuthError {
	return ErrInvalidRequest("a client certificate is required for certificate bound tokens")
}

// newTokenResponse renders a stored token for the wire
func (s *Server) newTokenResponse(token *storage.OAuthToken) *TokenResponse {
	expiresIn := int64(token.AccessTokenExpiresAt.Sub(token.IssuedAt).Seconds())
	return &TokenResponse{
		AccessToken:          token.AccessToken,
		TokenType:            token.TokenType,
		ExpiresIn:            expiresIn,
		RefreshToken:         token.RefreshToken,
		Scope:                token.Scope(),
		IDToken:              token.IDToken,
		AuthorizationDetails: token.AuthorizationDetails,
	}
}
