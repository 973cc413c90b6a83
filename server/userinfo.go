package server

import (
	"context"
	"crypto/x509"

	"github.com/giantswarm/idp-oauth/instrumentation"
)

// Userinfo returns the claims of the user an access token was issued for.
// The token must carry openid; certificate-bound tokens require the same certificate.
func (s *Server) Userinfo(ctx context.Context, tenantID, accessToken string, cert *x509.Certificate, delegate UserinfoDelegate) (map[string]any, error) {
	ctx, span := s.startSpan(ctx, "Userinfo")
	defer span.End()

	if delegate == nil {
		return nil, ErrServerError("no userinfo delegate", nil)
	}
	if accessToken == "" {
		return nil, ErrInvalidToken("access token is required")
	}
	srv, err := s.tenants.Server(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	token, isRefresh, err := s.findToken(ctx, srv.Issuer, accessToken, TokenTypeHintAccessToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if token == nil || isRefresh || s.isExpired(token.AccessTokenExpiresAt) {
		return nil, ErrInvalidToken("access token is invalid or expired")
	}
	if token.IsCertificateBound() && certificateThumbprint(cert) != token.CertificateThumbprint {
		return nil, ErrInvalidToken("access token is bound to another certificate")
	}
	if !token.HasScope(ScopeOpenID) || token.Subject == "" {
		return nil, ErrInsufficientScope("the openid scope is required")
	}

	user, err := delegate.FindUser(ctx, tenantID, token.Subject)
	if err != nil {
		return nil, ErrServerError("failed to load user", err)
	}
	if user == nil {
		return nil, ErrInvalidToken("the user no longer exists")
	}

	claims := userClaims(user, token.Scopes)
	claims["sub"] = token.Subject
	instrumentation.SetSpanSuccess(span)
	return claims, nil
}
