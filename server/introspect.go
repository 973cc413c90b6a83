package server

import (
	"context"
	"errors"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/storage"
)

// Token type hints (RFC 7009, RFC 7662)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// IntrospectionRequest is an RFC 7662 request
type IntrospectionRequest struct {
	TenantID      string `form:"-" validate:"required"`
	Token         string `form:"token" validate:"required"`
	TokenTypeHint string `form:"token_type_hint" validate:"omitempty,oneof=access_token refresh_token"`

	Client ClientAuthRequest `form:"-"`
}

// Confirmation is the cnf claim of a certificate-bound token
type Confirmation struct {
	X5TS256 string `json:"x5t#S256"`
}

// IntrospectionResponse is an RFC 7662 response. Inactive tokens carry only active=false.
type IntrospectionResponse struct {
	Active               bool             `json:"active"`
	Scope                string           `json:"scope,omitempty"`
	ClientID             string           `json:"client_id,omitempty"`
	Sub                  string           `json:"sub,omitempty"`
	Exp                  int64            `json:"exp,omitempty"`
	Iat                  int64            `json:"iat,omitempty"`
	Iss                  string           `json:"iss,omitempty"`
	TokenType            string           `json:"token_type,omitempty"`
	Cnf                  *Confirmation    `json:"cnf,omitempty"`
	AuthorizationDetails []map[string]any `json:"authorization_details,omitempty"`
}

// Introspect reports the state of an access or refresh token to its client
func (s *Server) Introspect(ctx context.Context, req *IntrospectionRequest) (*IntrospectionResponse, error) {
	ctx, span := s.startSpan(ctx, "Introspect")
	defer span.End()

	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	t, client, err := s.authenticateClient(ctx, req.TenantID, &req.Client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	token, isRefresh, err := s.findToken(ctx, t.config.Issuer, req.Token, req.TokenTypeHint)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if token == nil || token.ClientID != client.ClientID {
		s.metrics.RecordIntrospection(ctx, false)
		return &IntrospectionResponse{Active: false}, nil
	}

	exp := token.AccessTokenExpiresAt
	tokenType := storage.TokenTypeBearer
	if isRefresh {
		exp = token.RefreshTokenExpiresAt
		tokenType = TokenTypeHintRefreshToken
	}
	if s.isExpired(exp) {
		s.metrics.RecordIntrospection(ctx, false)
		return &IntrospectionResponse{Active: false}, nil
	}

	resp := &IntrospectionResponse{
		Active:               true,
		Scope:                token.Scope(),
		ClientID:             token.ClientID,
		Sub:                  token.Subject,
		Exp:                  exp.Unix(),
		Iat:                  token.IssuedAt.Unix(),
		Iss:                  token.TokenIssuer,
		TokenType:            tokenType,
		AuthorizationDetails: token.AuthorizationDetails,
	}
	if token.IsCertificateBound() {
		resp.Cnf = &Confirmation{X5TS256: token.CertificateThumbprint}
	}
	s.metrics.RecordIntrospection(ctx, true)
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// findToken looks a value up as an access token and as a refresh token, in
// the order the hint suggests. A nil token means it is unknown.
func (s *Server) findToken(ctx context.Context, issuer, value, hint string) (*storage.OAuthToken, bool, error) {
	lookups := []bool{false, true}
	if hint == TokenTypeHintRefreshToken {
		lookups = []bool{true, false}
	}
	for _, refresh := range lookups {
		var (
			token *storage.OAuthToken
			err   error
		)
		if refresh {
			token, err = s.repos.OAuthTokens.FindOAuthTokenByRefreshToken(ctx, issuer, value)
		} else {
			token, err = s.repos.OAuthTokens.FindOAuthTokenByAccessToken(ctx, issuer, value)
		}
		switch {
		case err == nil:
			return token, refresh, nil
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			continue
		default:
			return nil, false, ErrServerError("failed to look up token", err)
		}
	}
	return nil, false, nil
}
