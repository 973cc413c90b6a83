package server

import (
	"context"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// TokenRequest is a token endpoint request
type TokenRequest struct {
	TenantID     string `form:"-" validate:"required"`
	GrantType    string `form:"grant_type" validate:"required"`
	Code         string `form:"code"`
	RedirectURI  string `form:"redirect_uri" validate:"omitempty,uri"`
	CodeVerifier string `form:"code_verifier"`
	RefreshToken string `form:"refresh_token"`
	Scope        string `form:"scope"`
	AuthReqID    string `form:"auth_req_id"`
	Username     string `form:"username"`
	Password     string `form:"password"`

	Client ClientAuthRequest `form:"-"`

	// PasswordDelegate serves the password grant; nil disables it for this call
	PasswordDelegate PasswordDelegate `form:"-"`
}

// grantContext is a token request after client authentication
type grantContext struct {
	req    *TokenRequest
	tenant *tenant
	client *storage.ClientConfiguration

	// cibaGrant is the consumed grant of a CIBA poll
	cibaGrant *storage.CibaGrant
}

func (gc *grantContext) tenantID() string {
	return gc.tenant.config.TenantID
}

// grantHandler implements one grant type. verify checks the request and
// describes the token; mint issues it, normally through Server.mint.
type grantHandler struct {
	verify func(ctx context.Context, gc *grantContext) (*mintInput, error)
	mint   func(ctx context.Context, gc *grantContext, in *mintInput) (*storage.OAuthToken, error)
}

func (s *Server) builtinGrantHandlers() map[string]*grantHandler {
	mint := func(ctx context.Context, _ *grantContext, in *mintInput) (*storage.OAuthToken, error) {
		return s.mint(ctx, in)
	}
	return map[string]*grantHandler{
		storage.GrantTypeAuthorizationCode: {verify: s.verifyAuthorizationCodeGrant, mint: s.mintAuthorizationCodeGrant},
		storage.GrantTypeRefreshToken:      {verify: s.verifyRefreshTokenGrant, mint: s.mintRefreshTokenGrant},
		storage.GrantTypeClientCredentials: {verify: s.verifyClientCredentialsGrant, mint: mint},
		storage.GrantTypePassword:          {verify: s.verifyPasswordGrant, mint: mint},
		storage.GrantTypeCIBA:              {verify: s.verifyCibaGrant, mint: s.mintCibaGrant},
	}
}

// Token authenticates the client and runs the grant
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "Token")
	defer span.End()

	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, req.GrantType))

	handler, ok := s.grants[req.GrantType]
	if !ok {
		return nil, ErrUnsupportedGrantType("grant_type " + req.GrantType + " is not supported")
	}

	t, client, err := s.authenticateClient(ctx, req.TenantID, &req.Client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddFlowAttributes(span, req.TenantID, client.ClientID, req.Scope)

	if !t.config.SupportsGrantType(req.GrantType) || !client.SupportsGrantType(req.GrantType) {
		err := ErrUnsupportedGrantType("grant_type " + req.GrantType + " is not allowed")
		s.logOutcome("token", req.TenantID, client.ClientID, err)
		return nil, err
	}

	gc := &grantContext{req: req, tenant: t, client: client}
	in, err := handler.verify(ctx, gc)
	if err != nil {
		if !IsPollingOutcome(err) {
			instrumentation.RecordError(span, err)
		}
		s.logOutcome("token", req.TenantID, client.ClientID, err)
		return nil, err
	}
	in.tenant = t
	in.client = client
	in.grantType = req.GrantType
	in.certificate = req.Client.Certificate
	in.clientIP = req.Client.ClientIP

	token, err := handler.mint(ctx, gc, in)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.logOutcome("token", req.TenantID, client.ClientID, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return s.newTokenResponse(token), nil
}

func (s *Server) verifyAuthorizationCodeGrant(ctx context.Context, gc *grantContext) (*mintInput, error) {
	req := gc.req
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	grant, err := s.repos.AuthorizationCodeGrants.FindAuthorizationCodeGrant(ctx, gc.tenantID(), req.Code)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
		return nil, ErrInvalidGrant("invalid authorization code")
	case err != nil:
		return nil, ErrServerError("failed to load authorization code", err)
	}
	if grant.Used {
		s.codeReuseDetected(ctx, gc, grant)
		return nil, ErrInvalidGrant("authorization code has already been used")
	}

	// A failed check leaves the code redeemable by the legitimate request.
	if s.isExpired(grant.ExpiresAt) {
		return nil, ErrInvalidGrant("authorization code has expired")
	}
	if grant.ClientID != gc.client.ClientID {
		return nil, ErrInvalidGrant("authorization code was issued to another client")
	}
	if grant.RedirectURIProvided && req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if req.RedirectURI != "" && req.RedirectURI != grant.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match")
	}
	if err := validatePKCE(grant.CodeChallenge, grant.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.metrics.RecordPKCEValidationFailed(ctx, grant.CodeChallengeMethod)
		return nil, ErrInvalidGrant(err.Error())
	}
	if err := s.checkConfigVersions(gc.tenant.config, gc.client, grant.ServerConfigVersion, grant.ClientConfigVersion); err != nil {
		return nil, err
	}

	// Consume serializes concurrent redemptions; only one caller gets past it.
	grant, err = s.repos.AuthorizationCodeGrants.ConsumeAuthorizationCodeGrant(ctx, gc.tenantID(), req.Code)
	switch {
	case errors.Is(err, storage.ErrAlreadyUsed):
		s.codeReuseDetected(ctx, gc, grant)
		return nil, ErrInvalidGrant("authorization code has already been used")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
		return nil, ErrInvalidGrant("invalid authorization code")
	case err != nil:
		return nil, ErrServerError("failed to consume authorization code", err)
	}

	return &mintInput{
		user:                 grant.User,
		scopes:               grant.Scopes,
		claims:               grant.Claims,
		customProperties:     grant.CustomProperties,
		authorizationDetails: grant.AuthorizationDetails,
		nonce:                grant.Nonce,
		authTime:             grant.AuthTime,
		issueRefreshToken:    gc.client.SupportsGrantType(storage.GrantTypeRefreshToken),
	}, nil
}

func (s *Server) codeReuseDetected(ctx context.Context, gc *grantContext, grant *storage.AuthorizationCodeGrant) {
	s.metrics.RecordCodeReuseDetected(ctx)
	var userID string
	if grant != nil {
		userID = grant.Subject()
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeReuseDetected,
		TenantID:  gc.tenantID(),
		UserID:    userID,
		ClientID:  gc.client.ClientID,
		IPAddress: gc.req.Client.ClientIP,
		Details:   map[string]any{"code_prefix": util.SafeTruncate(gc.req.Code, 8)},
	})
	s.Logger.Warn("Authorization code reuse detected",
		"tenant_id", gc.tenantID(),
		"client_id", gc.client.ClientID,
		"code_prefix", util.SafeTruncate(gc.req.Code, 8))
}

func (s *Server) mintAuthorizationCodeGrant(ctx context.Context, gc *grantContext, in *mintInput) (*storage.OAuthToken, error) {
	token, err := s.mint(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.repos.AuthorizationCodeGrants.DeleteAuthorizationCodeGrant(ctx, gc.tenantID(), gc.req.Code); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Warn("Failed to delete consumed authorization code",
			"tenant_id", gc.tenantID(),
			"error", err)
	}
	return token, nil
}

func (s *Server) verifyRefreshTokenGrant(ctx context.Context, gc *grantContext) (*mintInput, error) {
	req := gc.req
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	old, err := s.repos.OAuthTokens.FindOAuthTokenByRefreshToken(ctx, gc.tenant.config.Issuer, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, ErrInvalidGrant("invalid refresh token")
		}
		return nil, ErrServerError("failed to load refresh token", err)
	}
	if old.ClientID != gc.client.ClientID {
		return nil, ErrInvalidGrant("refresh token was issued to another client")
	}
	if s.isExpired(old.RefreshTokenExpiresAt) {
		return nil, ErrInvalidGrant("refresh token has expired")
	}

	scopes := old.Scopes
	if requested := storage.SplitSpaceDelimited(req.Scope); len(requested) > 0 {
		for _, scope := range requested {
			if !slices.Contains(old.Scopes, scope) {
				return nil, ErrInvalidScope("scope " + scope + " exceeds the original grant")
			}
		}
		scopes = requested
	}

	if old.IsCertificateBound() && certificateThumbprint(req.Client.Certificate) != old.CertificateThumbprint {
		return nil, ErrInvalidGrant("refresh token is bound to another certificate")
	}

	// mint must not fail on anything checkable here once the old pair is gone
	if bindsCertificate(gc.tenant.config, gc.client) && req.Client.Certificate == nil {
		return nil, errCertificateRequired()
	}

	// Deleting the pair is the rotation lock: only one concurrent caller finds it.
	// A storage failure while minting after this point loses the refresh token.
	if err := s.repos.OAuthTokens.DeleteOAuthToken(ctx, old); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("refresh token has already been used")
		}
		return nil, ErrServerError("failed to rotate refresh token", err)
	}

	in := &mintInput{
		scopes:               scopes,
		claims:               old.Claims,
		customProperties:     old.CustomProperties,
		authorizationDetails: old.AuthorizationDetails,
		issueRefreshToken:    true,
	}
	if old.Subject != "" {
		in.user = &storage.User{Subject: old.Subject}
	}
	if !gc.tenant.config.RotateRefreshToken {
		in.refreshToken = old.RefreshToken
		in.refreshTokenExpiresAt = old.RefreshTokenExpiresAt
	}
	return in, nil
}

func (s *Server) mintRefreshTokenGrant(ctx context.Context, gc *grantContext, in *mintInput) (*storage.OAuthToken, error) {
	token, err := s.mint(ctx, in)
	if err != nil {
		return nil, err
	}
	rotated := gc.tenant.config.RotateRefreshToken
	s.metrics.RecordTokenRefresh(ctx, gc.client.ClientID, rotated)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventTokenRefreshed,
		TenantID:  gc.tenantID(),
		UserID:    token.Subject,
		ClientID:  gc.client.ClientID,
		IPAddress: gc.req.Client.ClientIP,
		Details:   map[string]any{"rotated": rotated},
	})
	return token, nil
}

func (s *Server) verifyClientCredentialsGrant(_ context.Context, gc *grantContext) (*mintInput, error) {
	if gc.client.IsPublic() {
		return nil, ErrUnauthorizedClient("public clients cannot use client_credentials")
	}
	scopes, err := s.grantScopes(gc)
	if err != nil {
		return nil, err
	}
	return &mintInput{
		scopes:            scopes,
		issueRefreshToken: s.Config.IssueRefreshTokenForClientCredentials,
	}, nil
}

func (s *Server) verifyPasswordGrant(ctx context.Context, gc *grantContext) (*mintInput, error) {
	req := gc.req
	if req.PasswordDelegate == nil {
		return nil, ErrUnsupportedGrantType("password grant is not available")
	}
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}
	scopes, err := s.grantScopes(gc)
	if err != nil {
		return nil, err
	}

	user, err := req.PasswordDelegate.Authenticate(ctx, gc.tenantID(), req.Username, req.Password)
	if err != nil {
		return nil, ErrServerError("password verification failed", err)
	}
	if user == nil {
		return nil, ErrInvalidGrant("invalid resource owner credentials")
	}
	return &mintInput{
		user:              user,
		scopes:            scopes,
		authTime:          s.now(),
		issueRefreshToken: gc.client.SupportsGrantType(storage.GrantTypeRefreshToken),
	}, nil
}

// grantScopes filters the requested scopes; with none requested the client's
// full allowlist applies.
func (s *Server) grantScopes(gc *grantContext) ([]string, error) {
	requested := storage.SplitSpaceDelimited(gc.req.Scope)
	if len(requested) == 0 {
		return filterScopes(gc.client.Scopes, gc.client, gc.tenant.config), nil
	}
	scopes := filterScopes(requested, gc.client, gc.tenant.config)
	if len(scopes) == 0 {
		return nil, ErrInvalidScope("no requested scope is allowed for the client")
	}
	return scopes, nil
}
