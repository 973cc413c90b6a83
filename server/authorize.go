package server

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// jarmLifetime is the lifetime of a JWT secured authorization response
const jarmLifetime = 10 * time.Minute

// Authorize validates an authorization request and stores it for the
// interactive step. Failures after the redirect_uri is known are redirectable.
func (s *Server) Authorize(ctx context.Context, tenantID string, query url.Values) (*storage.AuthorizationRequest, error) {
	ctx, span := s.startSpan(ctx, "Authorize")
	defer span.End()

	params := ParseAuthorizationParameters(query)
	if params.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	instrumentation.AddFlowAttributes(span, tenantID, params.ClientID, params.Scope)

	srv, client, err := s.tenants.Resolve(ctx, tenantID, params.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if len(params.Unknown) > 0 || len(params.Duplicates) > 0 {
		s.Logger.Debug("Authorization request has unrecognized or repeated parameters",
			"tenant_id", tenantID,
			"client_id", client.ClientID,
			"unknown", params.Unknown,
			"duplicates", params.Duplicates)
	}

	ro, err := s.loadRequestObject(ctx, srv, client, params.Request, params.RequestURI)
	if err != nil {
		s.rejectAuthorization(ctx, srv, client, "", err)
		return nil, err
	}
	if ro != nil {
		if err := params.applyRequestObject(ro.token); err != nil {
			err = ErrInvalidRequestObject(err.Error())
			s.rejectAuthorization(ctx, srv, client, "", err)
			return nil, err
		}
	}

	ac := &authorizationContext{
		srv:           srv,
		client:        client,
		params:        params,
		requestObject: ro,
		scopes:        filterScopes(storage.SplitSpaceDelimited(params.Scope), client, srv),
	}
	ac.profile = AnalyzeProfile(ac.scopes, srv)
	span.SetAttributes(attribute.String(instrumentation.AttrProfile, string(ac.profile)))

	if err := s.runVerifiers(ctx, ac); err != nil {
		instrumentation.RecordError(span, err)
		s.rejectAuthorization(ctx, srv, client, ac.profile, err)
		return nil, err
	}

	now := s.now()
	req := &storage.AuthorizationRequest{
		ID:                   ksuid.New().String(),
		TenantID:             srv.TenantID,
		Profile:              ac.profile,
		ClientID:             client.ClientID,
		ResponseType:         ac.responseType,
		ResponseMode:         ac.responseMode,
		RedirectURI:          ac.redirectURI,
		RedirectURIProvided:  ac.redirectURIProvided,
		Scopes:               ac.scopes,
		State:                params.State,
		Nonce:                params.Nonce,
		Prompt:               params.Prompt,
		Display:              params.Display,
		MaxAge:               ac.maxAge,
		UILocales:            params.UILocales,
		LoginHint:            params.LoginHint,
		ACRValues:            params.ACRValues,
		Claims:               params.Claims,
		CodeChallenge:        params.CodeChallenge,
		CodeChallengeMethod:  params.CodeChallengeMethod,
		AuthorizationDetails: ac.authorizationDetails,
		RequestObjectUsed:    ro != nil,
		ServerConfigVersion:  srv.Version,
		ClientConfigVersion:  client.Version,
		CreatedAt:            now,
		ExpiresAt:            now.Add(ttl(srv.AuthorizationRequestTTL, s.Config.AuthorizationRequestTTL)),
	}
	if err := s.repos.AuthorizationRequests.RegisterAuthorizationRequest(ctx, req); err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("failed to store authorization request", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationRequestAccepted,
		TenantID: srv.TenantID,
		ClientID: client.ClientID,
		Details: map[string]any{
			"profile":        string(ac.profile),
			"scope":          storage.JoinSpaceDelimited(ac.scopes),
			"request_object": ro != nil,
		},
	})
	s.metrics.RecordAuthorizationRequest(ctx, srv.TenantID, string(ac.profile), true)
	instrumentation.SetSpanSuccess(span)

	s.Logger.Info("Authorization request accepted",
		"tenant_id", srv.TenantID,
		"client_id", client.ClientID,
		"request_id", req.ID,
		"profile", ac.profile)
	return req, nil
}

func (s *Server) rejectAuthorization(ctx context.Context, srv *storage.ServerConfiguration, client *storage.ClientConfiguration, profile storage.Profile, err error) {
	oauthErr := AsOAuthError(err)
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationRequestRejected,
		TenantID: srv.TenantID,
		ClientID: client.ClientID,
		Details: map[string]any{
			"error":       oauthErr.Code,
			"description": oauthErr.Description,
		},
	})
	s.metrics.RecordAuthorizationRequest(ctx, srv.TenantID, string(profile), false)
	s.logOutcome("authorize", srv.TenantID, client.ClientID, err)
}

// AuthorizationResult is the outcome of the interactive step, supplied by the host
type AuthorizationResult struct {
	// Denied sends access_denied back to the client
	Denied bool

	User *storage.User

	// GrantedScopes narrows the requested scopes; nil grants all of them
	GrantedScopes []string

	Claims           map[string]any
	CustomProperties map[string]any
	AuthTime         time.Time
}

// AuthorizationResponse is the front-channel response to deliver to the client
type AuthorizationResponse struct {
	RedirectURI string

	// ResponseMode is query, fragment or form_post
	ResponseMode string
	Params       url.Values
}

// URL returns the redirect location for query and fragment responses.
// form_post responses are rendered by the HTTP layer from Params.
func (r *AuthorizationResponse) URL() string {
	return buildRedirectURL(r.RedirectURI, r.ResponseMode, r.Params)
}

func buildRedirectURL(redirectURI, mode string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	if mode == ResponseModeFragment {
		u.Fragment = params.Encode()
		return u.String()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// CompleteAuthorization turns an accepted authorization request into an
// authorization code (and id_token for hybrid requests). The request itself is kept.
func (s *Server) CompleteAuthorization(ctx context.Context, tenantID, requestID string, result *AuthorizationResult) (*AuthorizationResponse, error) {
	ctx, span := s.startSpan(ctx, "CompleteAuthorization")
	defer span.End()

	req, err := s.repos.AuthorizationRequests.GetAuthorizationRequest(ctx, tenantID, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, ErrInvalidRequest("unknown authorization request")
		}
		return nil, ErrServerError("failed to load authorization request", err)
	}
	if s.isExpired(req.ExpiresAt) {
		return nil, ErrInvalidRequest("authorization request has expired")
	}

	t, err := s.tenants.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	client, err := s.tenants.client(ctx, tenantID, req.ClientID)
	if err != nil {
		return nil, err
	}
	if err := s.checkConfigVersions(t.config, client, req.ServerConfigVersion, req.ClientConfigVersion); err != nil {
		return nil, err
	}
	instrumentation.AddFlowAttributes(span, tenantID, req.ClientID, storage.JoinSpaceDelimited(req.Scopes))

	mode, jarm := splitResponseMode(req.ResponseMode)
	params := url.Values{}
	if req.State != "" {
		params.Set("state", req.State)
	}
	params.Set("iss", t.config.Issuer)

	if result == nil || result.Denied || result.User == nil {
		params.Set("error", ErrorCodeAccessDenied)
		params.Set("error_description", "the resource owner denied the request")
		return s.authorizationResponse(t, client, req, mode, jarm, params)
	}

	scopes := req.Scopes
	if result.GrantedScopes != nil {
		scopes = make([]string, 0, len(result.GrantedScopes))
		for _, scope := range result.GrantedScopes {
			if slices.Contains(req.Scopes, scope) {
				scopes = append(scopes, scope)
			}
		}
	}
	authTime := result.AuthTime
	if authTime.IsZero() {
		authTime = s.now()
	}

	now := s.now()
	grant := &storage.AuthorizationCodeGrant{
		Code:                   oauth2.GenerateVerifier(),
		TenantID:               tenantID,
		AuthorizationRequestID: req.ID,
		ClientID:               req.ClientID,
		RedirectURI:            req.RedirectURI,
		RedirectURIProvided:    req.RedirectURIProvided,
		User:                   result.User,
		Scopes:                 scopes,
		Claims:                 result.Claims,
		CustomProperties:       result.CustomProperties,
		AuthorizationDetails:   req.AuthorizationDetails,
		Nonce:                  req.Nonce,
		CodeChallenge:          req.CodeChallenge,
		CodeChallengeMethod:    req.CodeChallengeMethod,
		AuthTime:               authTime,
		ServerConfigVersion:    req.ServerConfigVersion,
		ClientConfigVersion:    req.ClientConfigVersion,
		CreatedAt:              now,
		ExpiresAt:              now.Add(ttl(t.config.AuthorizationCodeTTL, s.Config.AuthorizationCodeTTL)),
	}
	if err := s.repos.AuthorizationCodeGrants.RegisterAuthorizationCodeGrant(ctx, grant); err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("failed to store authorization code", err)
	}
	params.Set("code", grant.Code)

	if returnsIDToken(req.ResponseType) {
		idToken, err := s.buildIDToken(t, client.ClientID, &idTokenInput{
			user:     result.User,
			scopes:   scopes,
			claims:   result.Claims,
			nonce:    req.Nonce,
			authTime: authTime,
			code:     grant.Code,
			state:    req.State,
		})
		if err != nil {
			return nil, ErrServerError("failed to issue id_token", err)
		}
		params.Set("id_token", idToken)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		TenantID: tenantID,
		UserID:   result.User.Subject,
		ClientID: client.ClientID,
		Details: map[string]any{
			"request_id": req.ID,
			"scope":      storage.JoinSpaceDelimited(scopes),
		},
	})
	s.Logger.Info("Authorization code issued",
		"tenant_id", tenantID,
		"client_id", client.ClientID,
		"request_id", req.ID,
		"code_prefix", util.SafeTruncate(grant.Code, 8))
	instrumentation.SetSpanSuccess(span)

	return s.authorizationResponse(t, client, req, mode, jarm, params)
}

// authorizationResponse wraps params into a signed JARM response when requested
func (s *Server) authorizationResponse(t *tenant, client *storage.ClientConfiguration, req *storage.AuthorizationRequest, mode string, jarm bool, params url.Values) (*AuthorizationResponse, error) {
	resp := &AuthorizationResponse{RedirectURI: req.RedirectURI, ResponseMode: mode, Params: params}
	if !jarm {
		return resp, nil
	}

	now := s.now()
	claims := map[string]any{
		"iss": t.config.Issuer,
		"aud": client.ClientID,
		"iat": now,
		"exp": now.Add(jarmLifetime),
	}
	for k := range params {
		if k == "iss" {
			continue
		}
		claims[k] = params.Get(k)
	}
	signed, err := signJWT(t.keys, JWTTypeJARM, claims)
	if err != nil {
		return nil, ErrServerError("failed to sign authorization response", err)
	}
	resp.Params = url.Values{"response": {signed}}
	return resp, nil
}
