package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/segmentio/ksuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// maxCibaUpdateAttempts bounds compare-and-swap retries on a CIBA grant
const maxCibaUpdateAttempts = 5

// CIBA poll outcomes recorded in metrics
const (
	pollOutcomePending  = "authorization_pending"
	pollOutcomeSlowDown = "slow_down"
	pollOutcomeExpired  = "expired_token"
	pollOutcomeDenied   = "access_denied"
	pollOutcomeIssued   = "issued"
)

// BackchannelRequest is a backchannel authentication endpoint request
type BackchannelRequest struct {
	TenantID                string `form:"-" validate:"required"`
	Scope                   string `form:"scope"`
	ClientNotificationToken string `form:"client_notification_token" validate:"omitempty,max=1024"`
	ACRValues               string `form:"acr_values"`
	LoginHintToken          string `form:"login_hint_token"`
	IDTokenHint             string `form:"id_token_hint"`
	LoginHint               string `form:"login_hint"`
	BindingMessage          string `form:"binding_message" validate:"omitempty,max=128"`
	UserCode                string `form:"user_code"`
	RequestedExpiry         string `form:"requested_expiry"`
	Request                 string `form:"request"`
	AuthorizationDetails    string `form:"authorization_details"`

	Client ClientAuthRequest `form:"-"`
}

// BackchannelResponse is returned for an accepted backchannel request
type BackchannelResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval"`
}

// BackchannelAuthorization is the user's approval of a backchannel request
type BackchannelAuthorization struct {
	// GrantedScopes narrows the requested scopes; nil grants all of them
	GrantedScopes    []string
	Claims           map[string]any
	CustomProperties map[string]any
	AuthTime         time.Time
}

// RequestBackchannelAuthentication validates a CIBA request, resolves the user
// and creates a pending grant.
func (s *Server) RequestBackchannelAuthentication(ctx context.Context, req *BackchannelRequest, delegate CibaRequestDelegate) (*BackchannelResponse, error) {
	ctx, span := s.startSpan(ctx, "RequestBackchannelAuthentication")
	defer span.End()

	if delegate == nil {
		return nil, ErrServerError("no CIBA request delegate", nil)
	}

	t, client, err := s.authenticateClient(ctx, req.TenantID, &req.Client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	srv := t.config

	resp, err := s.requestBackchannelAuthentication(ctx, t, client, req, delegate)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.logOutcome("backchannel_authentication", srv.TenantID, client.ClientID, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (s *Server) requestBackchannelAuthentication(ctx context.Context, t *tenant, client *storage.ClientConfiguration, req *BackchannelRequest, delegate CibaRequestDelegate) (*BackchannelResponse, error) {
	srv := t.config
	if !srv.SupportsGrantType(storage.GrantTypeCIBA) || !client.SupportsGrantType(storage.GrantTypeCIBA) {
		return nil, ErrUnauthorizedClient("client is not allowed the CIBA grant")
	}

	var ro *requestObject
	if req.Request != "" {
		var err error
		ro, err = s.loadRequestObject(ctx, srv, client, req.Request, "")
		if err != nil {
			return nil, err
		}
		if err := s.verifyRequestObjectClaims(ctx, srv, client, ro); err != nil {
			return nil, err
		}
		if !audienceMatches(ro.token.Audience(), []string{srv.Issuer}) {
			return nil, ErrInvalidRequestObject("request object aud must contain the issuer")
		}
		if err := req.applyRequestObject(ro); err != nil {
			return nil, ErrInvalidRequestObject(err.Error())
		}
	}

	if err := validate.Struct(req); err != nil {
		if fe, ok := firstInvalidField(err); ok && fe.Field() == "binding_message" {
			return nil, ErrInvalidBindingMessage("binding_message is too long")
		}
		return nil, validationError(err)
	}

	scopes := filterScopes(storage.SplitSpaceDelimited(req.Scope), client, srv)
	if !slices.Contains(scopes, ScopeOpenID) {
		return nil, ErrInvalidScope("the openid scope is required")
	}
	profile := AnalyzeBackchannelProfile(scopes, srv)

	hints := 0
	for _, h := range []string{req.LoginHint, req.LoginHintToken, req.IDTokenHint} {
		if h != "" {
			hints++
		}
	}
	if hints != 1 {
		return nil, ErrInvalidRequest("exactly one of login_hint, login_hint_token and id_token_hint is required")
	}

	mode := client.DeliveryMode()
	switch {
	case mode == storage.DeliveryModePush:
		return nil, ErrInvalidRequest("push token delivery is not supported")
	case !srv.SupportsDeliveryMode(mode):
		return nil, ErrInvalidRequest("token delivery mode " + mode + " is not enabled on this server")
	case mode == storage.DeliveryModePing && req.ClientNotificationToken == "":
		return nil, ErrInvalidRequest("client_notification_token is required for ping mode")
	case mode == storage.DeliveryModePing && client.BackchannelClientNotificationEndpoint == "":
		return nil, ErrInvalidRequest("client has no notification endpoint")
	}

	var requestedExpiry int64
	if req.RequestedExpiry != "" {
		v, err := strconv.ParseInt(req.RequestedExpiry, 10, 64)
		if err != nil || v <= 0 {
			return nil, ErrInvalidRequest("requested_expiry must be a positive integer")
		}
		requestedExpiry = v
	}

	if req.UserCode == "" && client.BackchannelUserCodeParameter && srv.BackchannelUserCodeParameterSupported {
		return nil, ErrMissingUserCode("user_code is required")
	}

	if profile == storage.ProfileFAPICIBA {
		if ro == nil {
			return nil, ErrInvalidRequest("a signed request object is required")
		}
		if req.BindingMessage == "" {
			return nil, ErrInvalidBindingMessage("binding_message is required")
		}
		switch client.TokenEndpointAuthMethod {
		case storage.AuthMethodPrivateKeyJWT, storage.AuthMethodTLSClientAuth, storage.AuthMethodSelfSignedTLSClientAuth:
		default:
			return nil, ErrUnauthorizedClient("client authentication method is not allowed")
		}
	}

	details, err := parseAuthorizationDetails(req.AuthorizationDetails)
	if err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}

	hint := &LoginHint{LoginHint: req.LoginHint, LoginHintToken: req.LoginHintToken}
	if req.IDTokenHint != "" {
		sub, err := s.verifyIDTokenHint(ctx, t, client.ClientID, req.IDTokenHint)
		if err != nil {
			return nil, err
		}
		hint.IDTokenHintSubject = sub
	}

	user, err := delegate.Find(ctx, srv.TenantID, hint)
	if err != nil {
		return nil, ErrServerError("failed to resolve user", err)
	}
	if user == nil {
		return nil, ErrUnknownUserID("the user could not be identified")
	}
	if req.UserCode != "" {
		ok, err := delegate.Authenticate(ctx, srv.TenantID, user, req.UserCode)
		if err != nil {
			return nil, ErrServerError("failed to verify user_code", err)
		}
		if !ok {
			return nil, ErrInvalidUserCode("user_code is invalid")
		}
	}

	now := s.now()
	expiresIn := ttl(srv.BackchannelAuthRequestTTL, s.Config.BackchannelAuthRequestTTL)
	if requestedExpiry > 0 && time.Duration(requestedExpiry)*time.Second < expiresIn {
		expiresIn = time.Duration(requestedExpiry) * time.Second
	}
	interval := srv.BackchannelPollingInterval
	if interval <= 0 {
		interval = s.Config.BackchannelPollingInterval
	}

	backchannelReq := &storage.BackchannelAuthenticationRequest{
		ID:                      ksuid.New().String(),
		TenantID:                srv.TenantID,
		ClientID:                client.ClientID,
		Profile:                 profile,
		Scopes:                  scopes,
		LoginHint:               req.LoginHint,
		LoginHintToken:          req.LoginHintToken,
		IDTokenHintSubject:      hint.IDTokenHintSubject,
		BindingMessage:          req.BindingMessage,
		ACRValues:               req.ACRValues,
		ClientNotificationToken: req.ClientNotificationToken,
		DeliveryMode:            mode,
		RequestedExpiry:         requestedExpiry,
		AuthorizationDetails:    details,
		CreatedAt:               now,
		ExpiresAt:               now.Add(expiresIn),
	}
	if err := s.repos.BackchannelAuthRequests.RegisterBackchannelAuthenticationRequest(ctx, backchannelReq); err != nil {
		return nil, ErrServerError("failed to store backchannel request", err)
	}

	grant := &storage.CibaGrant{
		AuthReqID:            oauth2.GenerateVerifier(),
		TenantID:             srv.TenantID,
		BackchannelRequestID: backchannelReq.ID,
		ClientID:             client.ClientID,
		User:                 user,
		Scopes:               scopes,
		AuthorizationDetails: details,
		Status:               storage.CibaStatusPending,
		Interval:             interval,
		ServerConfigVersion:  srv.Version,
		ClientConfigVersion:  client.Version,
		CreatedAt:            now,
		ExpiresAt:            backchannelReq.ExpiresAt,
	}
	if err := s.repos.CibaGrants.RegisterCibaGrant(ctx, grant); err != nil {
		if delErr := s.repos.BackchannelAuthRequests.DeleteBackchannelAuthenticationRequest(ctx, srv.TenantID, backchannelReq.ID); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
			s.Logger.Warn("Failed to delete orphaned backchannel request",
				"tenant_id", srv.TenantID,
				"request_id", backchannelReq.ID,
				"error", delErr)
		}
		return nil, ErrServerError("failed to store CIBA grant", err)
	}

	if err := delegate.Notify(ctx, srv.TenantID, user, backchannelReq); err != nil {
		s.Logger.Warn("Failed to notify authentication device",
			"tenant_id", srv.TenantID,
			"client_id", client.ClientID,
			"request_id", backchannelReq.ID,
			"error", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventCibaRequestAccepted,
		TenantID:  srv.TenantID,
		UserID:    user.Subject,
		ClientID:  client.ClientID,
		IPAddress: req.Client.ClientIP,
		Details: map[string]any{
			"profile":       string(profile),
			"delivery_mode": mode,
			"request_id":    backchannelReq.ID,
		},
	})
	s.metrics.RecordCibaRequest(ctx, srv.TenantID, mode)
	s.Logger.Info("Backchannel authentication request accepted",
		"tenant_id", srv.TenantID,
		"client_id", client.ClientID,
		"request_id", backchannelReq.ID,
		"auth_req_id_prefix", util.SafeTruncate(grant.AuthReqID, 8))

	return &BackchannelResponse{
		AuthReqID: grant.AuthReqID,
		ExpiresIn: int64(expiresIn.Seconds()),
		Interval:  interval,
	}, nil
}

// applyRequestObject overrides the request with the claims of a signed request
func (req *BackchannelRequest) applyRequestObject(ro *requestObject) error {
	fields := map[string]*string{
		"scope":                     &req.Scope,
		"client_notification_token": &req.ClientNotificationToken,
		"acr_values":                &req.ACRValues,
		"login_hint_token":          &req.LoginHintToken,
		"id_token_hint":             &req.IDTokenHint,
		"login_hint":                &req.LoginHint,
		"binding_message":           &req.BindingMessage,
		"user_code":                 &req.UserCode,
		"requested_expiry":          &req.RequestedExpiry,
		"authorization_details":     &req.AuthorizationDetails,
	}
	for name, raw := range ro.token.PrivateClaims() {
		field, ok := fields[name]
		if !ok {
			continue
		}
		value, err := claimString(raw)
		if err != nil {
			return fmt.Errorf("request object claim %s: %w", name, err)
		}
		*field = value
	}
	return nil
}

// verifyIDTokenHint checks that the hint is an id_token this tenant issued to
// the client and returns its subject. Expired hints are accepted.
func (s *Server) verifyIDTokenHint(ctx context.Context, t *tenant, clientID, raw string) (string, error) {
	if t.keys == nil {
		return "", ErrInvalidRequest("id_token_hint cannot be verified")
	}
	keys, err := t.keys.publicKeys()
	if err != nil {
		return "", ErrServerError("failed to load tenant keys", err)
	}
	verifier := oidc.NewVerifier(t.config.Issuer, &oidc.StaticKeySet{PublicKeys: keys}, &oidc.Config{
		SkipClientIDCheck:    true,
		SkipExpiryCheck:      true,
		SupportedSigningAlgs: []string{t.keys.alg.String()},
		Now:                  s.now,
	})
	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return "", ErrInvalidRequest("id_token_hint is invalid")
	}
	if !slices.Contains(idToken.Audience, clientID) {
		return "", ErrInvalidRequest("id_token_hint was not issued to the client")
	}
	return idToken.Subject, nil
}

// AuthorizeBackchannel records the user's approval of a pending CIBA grant
func (s *Server) AuthorizeBackchannel(ctx context.Context, tenantID, authReqID string, approval *BackchannelAuthorization) error {
	ctx, span := s.startSpan(ctx, "AuthorizeBackchannel")
	defer span.End()

	if approval == nil {
		approval = &BackchannelAuthorization{}
	}
	grant, err := s.transitionCibaGrant(ctx, tenantID, authReqID, storage.CibaStatusAuthorized, func(g *storage.CibaGrant) {
		if approval.GrantedScopes != nil {
			scopes := make([]string, 0, len(approval.GrantedScopes))
			for _, scope := range approval.GrantedScopes {
				if slices.Contains(g.Scopes, scope) {
					scopes = append(scopes, scope)
				}
			}
			g.Scopes = scopes
		}
		g.Claims = approval.Claims
		g.CustomProperties = approval.CustomProperties
		g.AuthTime = approval.AuthTime
		if g.AuthTime.IsZero() {
			g.AuthTime = s.now()
		}
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	s.Auditor.LogCibaTransition(tenantID, grant.Subject(), grant.ClientID, security.EventCibaAuthorized)
	s.notifyClient(ctx, grant)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// DenyBackchannel records the user's refusal of a pending CIBA grant
func (s *Server) DenyBackchannel(ctx context.Context, tenantID, authReqID string) error {
	ctx, span := s.startSpan(ctx, "DenyBackchannel")
	defer span.End()

	grant, err := s.transitionCibaGrant(ctx, tenantID, authReqID, storage.CibaStatusDenied, nil)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	s.Auditor.LogCibaTransition(tenantID, grant.Subject(), grant.ClientID, security.EventCibaDenied)
	s.notifyClient(ctx, grant)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// transitionCibaGrant moves a PENDING grant to next with compare-and-swap,
// retrying when another writer (usually a poll) got there first.
func (s *Server) transitionCibaGrant(ctx context.Context, tenantID, authReqID string, next storage.CibaStatus, mutate func(*storage.CibaGrant)) (*storage.CibaGrant, error) {
	for range maxCibaUpdateAttempts {
		grant, err := s.repos.CibaGrants.FindCibaGrant(ctx, tenantID, authReqID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
				return nil, ErrInvalidGrant("unknown auth_req_id")
			}
			return nil, ErrServerError("failed to load CIBA grant", err)
		}
		if grant.Status == storage.CibaStatusPending && s.isExpired(grant.ExpiresAt) {
			s.expireCibaGrant(ctx, grant)
			return nil, ErrExpiredToken()
		}
		if !grant.Status.CanTransitionTo(next) {
			return nil, ErrInvalidGrant(fmt.Sprintf("CIBA grant is already %s", grant.Status))
		}

		updated := grant.Clone()
		updated.Status = next
		if mutate != nil {
			mutate(updated)
		}
		stored, err := s.repos.CibaGrants.UpdateCibaGrant(ctx, updated)
		if errors.Is(err, storage.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return nil, ErrServerError("failed to update CIBA grant", err)
		}

		s.Logger.Info("CIBA grant transitioned",
			"tenant_id", tenantID,
			"client_id", stored.ClientID,
			"status", stored.Status,
			"auth_req_id_prefix", util.SafeTruncate(authReqID, 8))
		return stored, nil
	}
	return nil, ErrServerError("CIBA grant is under contention", storage.ErrConcurrentModification)
}

// expireCibaGrant persists EXPIRED. Losing the race is fine; the grant is expired either way.
func (s *Server) expireCibaGrant(ctx context.Context, grant *storage.CibaGrant) {
	if grant.Status == storage.CibaStatusExpired {
		return
	}
	updated := grant.Clone()
	updated.Status = storage.CibaStatusExpired
	if _, err := s.repos.CibaGrants.UpdateCibaGrant(ctx, updated); err != nil && !errors.Is(err, storage.ErrConcurrentModification) {
		s.Logger.Warn("Failed to mark CIBA grant expired",
			"tenant_id", grant.TenantID,
			"error", err)
	}
}

// notifyClient pings a ping-mode client after a transition. Failures are
// logged and audited; the transition stands.
func (s *Server) notifyClient(ctx context.Context, grant *storage.CibaGrant) {
	req, err := s.repos.BackchannelAuthRequests.FindBackchannelAuthenticationRequest(ctx, grant.TenantID, grant.BackchannelRequestID)
	if err != nil {
		s.Logger.Warn("Failed to load backchannel request for notification",
			"tenant_id", grant.TenantID,
			"error", err)
		return
	}
	if req.DeliveryMode != storage.DeliveryModePing {
		return
	}
	client, err := s.tenants.client(ctx, grant.TenantID, grant.ClientID)
	if err != nil {
		s.notificationFailed(grant, err)
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, s.Config.NotificationTimeout)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, client.BackchannelClientNotificationEndpoint, req.ClientNotificationToken, grant.AuthReqID); err != nil {
		s.notificationFailed(grant, err)
	}
}

func (s *Server) notificationFailed(grant *storage.CibaGrant, err error) {
	s.Logger.Warn("CIBA client notification failed",
		"tenant_id", grant.TenantID,
		"client_id", grant.ClientID,
		"error", err)
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventCibaNotificationFailed,
		TenantID: grant.TenantID,
		UserID:   grant.Subject(),
		ClientID: grant.ClientID,
		Details:  map[string]any{"error": err.Error()},
	})
}

// verifyCibaGrant is the poll side of the CIBA grant at the token endpoint
func (s *Server) verifyCibaGrant(ctx context.Context, gc *grantContext) (*mintInput, error) {
	authReqID := gc.req.AuthReqID
	if authReqID == "" {
		return nil, ErrInvalidRequest("auth_req_id is required")
	}

	grant, err := s.repos.CibaGrants.FindCibaGrant(ctx, gc.tenantID(), authReqID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, ErrInvalidGrant("unknown auth_req_id")
		}
		return nil, ErrServerError("failed to load CIBA grant", err)
	}
	if grant.ClientID != gc.client.ClientID || grant.Consumed {
		return nil, ErrInvalidGrant("unknown auth_req_id")
	}

	now := s.now()
	if !grant.LastPolledAt.IsZero() && now.Before(grant.LastPolledAt.Add(grant.IntervalDuration())) {
		s.metrics.RecordCibaPoll(ctx, pollOutcomeSlowDown)
		return nil, ErrSlowDown()
	}

	if grant.Status == storage.CibaStatusExpired || s.isExpired(grant.ExpiresAt) {
		s.expireCibaGrant(ctx, grant)
		s.metrics.RecordCibaPoll(ctx, pollOutcomeExpired)
		return nil, ErrExpiredToken()
	}

	switch grant.Status {
	case storage.CibaStatusDenied:
		s.metrics.RecordCibaPoll(ctx, pollOutcomeDenied)
		return nil, ErrAccessDenied("the user denied the request")

	case storage.CibaStatusPending:
		updated := grant.Clone()
		updated.LastPolledAt = now
		if _, err := s.repos.CibaGrants.UpdateCibaGrant(ctx, updated); err != nil && !errors.Is(err, storage.ErrConcurrentModification) {
			return nil, ErrServerError("failed to record poll", err)
		}
		s.metrics.RecordCibaPoll(ctx, pollOutcomePending)
		return nil, ErrAuthorizationPending()

	case storage.CibaStatusAuthorized:
		if err := s.checkConfigVersions(gc.tenant.config, gc.client, grant.ServerConfigVersion, grant.ClientConfigVersion); err != nil {
			return nil, err
		}
		updated := grant.Clone()
		updated.Consumed = true
		updated.LastPolledAt = now
		stored, err := s.repos.CibaGrants.UpdateCibaGrant(ctx, updated)
		if errors.Is(err, storage.ErrConcurrentModification) {
			return nil, ErrInvalidGrant("auth_req_id has already been redeemed")
		}
		if err != nil {
			return nil, ErrServerError("failed to redeem CIBA grant", err)
		}
		gc.cibaGrant = stored
		s.metrics.RecordCibaPoll(ctx, pollOutcomeIssued)

		return &mintInput{
			user:                 stored.User,
			scopes:               stored.Scopes,
			claims:               stored.Claims,
			customProperties:     stored.CustomProperties,
			authorizationDetails: stored.AuthorizationDetails,
			authTime:             stored.AuthTime,
			issueRefreshToken:    gc.client.SupportsGrantType(storage.GrantTypeRefreshToken),
		}, nil
	}
	return nil, ErrInvalidGrant(fmt.Sprintf("CIBA grant is %s", grant.Status))
}

func (s *Server) mintCibaGrant(ctx context.Context, gc *grantContext, in *mintInput) (*storage.OAuthToken, error) {
	token, err := s.mint(ctx, in)
	if err != nil {
		return nil, err
	}
	grant := gc.cibaGrant
	if err := s.repos.CibaGrants.DeleteCibaGrant(ctx, grant.TenantID, grant.AuthReqID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Warn("Failed to delete redeemed CIBA grant", "tenant_id", grant.TenantID, "error", err)
	}
	if err := s.repos.BackchannelAuthRequests.DeleteBackchannelAuthenticationRequest(ctx, grant.TenantID, grant.BackchannelRequestID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Warn("Failed to delete backchannel request", "tenant_id", grant.TenantID, "error", err)
	}
	return token, nil
}
