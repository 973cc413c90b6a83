package server_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/server/mocks"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/storage/mock"
)

// permissiveDelegate resolves every hint to testUser and accepts every user_code
func permissiveDelegate(t *testing.T) *mocks.MockCibaRequestDelegate {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockCibaRequestDelegate(ctrl)
	d.EXPECT().Find(gomock.Any(), testTenant, gomock.Any()).Return(testUser, nil).AnyTimes()
	d.EXPECT().Authenticate(gomock.Any(), testTenant, testUser, gomock.Any()).Return(true, nil).AnyTimes()
	d.EXPECT().Notify(gomock.Any(), testTenant, testUser, gomock.Any()).Return(nil).AnyTimes()
	return d
}

func backchannelRequest(clientID string) *server.BackchannelRequest {
	return &server.BackchannelRequest{
		TenantID:       testTenant,
		Scope:          "openid profile",
		LoginHint:      "alice@example.com",
		BindingMessage: "W4SCT",
		Client:         basicAuth(clientID),
	}
}

func (f *fixture) poll(clientID, authReqID string) (*server.TokenResponse, error) {
	return f.srv.Token(context.Background(), &server.TokenRequest{
		TenantID:  testTenant,
		GrantType: storage.GrantTypeCIBA,
		AuthReqID: authReqID,
		Client:    basicAuth(clientID),
	})
}

func (f *fixture) startBackchannel(t *testing.T, req *server.BackchannelRequest) *server.BackchannelResponse {
	t.Helper()
	resp, err := f.srv.RequestBackchannelAuthentication(context.Background(), req, permissiveDelegate(t))
	if err != nil {
		t.Fatalf("RequestBackchannelAuthentication() error = %v", err)
	}
	return resp
}

func TestBackchannel_PollFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ctrl := gomock.NewController(t)
	delegate := mocks.NewMockCibaRequestDelegate(ctrl)
	delegate.EXPECT().
		Find(gomock.Any(), testTenant, &server.LoginHint{LoginHint: "alice@example.com"}).
		Return(testUser, nil)
	delegate.EXPECT().
		Notify(gomock.Any(), testTenant, testUser, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ *storage.User, req *storage.BackchannelAuthenticationRequest) error {
			if req.BindingMessage != "W4SCT" || req.DeliveryMode != storage.DeliveryModePoll {
				t.Errorf("device notified with %+v", req)
			}
			return nil
		})

	resp, err := f.srv.RequestBackchannelAuthentication(ctx, backchannelRequest("ciba"), delegate)
	if err != nil {
		t.Fatalf("RequestBackchannelAuthentication() error = %v", err)
	}
	if resp.AuthReqID == "" || resp.ExpiresIn != 600 || resp.Interval != 5 {
		t.Fatalf("response = %+v", resp)
	}

	_, err = f.poll("ciba", resp.AuthReqID)
	oauthErr := requireOAuthError(t, err, server.ErrorCodeAuthorizationPending)
	if !server.IsPollingOutcome(oauthErr) {
		t.Error("authorization_pending should be a polling outcome")
	}

	_, err = f.poll("ciba", resp.AuthReqID)
	requireOAuthError(t, err, server.ErrorCodeSlowDown)

	f.clock.Advance(5 * time.Second)
	_, err = f.poll("ciba", resp.AuthReqID)
	requireOAuthError(t, err, server.ErrorCodeAuthorizationPending)

	if err := f.srv.AuthorizeBackchannel(ctx, testTenant, resp.AuthReqID, &server.BackchannelAuthorization{
		Claims: map[string]any{"acr": "urn:example:loa:2"},
	}); err != nil {
		t.Fatalf("AuthorizeBackchannel() error = %v", err)
	}

	f.clock.Advance(5 * time.Second)
	tokens, err := f.poll("ciba", resp.AuthReqID)
	if err != nil {
		t.Fatalf("poll after approval: %v", err)
	}
	if tokens.Scope != "openid profile" {
		t.Errorf("Scope = %q", tokens.Scope)
	}
	if tokens.RefreshToken == "" {
		t.Error("client with refresh_token grant should get a refresh token")
	}
	idToken := f.parseTenantJWT(t, tokens.IDToken)
	if idToken.Subject() != "alice" {
		t.Errorf("id_token sub = %q", idToken.Subject())
	}
	if idToken.PrivateClaims()["acr"] != "urn:example:loa:2" {
		t.Errorf("acr = %v", idToken.PrivateClaims()["acr"])
	}

	stored, err := f.store.FindOAuthTokenByAccessToken(ctx, testIssuer, tokens.AccessToken)
	if err != nil {
		t.Fatalf("token not stored: %v", err)
	}
	if stored.GrantType != storage.GrantTypeCIBA {
		t.Errorf("GrantType = %q", stored.GrantType)
	}

	f.clock.Advance(5 * time.Second)
	_, err = f.poll("ciba", resp.AuthReqID)
	requireOAuthError(t, err, server.ErrorCodeInvalidGrant)
}

func TestBackchannel_GrantedScopesNarrowRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := backchannelRequest("ciba")
	req.Scope = "openid profile read"
	resp := f.startBackchannel(t, req)

	if err := f.srv.AuthorizeBackchannel(ctx, testTenant, resp.AuthReqID, &server.BackchannelAuthorization{
		GrantedScopes: []string{"openid", "read", "admin"},
	}); err != nil {
		t.Fatalf("AuthorizeBackchannel() error = %v", err)
	}

	tokens, err := f.poll("ciba", resp.AuthReqID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if tokens.Scope != "openid read" {
		t.Errorf("Scope = %q, want openid read", tokens.Scope)
	}
}

func TestBackchannel_Denied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.startBackchannel(t, backchannelRequest("ciba"))

	if err := f.srv.DenyBackchannel(ctx, testTenant, resp.AuthReqID); err != nil {
		t.Fatalf("DenyBackchannel() error = %v", err)
	}

	_, err := f.poll("ciba", resp.AuthReqID)
	oauthErr := requireOAuthError(t, err, server.ErrorCodeAccessDenied)
	if oauthErr.Kind != server.KindPolling {
		t.Errorf("Kind = %v", oauthErr.Kind)
	}

	err = f.srv.AuthorizeBackchannel(ctx, testTenant, resp.AuthReqID, nil)
	requireOAuthError(t, err, server.ErrorCodeInvalidGrant)
}

func TestBackchannel_TransitionsOnlyFromPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.startBackchannel(t, backchannelRequest("ciba"))

	if err := f.srv.AuthorizeBackchannel(ctx, testTenant, resp.AuthReqID, nil); err != nil {
		t.Fatalf("AuthorizeBackchannel() error = %v", err)
	}
	err := f.srv.AuthorizeBackchannel(ctx, testTenant, resp.AuthReqID, nil)
	requireOAuthError(t, err, server.ErrorCodeInvalidGrant)

	err = f.srv.DenyBackchannel(ctx, testTenant, resp.AuthReqID)
	requireOAuthError(t, err, server.ErrorCodeInvalidGrant)

	err = f.srv.AuthorizeBackchannel(ctx, testTenant, "unknown", nil)
	requireOAuthError(t, err, server.ErrorCodeInvalidGrant)
}

func TestBackchannel_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.startBackchannel(t, backchannelRequest("ciba"))

	f.clock.Advance(11 * time.Minute)

	_, err := f.poll("ciba", resp.AuthReqID)
	requireOAuthError(t, err, server.ErrorCodeExpiredToken)

	err = f.srv.AuthorizeBackchannel(ctx, testTenant, resp.AuthReqID, nil)
	requireOAuthError(t, err, server.ErrorCodeInvalidGrant)

	grant, err := f.store.FindCibaGrant(ctx, testTenant, resp.AuthReqID)
	if err != nil {
		t.Fatalf("FindCibaGrant() error = %v", err)
	}
	if grant.Status != storage.CibaStatusExpired {
		t.Errorf("Status = %s, want EXPIRED", grant.Status)
	}
}

func TestBackchannel_ApprovalAfterExpiry(t *testing.T) {
	f := newFixture(t)
	resp := f.startBackchannel(t, backchannelRequest("ciba"))

	f.clock.Advance(11 * time.Minute)
	err := f.srv.AuthorizeBackchannel(context.Background(), testTenant, resp.AuthReqID, nil)
	requireOAuthError(t, err, server.ErrorCodeExpiredToken)
}

func TestBackchannel_RequestedExpiry(t *testing.T) {
	f := newFixture(t)

	req := backchannelRequest("ciba")
	req.RequestedExpiry = "120"
	resp := f.startBackchannel(t, req)
	if resp.ExpiresIn != 120 {
		t.Errorf("ExpiresIn = %d, want 120", resp.ExpiresIn)
	}

	// a longer expiry than the tenant allows is capped
	req = backchannelRequest("ciba")
	req.RequestedExpiry = "86400"
	resp = f.startBackchannel(t, req)
	if resp.ExpiresIn != 600 {
		t.Errorf("ExpiresIn = %d, want 600", resp.ExpiresIn)
	}
}

func TestBackchannel_PollByAnotherClient(t *testing.T) {
	f := newFixture(t)
	resp := f.startBackchannel(t, backchannelRequest("ciba"))

	_, err := f.srv.Token(context.Background(), &server.TokenRequest{
		TenantID:  testTenant,
		GrantType: storage.GrantTypeCIBA,
		AuthReqID: resp.AuthReqID,
		Client:    f.jwtAuth(t),
	})
	requireOAuthError(t, err, server.ErrorCodeInvalidGrant)
}

func TestBackchannel_RequestErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(req *server.BackchannelRequest)
		wantCode string
	}{
		{
			name:     "without openid",
			mutate:   func(req *server.BackchannelRequest) { req.Scope = "profile" },
			wantCode: server.ErrorCodeInvalidScope,
		},
		{
			name:     "without hint",
			mutate:   func(req *server.BackchannelRequest) { req.LoginHint = "" },
			wantCode: server.ErrorCodeInvalidRequest,
		},
		{
			name:     "with two hints",
			mutate:   func(req *server.BackchannelRequest) { req.LoginHintToken = "eyJhbGciOi" },
			wantCode: server.ErrorCodeInvalidRequest,
		},
		{
			name:     "binding message too long",
			mutate:   func(req *server.BackchannelRequest) { req.BindingMessage = strings.Repeat("x", 129) },
			wantCode: server.ErrorCodeInvalidBindingMessage,
		},
		{
			name:     "malformed requested_expiry",
			mutate:   func(req *server.BackchannelRequest) { req.RequestedExpiry = "soon" },
			wantCode: server.ErrorCodeInvalidRequest,
		},
		{
			name:     "negative requested_expiry",
			mutate:   func(req *server.BackchannelRequest) { req.RequestedExpiry = "-5" },
			wantCode: server.ErrorCodeInvalidRequest,
		},
		{
			name:     "client without the CIBA grant",
			mutate:   func(req *server.BackchannelRequest) { req.Client = basicAuth("web") },
			wantCode: server.ErrorCodeUnauthorizedClient,
		},
		{
			name:     "bad client credentials",
			mutate:   func(req *server.BackchannelRequest) { req.Client.BasicSecret = "wrong" },
			wantCode: server.ErrorCodeInvalidClient,
		},
		{
			name:     "malformed authorization_details",
			mutate:   func(req *server.BackchannelRequest) { req.AuthorizationDetails = `{"type":` },
			wantCode: server.ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := backchannelRequest("ciba")
			tt.mutate(req)

			_, err := f.srv.RequestBackchannelAuthentication(context.Background(), req, permissiveDelegate(t))
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestBackchannel_UserResolution(t *testing.T) {
	tests := []struct {
		name     string
		userCode string
		setup    func(d *mocks.MockCibaRequestDelegate)
		wantCode string
	}{
		{
			name: "unknown user",
			setup: func(d *mocks.MockCibaRequestDelegate) {
				d.EXPECT().Find(gomock.Any(), testTenant, gomock.Any()).Return(nil, nil)
			},
			wantCode: server.ErrorCodeUnknownUserID,
		},
		{
			name: "directory failure",
			setup: func(d *mocks.MockCibaRequestDelegate) {
				d.EXPECT().Find(gomock.Any(), testTenant, gomock.Any()).Return(nil, errors.New("ldap: connection refused"))
			},
			wantCode: server.ErrorCodeServerError,
		},
		{
			name:     "wrong user_code",
			userCode: "0000",
			setup: func(d *mocks.MockCibaRequestDelegate) {
				d.EXPECT().Find(gomock.Any(), testTenant, gomock.Any()).Return(testUser, nil)
				d.EXPECT().Authenticate(gomock.Any(), testTenant, testUser, "0000").Return(false, nil)
			},
			wantCode: server.ErrorCodeInvalidUserCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctrl := gomock.NewController(t)
			delegate := mocks.NewMockCibaRequestDelegate(ctrl)
			tt.setup(delegate)

			req := backchannelRequest("ciba")
			req.UserCode = tt.userCode
			_, err := f.srv.RequestBackchannelAuthentication(context.Background(), req, delegate)
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestBackchannel_DeviceNotificationFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	delegate := mocks.NewMockCibaRequestDelegate(ctrl)
	delegate.EXPECT().Find(gomock.Any(), testTenant, gomock.Any()).Return(testUser, nil)
	delegate.EXPECT().Notify(gomock.Any(), testTenant, testUser, gomock.Any()).Return(errors.New("push service down"))

	if _, err := f.srv.RequestBackchannelAuthentication(context.Background(), backchannelRequest("ciba"), delegate); err != nil {
		t.Errorf("request failed on device notification error: %v", err)
	}
}

func TestBackchannel_PingMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := backchannelRequest("ciba-ping")
	req.Scope = "openid"
	_, err := f.srv.RequestBackchannelAuthentication(ctx, req, permissiveDelegate(t))
	requireOAuthError(t, err, server.ErrorCodeInvalidRequest)

	req.ClientNotificationToken = "8d67dc78-7faa-4d41-aabd-67707b374255"
	_, err = f.srv.RequestBackchannelAuthentication(ctx, req, permissiveDelegate(t))
	requireOAuthError(t, err, server.ErrorCodeMissingUserCode)

	req.UserCode = "1234"
	resp := f.startBackchannel(t, req)

	if err := f.srv.AuthorizeBackchannel(ctx, testTenant, resp.AuthReqID, nil); err != nil {
		t.Fatalf("AuthorizeBackchannel() error = %v", err)
	}

	calls := f.notifier.notifications()
	if len(calls) != 1 {
		t.Fatalf("notifications = %v, want 1", calls)
	}
	want := notification{endpoint: testNotify, token: req.ClientNotificationToken, authReqID: resp.AuthReqID}
	if calls[0] != want {
		t.Errorf("notification = %+v, want %+v", calls[0], want)
	}

	tokens, err := f.poll("ciba-ping", resp.AuthReqID)
	if err != nil {
		t.Fatalf("token request after ping: %v", err)
	}
	if tokens.RefreshToken != "" {
		t.Error("client without refresh_token grant got a refresh token")
	}
}

func TestBackchannel_PingNotificationFailureKeepsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.notifier.err = errors.New("connection refused")

	req := backchannelRequest("ciba-ping")
	req.Scope = "openid"
	req.ClientNotificationToken = "token"
	req.UserCode = "1234"
	resp := f.startBackchannel(t, req)

	if err := f.srv.DenyBackchannel(ctx, testTenant, resp.AuthReqID); err != nil {
		t.Fatalf("DenyBackchannel() error = %v", err)
	}
	if len(f.notifier.notifications()) != 1 {
		t.Error("denial was not notified")
	}

	grant, err := f.store.FindCibaGrant(ctx, testTenant, resp.AuthReqID)
	if err != nil {
		t.Fatalf("FindCibaGrant() error = %v", err)
	}
	if grant.Status != storage.CibaStatusDenied {
		t.Errorf("Status = %s", grant.Status)
	}
}

func TestBackchannel_DeliveryModeNotEnabled(t *testing.T) {
	f := newFixture(t, withTenant(func(c *storage.ServerConfiguration) {
		c.BackchannelTokenDeliveryModesSupported = []string{storage.DeliveryModePoll}
	}))

	req := backchannelRequest("ciba-ping")
	req.Scope = "openid"
	req.ClientNotificationToken = "token"
	req.UserCode = "1234"
	_, err := f.srv.RequestBackchannelAuthentication(context.Background(), req, permissiveDelegate(t))
	requireOAuthError(t, err, server.ErrorCodeInvalidRequest)
}

func TestBackchannel_IDTokenHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	signHint := func(t *testing.T, signer string, aud string) string {
		key := f.tenantKey
		if signer == "other" {
			key = testutil.NewECKey(t)
		}
		return testutil.SignJWT(t, key, map[string]any{
			"iss": testIssuer,
			"sub": "alice",
			"aud": aud,
			"iat": f.clock.Now().Add(-2 * time.Hour).Unix(),
			"exp": f.clock.Now().Add(-time.Hour).Unix(),
		}, nil)
	}

	t.Run("expired hint issued to the client", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		delegate := mocks.NewMockCibaRequestDelegate(ctrl)
		delegate.EXPECT().Find(gomock.Any(), testTenant, &server.LoginHint{IDTokenHintSubject: "alice"}).Return(testUser, nil)
		delegate.EXPECT().Notify(gomock.Any(), testTenant, testUser, gomock.Any()).Return(nil)

		req := backchannelRequest("ciba")
		req.LoginHint = ""
		req.IDTokenHint = signHint(t, "tenant", "ciba")
		if _, err := f.srv.RequestBackchannelAuthentication(ctx, req, delegate); err != nil {
			t.Fatalf("RequestBackchannelAuthentication() error = %v", err)
		}
	})

	for name, raw := range map[string]func(t *testing.T) string{
		"issued to another client": func(t *testing.T) string { return signHint(t, "tenant", "web") },
		"signed by another key":    func(t *testing.T) string { return signHint(t, "other", "ciba") },
		"not a jwt":                func(*testing.T) string { return "not-a-jwt" },
	} {
		t.Run(name, func(t *testing.T) {
			req := backchannelRequest("ciba")
			req.LoginHint = ""
			req.IDTokenHint = raw(t)
			_, err := f.srv.RequestBackchannelAuthentication(ctx, req, permissiveDelegate(t))
			requireOAuthError(t, err, server.ErrorCodeInvalidRequest)
		})
	}
}

func TestBackchannel_SignedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ro := f.requestObject(t, "jwt", map[string]any{
		"scope":           "openid read",
		"login_hint":      "alice@example.com",
		"binding_message": "K9TR2",
	})
	resp, err := f.srv.RequestBackchannelAuthentication(ctx, &server.BackchannelRequest{
		TenantID: testTenant,
		Request:  ro,
		Client:   f.jwtAuth(t),
	}, permissiveDelegate(t))
	if err != nil {
		t.Fatalf("RequestBackchannelAuthentication() error = %v", err)
	}

	grant, err := f.store.FindCibaGrant(ctx, testTenant, resp.AuthReqID)
	if err != nil {
		t.Fatalf("FindCibaGrant() error = %v", err)
	}
	stored, err := f.store.FindBackchannelAuthenticationRequest(ctx, testTenant, grant.BackchannelRequestID)
	if err != nil {
		t.Fatalf("FindBackchannelAuthenticationRequest() error = %v", err)
	}
	if stored.BindingMessage != "K9TR2" || stored.Profile != storage.ProfileCIBA {
		t.Errorf("stored request = %+v", stored)
	}

	// the jti cannot be replayed
	_, err = f.srv.RequestBackchannelAuthentication(ctx, &server.BackchannelRequest{
		TenantID: testTenant,
		Request:  ro,
		Client:   f.jwtAuth(t),
	}, permissiveDelegate(t))
	requireOAuthError(t, err, server.ErrorCodeInvalidRequestObject)

	// the audience must be the issuer
	_, err = f.srv.RequestBackchannelAuthentication(ctx, &server.BackchannelRequest{
		TenantID: testTenant,
		Request: f.requestObject(t, "jwt", map[string]any{
			"aud":        testIssuer + "/bc-authorize",
			"scope":      "openid",
			"login_hint": "alice@example.com",
		}),
		Client: f.jwtAuth(t),
	}, permissiveDelegate(t))
	requireOAuthError(t, err, server.ErrorCodeInvalidRequestObject)
}

func TestBackchannel_FAPI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// plain parameters are not enough for a FAPI scope
	_, err := f.srv.RequestBackchannelAuthentication(ctx, &server.BackchannelRequest{
		TenantID:       testTenant,
		Scope:          "openid payments",
		LoginHint:      "alice@example.com",
		BindingMessage: "W4SCT",
		Client:         f.jwtAuth(t),
	}, permissiveDelegate(t))
	requireOAuthError(t, err, server.ErrorCodeInvalidRequest)

	_, err = f.srv.RequestBackchannelAuthentication(ctx, &server.BackchannelRequest{
		TenantID: testTenant,
		Request: f.requestObject(t, "jwt", map[string]any{
			"scope":      "openid payments",
			"login_hint": "alice@example.com",
		}),
		Client: f.jwtAuth(t),
	}, permissiveDelegate(t))
	requireOAuthError(t, err, server.ErrorCodeInvalidBindingMessage)

	resp, err := f.srv.RequestBackchannelAuthentication(ctx, &server.BackchannelRequest{
		TenantID: testTenant,
		Request: f.requestObject(t, "jwt", map[string]any{
			"scope":           "openid payments",
			"login_hint":      "alice@example.com",
			"binding_message": "W4SCT",
		}),
		Client: f.jwtAuth(t),
	}, permissiveDelegate(t))
	if err != nil {
		t.Fatalf("RequestBackchannelAuthentication() error = %v", err)
	}
	grant, err := f.store.FindCibaGrant(ctx, testTenant, resp.AuthReqID)
	if err != nil {
		t.Fatalf("FindCibaGrant() error = %v", err)
	}
	stored, err := f.store.FindBackchannelAuthenticationRequest(ctx, testTenant, grant.BackchannelRequestID)
	if err != nil {
		t.Fatalf("FindBackchannelAuthenticationRequest() error = %v", err)
	}
	if stored.Profile != storage.ProfileFAPICIBA {
		t.Errorf("Profile = %s, want FAPI-CIBA", stored.Profile)
	}
}

func TestBackchannel_FAPIRejectsSecretClients(t *testing.T) {
	f := newFixture(t)
	f.updateClient(t, "ciba", func(c *storage.ClientConfiguration) {
		c.Scopes = append(c.Scopes, "payments")
		c.JWKS = testutil.PublicJWKS(t, f.clientKey)
	})

	ro := testutil.SignJWT(t, f.clientKey, map[string]any{
		"iss":             "ciba",
		"aud":             testIssuer,
		"iat":             f.clock.Now().Unix(),
		"exp":             f.clock.Now().Add(5 * time.Minute).Unix(),
		"jti":             "fapi-secret-client",
		"scope":           "openid payments",
		"login_hint":      "alice@example.com",
		"binding_message": "W4SCT",
	}, nil)

	_, err := f.srv.RequestBackchannelAuthentication(context.Background(), &server.BackchannelRequest{
		TenantID: testTenant,
		Request:  ro,
		Client:   basicAuth("ciba"),
	}, permissiveDelegate(t))
	requireOAuthError(t, err, server.ErrorCodeUnauthorizedClient)
}

func TestBackchannel_ApprovalRetriesOnContention(t *testing.T) {
	var grants *mock.MockCibaGrantRepository
	f := newFixture(t, withRepositories(func(r *storage.Repositories) {
		grants = mock.NewMockCibaGrantRepository(r.CibaGrants)
		r.CibaGrants = grants
	}))
	ctx := context.Background()
	resp := f.startBackchannel(t, backchannelRequest("ciba"))

	// a poll lands between the read and the write of the first attempt
	interfered := false
	grants.UpdateFunc = func(ctx context.Context, grant *storage.CibaGrant) (*storage.CibaGrant, error) {
		if !interfered {
			interfered = true
			current, err := grants.Next().FindCibaGrant(ctx, grant.TenantID, grant.AuthReqID)
			if err != nil {
				return nil, err
			}
			current.LastPolledAt = f.clock.Now()
			if _, err := grants.Next().UpdateCibaGrant(ctx, current); err != nil {
				return nil, err
			}
		}
		return grants.Next().UpdateCibaGrant(ctx, grant)
	}

	if err := f.srv.AuthorizeBackchannel(ctx, testTenant, resp.AuthReqID, nil); err != nil {
		t.Fatalf("AuthorizeBackchannel() error = %v", err)
	}
	if got := grants.Calls("UpdateCibaGrant"); got != 2 {
		t.Errorf("UpdateCibaGrant called %d times, want 2", got)
	}

	grant, err := f.store.FindCibaGrant(ctx, testTenant, resp.AuthReqID)
	if err != nil {
		t.Fatalf("FindCibaGrant() error = %v", err)
	}
	if grant.Status != storage.CibaStatusAuthorized || grant.LastPolledAt.IsZero() {
		t.Errorf("grant = %+v, want authorized with the poll kept", grant)
	}
}

func TestBackchannel_ApprovalGivesUpUnderContention(t *testing.T) {
	var grants *mock.MockCibaGrantRepository
	f := newFixture(t, withRepositories(func(r *storage.Repositories) {
		grants = mock.NewMockCibaGrantRepository(r.CibaGrants)
		r.CibaGrants = grants
	}))
	resp := f.startBackchannel(t, backchannelRequest("ciba"))

	grants.UpdateFunc = func(context.Context, *storage.CibaGrant) (*storage.CibaGrant, error) {
		return nil, storage.ErrConcurrentModification
	}

	err := f.srv.AuthorizeBackchannel(context.Background(), testTenant, resp.AuthReqID, nil)
	requireOAuthError(t, err, server.ErrorCodeServerError)
	if got := grants.Calls("UpdateCibaGrant"); got != 5 {
		t.Errorf("UpdateCibaGrant called %d times, want 5", got)
	}
}

func TestBackchannel_ConcurrentRedemption(t *testing.T) {
	var grants *mock.MockCibaGrantRepository
	f := newFixture(t, withRepositories(func(r *storage.Repositories) {
		grants = mock.NewMockCibaGrantRepository(r.CibaGrants)
		r.CibaGrants = grants
	}))
	ctx := context.Background()
	resp := f.startBackchannel(t, backchannelRequest("ciba"))
	if err := f.srv.AuthorizeBackchannel(ctx, testTenant, resp.AuthReqID, nil); err != nil {
		t.Fatalf("AuthorizeBackchannel() error = %v", err)
	}

	// another poller redeems the grant first
	grants.UpdateFunc = func(ctx context.Context, grant *storage.CibaGrant) (*storage.CibaGrant, error) {
		return nil, storage.ErrConcurrentModification
	}
	_, err := f.poll("ciba", resp.AuthReqID)
	requireOAuthError(t, err, server.ErrorCodeInvalidGrant)
}

func TestBackchannel_GrantStoreFailureRemovesRequest(t *testing.T) {
	var grants *mock.MockCibaGrantRepository
	f := newFixture(t, withRepositories(func(r *storage.Repositories) {
		grants = mock.NewMockCibaGrantRepository(r.CibaGrants)
		r.CibaGrants = grants
	}))
	ctx := context.Background()

	var requestID string
	grants.RegisterFunc = func(_ context.Context, grant *storage.CibaGrant) error {
		requestID = grant.BackchannelRequestID
		return errors.New("connection reset")
	}

	_, err := f.srv.RequestBackchannelAuthentication(ctx, backchannelRequest("ciba"), permissiveDelegate(t))
	requireOAuthError(t, err, server.ErrorCodeServerError)
	if requestID == "" {
		t.Fatal("grant was never registered")
	}
	if _, err := f.store.FindBackchannelAuthenticationRequest(ctx, testTenant, requestID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("backchannel request left behind: err = %v", err)
	}
}
