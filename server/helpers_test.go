package server_test

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/storage/memory"
)

const (
	testTenant     = "acme"
	testIssuer     = "https://idp.example.com/acme"
	testRedirect   = "https://app.example.com/callback"
	testRequestURI = "https://app.example.com/request.jwt"
	testSecret     = "correct-horse-battery-staple"
	testNotify     = "https://app.example.com/ciba/notify"
)

var testEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// fixture is an engine over a memory store with one tenant and a set of
// clients covering every authentication method
type fixture struct {
	store      *memory.Store
	srv        *server.Server
	clock      *testutil.MockTime
	tenantKey  jwk.Key
	clientKey  jwk.Key
	clientCert *x509.Certificate
	tenant     *storage.ServerConfiguration
	clients    map[string]*storage.ClientConfiguration
	notifier   *recordingNotifier
}

type fixtureOption func(*fixtureOptions)

type fixtureOptions struct {
	tenant func(*storage.ServerConfiguration)
	repos  func(*storage.Repositories)
	config *server.Config
}

func withTenant(mutate func(*storage.ServerConfiguration)) fixtureOption {
	return func(o *fixtureOptions) { o.tenant = mutate }
}

func withRepositories(wrap func(*storage.Repositories)) fixtureOption {
	return func(o *fixtureOptions) { o.repos = wrap }
}

func withConfig(config *server.Config) fixtureOption {
	return func(o *fixtureOptions) { o.config = config }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	var o fixtureOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()

	f := &fixture{
		store:     memory.New(),
		clock:     testutil.NewMockTime(testEpoch),
		tenantKey: testutil.NewECKey(t),
		clientKey: testutil.NewECKey(t),
		notifier:  &recordingNotifier{},
	}
	t.Cleanup(f.store.Stop)
	f.store.SetClock(f.clock.Now)
	f.clientCert, _ = testutil.NewSelfSignedCertificate(t, "client.example.com")

	secretHash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}

	f.tenant = &storage.ServerConfiguration{
		TenantID:                          testTenant,
		Issuer:                            testIssuer,
		Version:                           1,
		AuthorizationEndpoint:             testIssuer + "/authorize",
		TokenEndpoint:                     testIssuer + "/token",
		IntrospectionEndpoint:             testIssuer + "/introspect",
		RevocationEndpoint:                testIssuer + "/revoke",
		UserinfoEndpoint:                  testIssuer + "/userinfo",
		JWKSURI:                           testIssuer + "/jwks",
		BackchannelAuthenticationEndpoint: testIssuer + "/bc-authorize",
		ResponseTypesSupported:            []string{"code", "code id_token"},
		ResponseModesSupported: []string{
			"query", "fragment", "form_post", "jwt", "query.jwt", "fragment.jwt", "form_post.jwt",
		},
		BackchannelTokenDeliveryModesSupported: []string{storage.DeliveryModePoll, storage.DeliveryModePing},
		BackchannelUserCodeParameterSupported:  true,
		FAPIBaselineScopes:                     []string{"payments"},
		FAPIAdvanceScopes:                      []string{"accounts"},
		TLSClientCertificateBoundAccessTokens:  true,
		SigningJWKS:                            testutil.PrivateJWKS(t, f.tenantKey),
	}
	if o.tenant != nil {
		o.tenant(f.tenant)
	}

	clientJWKS := testutil.PublicJWKS(t, f.clientKey)
	f.clients = map[string]*storage.ClientConfiguration{
		"web": {
			ClientID:                "web",
			Version:                 1,
			ClientSecretHash:        string(secretHash),
			RedirectURIs:            []string{testRedirect},
			TokenEndpointAuthMethod: storage.AuthMethodClientSecretBasic,
			GrantTypes:              []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
			ResponseTypes:           []string{"code", "code id_token"},
			Scopes:                  []string{"openid", "profile", "email", "read", "write", "payments"},
		},
		"spa": {
			ClientID:                "spa",
			RedirectURIs:            []string{testRedirect},
			TokenEndpointAuthMethod: storage.AuthMethodNone,
			Scopes:                  []string{"openid", "read"},
		},
		"svc": {
			ClientID:                "svc",
			ClientSecretHash:        string(secretHash),
			TokenEndpointAuthMethod: storage.AuthMethodClientSecretPost,
			GrantTypes:              []string{storage.GrantTypeClientCredentials, storage.GrantTypePassword},
			Scopes:                  []string{"read", "write"},
		},
		"jwt": {
			ClientID:                "jwt",
			JWKS:                    clientJWKS,
			RedirectURIs:            []string{testRedirect},
			RequestURIs:             []string{testRequestURI},
			TokenEndpointAuthMethod: storage.AuthMethodPrivateKeyJWT,
			GrantTypes:              []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken, storage.GrantTypeCIBA},
			ResponseTypes:           []string{"code", "code id_token"},
			Scopes:                  []string{"openid", "profile", "read", "payments"},
		},
		"mtls": {
			ClientID:                              "mtls",
			JWKS:                                  clientJWKS,
			RedirectURIs:                          []string{testRedirect},
			TokenEndpointAuthMethod:               storage.AuthMethodTLSClientAuth,
			TLSClientAuthSubjectDN:                f.clientCert.Subject.String(),
			TLSClientCertificateBoundAccessTokens: true,
			GrantTypes:                            []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
			ResponseTypes:                         []string{"code", "code id_token"},
			Scopes:                                []string{"openid", "accounts"},
		},
		"self-signed": {
			ClientID:                "self-signed",
			JWKS:                    testutil.CertificatePublicJWKS(t, f.clientCert),
			TokenEndpointAuthMethod: storage.AuthMethodSelfSignedTLSClientAuth,
			GrantTypes:              []string{storage.GrantTypeClientCredentials},
			Scopes:                  []string{"read"},
		},
		"ciba": {
			ClientID:                "ciba",
			ClientSecretHash:        string(secretHash),
			TokenEndpointAuthMethod: storage.AuthMethodClientSecretBasic,
			GrantTypes:              []string{storage.GrantTypeCIBA, storage.GrantTypeRefreshToken},
			Scopes:                  []string{"openid", "profile", "read"},
		},
		"ciba-ping": {
			ClientID:                              "ciba-ping",
			ClientSecretHash:                      string(secretHash),
			TokenEndpointAuthMethod:               storage.AuthMethodClientSecretBasic,
			GrantTypes:                            []string{storage.GrantTypeCIBA},
			Scopes:                                []string{"openid"},
			BackchannelTokenDeliveryMode:          storage.DeliveryModePing,
			BackchannelClientNotificationEndpoint: testNotify,
			BackchannelUserCodeParameter:          true,
		},
		"disabled": {
			ClientID:                "disabled",
			ClientSecretHash:        string(secretHash),
			TokenEndpointAuthMethod: storage.AuthMethodClientSecretBasic,
			Disabled:                true,
		},
	}

	if err := f.store.PutServerConfiguration(ctx, f.tenant); err != nil {
		t.Fatalf("put tenant: %v", err)
	}
	for _, c := range f.clients {
		c.TenantID = testTenant
		if err := f.store.PutClientConfiguration(ctx, c); err != nil {
			t.Fatalf("put client %s: %v", c.ClientID, err)
		}
	}

	repos := f.store.Repositories()
	if o.repos != nil {
		o.repos(&repos)
	}
	config := o.config
	if config == nil {
		config = &server.Config{}
	}
	f.srv, err = server.New(repos, config, discardLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	f.srv.SetClock(f.clock.Now)
	f.srv.SetAuditor(security.NewAuditor(discardLogger(), true))
	f.srv.SetClientNotificationGateway(f.notifier)
	return f
}

// updateClient stores a modified client and drops cached configuration
func (f *fixture) updateClient(t *testing.T, clientID string, mutate func(*storage.ClientConfiguration)) {
	t.Helper()
	c := *f.clients[clientID]
	mutate(&c)
	if err := f.store.PutClientConfiguration(context.Background(), &c); err != nil {
		t.Fatalf("put client: %v", err)
	}
	f.clients[clientID] = &c
	f.srv.Tenants().Invalidate(testTenant)
}

func basicAuth(clientID string) server.ClientAuthRequest {
	return server.ClientAuthRequest{HasBasic: true, BasicID: clientID, BasicSecret: testSecret, ClientIP: "192.0.2.10"}
}

func postAuth(clientID string) server.ClientAuthRequest {
	return server.ClientAuthRequest{ClientID: clientID, ClientSecret: testSecret, ClientIP: "192.0.2.10"}
}

func publicAuth(clientID string) server.ClientAuthRequest {
	return server.ClientAuthRequest{ClientID: clientID, ClientIP: "192.0.2.10"}
}

func (f *fixture) mtlsAuth() server.ClientAuthRequest {
	return server.ClientAuthRequest{ClientID: "mtls", Certificate: f.clientCert}
}

// clientAssertion signs a private_key_jwt assertion for the "jwt" client
func (f *fixture) clientAssertion(t *testing.T, mutate func(map[string]any)) string {
	t.Helper()
	now := f.clock.Now()
	claims := map[string]any{
		"iss": "jwt",
		"sub": "jwt",
		"aud": testIssuer + "/token",
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
	if mutate != nil {
		mutate(claims)
	}
	return testutil.SignJWT(t, f.clientKey, claims, nil)
}

func (f *fixture) jwtAuth(t *testing.T) server.ClientAuthRequest {
	return server.ClientAuthRequest{
		ClientAssertion:     f.clientAssertion(t, nil),
		ClientAssertionType: server.ClientAssertionTypeJWTBearer,
	}
}

// requestObject signs an authorization request object for clientID with the client key
func (f *fixture) requestObject(t *testing.T, clientID string, claims map[string]any) string {
	t.Helper()
	now := f.clock.Now()
	base := map[string]any{
		"iss":       clientID,
		"aud":       testIssuer,
		"client_id": clientID,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(10 * time.Minute).Unix(),
		"jti":       uuid.NewString(),
	}
	for k, v := range claims {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	return testutil.SignJWT(t, f.clientKey, base, nil)
}

func authorizeQuery(clientID, scope string, extra map[string]string) url.Values {
	q := url.Values{
		"client_id":     {clientID},
		"response_type": {"code"},
		"redirect_uri":  {testRedirect},
		"scope":         {scope},
		"state":         {"xyz"},
	}
	for k, v := range extra {
		if v == "" {
			q.Del(k)
			continue
		}
		q.Set(k, v)
	}
	return q
}

var testUser = &storage.User{
	Subject:           "alice",
	Name:              "Alice Example",
	PreferredUsername: "alice",
	Email:             "alice@example.com",
	EmailVerified:     true,
}

// issueCode runs Authorize and CompleteAuthorization with PKCE and returns
// the code and its verifier
func (f *fixture) issueCode(t *testing.T, clientID, scope string) (string, string) {
	t.Helper()
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()
	req, err := f.srv.Authorize(ctx, testTenant, authorizeQuery(clientID, scope, map[string]string{
		"code_challenge":        challenge,
		"code_challenge_method": "S256",
		"nonce":                 "n-0S6_WzA2Mj",
	}))
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	resp, err := f.srv.CompleteAuthorization(ctx, testTenant, req.ID, &server.AuthorizationResult{User: testUser})
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	code := resp.Params.Get("code")
	if code == "" {
		t.Fatalf("no code in response %v", resp.Params)
	}
	return code, verifier
}

// exchangeCode redeems a code for the "web" client
func (f *fixture) exchangeCode(t *testing.T, code, verifier string) *server.TokenResponse {
	t.Helper()
	resp, err := f.srv.Token(context.Background(), &server.TokenRequest{
		TenantID:     testTenant,
		GrantType:    storage.GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: verifier,
		Client:       basicAuth("web"),
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	return resp
}

// parseTenantJWT verifies a JWT issued by the tenant
func (f *fixture) parseTenantJWT(t *testing.T, raw string) jwt.Token {
	t.Helper()
	set, err := jwk.Parse([]byte(testutil.PublicJWKS(t, f.tenantKey)))
	if err != nil {
		t.Fatalf("parse tenant jwks: %v", err)
	}
	tok, err := jwt.Parse([]byte(raw), jwt.WithKeySet(set), jwt.WithValidate(false))
	if err != nil {
		t.Fatalf("parse tenant jwt: %v", err)
	}
	return tok
}

// requireOAuthError fails unless err is an OAuthError with the given code
func requireOAuthError(t *testing.T, err error, code string) *server.OAuthError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var oauthErr *server.OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("expected OAuthError, got %T: %v", err, err)
	}
	if oauthErr.Code != code {
		t.Fatalf("error code = %q (%s), want %q", oauthErr.Code, oauthErr.Description, code)
	}
	return oauthErr
}

// recordingNotifier captures CIBA ping notifications
type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

type notification struct {
	endpoint  string
	token     string
	authReqID string
}

func (n *recordingNotifier) Notify(_ context.Context, endpoint, clientNotificationToken, authReqID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{endpoint: endpoint, token: clientNotificationToken, authReqID: authReqID})
	return n.err
}

func (n *recordingNotifier) notifications() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}

// requestObjectGatewayFunc serves request_uri fetches from a function
type requestObjectGatewayFunc func(ctx context.Context, requestURI string) ([]byte, error)

func (f requestObjectGatewayFunc) Fetch(ctx context.Context, requestURI string) ([]byte, error) {
	return f(ctx, requestURI)
}
