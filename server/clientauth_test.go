package server_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/storage/mock"
)

// introspectAs uses introspection of an unknown token to exercise client authentication
func introspectAs(f *fixture, client server.ClientAuthRequest) error {
	_, err := f.srv.Introspect(context.Background(), &server.IntrospectionRequest{
		TenantID: testTenant,
		Token:    "unknown-token",
		Client:   client,
	})
	return err
}

func TestClientAuthentication_Accepted(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		client server.ClientAuthRequest
	}{
		{name: "client_secret_basic", client: basicAuth("web")},
		{name: "client_secret_basic with matching client_id", client: func() server.ClientAuthRequest {
			c := basicAuth("web")
			c.ClientID = "web"
			return c
		}()},
		{name: "client_secret_post", client: postAuth("svc")},
		{name: "none", client: publicAuth("spa")},
		{name: "private_key_jwt", client: f.jwtAuth(t)},
		{name: "tls_client_auth", client: f.mtlsAuth()},
		{name: "self_signed_tls_client_auth", client: server.ClientAuthRequest{ClientID: "self-signed", Certificate: f.clientCert}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := introspectAs(f, tt.client); err != nil {
				t.Errorf("authentication failed: %v", err)
			}
		})
	}
}

func TestClientAuthentication_Rejected(t *testing.T) {
	f := newFixture(t)
	otherCert, _ := testutil.NewSelfSignedCertificate(t, "other.example.com")

	wrongSecret := basicAuth("web")
	wrongSecret.BasicSecret = "wrong"

	tests := []struct {
		name   string
		client func(t *testing.T) server.ClientAuthRequest
	}{
		{
			name:   "wrong secret",
			client: func(*testing.T) server.ClientAuthRequest { return wrongSecret },
		},
		{
			name:   "unknown client",
			client: func(*testing.T) server.ClientAuthRequest { return basicAuth("ghost") },
		},
		{
			name:   "disabled client",
			client: func(*testing.T) server.ClientAuthRequest { return basicAuth("disabled") },
		},
		{
			name:   "no client_id",
			client: func(*testing.T) server.ClientAuthRequest { return server.ClientAuthRequest{} },
		},
		{
			name:   "basic client using post",
			client: func(*testing.T) server.ClientAuthRequest { return postAuth("web") },
		},
		{
			name:   "confidential client without credentials",
			client: func(*testing.T) server.ClientAuthRequest { return publicAuth("web") },
		},
		{
			name: "basic and post together",
			client: func(*testing.T) server.ClientAuthRequest {
				c := basicAuth("web")
				c.ClientSecret = testSecret
				return c
			},
		},
		{
			name: "client_id differs from basic user",
			client: func(*testing.T) server.ClientAuthRequest {
				c := basicAuth("web")
				c.ClientID = "svc"
				return c
			},
		},
		{
			name: "assertion with wrong type",
			client: func(t *testing.T) server.ClientAuthRequest {
				c := f.jwtAuth(t)
				c.ClientAssertionType = "urn:example:saml"
				return c
			},
		},
		{
			name: "malformed assertion",
			client: func(*testing.T) server.ClientAuthRequest {
				return server.ClientAuthRequest{ClientAssertion: "not-a-jwt", ClientAssertionType: server.ClientAssertionTypeJWTBearer}
			},
		},
		{
			name: "assertion for another audience",
			client: func(t *testing.T) server.ClientAuthRequest {
				return server.ClientAuthRequest{
					ClientAssertion: f.clientAssertion(t, func(c map[string]any) {
						c["aud"] = "https://idp.example.com/other/token"
					}),
					ClientAssertionType: server.ClientAssertionTypeJWTBearer,
				}
			},
		},
		{
			name: "expired assertion",
			client: func(t *testing.T) server.ClientAuthRequest {
				return server.ClientAuthRequest{
					ClientAssertion: f.clientAssertion(t, func(c map[string]any) {
						c["exp"] = f.clock.Now().Add(-time.Minute).Unix()
					}),
					ClientAssertionType: server.ClientAssertionTypeJWTBearer,
				}
			},
		},
		{
			name: "assertion without jti",
			client: func(t *testing.T) server.ClientAuthRequest {
				return server.ClientAuthRequest{
					ClientAssertion:     f.clientAssertion(t, func(c map[string]any) { delete(c, "jti") }),
					ClientAssertionType: server.ClientAssertionTypeJWTBearer,
				}
			},
		},
		{
			name: "assertion issued by another client",
			client: func(t *testing.T) server.ClientAuthRequest {
				return server.ClientAuthRequest{
					ClientAssertion:     f.clientAssertion(t, func(c map[string]any) { c["iss"] = "web" }),
					ClientAssertionType: server.ClientAssertionTypeJWTBearer,
				}
			},
		},
		{
			name: "assertion signed with an unregistered key",
			client: func(t *testing.T) server.ClientAuthRequest {
				claims := map[string]any{
					"iss": "jwt", "sub": "jwt", "aud": testIssuer + "/token",
					"exp": f.clock.Now().Add(time.Minute).Unix(), "jti": "unregistered-key",
				}
				return server.ClientAuthRequest{
					ClientAssertion:     testutil.SignJWT(t, testutil.NewECKey(t), claims, nil),
					ClientAssertionType: server.ClientAssertionTypeJWTBearer,
				}
			},
		},
		{
			name: "assertion client_id mismatch",
			client: func(t *testing.T) server.ClientAuthRequest {
				c := f.jwtAuth(t)
				c.ClientID = "web"
				return c
			},
		},
		{
			name:   "tls client without certificate",
			client: func(*testing.T) server.ClientAuthRequest { return server.ClientAuthRequest{ClientID: "mtls"} },
		},
		{
			name: "tls client with another subject",
			client: func(*testing.T) server.ClientAuthRequest {
				return server.ClientAuthRequest{ClientID: "mtls", Certificate: otherCert}
			},
		},
		{
			name: "self-signed client with an unregistered key",
			client: func(*testing.T) server.ClientAuthRequest {
				return server.ClientAuthRequest{ClientID: "self-signed", Certificate: otherCert}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := introspectAs(f, tt.client(t))
			oauthErr := requireOAuthError(t, err, server.ErrorCodeInvalidClient)
			if oauthErr.Kind != server.KindClientUnauthorized {
				t.Errorf("Kind = %v, want client_unauthorized", oauthErr.Kind)
			}
			if oauthErr.Status != 401 {
				t.Errorf("Status = %d, want 401", oauthErr.Status)
			}
		})
	}
}

func TestClientAuthentication_FailureHidesReason(t *testing.T) {
	f := newFixture(t)
	c := basicAuth("web")
	c.BasicSecret = "wrong"

	oauthErr := requireOAuthError(t, introspectAs(f, c), server.ErrorCodeInvalidClient)
	if oauthErr.Description != "client authentication failed" {
		t.Errorf("Description = %q", oauthErr.Description)
	}
	if oauthErr.Method != storage.AuthMethodClientSecretBasic || oauthErr.ClientID != "web" {
		t.Errorf("Method/ClientID = %q/%q", oauthErr.Method, oauthErr.ClientID)
	}
}

func TestClientAuthentication_AssertionReplay(t *testing.T) {
	f := newFixture(t)
	auth := f.jwtAuth(t)

	if err := introspectAs(f, auth); err != nil {
		t.Fatalf("first use rejected: %v", err)
	}
	requireOAuthError(t, introspectAs(f, auth), server.ErrorCodeInvalidClient)
}

func TestClientAuthentication_AssertionAudiences(t *testing.T) {
	f := newFixture(t)

	for _, aud := range []string{testIssuer, testIssuer + "/token", testIssuer + "/introspect"} {
		t.Run(aud, func(t *testing.T) {
			assertion := f.clientAssertion(t, func(c map[string]any) { c["aud"] = aud })
			err := introspectAs(f, server.ClientAuthRequest{
				ClientAssertion:     assertion,
				ClientAssertionType: server.ClientAssertionTypeJWTBearer,
			})
			if err != nil {
				t.Errorf("audience %q rejected: %v", aud, err)
			}
		})
	}
}

func TestClientAuthentication_JTIStoreFailure(t *testing.T) {
	f := newFixture(t, withRepositories(func(r *storage.Repositories) {
		jtis := mock.NewMockJTIRepository(r.JTIs)
		jtis.MarkJTIUsedFunc = func(context.Context, string, string, time.Time) error {
			return errors.New("store unavailable")
		}
		r.JTIs = jtis
	}))

	requireOAuthError(t, introspectAs(f, f.jwtAuth(t)), server.ErrorCodeServerError)
}

func TestClientAuthentication_MethodDisabledOnServer(t *testing.T) {
	f := newFixture(t, withTenant(func(c *storage.ServerConfiguration) {
		c.TokenEndpointAuthMethodsSupported = []string{storage.AuthMethodPrivateKeyJWT}
	}))

	requireOAuthError(t, introspectAs(f, basicAuth("web")), server.ErrorCodeInvalidClient)
	if err := introspectAs(f, f.jwtAuth(t)); err != nil {
		t.Errorf("enabled method rejected: %v", err)
	}
}

func TestClientAuthentication_CustomAuthenticator(t *testing.T) {
	f := newFixture(t)

	var seen []string
	f.srv.RegisterClientAuthenticator(storage.AuthMethodClientSecretBasic, server.ClientAuthenticatorFunc(
		func(_ context.Context, in *server.ClientAuthInput) error {
			seen = append(seen, in.Client.ClientID)
			if in.Request.BasicSecret != "from-vault" {
				return errors.New("secret rejected by vault")
			}
			return nil
		}))

	c := basicAuth("web")
	c.BasicSecret = "from-vault"
	if err := introspectAs(f, c); err != nil {
		t.Fatalf("custom authenticator rejected: %v", err)
	}
	requireOAuthError(t, introspectAs(f, basicAuth("web")), server.ErrorCodeInvalidClient)

	if len(seen) != 2 || seen[0] != "web" {
		t.Errorf("authenticator calls = %v", seen)
	}

	// server errors from an authenticator are not reported as client failures
	f.srv.RegisterClientAuthenticator(storage.AuthMethodClientSecretBasic, server.ClientAuthenticatorFunc(
		func(context.Context, *server.ClientAuthInput) error {
			return server.ErrServerError("vault unreachable", errors.New("dial tcp: timeout"))
		}))
	requireOAuthError(t, introspectAs(f, basicAuth("web")), server.ErrorCodeServerError)
}

func TestClientAuthentication_UnknownTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.Introspect(context.Background(), &server.IntrospectionRequest{
		TenantID: "globex",
		Token:    "unknown-token",
		Client:   basicAuth("web"),
	})
	oauthErr := requireOAuthError(t, err, server.ErrorCodeInvalidRequest)
	if oauthErr.Status != 404 {
		t.Errorf("Status = %d, want 404", oauthErr.Status)
	}
}
