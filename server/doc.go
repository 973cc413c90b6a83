// Package server implements the multi-tenant authorization engine.
//
// The Server type is transport neutral. Each operation takes the tenant ID
// and the already parsed request, and returns either a result or an
// *OAuthError whose Kind tells the HTTP layer how to render it.
//
// Operations:
//   - Authorize and CompleteAuthorization for the front channel
//   - Token for the authorization_code, refresh_token, client_credentials,
//     password and CIBA grants
//   - RequestBackchannelAuthentication, AuthorizeBackchannel and DenyBackchannel for CIBA
//   - Introspect (RFC 7662) and Revoke (RFC 7009)
//   - Userinfo, ServerMetadata and PublicJWKS
//
// Tenant and client configuration is read through a TenantResolver that caches
// immutable snapshots. Flows remember the configuration versions they started
// with and fail when either changes underneath them.
//
// Client authentication is a registry keyed by token_endpoint_auth_method;
// RegisterClientAuthenticator adds methods. Authorization requests pass an
// ordered table of verifiers (OAuth2, OIDC, FAPI Baseline, FAPI Advance,
// request object) selected by the request's profile.
//
// Example usage:
//
//	srv, err := server.New(store.Repositories(), &server.Config{}, logger)
//	if err != nil {
//	    return err
//	}
//	srv.SetAuditor(security.NewAuditor(logger, true))
//
//	resp, err := srv.Token(ctx, &server.TokenRequest{
//	    TenantID:  "acme",
//	    GrantType: "client_credentials",
//	    Client:    server.ClientAuthRequest{HasBasic: true, BasicID: id, BasicSecret: secret},
//	})
package server
