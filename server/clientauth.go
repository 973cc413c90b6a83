package server

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// ClientAssertionTypeJWTBearer is the only supported client_assertion_type (RFC 7523)
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAuthRequest carries the client credentials presented on a back-channel request
type ClientAuthRequest struct {
	// ClientID is the client_id form parameter
	ClientID string

	// HTTP Basic credentials
	HasBasic    bool
	BasicID     string
	BasicSecret string

	// ClientSecret is the client_secret form parameter
	ClientSecret string

	ClientAssertion     string
	ClientAssertionType string

	// Certificate is the verified mTLS client certificate, if any
	Certificate *x509.Certificate

	ClientIP string
}

// ClientAuthInput is handed to a ClientAuthenticator
type ClientAuthInput struct {
	Server  *storage.ServerConfiguration
	Client  *storage.ClientConfiguration
	Request *ClientAuthRequest
}

// ClientAuthenticator verifies one token_endpoint_auth_method
type ClientAuthenticator interface {
	Authenticate(ctx context.Context, in *ClientAuthInput) error
}

// ClientAuthenticatorFunc adapts a function to ClientAuthenticator
type ClientAuthenticatorFunc func(ctx context.Context, in *ClientAuthInput) error

// Authenticate calls f
func (f ClientAuthenticatorFunc) Authenticate(ctx context.Context, in *ClientAuthInput) error {
	return f(ctx, in)
}

// RegisterClientAuthenticator adds or replaces the authenticator for a method
func (s *Server) RegisterClientAuthenticator(method string, authenticator ClientAuthenticator) {
	s.authenticators[method] = authenticator
}

func (s *Server) builtinClientAuthenticators() map[string]ClientAuthenticator {
	secret := ClientAuthenticatorFunc(s.authenticateClientSecret)
	return map[string]ClientAuthenticator{
		storage.AuthMethodClientSecretBasic:       secret,
		storage.AuthMethodClientSecretPost:        secret,
		storage.AuthMethodPrivateKeyJWT:           ClientAuthenticatorFunc(s.authenticatePrivateKeyJWT),
		storage.AuthMethodTLSClientAuth:           ClientAuthenticatorFunc(authenticateTLSClient),
		storage.AuthMethodSelfSignedTLSClientAuth: ClientAuthenticatorFunc(authenticateSelfSignedTLSClient),
		storage.AuthMethodNone:                    ClientAuthenticatorFunc(authenticatePublicClient),
	}
}

// authenticateClient identifies the client, resolves its configuration and
// verifies its credentials with the authenticator of its registered method.
func (s *Server) authenticateClient(ctx context.Context, tenantID string, req *ClientAuthRequest) (*tenant, *storage.ClientConfiguration, error) {
	ctx, span := s.startSpan(ctx, "authenticateClient")
	defer span.End()

	t, err := s.tenants.tenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	clientID, presented, err := presentedClient(req)
	if err != nil {
		s.clientAuthFailed(ctx, tenantID, req.ClientID, req.ClientIP, presented, err.Error())
		return nil, nil, ErrClientUnauthorized(presented, req.ClientID, err.Error())
	}

	client, err := s.tenants.client(ctx, tenantID, clientID)
	if err != nil {
		s.clientAuthFailed(ctx, tenantID, clientID, req.ClientIP, presented, "unknown or disabled client")
		return nil, nil, err
	}

	method := client.TokenEndpointAuthMethod
	if reason := methodMismatch(t.config, method, presented); reason != "" {
		s.clientAuthFailed(ctx, tenantID, clientID, req.ClientIP, method, reason)
		return nil, nil, ErrClientUnauthorized(method, clientID, reason)
	}

	authenticator, ok := s.authenticators[method]
	if !ok {
		reason := "no authenticator for method " + method
		s.clientAuthFailed(ctx, tenantID, clientID, req.ClientIP, method, reason)
		return nil, nil, ErrClientUnauthorized(method, clientID, reason)
	}

	if err := authenticator.Authenticate(ctx, &ClientAuthInput{Server: t.config, Client: client, Request: req}); err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) && oauthErr.Kind == KindServerError {
			return nil, nil, err
		}
		s.clientAuthFailed(ctx, tenantID, clientID, req.ClientIP, method, err.Error())
		return nil, nil, ErrClientUnauthorized(method, clientID, err.Error())
	}
	return t, client, nil
}

func (s *Server) clientAuthFailed(ctx context.Context, tenantID, clientID, clientIP, method, reason string) {
	s.Auditor.LogClientAuthFailure(tenantID, clientID, clientIP, method, reason)
	s.metrics.RecordClientAuthFailure(ctx, method)
	s.Logger.Info("Client authentication failed",
		"tenant_id", tenantID,
		"client_id", clientID,
		"method", method,
		"reason", reason)
}

// presentedClient works out which client is authenticating and with which
// kind of credential. Presenting more than one credential is an error.
func presentedClient(req *ClientAuthRequest) (string, string, error) {
	var methods []string
	clientID := req.ClientID

	if req.HasBasic {
		methods = append(methods, storage.AuthMethodClientSecretBasic)
		if clientID != "" && clientID != req.BasicID {
			return "", storage.AuthMethodClientSecretBasic, fmt.Errorf("client_id does not match the Authorization header")
		}
		clientID = req.BasicID
	}
	if req.ClientSecret != "" {
		methods = append(methods, storage.AuthMethodClientSecretPost)
	}
	if req.ClientAssertion != "" || req.ClientAssertionType != "" {
		methods = append(methods, storage.AuthMethodPrivateKeyJWT)
		if req.ClientAssertionType != ClientAssertionTypeJWTBearer {
			return "", storage.AuthMethodPrivateKeyJWT, fmt.Errorf("unsupported client_assertion_type")
		}
		tok, err := jwt.Parse([]byte(req.ClientAssertion), jwt.WithVerify(false), jwt.WithValidate(false))
		if err != nil {
			return "", storage.AuthMethodPrivateKeyJWT, fmt.Errorf("malformed client assertion")
		}
		if clientID != "" && clientID != tok.Subject() {
			return "", storage.AuthMethodPrivateKeyJWT, fmt.Errorf("client_id does not match the assertion subject")
		}
		clientID = tok.Subject()
	}

	switch {
	case len(methods) > 1:
		return "", methods[0], fmt.Errorf("more than one client authentication method used")
	case len(methods) == 1:
	case req.Certificate != nil:
		methods = append(methods, storage.AuthMethodTLSClientAuth)
	default:
		methods = append(methods, storage.AuthMethodNone)
	}

	if clientID == "" {
		return "", methods[0], fmt.Errorf("client_id is required")
	}
	return clientID, methods[0], nil
}

// methodMismatch returns why the presented credential cannot satisfy the
// registered method, or "" when it can.
func methodMismatch(srv *storage.ServerConfiguration, registered, presented string) string {
	if len(srv.TokenEndpointAuthMethodsSupported) > 0 && !slices.Contains(srv.TokenEndpointAuthMethodsSupported, registered) {
		return "method " + registered + " is not enabled on this server"
	}
	if registered == presented {
		return ""
	}
	if presented == storage.AuthMethodTLSClientAuth && registered == storage.AuthMethodSelfSignedTLSClientAuth {
		return ""
	}
	return "client registered for " + registered + " but presented " + presented
}

func (s *Server) authenticateClientSecret(_ context.Context, in *ClientAuthInput) error {
	secret := in.Request.ClientSecret
	if in.Request.HasBasic {
		secret = in.Request.BasicSecret
	}
	if in.Client.ClientSecretHash == "" {
		return fmt.Errorf("client has no secret")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(in.Client.ClientSecretHash), []byte(secret)); err != nil {
		return fmt.Errorf("invalid client secret")
	}
	return nil
}

func (s *Server) authenticatePrivateKeyJWT(ctx context.Context, in *ClientAuthInput) error {
	clientID := in.Client.ClientID
	tok, _, err := verifyClientJWT([]byte(in.Request.ClientAssertion), in.Client.JWKS)
	if err != nil {
		return err
	}

	err = jwt.Validate(tok,
		jwt.WithClock(jwt.ClockFunc(s.now)),
		jwt.WithAcceptableSkew(s.Config.ClockSkew()),
		jwt.WithIssuer(clientID),
		jwt.WithSubject(clientID),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithRequiredClaim(jwt.JwtIDKey))
	if err != nil {
		return fmt.Errorf("invalid client assertion: %w", err)
	}

	if !audienceMatches(tok.Audience(), in.Server.TokenEndpointAudiences()) {
		return fmt.Errorf("client assertion audience does not match")
	}

	err = s.repos.JTIs.MarkJTIUsed(ctx, "client_assertion/"+in.Server.TenantID+"/"+clientID, tok.JwtID(), tok.Expiration().Add(s.Config.ClockSkew()))
	if errors.Is(err, storage.ErrAlreadyUsed) {
		s.metrics.RecordAssertionReplayDetected(ctx)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientAssertionReplayDetected,
			TenantID:  in.Server.TenantID,
			ClientID:  clientID,
			IPAddress: in.Request.ClientIP,
			Details:   map[string]any{"jti_prefix": util.SafeTruncate(tok.JwtID(), 8)},
		})
		return fmt.Errorf("client assertion has already been used")
	}
	if err != nil {
		return ErrServerError("failed to record client assertion", err)
	}
	return nil
}

func authenticateTLSClient(_ context.Context, in *ClientAuthInput) error {
	cert := in.Request.Certificate
	if cert == nil {
		return fmt.Errorf("client certificate required")
	}
	if in.Client.TLSClientAuthSubjectDN == "" {
		return fmt.Errorf("client has no registered subject DN")
	}
	if cert.Subject.String() != in.Client.TLSClientAuthSubjectDN {
		return fmt.Errorf("certificate subject does not match")
	}
	return nil
}

func authenticateSelfSignedTLSClient(_ context.Context, in *ClientAuthInput) error {
	cert := in.Request.Certificate
	if cert == nil {
		return fmt.Errorf("client certificate required")
	}
	set, err := parseClientJWKS(in.Client.JWKS)
	if err != nil {
		return err
	}
	ok, err := certificateKeyInJWKS(cert, set)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("certificate key is not registered")
	}
	return nil
}

func authenticatePublicClient(_ context.Context, _ *ClientAuthInput) error {
	return nil
}

func audienceMatches(audiences, accepted []string) bool {
	for _, aud := range audiences {
		for _, a := range accepted {
			if util.NormalizeURL(aud) == util.NormalizeURL(a) {
				return true
			}
		}
	}
	return false
}
