package oauth

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/server"
)

const tokenTypeBearer = "Bearer"

// formPostScriptHash is the CSP hash of the inline script in formPostTemplate.
// Regenerate it when the script changes:
//
//	echo -n 'document.forms[0].submit();' | openssl dgst -sha256 -binary | base64
const formPostScriptHash = "sha256-8lDeP0UDwCO6/RhblgeH/ctdBzjVpJxrXizsnIk3cEQ="

// formPostTemplate renders an OAuth 2.0 Form Post Response
const formPostTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Submit</title></head>
<body>
<form method="post" action="{{.Action}}">
{{range $name, $values := .Params}}{{range $values}}<input type="hidden" name="{{$name}}" value="{{.}}">
{{end}}{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
<script>document.forms[0].submit();</script>
</body>
</html>
`

var formPostTmpl = template.Must(template.New("form_post").Parse(formPostTemplate))

// Handler is a thin HTTP adapter for the engine. Every endpoint lives below a
// tenant prefix: /{tenant}/token, /{tenant}/authorize, ...
type Handler struct {
	server    *Server
	delegates Delegates
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, delegates Delegates, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = server.Logger
	}
	return &Handler{
		server:    server,
		delegates: delegates,
		logger:    logger,
		tracer:    server.Instrumentation.Tracer("http"),
	}
}

// Routes returns the tenant-prefixed endpoints wrapped in request ID handling
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	tenant := "/{tenant}"

	mux.HandleFunc("GET "+tenant+EndpointOpenIDConfiguration, h.endpoint("metadata", h.ServeMetadata))
	mux.HandleFunc("GET "+tenant+EndpointAuthorizationMetadata, h.endpoint("metadata", h.ServeMetadata))
	mux.HandleFunc("GET "+tenant+EndpointJWKS, h.endpoint("jwks", h.ServeJWKS))
	mux.HandleFunc("GET "+tenant+EndpointAuthorize, h.endpoint("authorize", h.ServeAuthorization))
	mux.HandleFunc("POST "+tenant+EndpointAuthorize, h.endpoint("authorize", h.ServeAuthorization))
	mux.HandleFunc("POST "+tenant+EndpointToken, h.endpoint("token", h.ServeToken))
	mux.HandleFunc("POST "+tenant+EndpointIntrospect, h.endpoint("introspect", h.ServeIntrospection))
	mux.HandleFunc("POST "+tenant+EndpointRevoke, h.endpoint("revoke", h.ServeRevocation))
	mux.HandleFunc("POST "+tenant+EndpointBackchannelAuthorize, h.endpoint("bc-authorize", h.ServeBackchannelAuthentication))
	mux.HandleFunc("GET "+tenant+EndpointUserinfo, h.endpoint("userinfo", h.ServeUserinfo))
	mux.HandleFunc("POST "+tenant+EndpointUserinfo, h.endpoint("userinfo", h.ServeUserinfo))

	return security.RequestIDMiddleware(mux)
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// endpoint wraps a handler with a span and the HTTP request metrics
func (h *Handler) endpoint(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "http."+name)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r.WithContext(ctx))

		instrumentation.AddHTTPAttributes(span, r.Method, name, rec.status)
		h.recordHTTPMetrics(ctx, name, r.Method, rec.status, startTime)
	}
}

// ServeMetadata serves the OpenID Provider and RFC 8414 metadata of a tenant
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := h.server.Engine.ServerMetadata(r.Context(), r.PathValue("tenant"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCacheableJSON(w, r, metadata)
}

// ServeJWKS serves the public signing keys of a tenant
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.server.Engine.PublicJWKS(r.Context(), r.PathValue("tenant"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCacheableJSON(w, r, set)
}

// ServeAuthorization validates an authorization request and returns its ID
// for the interactive step. Redirectable failures go back to the client.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	req, err := h.server.Engine.Authorize(r.Context(), r.PathValue("tenant"), r.Form)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, &AuthorizationRequestResponse{
		ID:        req.ID,
		Profile:   req.Profile,
		ExpiresAt: req.ExpiresAt,
	})
}

// WriteAuthorizationResponse delivers the result of CompleteAuthorization to
// the client: a 302 for query and fragment, an auto-submitting form for form_post.
func (h *Handler) WriteAuthorizationResponse(w http.ResponseWriter, r *http.Request, resp *AuthorizationResponse) {
	h.setSecurityHeaders(w, r)

	if resp.ResponseMode != server.ResponseModeFormPost {
		w.Header().Set("Location", resp.URL())
		w.WriteHeader(http.StatusFound)
		return
	}

	action, err := url.Parse(resp.RedirectURI)
	if err != nil {
		h.logger.Error("Invalid redirect_uri in authorization response", "error", err)
		h.writeJSON(w, r, http.StatusInternalServerError, &ErrorResponse{Error: ErrorCodeServerError})
		return
	}
	origin := action.Scheme + ":"
	if action.Host != "" {
		origin = action.Scheme + "://" + action.Host
	}
	w.Header().Set("Content-Security-Policy", fmt.Sprintf(
		"default-src 'none'; script-src '%s'; form-action %s; frame-ancestors 'none'",
		formPostScriptHash, origin))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := formPostTmpl.Execute(w, struct {
		Action string
		Params url.Values
	}{Action: resp.RedirectURI, Params: resp.Params}); err != nil {
		h.logger.Error("Failed to render form_post response", "error", err)
	}
}

// ServeToken handles the token endpoint for every grant type
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	req := &server.TokenRequest{
		TenantID:         r.PathValue("tenant"),
		GrantType:        r.PostForm.Get("grant_type"),
		Code:             r.PostForm.Get("code"),
		RedirectURI:      r.PostForm.Get("redirect_uri"),
		CodeVerifier:     r.PostForm.Get("code_verifier"),
		RefreshToken:     r.PostForm.Get("refresh_token"),
		Scope:            r.PostForm.Get("scope"),
		AuthReqID:        r.PostForm.Get("auth_req_id"),
		Username:         r.PostForm.Get("username"),
		Password:         r.PostForm.Get("password"),
		Client:           h.clientAuthRequest(r),
		PasswordDelegate: h.delegates.Password,
	}

	resp, err := h.server.Engine.Token(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// ServeIntrospection handles the RFC 7662 token introspection endpoint.
// Requires client authentication to prevent token scanning.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	resp, err := h.server.Engine.Introspect(r.Context(), &server.IntrospectionRequest{
		TenantID:      r.PathValue("tenant"),
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		Client:        h.clientAuthRequest(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// ServeRevocation handles the RFC 7009 revocation endpoint
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	err := h.server.Engine.Revoke(r.Context(), &server.RevocationRequest{
		TenantID:      r.PathValue("tenant"),
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		Client:        h.clientAuthRequest(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setSecurityHeaders(w, r)
	w.WriteHeader(http.StatusOK)
}

// ServeBackchannelAuthentication handles the CIBA backchannel authentication endpoint
func (h *Handler) ServeBackchannelAuthentication(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	resp, err := h.server.Engine.RequestBackchannelAuthentication(r.Context(), &server.BackchannelRequest{
		TenantID:                r.PathValue("tenant"),
		Scope:                   r.PostForm.Get("scope"),
		ClientNotificationToken: r.PostForm.Get("client_notification_token"),
		ACRValues:               r.PostForm.Get("acr_values"),
		LoginHintToken:          r.PostForm.Get("login_hint_token"),
		IDTokenHint:             r.PostForm.Get("id_token_hint"),
		LoginHint:               r.PostForm.Get("login_hint"),
		BindingMessage:          r.PostForm.Get("binding_message"),
		UserCode:                r.PostForm.Get("user_code"),
		RequestedExpiry:         r.PostForm.Get("requested_expiry"),
		Request:                 r.PostForm.Get("request"),
		AuthorizationDetails:    r.PostForm.Get("authorization_details"),
		Client:                  h.clientAuthRequest(r),
	}, h.delegates.Ciba)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// ServeUserinfo returns the claims of the user an access token was issued for.
// The token comes from the Authorization header or, for POST, the form body.
func (h *Handler) ServeUserinfo(w http.ResponseWriter, r *http.Request) {
	token, ok := h.extractBearerToken(w, r)
	if !ok {
		return
	}
	claims, err := h.server.Engine.Userinfo(r.Context(), r.PathValue("tenant"), token, h.clientCertificate(r), h.delegates.Userinfo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, claims)
}

// extractBearerToken reads an RFC 6750 bearer token. Writes the error and
// returns false when there is none.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, tokenTypeBearer) || token == "" {
			h.writeError(w, r, ErrInvalidToken("invalid Authorization header format"))
			return "", false
		}
		return token, true
	}
	if r.Method == http.MethodPost {
		if !h.parseForm(w, r) {
			return "", false
		}
		if token := r.PostForm.Get("access_token"); token != "" {
			return token, true
		}
	}
	h.writeError(w, r, ErrInvalidToken("missing access token"))
	return "", false
}

// parseForm limits and parses the request body. Writes the error and returns
// false when the form cannot be read.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	if r.Form != nil {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.server.Config.HTTP.MaxFormSize)
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, ErrInvalidRequest("request body too large"))
			return false
		}
		h.writeError(w, r, ErrInvalidRequest("malformed request body"))
		return false
	}
	return true
}

// clientAuthRequest collects every client credential the request carries.
// The engine decides which of them the client's registered method accepts.
func (h *Handler) clientAuthRequest(r *http.Request) server.ClientAuthRequest {
	engine := h.server.Engine.Config
	req := server.ClientAuthRequest{
		ClientID:            r.PostForm.Get("client_id"),
		ClientSecret:        r.PostForm.Get("client_secret"),
		ClientAssertion:     r.PostForm.Get("client_assertion"),
		ClientAssertionType: r.PostForm.Get("client_assertion_type"),
		Certificate:         h.clientCertificate(r),
		ClientIP:            security.GetClientIP(r, engine.TrustProxy, engine.TrustedProxyCount),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 section 2.3.1: both parts are form-urlencoded before encoding
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
		req.HasBasic = true
		req.BasicID = id
		req.BasicSecret = secret
	}
	return req
}

// clientCertificate returns the mTLS client certificate, from the connection or
// from a trusted proxy header
func (h *Handler) clientCertificate(r *http.Request) *x509.Certificate {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0]
	}
	header := h.server.Config.HTTP.ClientCertificateHeader
	if header == "" || !h.server.Engine.Config.TrustProxy {
		return nil
	}
	value := r.Header.Get(header)
	if value == "" {
		return nil
	}
	unescaped, err := url.QueryUnescape(value)
	if err != nil {
		h.logger.Debug("Malformed client certificate header", "error", err)
		return nil
	}
	block, _ := pem.Decode([]byte(unescaped))
	if block == nil || block.Type != "CERTIFICATE" {
		h.logger.Debug("Client certificate header is not a PEM certificate")
		return nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		h.logger.Debug("Failed to parse client certificate header", "error", err)
		return nil
	}
	return cert
}

// writeError renders an engine error. Redirectable errors go back to the
// client's redirect_uri; everything else is a JSON body with the error's status.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := AsOAuthError(err)

	switch oauthErr.Kind {
	case KindServerError:
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	case KindPolling:
	default:
		h.logger.Debug("Request rejected",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", oauthErr.Code,
			"description", oauthErr.Description)
	}

	if oauthErr.IsRedirectable() {
		h.writeRedirectError(w, r, oauthErr)
		return
	}

	switch {
	case oauthErr.Code == ErrorCodeInvalidToken || oauthErr.Code == ErrorCodeInsufficientScope:
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(tokenTypeBearer, r.PathValue("tenant"), oauthErr.Code, oauthErr.Description))
	case oauthErr.Status == http.StatusUnauthorized:
		// RFC 6749 section 5.2: challenge with the scheme the client tried
		if _, _, ok := r.BasicAuth(); ok {
			w.Header().Set("WWW-Authenticate", formatWWWAuthenticate("Basic", r.PathValue("tenant"), "", ""))
		}
	}

	description := oauthErr.Description
	if oauthErr.Kind == KindServerError {
		description = "internal server error"
	}
	h.writeJSON(w, r, oauthErr.Status, &ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: description,
	})
}

// writeRedirectError sends an authorization error to the redirect_uri.
// JWT response modes fall back to their plain transport for errors.
func (h *Handler) writeRedirectError(w http.ResponseWriter, r *http.Request, oauthErr *OAuthError) {
	params := url.Values{}
	params.Set("error", oauthErr.Code)
	if oauthErr.Description != "" {
		params.Set("error_description", oauthErr.Description)
	}
	if oauthErr.State != "" {
		params.Set("state", oauthErr.State)
	}
	if srv, err := h.server.Engine.Tenants().Server(r.Context(), r.PathValue("tenant")); err == nil {
		params.Set("iss", srv.Issuer)
	}

	mode := strings.TrimSuffix(oauthErr.ResponseMode, "."+server.ResponseModeJWT)
	switch mode {
	case server.ResponseModeFragment, server.ResponseModeFormPost:
	default:
		mode = server.ResponseModeQuery
	}
	h.WriteAuthorizationResponse(w, r, &AuthorizationResponse{
		RedirectURI:  oauthErr.RedirectURI,
		ResponseMode: mode,
		Params:       params,
	})
}

// setSecurityHeaders sets the hardening headers; HSTS only for https requests
func (h *Handler) setSecurityHeaders(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || (h.server.Engine.Config.TrustProxy && r.Header.Get("X-Forwarded-Proto") == "https") {
		scheme = "https"
	}
	security.SetSecurityHeaders(w, scheme+"://"+r.Host)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	h.setSecurityHeaders(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// writeCacheableJSON writes public documents that clients may cache
func (h *Handler) writeCacheableJSON(w http.ResponseWriter, r *http.Request, v any) {
	h.setSecurityHeaders(w, r)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.FormatInt(h.server.Config.HTTP.MetadataMaxAge, 10))
	w.Header().Del("Pragma")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// formatWWWAuthenticate formats a WWW-Authenticate challenge (RFC 6750 section 3).
// Quoted values are escaped to prevent header injection.
func formatWWWAuthenticate(scheme, realm, errCode, errorDesc string) string {
	var params []string
	if realm != "" {
		params = append(params, fmt.Sprintf(`realm="%s"`, quoteEscape(realm)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, quoteEscape(errCode)))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	if len(params) == 0 {
		return scheme
	}
	return scheme + " " + strings.Join(params, ", ")
}

// quoteEscape escapes backslashes first, then quotes
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	duration := float64(time.Since(startTime).Microseconds()) / 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
