package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// Server is the multi-tenant authorization engine. It is transport neutral;
// the root package adapts it to net/http.
type Server struct {
	repos          storage.Repositories
	tenants        *TenantResolver
	authenticators map[string]ClientAuthenticator
	grants         map[string]*grantHandler
	verifiers      []verifierRule

	requestObjects RequestObjectGateway
	notifier       ClientNotificationGateway

	instrumentation *instrumentation.Instrumentation
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer

	now func() time.Time

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config
}

// New creates a new engine over the given repositories
func New(repos storage.Repositories, config *Config, logger *slog.Logger) (*Server, error) {
	if err := checkRepositories(repos); err != nil {
		return nil, err
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tenants, err := NewTenantResolver(repos.ServerConfigurations, repos.ClientConfigurations, config.ConfigCacheSize, config.ConfigCacheTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		repos:          repos,
		tenants:        tenants,
		requestObjects: NewHTTPRequestObjectGateway(&http.Client{Timeout: config.RequestURIFetchTimeout}, int64(config.MaxRequestObjectSize), config.AllowInsecureOutboundURLs),
		notifier:       NewHTTPClientNotificationGateway(&http.Client{Timeout: config.NotificationTimeout}, config.AllowInsecureOutboundURLs),
		tracer:         tracenoop.NewTracerProvider().Tracer(""),
		now:            time.Now,
		Logger:         logger,
		Config:         config,
	}
	s.authenticators = s.builtinClientAuthenticators()
	s.grants = s.builtinGrantHandlers()
	s.verifiers = s.authorizationVerifiers()

	return s, nil
}

func checkRepositories(repos storage.Repositories) error {
	switch {
	case repos.ServerConfigurations == nil:
		return fmt.Errorf("server configuration repository is required")
	case repos.ClientConfigurations == nil:
		return fmt.Errorf("client configuration repository is required")
	case repos.AuthorizationRequests == nil:
		return fmt.Errorf("authorization request repository is required")
	case repos.AuthorizationCodeGrants == nil:
		return fmt.Errorf("authorization code grant repository is required")
	case repos.BackchannelAuthRequests == nil:
		return fmt.Errorf("backchannel authentication request repository is required")
	case repos.CibaGrants == nil:
		return fmt.Errorf("CIBA grant repository is required")
	case repos.OAuthTokens == nil:
		return fmt.Errorf("token repository is required")
	case repos.JTIs == nil:
		return fmt.Errorf("JTI repository is required")
	}
	return nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables metrics and tracing
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
	s.tenants.metrics = s.metrics
}

// SetRequestObjectGateway replaces the HTTP request_uri fetcher
func (s *Server) SetRequestObjectGateway(g RequestObjectGateway) {
	s.requestObjects = g
}

// SetClientNotificationGateway replaces the HTTP CIBA ping notifier
func (s *Server) SetClientNotificationGateway(g ClientNotificationGateway) {
	s.notifier = g
}

// SetClock replaces the time source, for tests
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Tenants returns the configuration resolver
func (s *Server) Tenants() *TenantResolver {
	return s.tenants
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "server."+name)
}

// isExpired checks expiresAt against the engine clock with the configured grace period
func (s *Server) isExpired(expiresAt time.Time) bool {
	return security.IsExpiredWithGracePeriod(s.now(), expiresAt, s.Config.ClockSkew())
}

// ttl picks the tenant lifetime, falling back to the engine default
func ttl(tenantSeconds, defaultSeconds int64) time.Duration {
	if tenantSeconds > 0 {
		return time.Duration(tenantSeconds) * time.Second
	}
	return time.Duration(defaultSeconds) * time.Second
}

// checkConfigVersions fails flows that outlive the configuration they started with.
// Versions of zero are not tracked.
func (s *Server) checkConfigVersions(srv *storage.ServerConfiguration, client *storage.ClientConfiguration, serverVersion, clientVersion int64) error {
	if clientVersion != 0 && client.Version != 0 && clientVersion != client.Version {
		s.auditVersionMismatch(srv.TenantID, client.ClientID, "client", clientVersion, client.Version)
		return ErrInvalidClient("client configuration changed during the flow")
	}
	if serverVersion != 0 && srv.Version != 0 && serverVersion != srv.Version {
		s.auditVersionMismatch(srv.TenantID, client.ClientID, "server", serverVersion, srv.Version)
		return ErrInvalidRequest("server configuration changed during the flow")
	}
	return nil
}

func (s *Server) auditVersionMismatch(tenantID, clientID, kind string, started, current int64) {
	s.Logger.Info("Configuration version changed during flow",
		"tenant_id", tenantID,
		"client_id", clientID,
		"configuration", kind,
		"started_version", started,
		"current_version", current)
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventConfigurationVersionMismatch,
		TenantID: tenantID,
		ClientID: clientID,
		Details: map[string]any{
			"configuration":   kind,
			"started_version": started,
			"current_version": current,
		},
	})
}

// logOutcome logs a failed operation at a level that matches its kind
func (s *Server) logOutcome(op, tenantID, clientID string, err error) {
	oauthErr := AsOAuthError(err)
	attrs := []any{
		"operation", op,
		"tenant_id", tenantID,
		"client_id", clientID,
		"error", oauthErr.Code,
		"reason", err.Error(),
	}
	switch oauthErr.Kind {
	case KindPolling:
		s.Logger.Debug("Poll outcome", attrs...)
	case KindServerError:
		s.Logger.Error("Operation failed", attrs...)
	default:
		s.Logger.Info("Request rejected", attrs...)
	}
}
