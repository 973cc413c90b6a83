package oauth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage"
)

// Server bundles the authorization engine with the auditor and the
// instrumentation it reports to.
type Server struct {
	Engine          *server.Server
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config
}

// NewServer creates the engine over repos. A nil config uses the defaults.
func NewServer(repos storage.Repositories, config *Config) (*Server, error) {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	logger := config.Logger

	engineConfig := config.Engine
	engine, err := server.New(repos, &engineConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	inst, err := instrumentation.New(config.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	engine.SetInstrumentation(inst)

	auditor := security.NewAuditor(logger, config.Audit.Enabled)
	limiter, err := security.NewEventLimiter(config.Audit.EventsPerSecond, config.Audit.Burst, config.Audit.MaxClients, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit limiter: %w", err)
	}
	auditor.SetEventLimiter(limiter)
	engine.SetAuditor(auditor)

	logger.Info("Authorization server initialized",
		"audit_logging", config.Audit.Enabled,
		"instrumentation", config.Instrumentation.Enabled,
		"config_cache_size", engine.Config.ConfigCacheSize,
		"config_cache_ttl", engine.Config.ConfigCacheTTL)

	return &Server{
		Engine:          engine,
		Auditor:         auditor,
		Instrumentation: inst,
		Logger:          logger,
		Config:          config,
	}, nil
}

// Shutdown flushes telemetry
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Instrumentation.Shutdown(ctx)
}
