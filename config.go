package oauth

import (
	"log/slog"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/server"
)

// Default values for the HTTP and audit settings
const (
	DefaultMaxFormSize          = 1 << 20 // 1 MiB
	DefaultMetadataMaxAge       = 300     // seconds
	DefaultAuditEventsPerSecond = 1.0
	DefaultAuditBurst           = 20
	DefaultAuditMaxClients      = 10000
)

// Config holds the configuration of the HTTP front end and the engine behind it.
// Structured using composition, one struct per concern.
type Config struct {
	// Engine configures the authorization engine
	Engine server.Config

	// HTTP configures request parsing and response rendering
	HTTP HTTPConfig

	// Audit configures security audit logging
	Audit AuditConfig

	// Instrumentation configures OpenTelemetry metrics and tracing
	Instrumentation instrumentation.Config

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// HTTPConfig holds the settings of the HTTP handler
type HTTPConfig struct {
	// MaxFormSize limits request bodies in bytes.
	// Default: 1 MiB
	MaxFormSize int64

	// ClientCertificateHeader names a header carrying the URL-escaped PEM
	// client certificate from a TLS-terminating proxy. Read only when
	// Engine.TrustProxy is set. Empty means certificates come from the TLS
	// connection only.
	ClientCertificateHeader string

	// MetadataMaxAge is the Cache-Control max-age of discovery documents and JWKS
	// Default: 300 seconds
	MetadataMaxAge int64
}

// AuditConfig holds security audit settings
type AuditConfig struct {
	// Enabled turns on security audit logging (sensitive values are hashed)
	Enabled bool

	// EventsPerSecond and Burst throttle failure events per client
	// Default: 1 event per second, burst of 20
	EventsPerSecond float64
	Burst           int

	// MaxClients bounds the number of clients tracked by the throttle
	// Default: 10000
	MaxClients int
}

// applyDefaults fills unset HTTP and audit settings.
// Engine defaults are applied by server.New.
func (c *Config) applyDefaults() {
	if c.HTTP.MaxFormSize <= 0 {
		c.HTTP.MaxFormSize = DefaultMaxFormSize
	}
	if c.HTTP.MetadataMaxAge <= 0 {
		c.HTTP.MetadataMaxAge = DefaultMetadataMaxAge
	}
	if c.Audit.EventsPerSecond <= 0 {
		c.Audit.EventsPerSecond = DefaultAuditEventsPerSecond
	}
	if c.Audit.Burst <= 0 {
		c.Audit.Burst = DefaultAuditBurst
	}
	if c.Audit.MaxClients <= 0 {
		c.Audit.MaxClients = DefaultAuditMaxClients
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
