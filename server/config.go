package server

import (
	"fmt"
	"log/slog"
	"time"
)

// Default values for Config. Tenant configuration overrides the token
// lifetimes per issuer; these apply when a tenant leaves them unset.
const (
	DefaultClockSkewGracePeriod       = 5                 // seconds
	DefaultAuthorizationRequestTTL    = 600               // 10 minutes
	DefaultAuthorizationCodeTTL       = 60                // 1 minute
	DefaultAccessTokenTTL             = 3600              // 1 hour
	DefaultRefreshTokenTTL            = 30 * 24 * 60 * 60 // 30 days
	DefaultIDTokenTTL                 = 3600              // 1 hour
	DefaultBackchannelAuthRequestTTL  = 600               // 10 minutes
	DefaultBackchannelPollingInterval = 5                 // seconds
	DefaultMaxRequestObjectSize       = 64 * 1024         // bytes
	DefaultConfigCacheSize            = 1024
	DefaultConfigCacheTTL             = 30 * time.Second
	DefaultRequestURIFetchTimeout     = 5 * time.Second
	DefaultNotificationTimeout        = 5 * time.Second

	// MaxRequestObjectLifetime bounds exp - nbf of a FAPI request object
	MaxRequestObjectLifetime = 60 * time.Minute
)

// Config holds engine-wide settings
type Config struct {
	// ClockSkewGracePeriod is tolerated when checking exp/nbf/iat and expiries
	ClockSkewGracePeriod int64 // seconds, default: 5

	// RequestURIFetchTimeout bounds request_uri fetches
	RequestURIFetchTimeout time.Duration // default: 5s

	// NotificationTimeout bounds CIBA ping notifications to the client
	NotificationTimeout time.Duration // default: 5s

	// ConfigCacheSize is the number of tenant and client configurations kept in memory
	ConfigCacheSize int // default: 1024

	// ConfigCacheTTL is how long a cached configuration is used before it is re-read.
	// Version changes become visible after at most this long.
	ConfigCacheTTL time.Duration // default: 30s

	// Fallback token lifetimes when a tenant leaves them unset
	AuthorizationRequestTTL    int64 // seconds, default: 600
	AuthorizationCodeTTL       int64 // seconds, default: 60
	AccessTokenTTL             int64 // seconds, default: 3600
	RefreshTokenTTL            int64 // seconds, default: 30 days
	IDTokenTTL                 int64 // seconds, default: 3600
	BackchannelAuthRequestTTL  int64 // seconds, default: 600
	BackchannelPollingInterval int64 // seconds, default: 5

	// MaxRequestObjectSize is the hard upper bound on request objects in bytes.
	// Tenants can lower it with RequestObjectMaxSize.
	MaxRequestObjectSize int // default: 64 KiB

	// IssueRefreshTokenForClientCredentials issues refresh tokens on the
	// client_credentials grant. RFC 6749 section 4.4.3 advises against it.
	// Default: false
	IssueRefreshTokenForClientCredentials bool

	// AllowInsecureOutboundURLs permits http and internal hosts for
	// request_uri and client notification endpoints. Development only.
	// Default: false
	AllowInsecureOutboundURLs bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers for audit IPs
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int
}

// ClockSkew returns ClockSkewGracePeriod as a duration
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}

// applySecureDefaults fills unset values and warns about insecure settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if config.ConfigCacheSize <= 0 {
		config.ConfigCacheSize = DefaultConfigCacheSize
	}
	if config.MaxRequestObjectSize <= 0 {
		config.MaxRequestObjectSize = DefaultMaxRequestObjectSize
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = DefaultClockSkewGracePeriod
	}
	if config.RequestURIFetchTimeout == 0 {
		config.RequestURIFetchTimeout = DefaultRequestURIFetchTimeout
	}
	if config.NotificationTimeout == 0 {
		config.NotificationTimeout = DefaultNotificationTimeout
	}
	if config.ConfigCacheTTL == 0 {
		config.ConfigCacheTTL = DefaultConfigCacheTTL
	}
	if config.AuthorizationRequestTTL == 0 {
		config.AuthorizationRequestTTL = DefaultAuthorizationRequestTTL
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = DefaultIDTokenTTL
	}
	if config.BackchannelAuthRequestTTL == 0 {
		config.BackchannelAuthRequestTTL = DefaultBackchannelAuthRequestTTL
	}
	if config.BackchannelPollingInterval == 0 {
		config.BackchannelPollingInterval = DefaultBackchannelPollingInterval
	}
}

// validate rejects settings the engine cannot run with
func (c *Config) validate() error {
	if c.ClockSkewGracePeriod < 0 {
		return fmt.Errorf("ClockSkewGracePeriod must not be negative")
	}
	if c.AuthorizationCodeTTL < 0 || c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 ||
		c.IDTokenTTL < 0 || c.AuthorizationRequestTTL < 0 || c.BackchannelAuthRequestTTL < 0 {
		return fmt.Errorf("token lifetimes must not be negative")
	}
	if c.BackchannelPollingInterval < 0 {
		return fmt.Errorf("BackchannelPollingInterval must not be negative")
	}
	if c.RequestURIFetchTimeout < 0 || c.NotificationTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowInsecureOutboundURLs {
		logger.Warn("SECURITY WARNING: insecure outbound URLs are ALLOWED",
			"risk", "request_uri and notification fetches may reach internal networks",
			"recommendation", "Set AllowInsecureOutboundURLs=false outside local development")
	}
	if config.IssueRefreshTokenForClientCredentials {
		logger.Warn("SECURITY NOTICE: refresh tokens are issued for client_credentials",
			"recommendation", "Clients can re-authenticate instead, see RFC 6749 section 4.4.3")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing in audit logs if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}
