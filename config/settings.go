// Package config loads the process settings of idp-oauth from the environment
// and the static tenant registry from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"

	oauth "github.com/giantswarm/idp-oauth"
	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/server"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageValkey = "valkey"
)

// Settings are the process settings. Every field is read from an IDP_*
// environment variable.
type Settings struct {
	ListenAddr      string        `env:"IDP_LISTEN_ADDR,default=:8443" validate:"required"`
	TLSCertFile     string        `env:"IDP_TLS_CERT_FILE" validate:"required_with=TLSKeyFile"`
	TLSKeyFile      string        `env:"IDP_TLS_KEY_FILE" validate:"required_with=TLSCertFile"`
	TLSClientCAFile string        `env:"IDP_TLS_CLIENT_CA_FILE"`
	ShutdownTimeout time.Duration `env:"IDP_SHUTDOWN_TIMEOUT,default=30s"`
	LogLevel        string        `env:"IDP_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`

	TenantsFile string `env:"IDP_TENANTS_FILE,default=tenants.yaml" validate:"required"`

	Storage         string `env:"IDP_STORAGE,default=memory" validate:"oneof=memory valkey"`
	ValkeyAddr      string `env:"IDP_VALKEY_ADDR" validate:"required_if=Storage valkey"`
	ValkeyPassword  string `env:"IDP_VALKEY_PASSWORD"`
	ValkeyDB        int    `env:"IDP_VALKEY_DB,default=0" validate:"gte=0"`
	ValkeyKeyPrefix string `env:"IDP_VALKEY_KEY_PREFIX"`

	// RedisAddrs moves client assertion replay detection to Redis. Comma
	// separated; several addresses select cluster mode.
	RedisAddrs     string `env:"IDP_REDIS_ADDRS"`
	RedisUsername  string `env:"IDP_REDIS_USERNAME"`
	RedisPassword  string `env:"IDP_REDIS_PASSWORD"`
	RedisKeyPrefix string `env:"IDP_REDIS_KEY_PREFIX"`

	TrustProxy              bool   `env:"IDP_TRUST_PROXY,default=false"`
	TrustedProxyCount       int    `env:"IDP_TRUSTED_PROXY_COUNT,default=1" validate:"gte=0"`
	ClientCertificateHeader string `env:"IDP_CLIENT_CERT_HEADER"`

	ConfigCacheSize           int           `env:"IDP_CONFIG_CACHE_SIZE,default=1024" validate:"gte=0"`
	ConfigCacheTTL            time.Duration `env:"IDP_CONFIG_CACHE_TTL,default=30s"`
	AllowInsecureOutboundURLs bool          `env:"IDP_ALLOW_INSECURE_OUTBOUND_URLS,default=false"`

	AuditEnabled           bool `env:"IDP_AUDIT_ENABLED,default=true"`
	InstrumentationEnabled bool `env:"IDP_INSTRUMENTATION_ENABLED,default=false"`
}

// LoadSettings reads and validates the settings from the environment
func LoadSettings() (*Settings, error) {
	s := &Settings{}
	if err := envdecode.Decode(s); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings for consistency
func (s *Settings) Validate() error {
	if err := newValidator("env").Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// RedisAddresses splits RedisAddrs
func (s *Settings) RedisAddresses() []string {
	var addrs []string
	for _, addr := range strings.Split(s.RedisAddrs, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// ServerConfig maps the settings onto the HTTP front end and engine configuration
func (s *Settings) ServerConfig(logger *slog.Logger) *oauth.Config {
	return &oauth.Config{
		Engine: server.Config{
			ConfigCacheSize:           s.ConfigCacheSize,
			ConfigCacheTTL:            s.ConfigCacheTTL,
			AllowInsecureOutboundURLs: s.AllowInsecureOutboundURLs,
			TrustProxy:                s.TrustProxy,
			TrustedProxyCount:         s.TrustedProxyCount,
		},
		HTTP: oauth.HTTPConfig{
			ClientCertificateHeader: s.ClientCertificateHeader,
		},
		Audit: oauth.AuditConfig{
			Enabled: s.AuditEnabled,
		},
		Instrumentation: instrumentation.Config{
			Enabled: s.InstrumentationEnabled,
		},
		Logger: logger,
	}
}

// NewLogger returns a JSON logger on stderr at the configured level
func (s *Settings) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newValidator reports field names by the given struct tag
func newValidator(tag string) *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get(tag), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return validate
}
