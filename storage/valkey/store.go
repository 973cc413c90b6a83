package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/idp-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "idp:"

	// tokenLogLength is the number of characters to include when logging token values
	tokenLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token strings
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for identifiers (tenant, client, request)
	MaxIDLength = 256

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024

	// minTTL is the smallest expiry Valkey accepts for EX
	minTTL = time.Second
)

// Validation error messages (generic to prevent information leakage)
var (
	errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "idp:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage repositories.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ServerConfigurationRepository              = (*Store)(nil)
	_ storage.ClientConfigurationRepository              = (*Store)(nil)
	_ storage.AuthorizationRequestRepository             = (*Store)(nil)
	_ storage.AuthorizationCodeGrantRepository           = (*Store)(nil)
	_ storage.BackchannelAuthenticationRequestRepository = (*Store)(nil)
	_ storage.CibaGrantRepository                        = (*Store)(nil)
	_ storage.OAuthTokenRepository                       = (*Store)(nil)
	_ storage.JTIRepository                              = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Repositories returns the store as every repository the engine needs
func (s *Store) Repositories() storage.Repositories {
	return storage.Repositories{
		ServerConfigurations:    s,
		ClientConfigurations:    s,
		AuthorizationRequests:   s,
		AuthorizationCodeGrants: s,
		BackchannelAuthRequests: s,
		CibaGrants:              s,
		OAuthTokens:             s,
		JTIs:                    s,
	}
}

// ============================================================
// Key Helpers
// ============================================================
//
// Records of one tenant share the {tenantID} hash tag so that multi-key
// scripts stay within one cluster slot. Tokens are tagged by issuer.

// serverKey returns {prefix}server:{tenant}
func (s *Store) serverKey(tenantID string) string {
	return fmt.Sprintf("%sserver:{%s}", s.prefix, tenantID)
}

// clientKey returns {prefix}client:{tenant}:{clientID}
func (s *Store) clientKey(tenantID, clientID string) string {
	return fmt.Sprintf("%sclient:{%s}:%s", s.prefix, tenantID, clientID)
}

// authRequestKey returns {prefix}authreq:{tenant}:{id}
func (s *Store) authRequestKey(tenantID, id string) string {
	return fmt.Sprintf("%sauthreq:{%s}:%s", s.prefix, tenantID, id)
}

// codeKey returns {prefix}code:{tenant}:{code}
func (s *Store) codeKey(tenantID, code string) string {
	return fmt.Sprintf("%scode:{%s}:%s", s.prefix, tenantID, code)
}

// codeUsedKey returns {prefix}code:used:{tenant}:{code}
func (s *Store) codeUsedKey(tenantID, code string) string {
	return fmt.Sprintf("%scode:used:{%s}:%s", s.prefix, tenantID, code)
}

// backchannelKey returns {prefix}bcreq:{tenant}:{id}
func (s *Store) backchannelKey(tenantID, id string) string {
	return fmt.Sprintf("%sbcreq:{%s}:%s", s.prefix, tenantID, id)
}

// cibaKey returns {prefix}ciba:{tenant}:{authReqID}
func (s *Store) cibaKey(tenantID, authReqID string) string {
	return fmt.Sprintf("%sciba:{%s}:%s", s.prefix, tenantID, authReqID)
}

// accessTokenKey returns {prefix}token:{issuer}:access:{value}
func (s *Store) accessTokenKey(issuer, value string) string {
	return fmt.Sprintf("%stoken:{%s}:access:%s", s.prefix, issuer, value)
}

// refreshTokenKey returns {prefix}token:{issuer}:refresh:{value}
func (s *Store) refreshTokenKey(issuer, value string) string {
	return fmt.Sprintf("%stoken:{%s}:refresh:%s", s.prefix, issuer, value)
}

// jtiKey returns {prefix}jti:{scope}:{jti}
func (s *Store) jtiKey(scope, jti string) string {
	return fmt.Sprintf("%sjti:{%s}:%s", s.prefix, scope, jti)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Scripts only read JSON with cjson.decode and never re-encode stored records,
// so the Go encoding stays authoritative.

// luaConsumeCode atomically checks that an authorization code is unused and
// records its use in a sibling key with the same TTL.
//
// KEYS[1] = code key
// KEYS[2] = used marker key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the stored record if the code was unused and is now marked used
//   - "NOT_FOUND" if the code does not exist
//   - "EXPIRED" if ARGV[1] is past the record's expires_at
//   - "ALREADY_USED:<json>" if the code was used before
const luaConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'ALREADY_USED:' .. data
end

local record = cjson.decode(data)
local now = tonumber(ARGV[1])
local expiresAt = tonumber(record.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', ttl)
else
    redis.call('SET', KEYS[2], '1')
end

return data
`

// luaUpdateCibaGrant replaces a CIBA grant only if the stored revision matches.
//
// KEYS[1] = CIBA grant key
// ARGV[1] = expected revision
// ARGV[2] = new record (already carrying the incremented revision)
//
// Returns "OK", "NOT_FOUND" or "CONFLICT".
const luaUpdateCibaGrant = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)
if tonumber(record.revision) ~= tonumber(ARGV[1]) then
    return 'CONFLICT'
end

redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 'OK'
`

// luaRegisterToken stores a token under its access key and, when present,
// its refresh key. Nothing is written if either key is taken.
//
// KEYS[1] = access token key
// KEYS[2] = refresh token key (optional)
// ARGV[1] = token record
// ARGV[2] = TTL in milliseconds
//
// Returns "OK" or "EXISTS".
const luaRegisterToken = `
for i = 1, #KEYS do
    if redis.call('EXISTS', KEYS[i]) == 1 then
        return 'EXISTS'
    end
end

for i = 1, #KEYS do
    redis.call('SET', KEYS[i], ARGV[1], 'PX', ARGV[2])
end

return 'OK'
`

// ============================================================
// Helpers
// ============================================================

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// marshalRecord encodes v and enforces MaxRecordSize
func marshalRecord(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return "", errInputTooLarge
	}
	return string(data), nil
}

// ttlUntil returns the time left until expiresAt, never below minTTL.
// A zero expiresAt means the record does not expire and returns 0.
func (s *Store) ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	return max(expiresAt.Sub(s.now()), minTTL)
}

// set writes value at key with an optional TTL
func (s *Store) set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl > 0 {
		return s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Build()).Error()
}

// setNX writes value at key only if the key does not exist. It reports
// whether the value was written.
func (s *Store) setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var err error
	if ttl > 0 {
		err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Nx().Ex(ttl).Build()).Error()
	} else {
		err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Nx().Build()).Error()
	}
	if isNilError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// getJSON reads and decodes the record at key. A missing key yields ErrNotFound.
func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to get record: %w", err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// del removes keys and returns ErrNotFound when none existed
func (s *Store) del(ctx context.Context, keys ...string) error {
	n, err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// eval runs a Lua script and returns its string reply
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) (string, error) {
	return s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).ToString()
}

// isNilError reports whether err is the Valkey nil reply
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
