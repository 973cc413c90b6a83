// Package redis provides a JTI replay store on Redis for deployments that keep
// flow state elsewhere but share replay protection across instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/idp-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "idp:"

	// DefaultDialTimeout bounds connection establishment
	DefaultDialTimeout = 5 * time.Second

	// MaxJTILength is the maximum accepted length of a JWT identifier
	MaxJTILength = 256
)

// Config holds connection settings for a standalone or clustered Redis.
type Config struct {
	// Addrs lists one address for a single node or several for a cluster
	Addrs    []string
	Username string
	Password string
	DB       int

	// KeyPrefix is the prefix for all keys (default "idp:")
	KeyPrefix string

	DialTimeout time.Duration
}

// JTIStore implements storage.JTIRepository with SET NX.
type JTIStore struct {
	client    goredis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

var _ storage.JTIRepository = (*JTIStore)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*JTIStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("at least one redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps a pre-configured client.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *JTIStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &JTIStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// Close closes the underlying client.
func (s *JTIStore) Close() error {
	return s.client.Close()
}

func (s *JTIStore) key(scope, jti string) string {
	return fmt.Sprintf("%sjti:{%s}:%s", s.keyPrefix, scope, jti)
}

// MarkJTIUsed records jti within scope until expiresAt. A jti that is
// already recorded and not yet expired returns storage.ErrAlreadyUsed.
func (s *JTIStore) MarkJTIUsed(ctx context.Context, scope, jti string, expiresAt time.Time) error {
	if jti == "" {
		return errors.New("jti cannot be empty")
	}
	if len(jti) > MaxJTILength {
		return fmt.Errorf("jti exceeds maximum length of %d bytes", MaxJTILength)
	}

	// Redis rejects a zero PX, and an already expired jti still has to be
	// remembered long enough to reject a concurrent replay.
	ttl := max(expiresAt.Sub(s.now()), time.Second)

	ok, err := s.client.SetNX(ctx, s.key(scope, jti), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to record jti: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: jti", storage.ErrAlreadyUsed)
	}
	return nil
}
