package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/storage"
)

// tenant is a cached server configuration with its parsed signing keys
type tenant struct {
	config *storage.ServerConfiguration
	keys   *tenantKeys
}

// TenantResolver loads tenant and client configuration through a bounded,
// expiring cache. Concurrent misses for the same key share one repository read.
type TenantResolver struct {
	servers storage.ServerConfigurationRepository
	clients storage.ClientConfigurationRepository

	tenantCache *expirable.LRU[string, *tenant]
	clientCache *expirable.LRU[string, *storage.ClientConfiguration]
	loads       singleflight.Group

	metrics *instrumentation.Metrics
}

// NewTenantResolver creates a resolver caching up to size entries of each kind for ttl
func NewTenantResolver(servers storage.ServerConfigurationRepository, clients storage.ClientConfigurationRepository, size int, ttl time.Duration) (*TenantResolver, error) {
	if size <= 0 {
		return nil, fmt.Errorf("config cache size must be positive, got %d", size)
	}
	return &TenantResolver{
		servers:     servers,
		clients:     clients,
		tenantCache: expirable.NewLRU[string, *tenant](size, nil, ttl),
		clientCache: expirable.NewLRU[string, *storage.ClientConfiguration](size, nil, ttl),
	}, nil
}

// Server returns the configuration of a tenant
func (r *TenantResolver) Server(ctx context.Context, tenantID string) (*storage.ServerConfiguration, error) {
	t, err := r.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return t.config, nil
}

// Resolve returns the tenant and client configuration for a request.
// Unknown and disabled clients are invalid_client.
func (r *TenantResolver) Resolve(ctx context.Context, tenantID, clientID string) (*storage.ServerConfiguration, *storage.ClientConfiguration, error) {
	t, err := r.tenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	client, err := r.client(ctx, tenantID, clientID)
	if err != nil {
		return nil, nil, err
	}
	return t.config, client, nil
}

// Invalidate drops a tenant and all of its cached clients
func (r *TenantResolver) Invalidate(tenantID string) {
	r.tenantCache.Remove(tenantID)
	prefix := tenantID + "/"
	for _, key := range r.clientCache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.clientCache.Remove(key)
		}
	}
}

func (r *TenantResolver) tenant(ctx context.Context, tenantID string) (*tenant, error) {
	if tenantID == "" {
		return nil, ErrTenantNotFound(tenantID)
	}
	if t, ok := r.tenantCache.Get(tenantID); ok {
		r.metrics.RecordConfigCacheLookup(ctx, "server", true)
		return t, nil
	}
	r.metrics.RecordConfigCacheLookup(ctx, "server", false)

	v, err, _ := r.loads.Do("server/"+tenantID, func() (any, error) {
		config, err := r.servers.GetServerConfiguration(ctx, tenantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrTenantNotFound(tenantID)
			}
			return nil, ErrServerError("failed to load tenant configuration", err)
		}
		keys, err := parseTenantKeys(config.SigningJWKS)
		if err != nil {
			return nil, ErrServerError("invalid tenant signing keys", err)
		}
		t := &tenant{config: config, keys: keys}
		r.tenantCache.Add(tenantID, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tenant), nil
}

func (r *TenantResolver) client(ctx context.Context, tenantID, clientID string) (*storage.ClientConfiguration, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}
	key := tenantID + "/" + clientID
	client, ok := r.clientCache.Get(key)
	r.metrics.RecordConfigCacheLookup(ctx, "client", ok)
	if !ok {
		v, err, _ := r.loads.Do("client/"+key, func() (any, error) {
			c, err := r.clients.GetClientConfiguration(ctx, tenantID, clientID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil, ErrInvalidClient("unknown client")
				}
				return nil, ErrServerError("failed to load client configuration", err)
			}
			r.clientCache.Add(key, c)
			return c, nil
		})
		if err != nil {
			return nil, err
		}
		client = v.(*storage.ClientConfiguration)
	}

	if client.Disabled {
		return nil, ErrInvalidClient("client is disabled")
	}
	return client, nil
}
