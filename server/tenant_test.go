package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/storage/memory"
	"github.com/giantswarm/idp-oauth/storage/mock"
)

func newTestResolver(t *testing.T, ttl time.Duration) (*TenantResolver, *memory.Store, *mock.MockServerConfigurationRepository) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(store.Stop)

	if err := store.PutServerConfiguration(ctx, &storage.ServerConfiguration{
		TenantID:    "acme",
		Issuer:      "https://idp.example.com/acme",
		SigningJWKS: testutil.PrivateJWKS(t, testutil.NewECKey(t)),
	}); err != nil {
		t.Fatalf("put tenant: %v", err)
	}
	for _, c := range []*storage.ClientConfiguration{
		{TenantID: "acme", ClientID: "web", Version: 1},
		{TenantID: "acme", ClientID: "off", Disabled: true},
	} {
		if err := store.PutClientConfiguration(ctx, c); err != nil {
			t.Fatalf("put client: %v", err)
		}
	}

	servers := mock.NewMockServerConfigurationRepository(store)
	r, err := NewTenantResolver(servers, store, 16, ttl)
	if err != nil {
		t.Fatalf("NewTenantResolver() error = %v", err)
	}
	return r, store, servers
}

func TestTenantResolver_CachesServerConfiguration(t *testing.T) {
	r, _, servers := newTestResolver(t, time.Minute)
	ctx := context.Background()

	for range 3 {
		srv, err := r.Server(ctx, "acme")
		if err != nil {
			t.Fatalf("Server() error = %v", err)
		}
		if srv.Issuer != "https://idp.example.com/acme" {
			t.Errorf("Issuer = %q", srv.Issuer)
		}
	}
	if got := servers.Calls("GetServerConfiguration"); got != 1 {
		t.Errorf("repository read %d times, want 1", got)
	}

	r.Invalidate("acme")
	if _, err := r.Server(ctx, "acme"); err != nil {
		t.Fatalf("Server() error = %v", err)
	}
	if got := servers.Calls("GetServerConfiguration"); got != 2 {
		t.Errorf("repository read %d times after Invalidate, want 2", got)
	}
}

func TestTenantResolver_ConcurrentMissesShareOneRead(t *testing.T) {
	r, _, servers := newTestResolver(t, time.Minute)

	release := make(chan struct{})
	servers.GetFunc = func(ctx context.Context, tenantID string) (*storage.ServerConfiguration, error) {
		<-release
		return &storage.ServerConfiguration{TenantID: tenantID, Issuer: "https://idp.example.com/" + tenantID}, nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Server(context.Background(), "acme"); err != nil {
				t.Errorf("Server() error = %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := servers.Calls("GetServerConfiguration"); got > 2 {
		t.Errorf("repository read %d times for concurrent misses", got)
	}
}

func TestTenantResolver_Errors(t *testing.T) {
	r, _, servers := newTestResolver(t, time.Minute)
	ctx := context.Background()

	var oauthErr *OAuthError
	_, err := r.Server(ctx, "globex")
	if !errors.As(err, &oauthErr) || oauthErr.Status != 404 {
		t.Errorf("unknown tenant: %v", err)
	}
	if _, err := r.Server(ctx, ""); err == nil {
		t.Error("expected an error for an empty tenant")
	}

	_, _, err = r.Resolve(ctx, "acme", "nobody")
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidClient {
		t.Errorf("unknown client: %v", err)
	}
	_, _, err = r.Resolve(ctx, "acme", "off")
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidClient {
		t.Errorf("disabled client: %v", err)
	}

	servers.GetFunc = func(context.Context, string) (*storage.ServerConfiguration, error) {
		return nil, errors.New("connection refused")
	}
	_, err = r.Server(ctx, "initech")
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeServerError {
		t.Errorf("repository failure: %v", err)
	}
}

func TestTenantResolver_InvalidateDropsClients(t *testing.T) {
	r, store, _ := newTestResolver(t, time.Minute)
	ctx := context.Background()

	_, client, err := r.Resolve(ctx, "acme", "web")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if client.Version != 1 {
		t.Fatalf("Version = %d", client.Version)
	}

	if err := store.PutClientConfiguration(ctx, &storage.ClientConfiguration{TenantID: "acme", ClientID: "web", Version: 2}); err != nil {
		t.Fatalf("put client: %v", err)
	}
	if _, client, _ = r.Resolve(ctx, "acme", "web"); client.Version != 1 {
		t.Errorf("cached Version = %d, want 1 until invalidated", client.Version)
	}

	r.Invalidate("acme")
	if _, client, _ = r.Resolve(ctx, "acme", "web"); client.Version != 2 {
		t.Errorf("Version = %d after Invalidate, want 2", client.Version)
	}
}

func TestTenantResolver_EntriesExpire(t *testing.T) {
	r, _, servers := newTestResolver(t, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := r.Server(ctx, "acme"); err != nil {
		t.Fatalf("Server() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := r.Server(ctx, "acme"); err != nil {
		t.Fatalf("Server() error = %v", err)
	}
	if got := servers.Calls("GetServerConfiguration"); got != 2 {
		t.Errorf("repository read %d times, want 2 after expiry", got)
	}
}

func TestNewTenantResolver_RejectsZeroSize(t *testing.T) {
	if _, err := NewTenantResolver(nil, nil, 0, time.Minute); err == nil {
		t.Error("expected an error for size 0")
	}
}
