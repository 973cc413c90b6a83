// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

const (
	// tokenLogLength is the number of characters to include when logging token values
	tokenLogLength = 8

	// DefaultCleanupInterval is how often expired entries are purged
	DefaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	// Configuration, keyed by tenant and tenant/client
	servers map[string]*storage.ServerConfiguration
	clients map[string]*storage.ClientConfiguration

	// Flow storage, keyed by tenant/id
	authRequests        map[string]*storage.AuthorizationRequest
	authCodes           map[string]*storage.AuthorizationCodeGrant
	backchannelRequests map[string]*storage.BackchannelAuthenticationRequest
	cibaGrants          map[string]*storage.CibaGrant

	// Token storage; both maps point at the same record, keyed by issuer/value
	accessTokens  map[string]*storage.OAuthToken
	refreshTokens map[string]*storage.OAuthToken

	// Replay protection, keyed by scope/jti
	jtis map[string]time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	tokensCountAtomic     atomic.Int64
	codesCountAtomic      atomic.Int64
	cibaGrantsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	now             func() time.Time
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

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		servers:             make(map[string]*storage.ServerConfiguration),
		clients:             make(map[string]*storage.ClientConfiguration),
		authRequests:        make(map[string]*storage.AuthorizationRequest),
		authCodes:           make(map[string]*storage.AuthorizationCodeGrant),
		backchannelRequests: make(map[string]*storage.BackchannelAuthenticationRequest),
		cibaGrants:          make(map[string]*storage.CibaGrant),
		accessTokens:        make(map[string]*storage.OAuthToken),
		refreshTokens:       make(map[string]*storage.OAuthToken),
		jtis:                make(map[string]time.Time),
		cleanupInterval:     cleanupInterval,
		stopCleanup:         make(chan struct{}),
		logger:              slog.Default(),
		now:                 time.Now,
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
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

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for expiry checks
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.tokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.cibaGrantsCountAtomic.Store(int64(len(s.cibaGrants)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.cibaGrantsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func key(parts ...string) string {
	k := parts[0]
	for _, p := range parts[1:] {
		k += "\x00" + p
	}
	return k
}

func (s *Store) expired(expiresAt time.Time) bool {
	return security.IsExpiredWithGracePeriod(s.now(), expiresAt, 0)
}

// ============================================================
// Configuration
// ============================================================

// PutServerConfiguration stores or replaces a tenant's configuration.
// The stored value is a snapshot; later changes to config are not visible.
func (s *Store) PutServerConfiguration(ctx context.Context, config *storage.ServerConfiguration) error {
	if config == nil || config.TenantID == "" {
		return fmt.Errorf("server configuration requires a tenant ID")
	}
	c := *config
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[config.TenantID] = &c
	return nil
}

// PutClientConfiguration stores or replaces a client registration
func (s *Store) PutClientConfiguration(ctx context.Context, config *storage.ClientConfiguration) error {
	if config == nil || config.TenantID == "" || config.ClientID == "" {
		return fmt.Errorf("client configuration requires a tenant ID and client ID")
	}
	c := *config
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[key(config.TenantID, config.ClientID)] = &c
	return nil
}

// DeleteClientConfiguration removes a client registration
func (s *Store) DeleteClientConfiguration(tenantID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, key(tenantID, clientID))
}

// GetServerConfiguration returns a copy of the tenant's configuration
func (s *Store) GetServerConfiguration(ctx context.Context, tenantID string) (*storage.ServerConfiguration, error) {
	ctx, span := s.startStorageSpan(ctx, "get_server_configuration")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_server_configuration", err, startTime)
	}()

	s.mu.RLock()
	config, ok := s.servers[tenantID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: tenant %s", storage.ErrNotFound, tenantID)
		return nil, err
	}
	c := *config
	return &c, nil
}

// GetClientConfiguration returns a copy of the client registration
func (s *Store) GetClientConfiguration(ctx context.Context, tenantID, clientID string) (*storage.ClientConfiguration, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client_configuration")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client_configuration", err, startTime)
	}()

	s.mu.RLock()
	config, ok := s.clients[key(tenantID, clientID)]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return nil, err
	}
	c := *config
	return &c, nil
}

// ============================================================
// Authorization requests and codes
// ============================================================

// RegisterAuthorizationRequest stores a validated authorization request
func (s *Store) RegisterAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	ctx, span := s.startStorageSpan(ctx, "register_authorization_request")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "register_authorization_request", err, startTime)
	}()

	if req == nil || req.ID == "" {
		err = fmt.Errorf("authorization request ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(req.TenantID, req.ID)
	if _, exists := s.authRequests[k]; exists {
		err = fmt.Errorf("%w: authorization request %s", storage.ErrAlreadyExists, req.ID)
		return err
	}
	c := *req
	s.authRequests[k] = &c
	return nil
}

// GetAuthorizationRequest returns the request, or ErrExpired once its lifetime passed
func (s *Store) GetAuthorizationRequest(ctx context.Context, tenantID, id string) (*storage.AuthorizationRequest, error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_request")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_authorization_request", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.authRequests[key(tenantID, id)]
	if !ok {
		err = fmt.Errorf("%w: authorization request %s", storage.ErrNotFound, id)
		return nil, err
	}
	if s.expired(req.ExpiresAt) {
		err = fmt.Errorf("%w: authorization request %s", storage.ErrExpired, id)
		return nil, err
	}
	c := *req
	return &c, nil
}

// DeleteAuthorizationRequest removes an authorization request
func (s *Store) DeleteAuthorizationRequest(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, id)
	if _, ok := s.authRequests[k]; !ok {
		return fmt.Errorf("%w: authorization request %s", storage.ErrNotFound, id)
	}
	delete(s.authRequests, k)
	return nil
}

// RegisterAuthorizationCodeGrant stores a new authorization code
func (s *Store) RegisterAuthorizationCodeGrant(ctx context.Context, grant *storage.AuthorizationCodeGrant) error {
	ctx, span := s.startStorageSpan(ctx, "register_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "register_authorization_code", err, startTime)
	}()

	if grant == nil || grant.Code == "" {
		err = fmt.Errorf("authorization code cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(grant.TenantID, grant.Code)
	if _, exists := s.authCodes[k]; exists {
		err = fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
		return err
	}
	s.authCodes[k] = grant.Clone()
	s.codesCountAtomic.Add(1)

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(grant.Code, tokenLogLength))
	return nil
}

// FindAuthorizationCodeGrant returns the grant without modifying it
func (s *Store) FindAuthorizationCodeGrant(ctx context.Context, tenantID, code string) (*storage.AuthorizationCodeGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.authCodes[key(tenantID, code)]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	return grant.Clone(), nil
}

// ConsumeAuthorizationCodeGrant atomically marks the code used.
// Only one concurrent caller can succeed; the others get ErrAlreadyUsed with the grant.
func (s *Store) ConsumeAuthorizationCodeGrant(ctx context.Context, tenantID, code string) (*storage.AuthorizationCodeGrant, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.authCodes[key(tenantID, code)]
	if !ok {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}
	if grant.Used {
		err = fmt.Errorf("%w: authorization code", storage.ErrAlreadyUsed)
		return grant.Clone(), err
	}
	if s.expired(grant.ExpiresAt) {
		err = fmt.Errorf("%w: authorization code", storage.ErrExpired)
		return nil, err
	}

	grant.Used = true
	return grant.Clone(), nil
}

// DeleteAuthorizationCodeGrant removes an authorization code
func (s *Store) DeleteAuthorizationCodeGrant(ctx context.Context, tenantID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, code)
	if _, ok := s.authCodes[k]; !ok {
		return fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	delete(s.authCodes, k)
	s.codesCountAtomic.Add(-1)
	return nil
}

// ============================================================
// CIBA
// ============================================================

// RegisterBackchannelAuthenticationRequest stores a validated CIBA request
func (s *Store) RegisterBackchannelAuthenticationRequest(ctx context.Context, req *storage.BackchannelAuthenticationRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("backchannel request ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(req.TenantID, req.ID)
	if _, exists := s.backchannelRequests[k]; exists {
		return fmt.Errorf("%w: backchannel request %s", storage.ErrAlreadyExists, req.ID)
	}
	c := *req
	s.backchannelRequests[k] = &c
	return nil
}

// FindBackchannelAuthenticationRequest returns a CIBA request by ID
func (s *Store) FindBackchannelAuthenticationRequest(ctx context.Context, tenantID, id string) (*storage.BackchannelAuthenticationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.backchannelRequests[key(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("%w: backchannel request %s", storage.ErrNotFound, id)
	}
	c := *req
	return &c, nil
}

// DeleteBackchannelAuthenticationRequest removes a CIBA request
func (s *Store) DeleteBackchannelAuthenticationRequest(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, id)
	if _, ok := s.backchannelRequests[k]; !ok {
		return fmt.Errorf("%w: backchannel request %s", storage.ErrNotFound, id)
	}
	delete(s.backchannelRequests, k)
	return nil
}

// RegisterCibaGrant stores a new CIBA grant at revision 1
func (s *Store) RegisterCibaGrant(ctx context.Context, grant *storage.CibaGrant) error {
	ctx, span := s.startStorageSpan(ctx, "register_ciba_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "register_ciba_grant", err, startTime)
	}()

	if grant == nil || grant.AuthReqID == "" {
		err = fmt.Errorf("auth_req_id cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(grant.TenantID, grant.AuthReqID)
	if _, exists := s.cibaGrants[k]; exists {
		err = fmt.Errorf("%w: CIBA grant", storage.ErrAlreadyExists)
		return err
	}
	stored := grant.Clone()
	stored.Revision = 1
	grant.Revision = 1
	s.cibaGrants[k] = stored
	s.cibaGrantsCountAtomic.Add(1)
	return nil
}

// FindCibaGrant returns a CIBA grant by auth_req_id. Expiry is left to the caller
// so that an expired grant can still be reported as expired_token.
func (s *Store) FindCibaGrant(ctx context.Context, tenantID, authReqID string) (*storage.CibaGrant, error) {
	ctx, span := s.startStorageSpan(ctx, "find_ciba_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_ciba_grant", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.cibaGrants[key(tenantID, authReqID)]
	if !ok {
		err = fmt.Errorf("%w: CIBA grant", storage.ErrNotFound)
		return nil, err
	}
	return grant.Clone(), nil
}

// UpdateCibaGrant replaces the grant if grant.Revision matches the stored revision
func (s *Store) UpdateCibaGrant(ctx context.Context, grant *storage.CibaGrant) (*storage.CibaGrant, error) {
	ctx, span := s.startStorageSpan(ctx, "update_ciba_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "update_ciba_grant", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(grant.TenantID, grant.AuthReqID)
	current, ok := s.cibaGrants[k]
	if !ok {
		err = fmt.Errorf("%w: CIBA grant", storage.ErrNotFound)
		return nil, err
	}
	if current.Revision != grant.Revision {
		err = fmt.Errorf("%w: CIBA grant revision %d, stored %d", storage.ErrConcurrentModification, grant.Revision, current.Revision)
		return nil, err
	}

	stored := grant.Clone()
	stored.Revision = current.Revision + 1
	s.cibaGrants[k] = stored
	return stored.Clone(), nil
}

// DeleteCibaGrant removes a CIBA grant
func (s *Store) DeleteCibaGrant(ctx context.Context, tenantID, authReqID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, authReqID)
	if _, ok := s.cibaGrants[k]; !ok {
		return fmt.Errorf("%w: CIBA grant", storage.ErrNotFound)
	}
	delete(s.cibaGrants, k)
	s.cibaGrantsCountAtomic.Add(-1)
	return nil
}

// ============================================================
// Tokens
// ============================================================

// RegisterOAuthToken indexes the token by its access and refresh values
func (s *Store) RegisterOAuthToken(ctx context.Context, token *storage.OAuthToken) error {
	ctx, span := s.startStorageSpan(ctx, "register_oauth_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "register_oauth_token", err, startTime)
	}()

	if token == nil || token.AccessToken == "" {
		err = fmt.Errorf("access token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accessKey := key(token.TokenIssuer, token.AccessToken)
	if _, exists := s.accessTokens[accessKey]; exists {
		err = fmt.Errorf("%w: access token", storage.ErrAlreadyExists)
		return err
	}
	if token.HasRefreshToken() {
		if _, exists := s.refreshTokens[key(token.TokenIssuer, token.RefreshToken)]; exists {
			err = fmt.Errorf("%w: refresh token", storage.ErrAlreadyExists)
			return err
		}
	}

	stored := token.Clone()
	s.accessTokens[accessKey] = stored
	if stored.HasRefreshToken() {
		s.refreshTokens[key(stored.TokenIssuer, stored.RefreshToken)] = stored
	}
	s.tokensCountAtomic.Add(1)

	s.logger.Debug("Saved token",
		"token_id", token.ID,
		"client_id", token.ClientID,
		"has_refresh_token", token.HasRefreshToken())
	return nil
}

// FindOAuthTokenByAccessToken returns the token owning the access token value
func (s *Store) FindOAuthTokenByAccessToken(ctx context.Context, tokenIssuer, accessToken string) (*storage.OAuthToken, error) {
	ctx, span := s.startStorageSpan(ctx, "find_token_by_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_token_by_access_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[key(tokenIssuer, accessToken)]
	if !ok {
		err = fmt.Errorf("%w: access token", storage.ErrNotFound)
		return nil, err
	}
	return token.Clone(), nil
}

// FindOAuthTokenByRefreshToken returns the token owning the refresh token value
func (s *Store) FindOAuthTokenByRefreshToken(ctx context.Context, tokenIssuer, refreshToken string) (*storage.OAuthToken, error) {
	ctx, span := s.startStorageSpan(ctx, "find_token_by_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_token_by_refresh_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[key(tokenIssuer, refreshToken)]
	if !ok {
		err = fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		return nil, err
	}
	return token.Clone(), nil
}

// DeleteOAuthToken removes both halves of the token under one lock.
// A second delete of the same token returns ErrNotFound.
func (s *Store) DeleteOAuthToken(ctx context.Context, token *storage.OAuthToken) error {
	ctx, span := s.startStorageSpan(ctx, "delete_oauth_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_oauth_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	accessKey := key(token.TokenIssuer, token.AccessToken)
	stored, ok := s.accessTokens[accessKey]
	if !ok || stored.ID != token.ID {
		err = fmt.Errorf("%w: token %s", storage.ErrNotFound, token.ID)
		return err
	}

	delete(s.accessTokens, accessKey)
	if stored.HasRefreshToken() {
		delete(s.refreshTokens, key(stored.TokenIssuer, stored.RefreshToken))
	}
	s.tokensCountAtomic.Add(-1)

	s.logger.Debug("Deleted token", "token_id", stored.ID)
	return nil
}

// ============================================================
// Replay protection
// ============================================================

// MarkJTIUsed records jti within scope until expiresAt
func (s *Store) MarkJTIUsed(ctx context.Context, scope, jti string, expiresAt time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "mark_jti_used")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "mark_jti_used", err, startTime)
	}()

	if jti == "" {
		err = fmt.Errorf("jti cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(scope, jti)
	if until, seen := s.jtis[k]; seen && !s.expired(until) {
		err = fmt.Errorf("%w: jti", storage.ErrAlreadyUsed)
		return err
	}
	s.jtis[k] = expiresAt
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for k, req := range s.authRequests {
		if s.expired(req.ExpiresAt) {
			delete(s.authRequests, k)
			cleaned++
		}
	}

	for k, grant := range s.authCodes {
		if s.expired(grant.ExpiresAt) {
			delete(s.authCodes, k)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for k, req := range s.backchannelRequests {
		if s.expired(req.ExpiresAt) {
			delete(s.backchannelRequests, k)
			cleaned++
		}
	}

	for k, grant := range s.cibaGrants {
		if s.expired(grant.ExpiresAt) {
			delete(s.cibaGrants, k)
			s.cibaGrantsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for k, token := range s.accessTokens {
		if s.expired(token.ExpiresAt()) {
			delete(s.accessTokens, k)
			if token.HasRefreshToken() {
				delete(s.refreshTokens, key(token.TokenIssuer, token.RefreshToken))
			}
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	for k, until := range s.jtis {
		if s.expired(until) {
			delete(s.jtis, k)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
	instrumentation.AddStorageAttributes(span, operation, "memory")

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
