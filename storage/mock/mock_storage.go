// Package mock provides mock implementations of storage interfaces for testing.
//
// Each mock forwards to a wrapped repository unless the matching Func field is
// set, which lets tests inject failures into a single operation.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/idp-oauth/storage"
)

// callCounter records how often each method was called
type callCounter struct {
	mu         sync.Mutex
	callCounts map[string]int
}

func (c *callCounter) record(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callCounts == nil {
		c.callCounts = make(map[string]int)
	}
	c.callCounts[method]++
}

// Calls returns how often method was called
func (c *callCounter) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCounts[method]
}

// MockAuthorizationCodeGrantRepository is a mock implementation of AuthorizationCodeGrantRepository
type MockAuthorizationCodeGrantRepository struct {
	callCounter
	next storage.AuthorizationCodeGrantRepository

	RegisterFunc func(ctx context.Context, grant *storage.AuthorizationCodeGrant) error
	ConsumeFunc  func(ctx context.Context, tenantID, code string) (*storage.AuthorizationCodeGrant, error)
	DeleteFunc   func(ctx context.Context, tenantID, code string) error
}

// NewMockAuthorizationCodeGrantRepository wraps next
func NewMockAuthorizationCodeGrantRepository(next storage.AuthorizationCodeGrantRepository) *MockAuthorizationCodeGrantRepository {
	return &MockAuthorizationCodeGrantRepository{next: next}
}

func (m *MockAuthorizationCodeGrantRepository) RegisterAuthorizationCodeGrant(ctx context.Context, grant *storage.AuthorizationCodeGrant) error {
	m.record("RegisterAuthorizationCodeGrant")
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, grant)
	}
	return m.next.RegisterAuthorizationCodeGrant(ctx, grant)
}

func (m *MockAuthorizationCodeGrantRepository) FindAuthorizationCodeGrant(ctx context.Context, tenantID, code string) (*storage.AuthorizationCodeGrant, error) {
	m.record("FindAuthorizationCodeGrant")
	return m.next.FindAuthorizationCodeGrant(ctx, tenantID, code)
}

func (m *MockAuthorizationCodeGrantRepository) ConsumeAuthorizationCodeGrant(ctx context.Context, tenantID, code string) (*storage.AuthorizationCodeGrant, error) {
	m.record("ConsumeAuthorizationCodeGrant")
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, tenantID, code)
	}
	return m.next.ConsumeAuthorizationCodeGrant(ctx, tenantID, code)
}

func (m *MockAuthorizationCodeGrantRepository) DeleteAuthorizationCodeGrant(ctx context.Context, tenantID, code string) error {
	m.record("DeleteAuthorizationCodeGrant")
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, tenantID, code)
	}
	return m.next.DeleteAuthorizationCodeGrant(ctx, tenantID, code)
}

// MockCibaGrantRepository is a mock implementation of CibaGrantRepository
type MockCibaGrantRepository struct {
	callCounter
	next storage.CibaGrantRepository

	RegisterFunc func(ctx context.Context, grant *storage.CibaGrant) error
	FindFunc     func(ctx context.Context, tenantID, authReqID string) (*storage.CibaGrant, error)
	UpdateFunc   func(ctx context.Context, grant *storage.CibaGrant) (*storage.CibaGrant, error)
}

// NewMockCibaGrantRepository wraps next
func NewMockCibaGrantRepository(next storage.CibaGrantRepository) *MockCibaGrantRepository {
	return &MockCibaGrantRepository{next: next}
}

func (m *MockCibaGrantRepository) RegisterCibaGrant(ctx context.Context, grant *storage.CibaGrant) error {
	m.record("RegisterCibaGrant")
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, grant)
	}
	return m.next.RegisterCibaGrant(ctx, grant)
}

func (m *MockCibaGrantRepository) FindCibaGrant(ctx context.Context, tenantID, authReqID string) (*storage.CibaGrant, error) {
	m.record("FindCibaGrant")
	if m.FindFunc != nil {
		return m.FindFunc(ctx, tenantID, authReqID)
	}
	return m.next.FindCibaGrant(ctx, tenantID, authReqID)
}

func (m *MockCibaGrantRepository) UpdateCibaGrant(ctx context.Context, grant *storage.CibaGrant) (*storage.CibaGrant, error) {
	m.record("UpdateCibaGrant")
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, grant)
	}
	return m.next.UpdateCibaGrant(ctx, grant)
}

// Next exposes the wrapped repository so UpdateFunc can delegate after interfering
func (m *MockCibaGrantRepository) Next() storage.CibaGrantRepository {
	return m.next
}

func (m *MockCibaGrantRepository) DeleteCibaGrant(ctx context.Context, tenantID, authReqID string) error {
	m.record("DeleteCibaGrant")
	return m.next.DeleteCibaGrant(ctx, tenantID, authReqID)
}

// MockOAuthTokenRepository is a mock implementation of OAuthTokenRepository
type MockOAuthTokenRepository struct {
	callCounter
	next storage.OAuthTokenRepository

	RegisterFunc func(ctx context.Context, token *storage.OAuthToken) error
	DeleteFunc   func(ctx context.Context, token *storage.OAuthToken) error
}

// NewMockOAuthTokenRepository wraps next
func NewMockOAuthTokenRepository(next storage.OAuthTokenRepository) *MockOAuthTokenRepository {
	return &MockOAuthTokenRepository{next: next}
}

func (m *MockOAuthTokenRepository) RegisterOAuthToken(ctx context.Context, token *storage.OAuthToken) error {
	m.record("RegisterOAuthToken")
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, token)
	}
	return m.next.RegisterOAuthToken(ctx, token)
}

func (m *MockOAuthTokenRepository) FindOAuthTokenByAccessToken(ctx context.Context, tokenIssuer, accessToken string) (*storage.OAuthToken, error) {
	m.record("FindOAuthTokenByAccessToken")
	return m.next.FindOAuthTokenByAccessToken(ctx, tokenIssuer, accessToken)
}

func (m *MockOAuthTokenRepository) FindOAuthTokenByRefreshToken(ctx context.Context, tokenIssuer, refreshToken string) (*storage.OAuthToken, error) {
	m.record("FindOAuthTokenByRefreshToken")
	return m.next.FindOAuthTokenByRefreshToken(ctx, tokenIssuer, refreshToken)
}

func (m *MockOAuthTokenRepository) DeleteOAuthToken(ctx context.Context, token *storage.OAuthToken) error {
	m.record("DeleteOAuthToken")
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, token)
	}
	return m.next.DeleteOAuthToken(ctx, token)
}

// MockJTIRepository is a mock implementation of JTIRepository
type MockJTIRepository struct {
	callCounter
	next storage.JTIRepository

	MarkJTIUsedFunc func(ctx context.Context, scope, jti string, expiresAt time.Time) error
}

// NewMockJTIRepository wraps next
func NewMockJTIRepository(next storage.JTIRepository) *MockJTIRepository {
	return &MockJTIRepository{next: next}
}

func (m *MockJTIRepository) MarkJTIUsed(ctx context.Context, scope, jti string, expiresAt time.Time) error {
	m.record("MarkJTIUsed")
	if m.MarkJTIUsedFunc != nil {
		return m.MarkJTIUsedFunc(ctx, scope, jti, expiresAt)
	}
	return m.next.MarkJTIUsed(ctx, scope, jti, expiresAt)
}

// MockServerConfigurationRepository is a mock implementation of ServerConfigurationRepository
type MockServerConfigurationRepository struct {
	callCounter
	next storage.ServerConfigurationRepository

	GetFunc func(ctx context.Context, tenantID string) (*storage.ServerConfiguration, error)
}

// NewMockServerConfigurationRepository wraps next
func NewMockServerConfigurationRepository(next storage.ServerConfigurationRepository) *MockServerConfigurationRepository {
	return &MockServerConfigurationRepository{next: next}
}

func (m *MockServerConfigurationRepository) GetServerConfiguration(ctx context.Context, tenantID string) (*storage.ServerConfiguration, error) {
	m.record("GetServerConfiguration")
	if m.GetFunc != nil {
		return m.GetFunc(ctx, tenantID)
	}
	return m.next.GetServerConfiguration(ctx, tenantID)
}

var (
	_ storage.AuthorizationCodeGrantRepository = (*MockAuthorizationCodeGrantRepository)(nil)
	_ storage.CibaGrantRepository              = (*MockCibaGrantRepository)(nil)
	_ storage.OAuthTokenRepository             = (*MockOAuthTokenRepository)(nil)
	_ storage.JTIRepository                    = (*MockJTIRepository)(nil)
	_ storage.ServerConfigurationRepository    = (*MockServerConfigurationRepository)(nil)
)
