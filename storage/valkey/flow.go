package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/storage"
)

// ============================================================
// Configuration
// ============================================================

// PutServerConfiguration stores or replaces a tenant's configuration
func (s *Store) PutServerConfiguration(ctx context.Context, config *storage.ServerConfiguration) error {
	if config == nil || config.TenantID == "" {
		return fmt.Errorf("server configuration requires a tenant ID")
	}
	data, err := marshalRecord(config)
	if err != nil {
		return err
	}
	if err := s.set(ctx, s.serverKey(config.TenantID), data, 0); err != nil {
		return fmt.Errorf("failed to save server configuration: %w", err)
	}
	s.logger.Debug("Saved server configuration", "tenant_id", config.TenantID, "version", config.Version)
	return nil
}

// GetServerConfiguration returns the tenant's configuration
func (s *Store) GetServerConfiguration(ctx context.Context, tenantID string) (*storage.ServerConfiguration, error) {
	var config storage.ServerConfiguration
	if err := s.getJSON(ctx, s.serverKey(tenantID), &config); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: tenant %s", storage.ErrNotFound, tenantID)
		}
		return nil, err
	}
	return &config, nil
}

// PutClientConfiguration stores or replaces a client registration
func (s *Store) PutClientConfiguration(ctx context.Context, config *storage.ClientConfiguration) error {
	if config == nil || config.TenantID == "" || config.ClientID == "" {
		return fmt.Errorf("client configuration requires a tenant ID and client ID")
	}
	if err := validateStringLength(config.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}
	data, err := marshalRecord(config)
	if err != nil {
		return err
	}
	if err := s.set(ctx, s.clientKey(config.TenantID, config.ClientID), data, 0); err != nil {
		return fmt.Errorf("failed to save client configuration: %w", err)
	}
	s.logger.Debug("Saved client configuration", "tenant_id", config.TenantID, "client_id", config.ClientID)
	return nil
}

// GetClientConfiguration returns a client registration
func (s *Store) GetClientConfiguration(ctx context.Context, tenantID, clientID string) (*storage.ClientConfiguration, error) {
	var config storage.ClientConfiguration
	if err := s.getJSON(ctx, s.clientKey(tenantID, clientID), &config); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		}
		return nil, err
	}
	config.TenantID = tenantID
	return &config, nil
}

// ============================================================
// Authorization Requests
// ============================================================

// RegisterAuthorizationRequest stores a validated authorization request until it expires
func (s *Store) RegisterAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("authorization request ID cannot be empty")
	}
	data, err := marshalRecord(req)
	if err != nil {
		return err
	}
	ok, err := s.setNX(ctx, s.authRequestKey(req.TenantID, req.ID), data, s.ttlUntil(req.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: authorization request %s", storage.ErrAlreadyExists, req.ID)
	}
	return nil
}

// GetAuthorizationRequest returns the request, or ErrExpired once its lifetime passed
func (s *Store) GetAuthorizationRequest(ctx context.Context, tenantID, id string) (*storage.AuthorizationRequest, error) {
	var req storage.AuthorizationRequest
	if err := s.getJSON(ctx, s.authRequestKey(tenantID, id), &req); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: authorization request %s", storage.ErrNotFound, id)
		}
		return nil, err
	}

	// TTL should handle this, but the key may outlive ExpiresAt by up to minTTL
	if s.now().After(req.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization request %s", storage.ErrExpired, id)
	}
	return &req, nil
}

// DeleteAuthorizationRequest removes an authorization request
func (s *Store) DeleteAuthorizationRequest(ctx context.Context, tenantID, id string) error {
	if err := s.del(ctx, s.authRequestKey(tenantID, id)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: authorization request %s", storage.ErrNotFound, id)
		}
		return err
	}
	return nil
}

// ============================================================
// Authorization Codes
// ============================================================

// codeRecord is the stored form of an authorization code. ExpiresAt is
// duplicated as Unix seconds for the consume script.
type codeRecord struct {
	Grant     *storage.AuthorizationCodeGrant `json:"grant"`
	ExpiresAt int64                           `json:"expires_at"`
}

// RegisterAuthorizationCodeGrant stores a new authorization code until it expires
func (s *Store) RegisterAuthorizationCodeGrant(ctx context.Context, grant *storage.AuthorizationCodeGrant) error {
	if grant == nil || grant.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	if err := validateStringLength(grant.Code, MaxTokenLength, "code"); err != nil {
		return err
	}

	stored := grant.Clone()
	stored.Used = false
	data, err := marshalRecord(&codeRecord{Grant: stored, ExpiresAt: grant.ExpiresAt.Unix()})
	if err != nil {
		return err
	}

	ok, err := s.setNX(ctx, s.codeKey(grant.TenantID, grant.Code), data, s.ttlUntil(grant.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
	}

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(grant.Code, tokenLogLength))
	return nil
}

// FindAuthorizationCodeGrant returns the grant without modifying it
func (s *Store) FindAuthorizationCodeGrant(ctx context.Context, tenantID, code string) (*storage.AuthorizationCodeGrant, error) {
	var record codeRecord
	if err := s.getJSON(ctx, s.codeKey(tenantID, code), &record); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		return nil, err
	}

	used, err := s.client.Do(ctx, s.client.B().Exists().Key(s.codeUsedKey(tenantID, code)).Build()).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to check authorization code: %w", err)
	}
	record.Grant.Used = used > 0
	return record.Grant, nil
}

// ConsumeAuthorizationCodeGrant atomically marks the code used.
// Only one concurrent caller can succeed; the others get ErrAlreadyUsed with the grant.
func (s *Store) ConsumeAuthorizationCodeGrant(ctx context.Context, tenantID, code string) (*storage.AuthorizationCodeGrant, error) {
	result, err := s.eval(ctx, luaConsumeCode,
		[]string{s.codeKey(tenantID, code), s.codeUsedKey(tenantID, code)},
		strconv.FormatInt(s.now().Unix(), 10))
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: authorization code", storage.ErrExpired)
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var record codeRecord
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &record); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrAlreadyUsed)
		}
		record.Grant.Used = true
		return record.Grant, fmt.Errorf("%w: authorization code", storage.ErrAlreadyUsed)
	}

	var record codeRecord
	if err := json.Unmarshal([]byte(result), &record); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}
	record.Grant.Used = true

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenLogLength))
	return record.Grant, nil
}

// DeleteAuthorizationCodeGrant removes an authorization code and its used marker
func (s *Store) DeleteAuthorizationCodeGrant(ctx context.Context, tenantID, code string) error {
	if err := s.del(ctx, s.codeKey(tenantID, code), s.codeUsedKey(tenantID, code)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		return err
	}
	return nil
}

// ============================================================
// CIBA
// ============================================================

// RegisterBackchannelAuthenticationRequest stores a validated CIBA request until it expires
func (s *Store) RegisterBackchannelAuthenticationRequest(ctx context.Context, req *storage.BackchannelAuthenticationRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("backchannel request ID cannot be empty")
	}
	data, err := marshalRecord(req)
	if err != nil {
		return err
	}
	ok, err := s.setNX(ctx, s.backchannelKey(req.TenantID, req.ID), data, s.ttlUntil(req.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save backchannel request: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: backchannel request %s", storage.ErrAlreadyExists, req.ID)
	}
	return nil
}

// FindBackchannelAuthenticationRequest returns a CIBA request by ID
func (s *Store) FindBackchannelAuthenticationRequest(ctx context.Context, tenantID, id string) (*storage.BackchannelAuthenticationRequest, error) {
	var req storage.BackchannelAuthenticationRequest
	if err := s.getJSON(ctx, s.backchannelKey(tenantID, id), &req); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: backchannel request %s", storage.ErrNotFound, id)
		}
		return nil, err
	}
	return &req, nil
}

// DeleteBackchannelAuthenticationRequest removes a CIBA request
func (s *Store) DeleteBackchannelAuthenticationRequest(ctx context.Context, tenantID, id string) error {
	if err := s.del(ctx, s.backchannelKey(tenantID, id)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: backchannel request %s", storage.ErrNotFound, id)
		}
		return err
	}
	return nil
}

// cibaRecord is the stored form of a CIBA grant; the script compares Revision
type cibaRecord struct {
	Revision int64              `json:"revision"`
	Grant    *storage.CibaGrant `json:"grant"`
}

// RegisterCibaGrant stores a new CIBA grant at revision 1
func (s *Store) RegisterCibaGrant(ctx context.Context, grant *storage.CibaGrant) error {
	if grant == nil || grant.AuthReqID == "" {
		return fmt.Errorf("auth_req_id cannot be empty")
	}

	stored := grant.Clone()
	stored.Revision = 1
	data, err := marshalRecord(&cibaRecord{Revision: 1, Grant: stored})
	if err != nil {
		return err
	}

	ok, err := s.setNX(ctx, s.cibaKey(grant.TenantID, grant.AuthReqID), data, s.ttlUntil(grant.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save CIBA grant: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: CIBA grant", storage.ErrAlreadyExists)
	}
	grant.Revision = 1
	return nil
}

// FindCibaGrant returns a CIBA grant by auth_req_id
func (s *Store) FindCibaGrant(ctx context.Context, tenantID, authReqID string) (*storage.CibaGrant, error) {
	var record cibaRecord
	if err := s.getJSON(ctx, s.cibaKey(tenantID, authReqID), &record); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: CIBA grant", storage.ErrNotFound)
		}
		return nil, err
	}
	record.Grant.Revision = record.Revision
	return record.Grant, nil
}

// UpdateCibaGrant replaces the grant if grant.Revision matches the stored revision
func (s *Store) UpdateCibaGrant(ctx context.Context, grant *storage.CibaGrant) (*storage.CibaGrant, error) {
	stored := grant.Clone()
	stored.Revision = grant.Revision + 1
	data, err := marshalRecord(&cibaRecord{Revision: stored.Revision, Grant: stored})
	if err != nil {
		return nil, err
	}

	result, err := s.eval(ctx, luaUpdateCibaGrant,
		[]string{s.cibaKey(grant.TenantID, grant.AuthReqID)},
		strconv.FormatInt(grant.Revision, 10), data)
	if err != nil {
		return nil, fmt.Errorf("failed to update CIBA grant: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: CIBA grant", storage.ErrNotFound)
	case "CONFLICT":
		return nil, fmt.Errorf("%w: CIBA grant revision %d", storage.ErrConcurrentModification, grant.Revision)
	}
	return stored, nil
}

// DeleteCibaGrant removes a CIBA grant
func (s *Store) DeleteCibaGrant(ctx context.Context, tenantID, authReqID string) error {
	if err := s.del(ctx, s.cibaKey(tenantID, authReqID)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: CIBA grant", storage.ErrNotFound)
		}
		return err
	}
	return nil
}
