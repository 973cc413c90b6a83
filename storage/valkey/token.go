package valkey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/idp-oauth/storage"
)

// ============================================================
// Tokens
// ============================================================

// tokenKeys returns the access key and, when the token has one, the refresh key
func (s *Store) tokenKeys(token *storage.OAuthToken) []string {
	keys := []string{s.accessTokenKey(token.TokenIssuer, token.AccessToken)}
	if token.HasRefreshToken() {
		keys = append(keys, s.refreshTokenKey(token.TokenIssuer, token.RefreshToken))
	}
	return keys
}

// RegisterOAuthToken stores the token under both of its values. Both keys
// expire with the later of the two expiries.
func (s *Store) RegisterOAuthToken(ctx context.Context, token *storage.OAuthToken) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	if err := validateStringLength(token.AccessToken, MaxRecordSize, "accessToken"); err != nil {
		return err
	}
	if err := validateStringLength(token.RefreshToken, MaxTokenLength, "refreshToken"); err != nil {
		return err
	}

	data, err := marshalRecord(token)
	if err != nil {
		return err
	}

	ttl := s.ttlUntil(token.ExpiresAt())
	if ttl <= 0 {
		return fmt.Errorf("token must expire")
	}

	result, err := s.eval(ctx, luaRegisterToken, s.tokenKeys(token),
		data, strconv.FormatInt(ttl.Milliseconds(), 10))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("%w: token", storage.ErrAlreadyExists)
	}

	s.logger.Debug("Saved token",
		"token_id", token.ID,
		"client_id", token.ClientID,
		"has_refresh_token", token.HasRefreshToken(),
		"expires_in", ttl.Round(time.Second))
	return nil
}

// FindOAuthTokenByAccessToken returns the token owning the access token value
func (s *Store) FindOAuthTokenByAccessToken(ctx context.Context, tokenIssuer, accessToken string) (*storage.OAuthToken, error) {
	return s.findToken(ctx, s.accessTokenKey(tokenIssuer, accessToken), "access token")
}

// FindOAuthTokenByRefreshToken returns the token owning the refresh token value
func (s *Store) FindOAuthTokenByRefreshToken(ctx context.Context, tokenIssuer, refreshToken string) (*storage.OAuthToken, error) {
	return s.findToken(ctx, s.refreshTokenKey(tokenIssuer, refreshToken), "refresh token")
}

func (s *Store) findToken(ctx context.Context, key, kind string) (*storage.OAuthToken, error) {
	var token storage.OAuthToken
	if err := s.getJSON(ctx, key, &token); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, kind)
		}
		return nil, err
	}
	return &token, nil
}

// DeleteOAuthToken removes both keys of the token in one DEL. Only the first
// of several concurrent deletions sees a non-zero count.
func (s *Store) DeleteOAuthToken(ctx context.Context, token *storage.OAuthToken) error {
	if err := s.del(ctx, s.tokenKeys(token)...); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: token %s", storage.ErrNotFound, token.ID)
		}
		return err
	}
	s.logger.Debug("Deleted token", "token_id", token.ID)
	return nil
}

// ============================================================
// Replay protection
// ============================================================

// MarkJTIUsed records jti within scope with SET NX until expiresAt
func (s *Store) MarkJTIUsed(ctx context.Context, scope, jti string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("jti cannot be empty")
	}
	if err := validateStringLength(jti, MaxIDLength, "jti"); err != nil {
		return err
	}

	ok, err := s.setNX(ctx, s.jtiKey(scope, jti), "1", s.ttlUntil(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to record jti: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: jti", storage.ErrAlreadyUsed)
	}
	return nil
}
