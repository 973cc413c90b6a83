package storage

import (
	"slices"
	"time"
)

// TokenTypeBearer is the only token type the engine issues.
const TokenTypeBearer = "Bearer"

// OAuthToken is an issued access token with its optional refresh token.
// Both halves are created together and destroyed together.
type OAuthToken struct {
	ID                    string
	TenantID              string
	TokenIssuer           string
	AccessToken           string
	RefreshToken          string
	IDToken               string
	TokenType             string
	GrantType             string
	Subject               string
	ClientID              string
	Scopes                []string
	Claims                map[string]any
	CustomProperties      map[string]any
	AuthorizationDetails  []map[string]any
	CertificateThumbprint string
	IssuedAt              time.Time
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
}

// HasRefreshToken reports whether a refresh token was issued.
func (t *OAuthToken) HasRefreshToken() bool {
	return t.RefreshToken != ""
}

// Scope returns the granted scopes as a space delimited string.
func (t *OAuthToken) Scope() string {
	return JoinSpaceDelimited(t.Scopes)
}

// HasScope reports whether the token grants scope.
func (t *OAuthToken) HasScope(scope string) bool {
	return slices.Contains(t.Scopes, scope)
}

// IsCertificateBound reports whether the token is sender-constrained.
func (t *OAuthToken) IsCertificateBound() bool {
	return t.CertificateThumbprint != ""
}

// ExpiresAt returns the later of the two expiries; the record can be purged after it.
func (t *OAuthToken) ExpiresAt() time.Time {
	if t.RefreshTokenExpiresAt.After(t.AccessTokenExpiresAt) {
		return t.RefreshTokenExpiresAt
	}
	return t.AccessTokenExpiresAt
}

// Clone returns a copy that can be modified without affecting t.
func (t *OAuthToken) Clone() *OAuthToken {
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	c.AuthorizationDetails = slices.Clone(t.AuthorizationDetails)
	return &c
}
