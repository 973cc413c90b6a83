package storage

import (
	"slices"
	"strings"
	"time"
)

// Profile is the protocol variant a request was classified into.
type Profile string

const (
	ProfileOAuth2       Profile = "OAUTH2"
	ProfileOIDC         Profile = "OIDC"
	ProfileFAPIBaseline Profile = "FAPI_BASELINE"
	ProfileFAPIAdvance  Profile = "FAPI_ADVANCE"
	ProfileCIBA         Profile = "CIBA"
	ProfileFAPICIBA     Profile = "FAPI_CIBA"
)

// IsOIDC reports whether OpenID Connect rules apply to the profile.
func (p Profile) IsOIDC() bool {
	return p == ProfileOIDC || p == ProfileFAPIBaseline || p == ProfileFAPIAdvance
}

// IsFAPI reports whether any FAPI rules apply to the profile.
func (p Profile) IsFAPI() bool {
	return p == ProfileFAPIBaseline || p == ProfileFAPIAdvance || p == ProfileFAPICIBA
}

// User is the resource owner as resolved by a delegate.
type User struct {
	Subject           string         `json:"sub"`
	Name              string         `json:"name,omitempty"`
	PreferredUsername string         `json:"preferred_username,omitempty"`
	Email             string         `json:"email,omitempty"`
	EmailVerified     bool           `json:"email_verified,omitempty"`
	Claims            map[string]any `json:"claims,omitempty"`
}

// AuthorizationRequest is a validated /authorize request awaiting interactive completion.
type AuthorizationRequest struct {
	ID                   string           `json:"id"`
	TenantID             string           `json:"tenant_id"`
	Profile              Profile          `json:"profile"`
	ClientID             string           `json:"client_id"`
	ResponseType         string           `json:"response_type"`
	ResponseMode         string           `json:"response_mode,omitempty"`
	RedirectURI          string           `json:"redirect_uri"`
	RedirectURIProvided  bool             `json:"redirect_uri_provided,omitempty"`
	Scopes               []string         `json:"scopes"`
	State                string           `json:"state,omitempty"`
	Nonce                string           `json:"nonce,omitempty"`
	Prompt               string           `json:"prompt,omitempty"`
	Display              string           `json:"display,omitempty"`
	MaxAge               int64            `json:"max_age,omitempty"`
	UILocales            string           `json:"ui_locales,omitempty"`
	LoginHint            string           `json:"login_hint,omitempty"`
	ACRValues            string           `json:"acr_values,omitempty"`
	Claims               string           `json:"claims,omitempty"`
	CodeChallenge        string           `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string           `json:"code_challenge_method,omitempty"`
	AuthorizationDetails []map[string]any `json:"authorization_details,omitempty"`
	RequestObjectUsed    bool             `json:"request_object_used,omitempty"`
	ServerConfigVersion  int64            `json:"server_config_version,omitempty"`
	ClientConfigVersion  int64            `json:"client_config_version,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	ExpiresAt            time.Time        `json:"expires_at"`
}

// AuthorizationCodeGrant binds an authorization code to the authorizing user.
type AuthorizationCodeGrant struct {
	Code                   string
	TenantID               string
	AuthorizationRequestID string
	ClientID               string
	RedirectURI            string
	RedirectURIProvided    bool
	User                   *User
	Scopes                 []string
	Claims                 map[string]any
	CustomProperties       map[string]any
	AuthorizationDetails   []map[string]any
	Nonce                  string
	CodeChallenge          string
	CodeChallengeMethod    string
	AuthTime               time.Time
	ServerConfigVersion    int64
	ClientConfigVersion    int64
	CreatedAt              time.Time
	ExpiresAt              time.Time
	Used                   bool
}

// Subject returns the user's subject, or empty when no user is bound.
func (g *AuthorizationCodeGrant) Subject() string {
	if g.User == nil {
		return ""
	}
	return g.User.Subject
}

// Clone returns a copy that can be modified without affecting g.
func (g *AuthorizationCodeGrant) Clone() *AuthorizationCodeGrant {
	c := *g
	c.Scopes = slices.Clone(g.Scopes)
	c.AuthorizationDetails = slices.Clone(g.AuthorizationDetails)
	return &c
}

// BackchannelAuthenticationRequest is a validated CIBA request.
type BackchannelAuthenticationRequest struct {
	ID                      string           `json:"id"`
	TenantID                string           `json:"tenant_id"`
	ClientID                string           `json:"client_id"`
	Profile                 Profile          `json:"profile"`
	Scopes                  []string         `json:"scopes"`
	LoginHint               string           `json:"login_hint,omitempty"`
	LoginHintToken          string           `json:"login_hint_token,omitempty"`
	IDTokenHintSubject      string           `json:"id_token_hint_subject,omitempty"`
	BindingMessage          string           `json:"binding_message,omitempty"`
	ACRValues               string           `json:"acr_values,omitempty"`
	ClientNotificationToken string           `json:"client_notification_token,omitempty"`
	DeliveryMode            string           `json:"delivery_mode"`
	RequestedExpiry         int64            `json:"requested_expiry,omitempty"`
	AuthorizationDetails    []map[string]any `json:"authorization_details,omitempty"`
	CreatedAt               time.Time        `json:"created_at"`
	ExpiresAt               time.Time        `json:"expires_at"`
}

// CibaStatus is the state of a CIBA grant.
type CibaStatus string

const (
	CibaStatusPending    CibaStatus = "PENDING"
	CibaStatusAuthorized CibaStatus = "AUTHORIZED"
	CibaStatusDenied     CibaStatus = "DENIED"
	CibaStatusExpired    CibaStatus = "EXPIRED"
)

// CanTransitionTo reports whether the status may move to next.
// Only PENDING moves, and never backwards.
func (s CibaStatus) CanTransitionTo(next CibaStatus) bool {
	if s != CibaStatusPending {
		return false
	}
	return next == CibaStatusAuthorized || next == CibaStatusDenied || next == CibaStatusExpired
}

// CibaGrant tracks a backchannel authentication by auth_req_id.
type CibaGrant struct {
	AuthReqID            string
	TenantID             string
	BackchannelRequestID string
	ClientID             string
	User                 *User
	Scopes               []string
	Claims               map[string]any
	CustomProperties     map[string]any
	AuthorizationDetails []map[string]any
	Status               CibaStatus
	Interval             int64
	AuthTime             time.Time
	LastPolledAt         time.Time
	Consumed             bool
	Revision             int64
	ServerConfigVersion  int64
	ClientConfigVersion  int64
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// Subject returns the user's subject, or empty when no user is bound.
func (g *CibaGrant) Subject() string {
	if g.User == nil {
		return ""
	}
	return g.User.Subject
}

// IntervalDuration returns the polling interval.
func (g *CibaGrant) IntervalDuration() time.Duration {
	return time.Duration(g.Interval) * time.Second
}

// Clone returns a copy that can be modified without affecting g.
func (g *CibaGrant) Clone() *CibaGrant {
	c := *g
	c.Scopes = slices.Clone(g.Scopes)
	c.AuthorizationDetails = slices.Clone(g.AuthorizationDetails)
	return &c
}

// SplitSpaceDelimited splits a space delimited parameter such as scope.
func SplitSpaceDelimited(s string) []string {
	return strings.Fields(s)
}

// JoinSpaceDelimited joins values into a space delimited parameter.
func JoinSpaceDelimited(values []string) string {
	return strings.Join(values, " ")
}
