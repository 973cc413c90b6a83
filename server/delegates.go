package server

//go:generate mockgen -destination=mocks/mock_delegates.go -package=mocks -source=delegates.go

import (
	"context"

	"github.com/giantswarm/idp-oauth/storage"
)

// LoginHint identifies the user of a backchannel authentication request.
// Exactly one field is set.
type LoginHint struct {
	LoginHint      string
	LoginHintToken string
	// IDTokenHintSubject is the sub of a verified id_token_hint
	IDTokenHintSubject string
}

// CibaRequestDelegate connects a backchannel authentication request to the
// host's user directory and authentication device. It is supplied per call.
type CibaRequestDelegate interface {
	// Find resolves the hint to a user. A nil user with a nil error means the
	// user is unknown.
	Find(ctx context.Context, tenantID string, hint *LoginHint) (*storage.User, error)

	// Authenticate checks a user_code supplied with the request.
	Authenticate(ctx context.Context, tenantID string, user *storage.User, userCode string) (bool, error)

	// Notify starts authentication on the user's device. Failures are logged
	// and do not fail the request.
	Notify(ctx context.Context, tenantID string, user *storage.User, req *storage.BackchannelAuthenticationRequest) error
}

// UserinfoDelegate returns the current claims of a user for the userinfo endpoint.
type UserinfoDelegate interface {
	// FindUser returns nil when the subject no longer exists.
	FindUser(ctx context.Context, tenantID, subject string) (*storage.User, error)
}

// PasswordDelegate verifies resource owner credentials for the password grant.
type PasswordDelegate interface {
	// Authenticate returns nil when the credentials are wrong.
	Authenticate(ctx context.Context, tenantID, username, password string) (*storage.User, error)
}

// RequestObjectGateway fetches request objects referenced by request_uri.
type RequestObjectGateway interface {
	Fetch(ctx context.Context, requestURI string) ([]byte, error)
}

// ClientNotificationGateway delivers CIBA ping notifications to clients.
type ClientNotificationGateway interface {
	Notify(ctx context.Context, endpoint, clientNotificationToken, authReqID string) error
}
