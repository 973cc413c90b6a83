package security

// Event type constants for security audit logging.
const (
	// Authorization request events

	// EventAuthorizationRequestAccepted is logged when an authorization request passes verification
	EventAuthorizationRequestAccepted = "authorization_request_accepted"

	// EventAuthorizationRequestRejected is logged when a verifier rejects an authorization request
	EventAuthorizationRequestRejected = "authorization_request_rejected"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is redeemed twice
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Client authentication events

	// EventClientAuthFailure is logged when a client fails to authenticate
	EventClientAuthFailure = "client_auth_failure"

	// EventClientAssertionReplayDetected is logged when a client assertion jti is reused
	EventClientAssertionReplayDetected = "client_assertion_replay_detected"

	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token pair is revoked
	EventTokenRevoked = "token_revoked"

	// EventTokenRevocationClientMismatch is logged when a client tries to revoke another client's token
	EventTokenRevocationClientMismatch = "token_revocation_client_mismatch" //nolint:gosec // G101: event type name, not a credential

	// CIBA events

	// EventCibaRequestAccepted is logged when a backchannel authentication request is accepted
	EventCibaRequestAccepted = "ciba_request_accepted"

	// EventCibaAuthorized is logged when the user approves a backchannel request
	EventCibaAuthorized = "ciba_authorized"

	// EventCibaDenied is logged when the user denies a backchannel request
	EventCibaDenied = "ciba_denied"

	// EventCibaNotificationFailed is logged when the client notification could not be delivered
	EventCibaNotificationFailed = "ciba_notification_failed"

	// Operational events

	// EventConfigurationVersionMismatch is logged when a flow outlives the configuration it started with
	EventConfigurationVersionMismatch = "configuration_version_mismatch"
)

// IsFailureEvent reports whether the event type records a rejected or
// suspicious interaction. Failure events are subject to throttling.
func IsFailureEvent(eventType string) bool {
	switch eventType {
	case EventAuthorizationRequestRejected,
		EventAuthorizationCodeReuseDetected,
		EventClientAuthFailure,
		EventClientAssertionReplayDetected,
		EventTokenRevocationClientMismatch,
		EventCibaNotificationFailed,
		EventConfigurationVersionMismatch:
		return true
	}
	return false
}
