// Package security provides the security plumbing shared by the engine and its
// HTTP handler.
//
// # Audit logging
//
// Auditor writes structured security events through log/slog. User identifiers
// are hashed before they are logged; token values are never logged.
//
// # Audit throttling
//
// EventLimiter keeps a token bucket per identifier in a bounded LRU cache.
// When attached to an Auditor it suppresses repeated failure events (for
// example a client hammering the token endpoint with a wrong secret) so that
// one misbehaving client cannot flood the audit log. Success events are never
// throttled.
//
//	limiter, err := security.NewEventLimiter(1, 10, 0, logger)
//	if err != nil {
//	    return err
//	}
//	auditor := security.NewAuditor(logger, true)
//	auditor.SetEventLimiter(limiter)
//
// # Expiry checks
//
// IsExpired and IsExpiredWithGracePeriod compare against an explicit clock so
// callers with an injected time source get deterministic results.
package security
