package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiry checks.
	// It absorbs small clock differences between the engine, its stores and clients.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks expiry against now with the default grace period
func IsExpired(now, expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(now, expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod reports whether expiresAt lies more than
// gracePeriod before now. A zero expiresAt never expires.
func IsExpiredWithGracePeriod(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsTokenExpired checks expiry against the wall clock with the default grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsExpired(time.Now(), expiresAt)
}
