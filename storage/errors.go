package storage

import "errors"

// Sentinel errors returned by every repository implementation.
// Callers compare with errors.Is; implementations may wrap them with context.
var (
	// ErrNotFound is returned when the requested record does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering a record under a taken key
	ErrAlreadyExists = errors.New("already exists")

	// ErrAlreadyUsed is returned when a single-use value is presented again
	ErrAlreadyUsed = errors.New("already used")

	// ErrExpired is returned when the record exists but its lifetime has passed
	ErrExpired = errors.New("expired")

	// ErrConcurrentModification is returned when an optimistic update lost a race
	ErrConcurrentModification = errors.New("concurrent modification")
)
