// Package testutil provides test fixtures: a controllable clock, PKCE pairs,
// signing keys and JWK sets, signed JWTs and self-signed client certificates.
package testutil
