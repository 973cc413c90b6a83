// Package util provides small helpers shared across the engine: safe
// truncation of secrets for logging, URL normalization and outbound URL
// checks for request_uri and notification endpoint fetches.
package util
