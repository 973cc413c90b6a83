// Package memory provides an in-memory implementation of the storage repositories.
//
// All repositories are served by a single Store backed by maps under one
// sync.RWMutex. Single-use and compare-and-swap operations (authorization code
// consumption, CIBA grant updates, token deletion and JTI marking) run under the
// write lock, which makes them atomic within the process. Expired entries are
// purged by a background loop.
//
// The store is suitable for development, testing, and single-instance
// deployments. For multi-instance deployments use storage/valkey.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	_ = store.PutServerConfiguration(ctx, tenantConfig)
//	srv, _ := server.New(store.Repositories(), config, logger)
package memory
