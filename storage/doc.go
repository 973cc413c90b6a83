// Package storage provides the repository interfaces and record types of the
// authorization engine.
//
// The engine reads tenant configuration and persists flow state only through
// these interfaces:
//   - ServerConfigurationRepository / ClientConfigurationRepository: tenant configuration
//   - AuthorizationRequestRepository / AuthorizationCodeGrantRepository: code flow state
//   - BackchannelAuthenticationRequestRepository / CibaGrantRepository: CIBA state
//   - OAuthTokenRepository: issued tokens, indexed by (issuer, access or refresh value)
//   - JTIRepository: replay guard for client assertions and request objects
//
// Single-use records (codes, auth_req_ids, refresh tokens) are consumed with
// atomic operations so that of two concurrent redemptions exactly one wins.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/mock: Func-field fakes for failure injection in unit tests
//   - storage/valkey: Valkey-backed distributed storage for production
//   - storage/redis: Redis-backed JTI replay cache
package storage
