// Package valkey provides a Valkey storage backend for the authorization engine.
//
// Valkey is a key-value store that is wire-compatible with Redis. The Store
// type implements every repository in the storage package and is suitable for
// multi-instance deployments that need shared state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "idp:"). Records of one tenant
// share a {tenantID} hash tag and tokens share an {issuer} hash tag, so that
// multi-key operations stay within one cluster slot:
//
//	{prefix}server:{tenant}                  -> JSON(ServerConfiguration)
//	{prefix}client:{tenant}:{clientID}       -> JSON(ClientConfiguration)
//	{prefix}authreq:{tenant}:{id}            -> JSON(AuthorizationRequest) (TTL)
//	{prefix}code:{tenant}:{code}             -> JSON(codeRecord) (TTL)
//	{prefix}code:used:{tenant}:{code}        -> "1" once consumed (TTL)
//	{prefix}bcreq:{tenant}:{id}              -> JSON(BackchannelAuthenticationRequest) (TTL)
//	{prefix}ciba:{tenant}:{authReqID}        -> JSON(cibaRecord) (TTL)
//	{prefix}token:{issuer}:access:{value}    -> JSON(OAuthToken) (TTL)
//	{prefix}token:{issuer}:refresh:{value}   -> JSON(OAuthToken) (TTL)
//	{prefix}jti:{scope}:{jti}                -> "1" (TTL)
//
// # Atomic Operations
//
// Authorization code consumption, CIBA grant updates and token registration
// run as Lua scripts. Token deletion is a single multi-key DEL, and JTI marking
// is SET NX.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "idp:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
