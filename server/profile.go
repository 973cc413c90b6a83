package server

import (
	"slices"

	"github.com/giantswarm/idp-oauth/storage"
)

// ScopeOpenID marks an OpenID Connect request
const ScopeOpenID = "openid"

// AnalyzeProfile classifies a front-channel request by its filtered scopes.
// The first matching profile wins: FAPI Advance, FAPI Baseline, OIDC, OAuth2.
func AnalyzeProfile(scopes []string, srv *storage.ServerConfiguration) storage.Profile {
	switch {
	case srv.HasFAPIAdvanceScope(scopes):
		return storage.ProfileFAPIAdvance
	case srv.HasFAPIBaselineScope(scopes):
		return storage.ProfileFAPIBaseline
	case slices.Contains(scopes, ScopeOpenID):
		return storage.ProfileOIDC
	default:
		return storage.ProfileOAuth2
	}
}

// AnalyzeBackchannelProfile classifies a CIBA request. Any FAPI scope selects FAPI-CIBA.
func AnalyzeBackchannelProfile(scopes []string, srv *storage.ServerConfiguration) storage.Profile {
	if srv.HasFAPIAdvanceScope(scopes) || srv.HasFAPIBaselineScope(scopes) {
		return storage.ProfileFAPICIBA
	}
	return storage.ProfileCIBA
}

// filterScopes keeps the requested scopes the client may ask for and the
// server knows, in request order and without duplicates.
func filterScopes(requested []string, client *storage.ClientConfiguration, srv *storage.ServerConfiguration) []string {
	filtered := make([]string, 0, len(requested))
	for _, scope := range requested {
		if !client.AllowsScope(scope) || !srv.SupportsScope(scope) {
			continue
		}
		if !slices.Contains(filtered, scope) {
			filtered = append(filtered, scope)
		}
	}
	return filtered
}
