package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/storage"
)

// requestObject is a verified signed authorization request (RFC 9101)
type requestObject struct {
	token jwt.Token
	alg   jwa.SignatureAlgorithm
	size  int
}

// requestObjectLimit is the tenant limit capped by the engine limit
func (s *Server) requestObjectLimit(srv *storage.ServerConfiguration) int {
	if srv.RequestObjectMaxSize > 0 && srv.RequestObjectMaxSize < s.Config.MaxRequestObjectSize {
		return srv.RequestObjectMaxSize
	}
	return s.Config.MaxRequestObjectSize
}

// loadRequestObject returns the request object passed by value or by reference,
// or nil when the request has none. The signature is verified against the
// client's JWKS; claims are checked later by the request object verifier.
func (s *Server) loadRequestObject(ctx context.Context, srv *storage.ServerConfiguration, client *storage.ClientConfiguration, request, requestURI string) (*requestObject, error) {
	if request != "" && requestURI != "" {
		return nil, ErrInvalidRequest("request and request_uri must not both be present")
	}

	raw := []byte(request)
	if requestURI != "" {
		if !client.HasRequestURI(requestURI) {
			return nil, ErrInvalidRequestURI("request_uri is not registered for the client")
		}
		fetchCtx, cancel := context.WithTimeout(ctx, s.Config.RequestURIFetchTimeout)
		defer cancel()

		body, err := s.requestObjects.Fetch(fetchCtx, requestURI)
		if err != nil {
			s.Logger.Info("Failed to fetch request object",
				"tenant_id", srv.TenantID,
				"client_id", client.ClientID,
				"error", err)
			return nil, ErrInvalidRequestURI("request_uri could not be fetched")
		}
		raw = body
	}
	if len(raw) == 0 {
		return nil, nil
	}

	if len(raw) > s.requestObjectLimit(srv) {
		return nil, ErrInvalidRequestObject("request object is too large")
	}

	tok, alg, err := verifyClientJWT(raw, client.JWKS)
	if err != nil {
		s.Logger.Info("Request object rejected",
			"tenant_id", srv.TenantID,
			"client_id", client.ClientID,
			"error", err)
		return nil, ErrInvalidRequestObject("request object signature is invalid")
	}
	return &requestObject{token: tok, alg: alg, size: len(raw)}, nil
}

// verifyRequestObjectClaims checks the claims of a request object issued by client
func (s *Server) verifyRequestObjectClaims(ctx context.Context, srv *storage.ServerConfiguration, client *storage.ClientConfiguration, ro *requestObject) error {
	tok := ro.token

	if len(srv.RequestObjectSigningAlgValuesSupported) > 0 && !slices.Contains(srv.RequestObjectSigningAlgValuesSupported, ro.alg.String()) {
		return ErrInvalidRequestObject(fmt.Sprintf("request object signing algorithm %s is not allowed", ro.alg))
	}
	if iss := tok.Issuer(); iss != "" && iss != client.ClientID {
		return ErrInvalidRequestObject("request object iss does not match client_id")
	}
	if v, ok := tok.Get(ParamClientID); ok {
		if claimed, _ := v.(string); claimed != client.ClientID {
			return ErrInvalidRequestObject("request object client_id does not match")
		}
	}

	now := s.now()
	skew := s.Config.ClockSkew()
	if exp := tok.Expiration(); !exp.IsZero() && !now.Before(exp.Add(skew)) {
		return ErrInvalidRequestObject("request object has expired")
	}
	if nbf := tok.NotBefore(); !nbf.IsZero() && now.Add(skew).Before(nbf) {
		return ErrInvalidRequestObject("request object is not yet valid")
	}

	if jti := tok.JwtID(); jti != "" {
		expiresAt := requestObjectExpiry(ro, now).Add(skew)
		err := s.repos.JTIs.MarkJTIUsed(ctx, "request_object/"+srv.TenantID+"/"+client.ClientID, jti, expiresAt)
		if errors.Is(err, storage.ErrAlreadyUsed) {
			s.metrics.RecordAssertionReplayDetected(ctx)
			return ErrInvalidRequestObject("request object has already been used")
		}
		if err != nil {
			return ErrServerError("failed to record request object jti", err)
		}
	}
	return nil
}

// verifyFAPIRequestObjectClaims adds the FAPI Advance requirements on lifetime and audience
func (s *Server) verifyFAPIRequestObjectClaims(srv *storage.ServerConfiguration, ro *requestObject) error {
	tok := ro.token
	exp, nbf := tok.Expiration(), tok.NotBefore()
	if exp.IsZero() || nbf.IsZero() {
		return ErrInvalidRequestObject("request object must contain exp and nbf")
	}
	if exp.Sub(nbf) > MaxRequestObjectLifetime {
		return ErrInvalidRequestObject("request object lifetime exceeds 60 minutes")
	}
	if s.now().Sub(nbf) > MaxRequestObjectLifetime {
		return ErrInvalidRequestObject("request object nbf is too far in the past")
	}

	issuer := util.NormalizeURL(srv.Issuer)
	for _, aud := range tok.Audience() {
		if util.NormalizeURL(aud) == issuer {
			return nil
		}
	}
	return ErrInvalidRequestObject("request object aud must contain the issuer")
}

// requestObjectExpiry returns when a request object stops being acceptable
func requestObjectExpiry(ro *requestObject, now time.Time) time.Time {
	if exp := ro.token.Expiration(); !exp.IsZero() {
		return exp
	}
	return now.Add(MaxRequestObjectLifetime)
}
