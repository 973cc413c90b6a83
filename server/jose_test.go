package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/giantswarm/idp-oauth/internal/testutil"
)

func TestParseTenantKeys(t *testing.T) {
	keys, err := parseTenantKeys("")
	if err != nil || keys != nil {
		t.Fatalf("empty JWKS: keys = %v, err = %v", keys, err)
	}

	if _, err := parseTenantKeys(`{"keys":[]}`); err == nil {
		t.Error("expected an error for an empty key set")
	}
	if _, err := parseTenantKeys("not json"); err == nil {
		t.Error("expected an error for malformed JSON")
	}

	ec := testutil.NewECKey(t)
	rsa := testutil.NewRSAKey(t)
	keys, err = parseTenantKeys(testutil.PrivateJWKS(t, ec, rsa))
	if err != nil {
		t.Fatalf("parseTenantKeys() error = %v", err)
	}
	if keys.alg != jwa.ES256 {
		t.Errorf("alg = %s, want the first key's ES256", keys.alg)
	}
	if keys.public.Len() != 2 {
		t.Errorf("public keys = %d, want 2", keys.public.Len())
	}
	raw, err := keys.publicKeys()
	if err != nil || len(raw) != 2 {
		t.Errorf("publicKeys() = %d keys, err = %v", len(raw), err)
	}
}

func TestSignatureAlgorithm(t *testing.T) {
	rsa := testutil.NewRSAKey(t)
	if alg, err := signatureAlgorithm(rsa); err != nil || alg != jwa.PS256 {
		t.Errorf("RSA: alg = %s, err = %v", alg, err)
	}

	raw, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bare, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("jwk.FromRaw() error = %v", err)
	}
	if alg, err := signatureAlgorithm(bare); err != nil || alg != jwa.ES384 {
		t.Errorf("P-384 without alg: alg = %s, err = %v", alg, err)
	}
}

func TestSignJWT(t *testing.T) {
	key := testutil.NewECKey(t)
	keys, err := parseTenantKeys(testutil.PrivateJWKS(t, key))
	if err != nil {
		t.Fatalf("parseTenantKeys() error = %v", err)
	}

	raw, err := signJWT(keys, JWTTypeAccessToken, map[string]any{"sub": "alice", "scope": "read"})
	if err != nil {
		t.Fatalf("signJWT() error = %v", err)
	}

	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("jws.Parse() error = %v", err)
	}
	headers := msg.Signatures()[0].ProtectedHeaders()
	if headers.Type() != JWTTypeAccessToken {
		t.Errorf("typ = %q", headers.Type())
	}
	if headers.KeyID() != key.KeyID() {
		t.Errorf("kid = %q, want %q", headers.KeyID(), key.KeyID())
	}

	tok, err := jwt.Parse([]byte(raw), jwt.WithKeySet(keys.public), jwt.WithValidate(false))
	if err != nil {
		t.Fatalf("verify signed token: %v", err)
	}
	if tok.Subject() != "alice" {
		t.Errorf("sub = %q", tok.Subject())
	}

	if _, err := signJWT(nil, JWTTypeIDToken, nil); err == nil {
		t.Error("expected an error without keys")
	}
}

func TestVerifyClientJWT(t *testing.T) {
	key := testutil.NewECKey(t)
	jwks := testutil.PublicJWKS(t, key)
	raw := testutil.SignJWT(t, key, map[string]any{"iss": "client"}, nil)

	tok, alg, err := verifyClientJWT([]byte(raw), jwks)
	if err != nil {
		t.Fatalf("verifyClientJWT() error = %v", err)
	}
	if alg != jwa.ES256 || tok.Issuer() != "client" {
		t.Errorf("alg = %s, iss = %q", alg, tok.Issuer())
	}

	other := testutil.SignJWT(t, testutil.NewECKey(t), map[string]any{"iss": "client"}, nil)
	if _, _, err := verifyClientJWT([]byte(other), jwks); err == nil {
		t.Error("expected an error for a foreign key")
	}
	if _, _, err := verifyClientJWT([]byte(raw), ""); err == nil {
		t.Error("expected an error without a registered JWKS")
	}

	unsigned := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(`{"iss":"client"}`)) + "."
	if _, _, err := verifyClientJWT([]byte(unsigned), jwks); err == nil {
		t.Error("expected an error for alg none")
	}
}

func TestCertificateHelpers(t *testing.T) {
	cert, _ := testutil.NewSelfSignedCertificate(t, "client.example.com")

	sum := sha256.Sum256(cert.Raw)
	if got, want := certificateThumbprint(cert), base64.RawURLEncoding.EncodeToString(sum[:]); got != want {
		t.Errorf("certificateThumbprint() = %q, want %q", got, want)
	}
	if certificateThumbprint(nil) != "" {
		t.Error("nil certificate should have no thumbprint")
	}

	set, err := jwk.Parse([]byte(testutil.CertificatePublicJWKS(t, cert)))
	if err != nil {
		t.Fatalf("parse JWKS: %v", err)
	}
	ok, err := certificateKeyInJWKS(cert, set)
	if err != nil || !ok {
		t.Errorf("certificate key not found: ok = %v, err = %v", ok, err)
	}

	other, _ := testutil.NewSelfSignedCertificate(t, "client.example.com")
	if ok, _ := certificateKeyInJWKS(other, set); ok {
		t.Error("another certificate's key matched")
	}
}

func TestHalfHash(t *testing.T) {
	// OpenID Connect Core 1.0, appendix A.3
	accessToken := "jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y"
	if got := halfHash(jwa.RS256, accessToken); got != "77QmUPtjPfzWtF2AnpK9RQ" {
		t.Errorf("at_hash = %q", got)
	}

	// 24 of 48 bytes, base64url without padding
	if len(halfHash(jwa.ES384, "x")) != 32 {
		t.Error("ES384 should hash with SHA-384")
	}
}
