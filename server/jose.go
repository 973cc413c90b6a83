package server

import (
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"hash"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWT typ header values
const (
	JWTTypeAccessToken = "at+jwt"
	JWTTypeIDToken     = "JWT"
	JWTTypeJARM        = "JWT"
)

// tenantKeys is the parsed signing material of a tenant
type tenantKeys struct {
	signing jwk.Key
	alg     jwa.SignatureAlgorithm
	public  jwk.Set
}

// parseTenantKeys parses a private JWK Set. The first key signs.
// An empty set yields nil; tenants without keys can only issue opaque tokens.
func parseTenantKeys(jwksJSON string) (*tenantKeys, error) {
	if jwksJSON == "" {
		return nil, nil
	}
	set, err := jwk.Parse([]byte(jwksJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing JWKS: %w", err)
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("signing JWKS is empty")
	}
	signing, _ := set.Key(0)
	alg, err := signatureAlgorithm(signing)
	if err != nil {
		return nil, err
	}
	public, err := jwk.PublicSetOf(set)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public JWKS: %w", err)
	}
	return &tenantKeys{signing: signing, alg: alg, public: public}, nil
}

// publicKeys returns the raw public keys, for verifiers that do not speak JWK
func (k *tenantKeys) publicKeys() ([]crypto.PublicKey, error) {
	keys := make([]crypto.PublicKey, 0, k.public.Len())
	for i := 0; i < k.public.Len(); i++ {
		key, _ := k.public.Key(i)
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("failed to export public key: %w", err)
		}
		keys = append(keys, raw)
	}
	return keys, nil
}

// signatureAlgorithm returns the key's alg, or the usual algorithm for its type
func signatureAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	if alg, ok := key.Algorithm().(jwa.SignatureAlgorithm); ok && alg != "" {
		return alg, nil
	}
	switch key.KeyType() {
	case jwa.RSA:
		return jwa.PS256, nil
	case jwa.OKP:
		return jwa.EdDSA, nil
	case jwa.EC:
		curved, ok := key.(interface{ Crv() jwa.EllipticCurveAlgorithm })
		if !ok {
			return "", fmt.Errorf("EC key without curve")
		}
		switch curved.Crv() {
		case jwa.P256:
			return jwa.ES256, nil
		case jwa.P384:
			return jwa.ES384, nil
		case jwa.P521:
			return jwa.ES512, nil
		}
		return "", fmt.Errorf("unsupported curve %s", curved.Crv())
	}
	return "", fmt.Errorf("unsupported signing key type %s", key.KeyType())
}

// signJWT signs claims with the tenant key, setting typ and kid
func signJWT(keys *tenantKeys, typ string, claims map[string]any) (string, error) {
	if keys == nil {
		return "", fmt.Errorf("tenant has no signing keys")
	}
	tok := jwt.New()
	for name, value := range claims {
		if err := tok.Set(name, value); err != nil {
			return "", fmt.Errorf("failed to set claim %s: %w", name, err)
		}
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.TypeKey, typ); err != nil {
		return "", err
	}
	if kid := keys.signing.KeyID(); kid != "" {
		if err := headers.Set(jws.KeyIDKey, kid); err != nil {
			return "", err
		}
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(keys.alg, keys.signing, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return string(signed), nil
}

// parseClientJWKS parses a client's public JWK Set
func parseClientJWKS(jwksJSON string) (jwk.Set, error) {
	if jwksJSON == "" {
		return nil, fmt.Errorf("client has no registered JWKS")
	}
	set, err := jwk.Parse([]byte(jwksJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse client JWKS: %w", err)
	}
	return set, nil
}

// verifyClientJWT verifies the signature of a client-signed JWT and returns the
// token with the algorithm from its protected header. Claims are not validated.
func verifyClientJWT(raw []byte, jwksJSON string) (jwt.Token, jwa.SignatureAlgorithm, error) {
	set, err := parseClientJWKS(jwksJSON)
	if err != nil {
		return nil, "", err
	}

	msg, err := jws.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("malformed JWS: %w", err)
	}
	signatures := msg.Signatures()
	if len(signatures) != 1 {
		return nil, "", fmt.Errorf("expected exactly one signature, got %d", len(signatures))
	}
	alg := signatures[0].ProtectedHeaders().Algorithm()
	if alg == jwa.NoSignature || alg == "" {
		return nil, "", fmt.Errorf("unsigned JWT")
	}

	tok, err := jwt.Parse(raw,
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
		jwt.WithValidate(false))
	if err != nil {
		return nil, "", fmt.Errorf("signature verification failed: %w", err)
	}
	return tok, alg, nil
}

// certificateThumbprint is the x5t#S256 value of a certificate (RFC 8705)
func certificateThumbprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// certificateKeyInJWKS reports whether the certificate's public key is one of
// the keys in the JWK Set, compared by RFC 7638 thumbprint.
func certificateKeyInJWKS(cert *x509.Certificate, set jwk.Set) (bool, error) {
	certKey, err := jwk.FromRaw(cert.PublicKey)
	if err != nil {
		return false, fmt.Errorf("unsupported certificate key: %w", err)
	}
	want, err := certKey.Thumbprint(crypto.SHA256)
	if err != nil {
		return false, err
	}
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)
		got, err := key.Thumbprint(crypto.SHA256)
		if err != nil {
			continue
		}
		if string(got) == string(want) {
			return true, nil
		}
	}
	return false, nil
}

// halfHash computes at_hash, c_hash and s_hash: the left half of the hash of
// value, using the hash size of the signing algorithm.
func halfHash(alg jwa.SignatureAlgorithm, value string) string {
	var h hash.Hash
	switch alg {
	case jwa.RS384, jwa.PS384, jwa.ES384:
		h = sha512.New384()
	case jwa.RS512, jwa.PS512, jwa.ES512, jwa.EdDSA:
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
