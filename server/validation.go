package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
)

var validate = newValidator()

// newValidator reports fields by their form parameter name
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("form"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// DangerousSchemes lists URI schemes that must never be used as redirect targets
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validatePKCE checks the code verifier against the challenge bound to the code.
// A grant without challenge needs no verifier.
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return fmt.Errorf("code_verifier sent but no code_challenge was bound to the code")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string
	switch method {
	case PKCEMethodS256:
		computedChallenge = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain, "":
		// RFC 7636 4.3: an absent method means plain
		computedChallenge = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateRedirectURIShape rejects redirect URIs that can never be used,
// independent of the client's registration.
func validateRedirectURIShape(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("redirect_uri is not a valid URI")
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect_uri must be absolute")
	}
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}
	if slices.Contains(DangerousSchemes, strings.ToLower(parsed.Scheme)) {
		return fmt.Errorf("redirect_uri scheme %q is not allowed", parsed.Scheme)
	}
	return nil
}

// isHTTPS reports whether the URI uses the https scheme
func isHTTPS(rawURI string) bool {
	parsed, err := url.Parse(rawURI)
	return err == nil && strings.EqualFold(parsed.Scheme, SchemeHTTPS)
}

// firstInvalidField returns the first failing field of a validator error
func firstInvalidField(err error) (validator.FieldError, bool) {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fieldErrs[0], true
	}
	return nil, false
}

// validationError maps a struct validation failure to invalid_request
func validationError(err error) *OAuthError {
	if fe, ok := firstInvalidField(err); ok {
		return ErrInvalidRequest(fmt.Sprintf("parameter %s failed validation (%s)", fe.Field(), fe.Tag()))
	}
	return ErrInvalidRequest(err.Error())
}
