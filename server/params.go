package server

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Authorization request parameter names
const (
	ParamResponseType         = "response_type"
	ParamClientID             = "client_id"
	ParamRedirectURI          = "redirect_uri"
	ParamScope                = "scope"
	ParamState                = "state"
	ParamNonce                = "nonce"
	ParamResponseMode         = "response_mode"
	ParamPrompt               = "prompt"
	ParamDisplay              = "display"
	ParamMaxAge               = "max_age"
	ParamUILocales            = "ui_locales"
	ParamLoginHint            = "login_hint"
	ParamIDTokenHint          = "id_token_hint"
	ParamACRValues            = "acr_values"
	ParamClaims               = "claims"
	ParamCodeChallenge        = "code_challenge"
	ParamCodeChallengeMethod  = "code_challenge_method"
	ParamRequest              = "request"
	ParamRequestURI           = "request_uri"
	ParamAuthorizationDetails = "authorization_details"
)

var knownAuthorizationParameters = []string{
	ParamResponseType, ParamClientID, ParamRedirectURI, ParamScope, ParamState,
	ParamNonce, ParamResponseMode, ParamPrompt, ParamDisplay, ParamMaxAge,
	ParamUILocales, ParamLoginHint, ParamIDTokenHint, ParamACRValues, ParamClaims,
	ParamCodeChallenge, ParamCodeChallengeMethod, ParamRequest, ParamRequestURI,
	ParamAuthorizationDetails,
}

// AuthorizationParameters is the typed view of an authorization request.
// Unknown and repeated parameters are recorded but do not fail the request.
type AuthorizationParameters struct {
	ResponseType         string
	ClientID             string
	RedirectURI          string
	Scope                string
	State                string
	Nonce                string
	ResponseMode         string
	Prompt               string
	Display              string
	MaxAge               string
	UILocales            string
	LoginHint            string
	IDTokenHint          string
	ACRValues            string
	Claims               string
	CodeChallenge        string
	CodeChallengeMethod  string
	Request              string
	RequestURI           string
	AuthorizationDetails string

	Unknown    []string
	Duplicates []string
}

// ParseAuthorizationParameters extracts the known parameters from a query or form.
// For repeated parameters the first value is used.
func ParseAuthorizationParameters(values url.Values) *AuthorizationParameters {
	p := &AuthorizationParameters{}
	for name, vals := range values {
		if !slices.Contains(knownAuthorizationParameters, name) {
			p.Unknown = append(p.Unknown, name)
			continue
		}
		if len(vals) > 1 {
			p.Duplicates = append(p.Duplicates, name)
		}
		if len(vals) > 0 {
			p.set(name, vals[0])
		}
	}
	slices.Sort(p.Unknown)
	slices.Sort(p.Duplicates)
	return p
}

func (p *AuthorizationParameters) field(name string) *string {
	switch name {
	case ParamResponseType:
		return &p.ResponseType
	case ParamClientID:
		return &p.ClientID
	case ParamRedirectURI:
		return &p.RedirectURI
	case ParamScope:
		return &p.Scope
	case ParamState:
		return &p.State
	case ParamNonce:
		return &p.Nonce
	case ParamResponseMode:
		return &p.ResponseMode
	case ParamPrompt:
		return &p.Prompt
	case ParamDisplay:
		return &p.Display
	case ParamMaxAge:
		return &p.MaxAge
	case ParamUILocales:
		return &p.UILocales
	case ParamLoginHint:
		return &p.LoginHint
	case ParamIDTokenHint:
		return &p.IDTokenHint
	case ParamACRValues:
		return &p.ACRValues
	case ParamClaims:
		return &p.Claims
	case ParamCodeChallenge:
		return &p.CodeChallenge
	case ParamCodeChallengeMethod:
		return &p.CodeChallengeMethod
	case ParamRequest:
		return &p.Request
	case ParamRequestURI:
		return &p.RequestURI
	case ParamAuthorizationDetails:
		return &p.AuthorizationDetails
	}
	return nil
}

func (p *AuthorizationParameters) set(name, value string) {
	if f := p.field(name); f != nil {
		*f = value
	}
}

// applyRequestObject overrides parameters with the claims of a verified
// request object. request and request_uri inside the object are ignored.
func (p *AuthorizationParameters) applyRequestObject(tok jwt.Token) error {
	claims := tok.PrivateClaims()
	for _, name := range knownAuthorizationParameters {
		if name == ParamRequest || name == ParamRequestURI {
			continue
		}
		raw, ok := claims[name]
		if !ok {
			continue
		}
		value, err := claimString(raw)
		if err != nil {
			return fmt.Errorf("request object claim %s: %w", name, err)
		}
		p.set(name, value)
	}
	return nil
}

// claimString renders a JSON claim as the equivalent query parameter value
func claimString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// parseMaxAge parses max_age; empty means unset
func parseMaxAge(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("max_age must be a non-negative integer")
	}
	return v, nil
}

// parseAuthorizationDetails parses RFC 9396 authorization_details: a JSON array
// of objects, each with a string type.
func parseAuthorizationDetails(raw string) ([]map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var details []map[string]any
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return nil, fmt.Errorf("authorization_details must be a JSON array of objects")
	}
	for i, d := range details {
		if typ, ok := d["type"].(string); !ok || typ == "" {
			return nil, fmt.Errorf("authorization_details[%d] has no type", i)
		}
	}
	return details, nil
}
