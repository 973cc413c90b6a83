package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	oauth "github.com/giantswarm/idp-oauth"
	"github.com/giantswarm/idp-oauth/storage"
)

// TenantsFile is the static tenant registry
type TenantsFile struct {
	BaseDir string   `yaml:"-"`
	Tenants []Tenant `yaml:"tenants" validate:"required,min=1,dive"`
}

// Tenant is a server configuration with its clients. Endpoints left empty are
// derived from the issuer.
type Tenant struct {
	storage.ServerConfiguration `yaml:",inline"`

	// SigningJWKSFile is read into SigningJWKS, relative to the file
	SigningJWKSFile string `yaml:"signing_jwks_file"`

	Clients []Client `yaml:"clients" validate:"dive"`
	Users   []User   `yaml:"users" validate:"dive"`
}

// Client is a client configuration. A plain ClientSecret is bcrypt-hashed on load.
type Client struct {
	storage.ClientConfiguration `yaml:",inline"`

	ClientSecret string `yaml:"client_secret"`
	JWKSFile     string `yaml:"jwks_file"`
}

// Store receives the loaded configuration
type Store interface {
	PutServerConfiguration(ctx context.Context, config *storage.ServerConfiguration) error
	PutClientConfiguration(ctx context.Context, config *storage.ClientConfiguration) error
}

// envReference matches ${VAR}. Bare $VAR is left alone so bcrypt hashes survive.
var envReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadTenantsFile reads, completes and validates a tenant registry.
// ${VAR} references are expanded from the environment before parsing.
func LoadTenantsFile(path string) (*TenantsFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	expanded := envReference.ReplaceAllFunc(content, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
	return ParseTenants(expanded, filepath.Dir(path))
}

// ParseTenants decodes a tenant registry. File references resolve against baseDir.
func ParseTenants(content []byte, baseDir string) (*TenantsFile, error) {
	f := &TenantsFile{BaseDir: baseDir}
	if err := yaml.Unmarshal(content, f); err != nil {
		return nil, fmt.Errorf("decode tenants file: %w", err)
	}
	if err := f.complete(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// complete fills derived values: endpoints, versions, key files and secret hashes
func (f *TenantsFile) complete() error {
	for i := range f.Tenants {
		t := &f.Tenants[i]
		t.deriveEndpoints()
		if t.Version == 0 {
			t.Version = 1
		}
		if t.SigningJWKSFile != "" {
			if t.SigningJWKS != "" {
				return fmt.Errorf("tenant %q: signing_jwks and signing_jwks_file are exclusive", t.TenantID)
			}
			jwks, err := os.ReadFile(f.path(t.SigningJWKSFile))
			if err != nil {
				return fmt.Errorf("tenant %q: read signing keys: %w", t.TenantID, err)
			}
			t.SigningJWKS = string(jwks)
		}

		if err := hashPasswords(t.TenantID, t.Users); err != nil {
			return err
		}

		for j := range t.Clients {
			c := &t.Clients[j]
			c.TenantID = t.TenantID
			if c.Version == 0 {
				c.Version = 1
			}
			if c.JWKSFile != "" {
				if c.JWKS != "" {
					return fmt.Errorf("client %q: jwks and jwks_file are exclusive", c.ClientID)
				}
				jwks, err := os.ReadFile(f.path(c.JWKSFile))
				if err != nil {
					return fmt.Errorf("client %q: read jwks: %w", c.ClientID, err)
				}
				c.JWKS = string(jwks)
			}
			if c.ClientSecret != "" {
				if c.ClientSecretHash != "" {
					return fmt.Errorf("client %q: client_secret and client_secret_hash are exclusive", c.ClientID)
				}
				hash, err := bcrypt.GenerateFromPassword([]byte(c.ClientSecret), bcrypt.DefaultCost)
				if err != nil {
					return fmt.Errorf("client %q: hash secret: %w", c.ClientID, err)
				}
				c.ClientSecretHash = string(hash)
				c.ClientSecret = ""
			}
		}
	}
	return nil
}

func (f *TenantsFile) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(f.BaseDir, name)
}

// deriveEndpoints sets unset endpoints below the issuer
func (t *Tenant) deriveEndpoints() {
	issuer := strings.TrimSuffix(t.Issuer, "/")
	if issuer == "" {
		return
	}
	for _, e := range []struct {
		field *string
		path  string
	}{
		{&t.AuthorizationEndpoint, oauth.EndpointAuthorize},
		{&t.TokenEndpoint, oauth.EndpointToken},
		{&t.IntrospectionEndpoint, oauth.EndpointIntrospect},
		{&t.RevocationEndpoint, oauth.EndpointRevoke},
		{&t.UserinfoEndpoint, oauth.EndpointUserinfo},
		{&t.JWKSURI, oauth.EndpointJWKS},
	} {
		if *e.field == "" {
			*e.field = issuer + e.path
		}
	}
	// CIBA is opt-in through its delivery modes
	if t.BackchannelAuthenticationEndpoint == "" && len(t.BackchannelTokenDeliveryModesSupported) > 0 {
		t.BackchannelAuthenticationEndpoint = issuer + oauth.EndpointBackchannelAuthorize
	}
}

// Validate checks field constraints and identifier uniqueness
func (f *TenantsFile) Validate() error {
	if err := newValidator("yaml").Struct(f); err != nil {
		return fmt.Errorf("invalid tenants file: %w", err)
	}

	var errs []error
	tenants := make(map[string]bool)
	for _, t := range f.Tenants {
		if tenants[t.TenantID] {
			errs = append(errs, fmt.Errorf("duplicate tenant %q", t.TenantID))
		}
		tenants[t.TenantID] = true

		clients := make(map[string]bool)
		for _, c := range t.Clients {
			if clients[c.ClientID] {
				errs = append(errs, fmt.Errorf("tenant %q: duplicate client %q", t.TenantID, c.ClientID))
			}
			clients[c.ClientID] = true
			if c.ClientSecretHash != "" {
				if _, err := bcrypt.Cost([]byte(c.ClientSecretHash)); err != nil {
					errs = append(errs, fmt.Errorf("tenant %q: client %q: client_secret_hash is not a bcrypt hash", t.TenantID, c.ClientID))
				}
			}
		}

		users := make(map[string]bool)
		for _, u := range t.Users {
			if users[u.Subject] {
				errs = append(errs, fmt.Errorf("tenant %q: duplicate user %q", t.TenantID, u.Subject))
			}
			users[u.Subject] = true
		}
	}
	return errors.Join(errs...)
}

// Seed writes every tenant and client into store
func (f *TenantsFile) Seed(ctx context.Context, store Store) error {
	for i := range f.Tenants {
		t := &f.Tenants[i]
		srv := t.ServerConfiguration
		if err := store.PutServerConfiguration(ctx, &srv); err != nil {
			return fmt.Errorf("store tenant %q: %w", t.TenantID, err)
		}
		for j := range t.Clients {
			client := t.Clients[j].ClientConfiguration
			if err := store.PutClientConfiguration(ctx, &client); err != nil {
				return fmt.Errorf("store client %q of tenant %q: %w", client.ClientID, t.TenantID, err)
			}
		}
	}
	return nil
}

// TenantIDs lists the tenants in file order
func (f *TenantsFile) TenantIDs() []string {
	ids := make([]string, 0, len(f.Tenants))
	for _, t := range f.Tenants {
		ids = append(ids, t.TenantID)
	}
	return ids
}
