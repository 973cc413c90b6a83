package config

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage"
)

// User is a static account of a tenant
type User struct {
	Subject           string         `yaml:"sub" validate:"required"`
	Name              string         `yaml:"name"`
	PreferredUsername string         `yaml:"preferred_username"`
	Email             string         `yaml:"email" validate:"omitempty,email"`
	EmailVerified     bool           `yaml:"email_verified"`
	Claims            map[string]any `yaml:"claims"`

	// Password is bcrypt-hashed on load; PasswordHash is used as is
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`

	// UserCode is the CIBA user_code of the account
	UserCode string `yaml:"user_code"`
}

func (u *User) toStorage() *storage.User {
	return &storage.User{
		Subject:           u.Subject,
		Name:              u.Name,
		PreferredUsername: u.PreferredUsername,
		Email:             u.Email,
		EmailVerified:     u.EmailVerified,
		Claims:            u.Claims,
	}
}

// Directory serves the static users of the tenant file to the userinfo
// endpoint and the password grant. Ciba returns its backchannel counterpart.
type Directory struct {
	users  map[string][]*User
	logger *slog.Logger
}

var (
	_ server.UserinfoDelegate = (*Directory)(nil)
	_ server.PasswordDelegate = (*Directory)(nil)
)

// NewDirectory indexes the users of every tenant
func (f *TenantsFile) NewDirectory(logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{users: make(map[string][]*User), logger: logger}
	for i := range f.Tenants {
		t := &f.Tenants[i]
		for j := range t.Users {
			d.users[t.TenantID] = append(d.users[t.TenantID], &t.Users[j])
		}
	}
	return d
}

// hashPasswords replaces plain passwords with bcrypt hashes
func hashPasswords(tenantID string, users []User) error {
	for i := range users {
		u := &users[i]
		if u.Password == "" {
			continue
		}
		if u.PasswordHash != "" {
			return fmt.Errorf("tenant %q: user %q: password and password_hash are exclusive", tenantID, u.Subject)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("tenant %q: user %q: hash password: %w", tenantID, u.Subject, err)
		}
		u.PasswordHash = string(hash)
		u.Password = ""
	}
	return nil
}

// lookup matches value against the subject, preferred username or email
func (d *Directory) lookup(tenantID, value string) *User {
	if value == "" {
		return nil
	}
	for _, u := range d.users[tenantID] {
		if u.Subject == value || u.PreferredUsername == value || u.Email == value {
			return u
		}
	}
	return nil
}

func (d *Directory) bySubject(tenantID, subject string) *User {
	for _, u := range d.users[tenantID] {
		if u.Subject == subject {
			return u
		}
	}
	return nil
}

// FindUser returns the user with the subject
func (d *Directory) FindUser(_ context.Context, tenantID, subject string) (*storage.User, error) {
	if u := d.bySubject(tenantID, subject); u != nil {
		return u.toStorage(), nil
	}
	return nil, nil
}

// Authenticate checks resource owner credentials
func (d *Directory) Authenticate(_ context.Context, tenantID, username, password string) (*storage.User, error) {
	u := d.lookup(tenantID, username)
	if u == nil || u.PasswordHash == "" {
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, nil
	}
	return u.toStorage(), nil
}

// Ciba returns the backchannel delegate over the same users
func (d *Directory) Ciba() server.CibaRequestDelegate {
	return &cibaDirectory{d}
}

// cibaDirectory resolves login hints. The static directory has no
// authentication device, so Notify only logs the request.
type cibaDirectory struct {
	*Directory
}

func (c *cibaDirectory) Find(_ context.Context, tenantID string, hint *server.LoginHint) (*storage.User, error) {
	var u *User
	switch {
	case hint.IDTokenHintSubject != "":
		u = c.bySubject(tenantID, hint.IDTokenHintSubject)
	case hint.LoginHint != "":
		u = c.lookup(tenantID, hint.LoginHint)
	default:
		// login_hint_token formats are deployment specific
		return nil, nil
	}
	if u == nil {
		return nil, nil
	}
	return u.toStorage(), nil
}

func (c *cibaDirectory) Authenticate(_ context.Context, tenantID string, user *storage.User, userCode string) (bool, error) {
	u := c.bySubject(tenantID, user.Subject)
	if u == nil || u.UserCode == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(u.UserCode), []byte(userCode)) == 1, nil
}

func (c *cibaDirectory) Notify(_ context.Context, tenantID string, user *storage.User, req *storage.BackchannelAuthenticationRequest) error {
	c.logger.Info("Backchannel authentication awaiting approval",
		"tenant_id", tenantID,
		"sub", user.Subject,
		"request_id", req.ID,
		"binding_message", req.BindingMessage)
	return nil
}
