package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/pem"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/idp-oauth/config"
	"github.com/giantswarm/idp-oauth/internal/testutil"
	redisstore "github.com/giantswarm/idp-oauth/storage/redis"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "acme.json", testutil.PrivateJWKS(t, testutil.NewECKey(t)))
	path := writeFile(t, dir, "tenants.yaml", `
tenants:
  - tenant_id: acme
    issuer: https://idp.example.com/acme
    signing_jwks_file: acme.json
    clients:
      - client_id: web
        client_secret: s3cret
        token_endpoint_auth_method: client_secret_basic
        redirect_uris: [https://app.example.com/callback]
`)

	out, err := runCommand(t, "validate-config", "--tenants-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 tenant(s) OK")
}

func TestValidateConfig_InvalidSigningKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "acme.json", `{"keys":[{"kty":"oct","k":"c2VjcmV0"}]}`)
	path := writeFile(t, dir, "tenants.yaml", `
tenants:
  - tenant_id: acme
    issuer: https://idp.example.com/acme
    signing_jwks_file: acme.json
`)

	_, err := runCommand(t, "validate-config", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tenant "acme"`)
}

func TestValidateConfig_MissingFile(t *testing.T) {
	_, err := runCommand(t, "validate-config", "-f", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestValidateConfig_BadSettings(t *testing.T) {
	t.Setenv("IDP_STORAGE", "floppy")
	_, err := runCommand(t, "validate-config")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid settings")
}

func TestServerTLSConfig(t *testing.T) {
	cfg, err := serverTLSConfig(&config.Settings{})
	require.NoError(t, err)
	assert.Equal(t, tls.RequestClientCert, cfg.ClientAuth)
	assert.Nil(t, cfg.ClientCAs)

	cert, _ := testutil.NewSelfSignedCertificate(t, "ca.example.com")
	caFile := writeFile(t, t.TempDir(), "ca.pem", string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})))
	cfg, err = serverTLSConfig(&config.Settings{TLSClientCAFile: caFile})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = serverTLSConfig(&config.Settings{TLSClientCAFile: writeFile(t, t.TempDir(), "ca.pem", "not pem")})
	assert.Error(t, err)
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	b, err := openStorage(ctx, &config.Settings{Storage: config.StorageMemory}, logger)
	require.NoError(t, err)
	defer b.close()
	require.NotNil(t, b.memory)
	assert.Same(t, b.memory, b.repos.JTIs)

	mr := miniredis.RunT(t)
	b, err = openStorage(ctx, &config.Settings{Storage: config.StorageMemory, RedisAddrs: mr.Addr()}, logger)
	require.NoError(t, err)
	defer b.close()
	assert.IsType(t, &redisstore.JTIStore{}, b.repos.JTIs)
	assert.Same(t, b.memory, b.repos.OAuthTokens)
}
