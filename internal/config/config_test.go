package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDefaultOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.toml", `
[server]
host = "0.0.0.0"
port = 8080
public_url = "https://rise.dev"
jwt_expiry_seconds = 86400

[auth]
issuer = "https://idp.example.com"
client_id = "rise"

[auth.platform_access]
policy = "allow_all"
`)

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	require.Equal(t, "allow_all", cfg.Auth.PlatformAccess.Policy)
}

func TestLoadOverlaysMergeInPrecedenceOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.toml", `
[server]
port = 8080
`)
	writeFile(t, dir, "production.toml", `
[server]
port = 9090
`)
	writeFile(t, dir, "local.toml", `
[server]
port = 9999
`)

	cfg, err := Load(dir, "production")
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port, "local overlay must win over run-mode overlay")
}

func TestMissingDefaultIsFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "")
	require.Error(t, err)
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("RISE_JWT_SECRET", "a-32-byte-or-longer-secret-value")
	dir := t.TempDir()
	writeFile(t, dir, "default.toml", `
[server]
jwt_signing_secret = "${RISE_JWT_SECRET}"
public_url = "${RISE_PUBLIC_URL:-http://localhost:8080}"
`)

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	require.Equal(t, "a-32-byte-or-longer-secret-value", cfg.Server.JWTSigningSecret)
	require.Equal(t, "http://localhost:8080", cfg.Server.PublicURL)
}

func TestValidateRejectsTemplateMissingPlaceholder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.toml", `
[deployment_controller.kubernetes]
production_ingress_url_template = "https://apps.rise.dev"
`)

	_, err := Load(dir, "")
	require.Error(t, err)
}

func TestExtensionProvidersDecode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", `
extensions:
  providers:
    - type: aws-s3-provisioner
      settings:
        region: eu-west-1
    - type: postgres-database
      settings:
        cluster_host: db.rise.internal
        cluster_port: 5432
`)

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	require.Len(t, cfg.Extensions.Providers, 2)
	require.Equal(t, "aws-s3-provisioner", cfg.Extensions.Providers[0].Type)
	require.Equal(t, "eu-west-1", cfg.Extensions.Providers[0].Settings["region"])
	require.Equal(t, "db.rise.internal", cfg.Extensions.Providers[1].Settings["cluster_host"])
}

func TestUnusedKeysSurfaced(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.toml", `
[server]
port = 8080
mystery_knob = true
`)

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	require.Contains(t, cfg.UnusedKeys, "server.mystery_knob")
}

func TestValidateRejectsShortJWTSecret(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.toml", `
[server]
jwt_signing_secret = "tooshort"
`)

	_, err := Load(dir, "")
	require.Error(t, err)
}
