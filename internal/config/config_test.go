package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"APPLE_CERT_PEM", "APPLE_P12_PATH", "APPLE_ENABLED", "GOOGLE_SERVICE_ACCOUNT_EMAIL", "GOOGLE_ENABLED", "PWA_ENABLED", "BASE_URL"} {
		t.Setenv(k, "")
	}
	c, err := FromEnv()
	require.NoError(t, err)
	assert.False(t, c.Apple.Enabled)
	assert.False(t, c.Google.Enabled)
	assert.True(t, c.PWA.Enabled)
	assert.Equal(t, "development", c.Environment())
	assert.Empty(t, c.Apple.Pass.WebServiceURL)
}

func TestFromEnvPlatforms(t *testing.T) {
	t.Setenv("BASE_URL", "https://wallet.example.com/")
	t.Setenv("PRODUCTION", "true")
	t.Setenv("APPLE_CERT_PEM", "cert")
	t.Setenv("APPLE_PASS_TYPE_ID", "pass.com.example")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_EMAIL", "svc@example.com")
	t.Setenv("GOOGLE_ENABLED", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, c.Apple.Enabled)
	assert.Equal(t, "https://wallet.example.com/api/wallet/apple", c.Apple.Pass.WebServiceURL)
	assert.False(t, c.Google.Enabled)
	assert.True(t, c.Google.Pass.Production)
	assert.Equal(t, "https://wallet.example.com", c.Google.Pass.BaseURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.HTTP.CORSOrigins)
}

func TestLoadFileDoesNotOverrideEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("APPLE_TEAM_ID: FROMFILE\nDISPATCH_WORKERS: 7\nHTTP_ADDR: ':9000'\n"), 0o600))
	t.Setenv("APPLE_TEAM_ID", "FROMENV")
	t.Setenv("DISPATCH_WORKERS", "")
	os.Unsetenv("DISPATCH_WORKERS")
	t.Setenv("HTTP_ADDR", "")
	os.Unsetenv("HTTP_ADDR")

	require.NoError(t, LoadFile(path))
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "FROMENV", c.Apple.Pass.TeamID)
	assert.Equal(t, 7, c.Dispatch.Workers)
	assert.Equal(t, ":9000", c.HTTP.Addr)
}

func TestFromEnvStorage(t *testing.T) {
	t.Setenv("WALLET_STORAGE", "")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, StoragePostgres, c.Storage)

	t.Setenv("WALLET_STORAGE", "memory")
	c, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, c.Storage)

	t.Setenv("WALLET_STORAGE", "redis")
	_, err = FromEnv()
	assert.Error(t, err)
}
