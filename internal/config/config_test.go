package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/id-in", cfg.CSE.CSEID)
	assert.Equal(t, "cse-in", cfg.CSE.ResourceName)
	assert.Equal(t, "IN", cfg.CSE.Type)
	assert.Equal(t, 10, cfg.CSE.IDLength)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 10*time.Second, cfg.CSE.RequestExpirationDelta)
	assert.True(t, cfg.Security.EnableACPChecks)
	assert.Equal(t, "CAdmin", cfg.Security.AdminOriginator)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
cse:
  cse_id: /id-mn
  resource_name: cse-mn
  type: MN
  id_length: 12
storage:
  backend: redis
  redis:
    addr: redis.example.com:6379
registrar:
  address: http://registrar.example.com:8080
  cse_id: /id-in
  resource_name: cse-in
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/id-mn", cfg.CSE.CSEID)
	assert.Equal(t, "MN", cfg.CSE.Type)
	assert.Equal(t, 12, cfg.CSE.IDLength)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis.example.com:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "/id-in", cfg.Registrar.CSEID)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"cse id without slash", func(c *Config) { c.CSE.CSEID = "id-in" }},
		{"empty resource name", func(c *Config) { c.CSE.ResourceName = "" }},
		{"bad cse type", func(c *Config) { c.CSE.Type = "XX" }},
		{"bad serialization", func(c *Config) { c.CSE.DefaultSerialization = "xml" }},
		{"id length too small", func(c *Config) { c.CSE.IDLength = 2 }},
		{"no release versions", func(c *Config) { c.CSE.SupportedReleaseVersions = nil }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"mn without registrar", func(c *Config) { c.CSE.Type = "MN" }},
		{"zero workers", func(c *Config) { c.Notifications.WorkerCount = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSupportsRelease(t *testing.T) {
	cfg := &Config{CSE: CSEConfig{SupportedReleaseVersions: []string{"2a", "3", "4"}}}
	assert.True(t, cfg.SupportsRelease("3"))
	assert.False(t, cfg.SupportsRelease("5"))
}
