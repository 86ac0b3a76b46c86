package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Call.ICEServers, 3)
	assert.Equal(t, 60, cfg.Call.IncomingFreshSec)
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psyhelper.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	again, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg, again)
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psyhelper.json")
	body := "\xEF\xBB\xBF" + `{"sync": {"interval_seconds": 30}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Sync.IntervalSec)
	assert.Equal(t, "data", cfg.Paths.DataDir)
	assert.Equal(t, 45, cfg.Call.NegotiationTimeoutSec)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psyhelper.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cloud": {"driver": "memory"}}`), 0o644))

	t.Setenv("PSY_CLOUD_DRIVER", "mongo")
	t.Setenv("PSY_CLOUD_URI", "mongodb://localhost:27017")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mongo", cfg.Cloud.Driver)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Cloud.URI)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"mongo without uri", func(c *Config) { c.Cloud.Driver = "mongo" }},
		{"unknown driver", func(c *Config) { c.Cloud.Driver = "firebase" }},
		{"bad ice server", func(c *Config) { c.Call.ICEServers = []string{"http://x"} }},
		{"no ice servers", func(c *Config) { c.Call.ICEServers = nil }},
		{"short sync interval", func(c *Config) { c.Sync.IntervalSec = 1 }},
		{"tiny negotiation timeout", func(c *Config) { c.Call.NegotiationTimeoutSec = 1 }},
		{"bad http addr", func(c *Config) { c.Viewer.HTTPAddr = "nope" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
