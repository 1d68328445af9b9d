package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, 2*time.Second, cfg.Workers.PollInterval)
	assert.Equal(t, "main", cfg.Pipeline.BaseBranch)
	assert.Equal(t, "transmute", cfg.Pipeline.BranchPrefix)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.CITimeout)
	assert.Equal(t, "go build ./...", cfg.Compile.Command)
	assert.Equal(t, 10, cfg.CI.QueuePollAttempts)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transmute.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[workers]
count = 5
poll_interval = "250ms"

[pipeline]
branch_prefix = "refactor"
ci_poll_interval = "1s"
ci_timeout = "2m"
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Workers.Count)
	assert.Equal(t, 250*time.Millisecond, cfg.Workers.PollInterval)
	assert.Equal(t, "refactor", cfg.Pipeline.BranchPrefix)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.CITimeout)
	// Untouched sections keep their defaults
	assert.Equal(t, "main", cfg.Pipeline.BaseBranch)
}

func TestEnvOverridesSensitiveValues(t *testing.T) {
	t.Setenv("TRANSMUTE_REVIEW_TOKEN", "ghp_secret")
	t.Setenv("TRANSMUTE_WORKERS_COUNT", "7")

	cfg, err := LoadWithViper(New())
	require.NoError(t, err)

	assert.Equal(t, "ghp_secret", cfg.Review.Token)
	assert.Equal(t, 7, cfg.Workers.Count)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := LoadWithViper(v)
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero workers is valid", func(c *Config) { c.Workers.Count = 0 }, false},
		{"negative workers", func(c *Config) { c.Workers.Count = -1 }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"postgres driver", func(c *Config) { c.Database.Driver = "pgx" }, false},
		{"empty branch prefix", func(c *Config) { c.Pipeline.BranchPrefix = "" }, true},
		{"timeout below poll interval", func(c *Config) { c.Pipeline.CITimeout = time.Second }, true},
		{"unknown review provider", func(c *Config) { c.Review.Provider = "bitbucket" }, true},
		{"no review provider", func(c *Config) { c.Review.Provider = "" }, false},
		{"zero queue attempts", func(c *Config) { c.CI.QueuePollAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, WriteDefault(path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "branch_prefix")
	assert.Contains(t, string(data), "30m0s")
	assert.NotContains(t, string(data), "push_token", "credentials never land on disk")

	// Round trip: the written file loads cleanly
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.CITimeout)

	assert.Error(t, WriteDefault(path, false), "existing file needs force")
	assert.NoError(t, WriteDefault(path, true))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}

func TestEffectiveTOMLRedactsCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[pipeline]
branch_prefix = "bots"
`), 0o600))
	t.Setenv("TRANSMUTE_PUSH_TOKEN", "ghp_supersecret")

	data, err := EffectiveTOML(path)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, "bots")
	assert.Contains(t, out, Redacted)
	assert.NotContains(t, out, "ghp_supersecret")
}
