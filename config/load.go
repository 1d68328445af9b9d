package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/transmute/errors"
)

// ProjectFileName is searched for upward from the working directory
const ProjectFileName = "transmute.toml"

// Load reads configuration from system, user and project files plus
// TRANSMUTE_* environment variables, in that precedence order.
func Load() (*Config, error) {
	v := New()
	mergeConfigFiles(v)
	return LoadWithViper(v)
}

// New returns a viper instance with defaults and environment binding but no
// files merged.
func New() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("TRANSMUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path on top of defaults
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// findProjectConfig walks up from the working directory looking for transmute.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ProjectFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges configuration files in precedence order
// (lowest to highest): system < user < project. Env vars still win.
func mergeConfigFiles(v *viper.Viper) {
	configPaths := []string{
		"/etc/transmute/config.toml",
		filepath.Join(Dir(), "config.toml"),
	}
	if project := findProjectConfig(); project != "" {
		configPaths = append(configPaths, project)
	}

	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}
		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
	}
}

func (c *Config) expandPaths() {
	c.Capabilities.Dir = ExpandHome(c.Capabilities.Dir)
	c.Workspace.Root = ExpandHome(c.Workspace.Root)
	if c.Database.Driver == "sqlite3" {
		c.Database.DSN = ExpandHome(c.Database.DSN)
	}
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
