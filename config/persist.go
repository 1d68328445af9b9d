package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/transmute/errors"
)

// sensitiveKeys are never written to disk by WriteDefault
var sensitiveKeys = map[string]bool{
	"server.jwt_secret":   true,
	"pipeline.push_token": true,
	"review.token":        true,
	"database.dsn":        true,
}

// DefaultTOML renders the default configuration as TOML.
func DefaultTOML() ([]byte, error) {
	v := viper.New()
	SetDefaults(v)

	settings := toTOMLValues("", v.AllSettings(), dropSecret)
	data, err := toml.Marshal(settings)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal default config")
	}
	return data, nil
}

// WriteDefault writes the default configuration to path. An existing file
// is left untouched unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.WithHint(
			errors.Newf("config file already exists: %s", path),
			"pass --force to overwrite",
		)
	}

	data, err := DefaultTOML()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// EffectiveTOML renders the configuration Load (or LoadFromFile when path
// is set) would produce, with credentials redacted.
func EffectiveTOML(path string) ([]byte, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	} else {
		mergeConfigFiles(v)
	}

	data, err := toml.Marshal(toTOMLValues("", v.AllSettings(), redactSecret))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// Redacted replaces a set credential in rendered output
const Redacted = "[REDACTED]"

type secretMode int

const (
	dropSecret secretMode = iota
	redactSecret
)

// toTOMLValues renders durations as strings viper can parse back and drops
// or redacts sensitive keys.
func toTOMLValues(prefix string, in map[string]interface{}, mode secretMode) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if sensitiveKeys[full] {
			if mode == redactSecret {
				if str, _ := value.(string); str != "" {
					out[key] = Redacted
				} else {
					out[key] = ""
				}
			}
			continue
		}
		switch typed := value.(type) {
		case map[string]interface{}:
			out[key] = toTOMLValues(full, typed, mode)
		case time.Duration:
			out[key] = typed.String()
		default:
			out[key] = value
		}
	}
	return out
}
