package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DefaultDirPermissions is used for ~/.transmute and its subdirectories
const DefaultDirPermissions = 0o755

// Dir returns the transmute home directory (~/.transmute)
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".transmute"
	}
	return filepath.Join(home, ".transmute")
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	dir := Dir()

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", filepath.Join(dir, "transmute.db"))

	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.allowed_origins", []string{"http://localhost", "https://localhost", "http://127.0.0.1"})

	v.SetDefault("workers.count", 2)
	v.SetDefault("workers.poll_interval", 2*time.Second)
	v.SetDefault("workers.stale_after", time.Hour)
	v.SetDefault("workers.stop_timeout", 30*time.Second)

	v.SetDefault("capabilities.dir", filepath.Join(dir, "capabilities"))
	v.SetDefault("capabilities.start_timeout", 30*time.Second)
	v.SetDefault("capabilities.base_port", 9100)

	v.SetDefault("pipeline.base_branch", "main")
	v.SetDefault("pipeline.branch_prefix", "transmute")
	v.SetDefault("pipeline.remote", "origin")
	v.SetDefault("pipeline.author_name", "transmute")
	v.SetDefault("pipeline.author_email", "transmute@localhost")
	v.SetDefault("pipeline.push_token", "")
	v.SetDefault("pipeline.ci_poll_interval", 15*time.Second)
	v.SetDefault("pipeline.ci_timeout", 30*time.Minute)

	v.SetDefault("compile.command", "go build ./...")
	v.SetDefault("compile.timeout", 10*time.Minute)

	v.SetDefault("review.provider", "github")
	v.SetDefault("review.api_url", "https://api.github.com")
	v.SetDefault("review.token", "")
	v.SetDefault("review.owner", "")
	v.SetDefault("review.repo", "")

	v.SetDefault("workspace.root", filepath.Join(dir, "workspaces"))

	v.SetDefault("ci.requests_per_second", 5.0)
	v.SetDefault("ci.retry_max", 3)
	v.SetDefault("ci.request_timeout", 30*time.Second)
	v.SetDefault("ci.queue_settle", 5*time.Second)
	v.SetDefault("ci.queue_poll_attempts", 10)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindSensitiveEnvVars explicitly binds credentials to environment variables
// so they never have to live in a config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "TRANSMUTE_DATABASE_DSN")
	_ = v.BindEnv("server.jwt_secret", "TRANSMUTE_JWT_SECRET")
	_ = v.BindEnv("pipeline.push_token", "TRANSMUTE_PUSH_TOKEN")
	_ = v.BindEnv("review.token", "TRANSMUTE_REVIEW_TOKEN", "GITHUB_TOKEN")
}
