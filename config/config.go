// Package config loads transmute configuration from TOML files and the
// environment using viper.
package config

import "time"

// Config represents the transmute configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Server       ServerConfig       `mapstructure:"server"`
	Workers      WorkersConfig      `mapstructure:"workers"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Compile      CompileConfig      `mapstructure:"compile"`
	Review       ReviewConfig       `mapstructure:"review"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	CI           CIConfig           `mapstructure:"ci"`
	Log          LogConfig          `mapstructure:"log"`
}

// DatabaseConfig selects the job store backend.
// Driver is "sqlite3" (default) or "pgx".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"` // empty disables auth

	// Origins allowed to open the job stream; requests without an Origin
	// header are always accepted
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WorkersConfig configures the worker pool
type WorkersConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"` // in-flight jobs untouched this long are failed on start
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

// CapabilitiesConfig configures capability discovery
type CapabilitiesConfig struct {
	Dir          string        `mapstructure:"dir"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	BasePort     int           `mapstructure:"base_port"`
}

// PipelineConfig configures branch naming, commit attribution and CI polling
type PipelineConfig struct {
	BaseBranch     string        `mapstructure:"base_branch"`
	BranchPrefix   string        `mapstructure:"branch_prefix"`
	Remote         string        `mapstructure:"remote"` // empty disables push
	AuthorName     string        `mapstructure:"author_name"`
	AuthorEmail    string        `mapstructure:"author_email"`
	PushToken      string        `mapstructure:"push_token"`
	CIPollInterval time.Duration `mapstructure:"ci_poll_interval"`
	CITimeout      time.Duration `mapstructure:"ci_timeout"`
}

// CompileConfig configures the build command run in the workspace
type CompileConfig struct {
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReviewConfig configures where pull requests are opened
type ReviewConfig struct {
	Provider string `mapstructure:"provider"` // "github" or empty
	APIURL   string `mapstructure:"api_url"`
	Token    string `mapstructure:"token"`
	Owner    string `mapstructure:"owner"`
	Repo     string `mapstructure:"repo"`
}

// WorkspaceConfig configures where remote artifacts are materialized
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// CIConfig configures the CI HTTP client
type CIConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RetryMax          int           `mapstructure:"retry_max"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	QueueSettle       time.Duration `mapstructure:"queue_settle"`        // wait before resolving a queued build
	QueuePollAttempts int           `mapstructure:"queue_poll_attempts"` // attempts to resolve a queued build number
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}
