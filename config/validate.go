package config

import "github.com/teranos/transmute/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return errors.Newf("database.driver must be sqlite3 or pgx, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn cannot be empty")
	}

	// Zero workers is valid: serve the API and let a separate process execute
	if c.Workers.Count < 0 {
		return errors.Newf("workers.count must be >= 0, got %d", c.Workers.Count)
	}
	if c.Workers.Count > 0 && c.Workers.PollInterval <= 0 {
		return errors.Newf("workers.poll_interval must be > 0, got %s", c.Workers.PollInterval)
	}
	if c.Workers.StaleAfter < 0 {
		return errors.Newf("workers.stale_after must be >= 0, got %s", c.Workers.StaleAfter)
	}

	if c.Pipeline.BranchPrefix == "" {
		return errors.New("pipeline.branch_prefix cannot be empty")
	}
	if c.Pipeline.BaseBranch == "" {
		return errors.New("pipeline.base_branch cannot be empty")
	}
	if c.Pipeline.CIPollInterval <= 0 {
		return errors.Newf("pipeline.ci_poll_interval must be > 0, got %s", c.Pipeline.CIPollInterval)
	}
	if c.Pipeline.CITimeout < c.Pipeline.CIPollInterval {
		return errors.Newf("pipeline.ci_timeout (%s) must be >= ci_poll_interval (%s)",
			c.Pipeline.CITimeout, c.Pipeline.CIPollInterval)
	}

	switch c.Review.Provider {
	case "", "github":
	default:
		return errors.Newf("review.provider %q is not supported (use github or leave empty)", c.Review.Provider)
	}

	if c.CI.RequestsPerSecond < 0 {
		return errors.Newf("ci.requests_per_second must be >= 0, got %f", c.CI.RequestsPerSecond)
	}
	if c.CI.RetryMax < 0 {
		return errors.Newf("ci.retry_max must be >= 0, got %d", c.CI.RetryMax)
	}
	if c.CI.QueuePollAttempts <= 0 {
		return errors.Newf("ci.queue_poll_attempts must be > 0, got %d", c.CI.QueuePollAttempts)
	}

	if c.Capabilities.BasePort <= 0 || c.Capabilities.BasePort > 65535 {
		return errors.Newf("capabilities.base_port out of range: %d", c.Capabilities.BasePort)
	}

	return nil
}
