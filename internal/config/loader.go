package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validate checks the configuration for errors and fills zero values.
func validate(cfg *Config) error {
	if cfg.API.TeamID < 0 {
		return fmt.Errorf("api.team_id must not be negative")
	}
	if cfg.API.BaseURL != "" {
		u, err := url.Parse(cfg.API.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api.base_url must be an http or https URL")
		}
	}

	def := DefaultConfig()

	if cfg.Network.PollInterval <= 0 {
		cfg.Network.PollInterval = def.Network.PollInterval
	}
	if cfg.Network.DialTimeout <= 0 {
		cfg.Network.DialTimeout = def.Network.DialTimeout
	}
	if cfg.Network.IOSlice <= 0 {
		cfg.Network.IOSlice = def.Network.IOSlice
	}
	if cfg.Network.ReadBufferSize <= 0 {
		cfg.Network.ReadBufferSize = def.Network.ReadBufferSize
	}

	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if cfg.Retry.Timeout <= 0 {
		cfg.Retry.Timeout = def.Retry.Timeout
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= base_delay")
	}
	if cfg.Retry.ActivityTimeout <= 0 {
		cfg.Retry.ActivityTimeout = def.Retry.ActivityTimeout
	}
	if cfg.Retry.AttemptRate < 0 {
		return fmt.Errorf("retry.attempt_rate must not be negative")
	}
	if cfg.Retry.AttemptRate > 0 && cfg.Retry.AttemptBurst <= 0 {
		cfg.Retry.AttemptBurst = 1
	}

	if cfg.Cache.StaleAfter <= 0 {
		cfg.Cache.StaleAfter = def.Cache.StaleAfter
	}
	if cfg.Cache.RefreshInterval <= 0 {
		cfg.Cache.RefreshInterval = def.Cache.RefreshInterval
	}

	for i, id := range cfg.Insights {
		if id == "" {
			return fmt.Errorf("insights[%d]: id is required", i)
		}
	}

	if cfg.Breaker.Enabled {
		if cfg.Breaker.FailureThreshold == 0 {
			cfg.Breaker.FailureThreshold = def.Breaker.FailureThreshold
		}
		if cfg.Breaker.OpenTimeout <= 0 {
			cfg.Breaker.OpenTimeout = def.Breaker.OpenTimeout
		}
		if cfg.Breaker.HalfOpenRequests == 0 {
			cfg.Breaker.HalfOpenRequests = def.Breaker.HalfOpenRequests
		}
	}

	if cfg.Health.Enabled {
		if cfg.Health.Interval <= 0 {
			cfg.Health.Interval = def.Health.Interval
		}
		if cfg.Health.Timeout <= 0 {
			cfg.Health.Timeout = def.Health.Timeout
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}

	return nil
}
