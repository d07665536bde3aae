package config

import "time"

// Config is the root configuration structure.
type Config struct {
	API      API      `yaml:"api"`
	Network  Network  `yaml:"network"`
	Retry    Retry    `yaml:"retry"`
	Cache    Cache    `yaml:"cache"`
	Insights []string `yaml:"insights"`
	Breaker  Breaker  `yaml:"breaker"`
	Health   Health   `yaml:"health"`
	Metrics  Metrics  `yaml:"metrics"`
}

// API identifies the analytics account the insights belong to.
type API struct {
	Region  string `yaml:"region"`
	TeamID  int    `yaml:"team_id"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// Credentials returns an immutable snapshot of the account settings.
func (a API) Credentials() Credentials {
	return Credentials{
		TeamID:  a.TeamID,
		APIKey:  a.APIKey,
		Region:  a.Region,
		BaseURL: a.BaseURL,
	}
}

// Network configures the transport and the polling cadence.
type Network struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	IOSlice        time.Duration `yaml:"io_slice"`
	TLSInsecure    bool          `yaml:"tls_insecure"`
	AcceptEncoding bool          `yaml:"accept_encoding"`
	ReadBufferSize int           `yaml:"read_buffer_size"`
}

// Retry configures the request orchestrator.
type Retry struct {
	MaxRetries      int           `yaml:"max_retries"`
	Timeout         time.Duration `yaml:"timeout"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ActivityTimeout time.Duration `yaml:"activity_timeout"`
	AttemptRate     float64       `yaml:"attempt_rate"` // attempts per second, 0 = unlimited
	AttemptBurst    int           `yaml:"attempt_burst"`
}

// Cache configures the insight cache.
type Cache struct {
	StaleAfter      time.Duration `yaml:"stale_after"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Breaker configures the upstream circuit breaker.
type Breaker struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// Health configures the connectivity checker.
type Health struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	ProbeURL string        `yaml:"probe_url,omitempty"`
}

// Metrics configures Prometheus metrics.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: API{
			Region: "us",
		},
		Network: Network{
			PollInterval:   10 * time.Millisecond,
			DialTimeout:    10 * time.Second,
			IOSlice:        time.Millisecond,
			AcceptEncoding: true,
			ReadBufferSize: 32 * 1024,
		},
		Retry: Retry{
			MaxRetries:      3,
			Timeout:         30 * time.Second,
			BaseDelay:       time.Second,
			MaxDelay:        8 * time.Second,
			ActivityTimeout: 10 * time.Second,
		},
		Cache: Cache{
			StaleAfter:      5 * time.Minute,
			RefreshInterval: 30 * time.Second,
		},
		Breaker: Breaker{
			Enabled:          true,
			FailureThreshold: 5,
			OpenTimeout:      time.Minute,
			HalfOpenRequests: 1,
		},
		Health: Health{
			Enabled:  true,
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
		},
		Metrics: Metrics{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
	}
}
