package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Pool          PoolConfig          `yaml:"pool"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Recalibration RecalibrationConfig `yaml:"recalibration"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
}

type ServerConfig struct {
	Port         int               `yaml:"port"`
	LoggingLevel string            `yaml:"logging_level"`
	APIKeys      map[string]string `yaml:"api_keys"` // name -> key
}

type PoolConfig struct {
	ProxyFile              string        `yaml:"proxy_file"`
	Proxies                []string      `yaml:"proxies"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	FailureCooldown        time.Duration `yaml:"failure_cooldown"`
	HealthCheckURL         string        `yaml:"health_check_url"`
	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout     time.Duration `yaml:"health_check_timeout"`
}

type RateLimitConfig struct {
	Storage      string                 `yaml:"storage"` // memory | redis
	RedisURL     string                 `yaml:"redis_url"`
	DefaultLimit LimitConfig            `yaml:"default_limit"`
	Endpoints    map[string]ClassLimits `yaml:"endpoints"`
}

type ClassLimits struct {
	Anonymous     *LimitConfig `yaml:"anonymous"`
	Authenticated *LimitConfig `yaml:"authenticated"`
}

type LimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Strategy string        `yaml:"strategy"`
}

type RecalibrationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Source   string        `yaml:"source"` // memory | postgres
	DSN      string        `yaml:"dsn"`
}

type TelemetryConfig struct {
	Sink        string `yaml:"sink"` // log | redis | none
	RedisURL    string `yaml:"redis_url"`
	RedisStream string `yaml:"redis_stream"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// UnmarshalYAML implements custom unmarshaling for PoolConfig so durations
// can be written as strings ("60s", "5m").
func (p *PoolConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		ProxyFile              string   `yaml:"proxy_file"`
		Proxies                []string `yaml:"proxies"`
		MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
		FailureCooldown        string   `yaml:"failure_cooldown"`
		HealthCheckURL         string   `yaml:"health_check_url"`
		HealthCheckInterval    string   `yaml:"health_check_interval"`
		HealthCheckTimeout     string   `yaml:"health_check_timeout"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	p.ProxyFile = temp.ProxyFile
	p.Proxies = temp.Proxies
	p.MaxConsecutiveFailures = temp.MaxConsecutiveFailures
	p.HealthCheckURL = temp.HealthCheckURL

	var err error
	if p.FailureCooldown, err = parseOptionalDuration(temp.FailureCooldown); err != nil {
		return fmt.Errorf("invalid failure_cooldown: %w", err)
	}
	if p.HealthCheckInterval, err = parseOptionalDuration(temp.HealthCheckInterval); err != nil {
		return fmt.Errorf("invalid health_check_interval: %w", err)
	}
	if p.HealthCheckTimeout, err = parseOptionalDuration(temp.HealthCheckTimeout); err != nil {
		return fmt.Errorf("invalid health_check_timeout: %w", err)
	}

	return nil
}

// UnmarshalYAML implements custom unmarshaling for LimitConfig window strings.
func (l *LimitConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Requests int    `yaml:"requests"`
		Window   string `yaml:"window"`
		Strategy string `yaml:"strategy"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	l.Requests = temp.Requests
	l.Strategy = temp.Strategy

	var err error
	if l.Window, err = parseOptionalDuration(temp.Window); err != nil {
		return fmt.Errorf("invalid window: %w", err)
	}

	return nil
}

// UnmarshalYAML implements custom unmarshaling for RecalibrationConfig
// interval strings.
func (r *RecalibrationConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled  bool   `yaml:"enabled"`
		Interval string `yaml:"interval"`
		Source   string `yaml:"source"`
		DSN      string `yaml:"dsn"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	r.Enabled = temp.Enabled
	r.Source = temp.Source
	r.DSN = temp.DSN

	var err error
	if r.Interval, err = parseOptionalDuration(temp.Interval); err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	return nil
}

func parseOptionalDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize fills in defaults for optional sections.
func (c *Config) Normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}

	if c.Pool.MaxConsecutiveFailures == 0 {
		c.Pool.MaxConsecutiveFailures = 3
	}
	if c.Pool.FailureCooldown == 0 {
		c.Pool.FailureCooldown = 60 * time.Second
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = 5 * time.Minute
	}
	if c.Pool.HealthCheckTimeout == 0 {
		c.Pool.HealthCheckTimeout = 5 * time.Second
	}

	if c.RateLimit.Storage == "" {
		c.RateLimit.Storage = "memory"
	}
	if c.RateLimit.DefaultLimit.Requests == 0 {
		c.RateLimit.DefaultLimit = LimitConfig{
			Requests: 60,
			Window:   time.Minute,
			Strategy: "token_bucket",
		}
	}
	if c.RateLimit.DefaultLimit.Strategy == "" {
		c.RateLimit.DefaultLimit.Strategy = "token_bucket"
	}
	if c.RateLimit.DefaultLimit.Window == 0 {
		c.RateLimit.DefaultLimit.Window = time.Minute
	}

	if c.Recalibration.Interval == 0 {
		c.Recalibration.Interval = time.Hour
	}
	if c.Recalibration.Source == "" {
		c.Recalibration.Source = "memory"
	}

	if c.Telemetry.Sink == "" {
		c.Telemetry.Sink = "log"
	}
	if c.Telemetry.RedisStream == "" {
		c.Telemetry.RedisStream = "egressguard:events"
	}

	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "warn": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be debug, info, warn, or error)", c.Server.LoggingLevel)
	}

	if c.Pool.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("invalid max_consecutive_failures: %d", c.Pool.MaxConsecutiveFailures)
	}
	if c.Pool.FailureCooldown <= 0 {
		return fmt.Errorf("invalid failure_cooldown: %v", c.Pool.FailureCooldown)
	}

	switch c.RateLimit.Storage {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate_limit.redis_url is required for redis storage")
		}
	default:
		return fmt.Errorf("invalid rate_limit.storage: %s (must be memory or redis)", c.RateLimit.Storage)
	}

	if err := validateLimit("rate_limit.default_limit", c.RateLimit.DefaultLimit); err != nil {
		return err
	}
	for endpoint, classes := range c.RateLimit.Endpoints {
		if endpoint == "" {
			return fmt.Errorf("rate_limit.endpoints: empty endpoint key")
		}
		if classes.Anonymous != nil {
			if err := validateLimit(fmt.Sprintf("rate_limit.endpoints.%s.anonymous", endpoint), *classes.Anonymous); err != nil {
				return err
			}
		}
		if classes.Authenticated != nil {
			if err := validateLimit(fmt.Sprintf("rate_limit.endpoints.%s.authenticated", endpoint), *classes.Authenticated); err != nil {
				return err
			}
		}
	}

	switch c.Recalibration.Source {
	case "memory":
	case "postgres":
		if c.Recalibration.DSN == "" {
			return fmt.Errorf("recalibration.dsn is required for postgres source")
		}
	default:
		return fmt.Errorf("invalid recalibration.source: %s (must be memory or postgres)", c.Recalibration.Source)
	}
	if c.Recalibration.Enabled && c.Recalibration.Interval <= 0 {
		return fmt.Errorf("invalid recalibration.interval: %v", c.Recalibration.Interval)
	}

	switch c.Telemetry.Sink {
	case "log", "none":
	case "redis":
		if c.Telemetry.RedisURL == "" {
			return fmt.Errorf("telemetry.redis_url is required for redis sink")
		}
	default:
		return fmt.Errorf("invalid telemetry.sink: %s (must be log, redis, or none)", c.Telemetry.Sink)
	}

	return nil
}

func validateLimit(path string, limit LimitConfig) error {
	if limit.Requests <= 0 {
		return fmt.Errorf("%s: invalid requests: %d", path, limit.Requests)
	}
	if limit.Window <= 0 {
		return fmt.Errorf("%s: invalid window: %v", path, limit.Window)
	}
	switch limit.Strategy {
	case "token_bucket", "sliding_window":
	default:
		return fmt.Errorf("%s: invalid strategy: %s (must be token_bucket or sliding_window)", path, limit.Strategy)
	}
	return nil
}
