// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/healthcheck"
	"github.com/JakeFAU/egress-fetcher/internal/proxy"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Request   RequestConfig   `mapstructure:"request"`
	Health    HealthConfig    `mapstructure:"health"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Proxies   []ProxyConfig   `mapstructure:"proxies"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Index     IndexConfig     `mapstructure:"index"`
	FetchLog  FetchLogConfig  `mapstructure:"fetchlog"`
	Policy    PolicyConfig    `mapstructure:"policy"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// RequestConfig sets the transport defaults for every fetch.
type RequestConfig struct {
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	VerifyTLS       bool   `mapstructure:"verify_tls"`
	FollowRedirects bool   `mapstructure:"follow_redirects"`
	MaxRedirects    int    `mapstructure:"max_redirects"`
	UserAgent       string `mapstructure:"user_agent"`
}

// HealthConfig selects the probes run before a path is used.
type HealthConfig struct {
	Checks         []string `mapstructure:"checks"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// PoolConfig tunes the selector.
type PoolConfig struct {
	Strict bool `mapstructure:"strict"`
}

// ProxyConfig is one configured egress path.
type ProxyConfig struct {
	Address  string         `mapstructure:"address"`
	Kind     string         `mapstructure:"kind"`
	UseCases []string       `mapstructure:"use_cases"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig mirrors proxy.Rotation.
type RotationConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Interval int  `mapstructure:"interval"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RateLimitConfig spaces requests to the same host.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RobotsConfig controls robots.txt consultation in the API and CLI.
type RobotsConfig struct {
	Respect   bool   `mapstructure:"respect"`
	UserAgent string `mapstructure:"user_agent"`
}

// IndexConfig locates the SQLite inverted index. Empty disables indexing.
type IndexConfig struct {
	Path string `mapstructure:"path"`
}

// FetchLogConfig controls the Postgres fetch audit log. Empty DSN disables it.
type FetchLogConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PolicyConfig lists hosts that are never fetched. Patterns are exact hosts
// or "*.domain" suffix wildcards.
type PolicyConfig struct {
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("request.timeout_seconds", "EGRESS_REQUEST_TIMEOUT_SECONDS", "TIMEOUT"); err != nil {
		return Config{}, fmt.Errorf("bind timeout env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("request.timeout_seconds", int(egress.DefaultTimeout/time.Second))
	v.SetDefault("request.verify_tls", true)
	v.SetDefault("request.follow_redirects", true)
	v.SetDefault("request.max_redirects", egress.DefaultMaxRedirects)
	v.SetDefault("health.checks", []string{})
	v.SetDefault("health.timeout_seconds", int(healthcheck.DefaultProbeTimeout/time.Second))
	v.SetDefault("pool.strict", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("ratelimit.requests_per_second", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.user_agent", "*")
	v.SetDefault("fetchlog.table", "egress_fetches")
	v.SetDefault("policy.blocked_domains", []string{})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Request.TimeoutSeconds <= 0 {
		return fmt.Errorf("request.timeout_seconds must be > 0")
	}
	if c.Request.MaxRedirects < 0 {
		return fmt.Errorf("request.max_redirects must be >= 0")
	}
	if c.Health.TimeoutSeconds <= 0 {
		return fmt.Errorf("health.timeout_seconds must be > 0")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("ratelimit.requests_per_second must be >= 0")
	}
	if _, err := c.Checks(); err != nil {
		return fmt.Errorf("health.checks: %w", err)
	}
	if _, err := c.Descriptors(); err != nil {
		return err
	}
	return nil
}

// RequestDefaults converts the request section into an egress.RequestConfig.
func (c Config) RequestDefaults() egress.RequestConfig {
	return egress.RequestConfig{
		Timeout:         time.Duration(c.Request.TimeoutSeconds) * time.Second,
		VerifyTLS:       c.Request.VerifyTLS,
		FollowRedirects: c.Request.FollowRedirects,
		MaxRedirects:    c.Request.MaxRedirects,
	}.WithDefaults()
}

// ProbeTimeout returns the per-probe timeout.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Health.TimeoutSeconds) * time.Second
}

// Checks parses the configured check names.
func (c Config) Checks() ([]healthcheck.Check, error) {
	checks, err := healthcheck.ParseChecks(c.Health.Checks)
	if err != nil {
		return nil, fmt.Errorf("parse checks: %w", err)
	}
	return checks, nil
}

// Descriptors validates the proxies section in order.
func (c Config) Descriptors() ([]proxy.Descriptor, error) {
	out := make([]proxy.Descriptor, 0, len(c.Proxies))
	for i, pc := range c.Proxies {
		kind, err := proxy.ParseKind(pc.Kind)
		if err != nil {
			return nil, fmt.Errorf("proxies[%d].kind: %w", i, err)
		}
		useCases := make([]proxy.UseCase, 0, len(pc.UseCases))
		for _, raw := range pc.UseCases {
			uc, err := proxy.ParseUseCase(raw)
			if err != nil {
				return nil, fmt.Errorf("proxies[%d].use_cases: %w", i, err)
			}
			useCases = append(useCases, uc)
		}
		d, err := proxy.New(pc.Address, kind, useCases, proxy.Rotation{
			Enabled:  pc.Rotation.Enabled,
			Interval: pc.Rotation.Interval,
		})
		if err != nil {
			return nil, fmt.Errorf("proxies[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}
