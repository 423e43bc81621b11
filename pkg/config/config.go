// Package config loads kernel configuration from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds kernel configuration.
type Config struct {
	Workspace string   `yaml:"workspace"`
	Features  []string `yaml:"features"`
	LogLevel  string   `yaml:"log_level"`
	// Dev enables strict reducers: a reducer panic crashes the writer.
	Dev bool `yaml:"dev"`

	BackendDriver string `yaml:"backend_driver"` // "sqlite" | "postgres" | "memory"
	BackendDSN    string `yaml:"backend_dsn"`

	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
	MaxInFlight   int64         `yaml:"max_inflight"`
	LimitRPS      float64       `yaml:"limit_rps"`
	LimitBurst    int           `yaml:"limit_burst"`
	RedisAddr     string        `yaml:"redis_addr"`

	QueryTTL time.Duration `yaml:"query_ttl"`

	Telemetry    bool   `yaml:"telemetry"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Workspace:     "default",
		LogLevel:      "INFO",
		BackendDriver: "sqlite",
		BackendDSN:    "file:dashkernel.db?_pragma=busy_timeout(5000)",
		InvokeTimeout: 30 * time.Second,
		MaxInFlight:   16,
		QueryTTL:      30 * time.Second,
		OTLPEndpoint:  "localhost:4317",
	}
}

// Load returns the defaults overridden by environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults; environment variables still
// take precedence over the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DASH_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("DASH_FEATURES"); v != "" {
		c.Features = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DASH_DEV"); v != "" {
		c.Dev = v == "true" || v == "1"
	}
	if v := os.Getenv("DASH_BACKEND_DRIVER"); v != "" {
		c.BackendDriver = v
	}
	if v := os.Getenv("DASH_BACKEND_DSN"); v != "" {
		c.BackendDSN = v
	}
	if v := os.Getenv("DASH_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("DASH_TELEMETRY"); v != "" {
		c.Telemetry = v == "true" || v == "1"
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}

	var err error
	if c.InvokeTimeout, err = envDuration("DASH_INVOKE_TIMEOUT", c.InvokeTimeout); err != nil {
		return err
	}
	if c.QueryTTL, err = envDuration("DASH_QUERY_TTL", c.QueryTTL); err != nil {
		return err
	}
	if v := os.Getenv("DASH_MAX_INFLIGHT"); v != "" {
		if c.MaxInFlight, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("DASH_MAX_INFLIGHT: %w", err)
		}
	}
	if v := os.Getenv("DASH_LIMIT_RPS"); v != "" {
		if c.LimitRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("DASH_LIMIT_RPS: %w", err)
		}
	}
	if v := os.Getenv("DASH_LIMIT_BURST"); v != "" {
		if c.LimitBurst, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("DASH_LIMIT_BURST: %w", err)
		}
	}
	return nil
}

// Validate rejects settings the kernel cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace) == "" {
		return fmt.Errorf("config: workspace is required")
	}
	switch c.BackendDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unsupported backend driver %q", c.BackendDriver)
	}
	if c.BackendDriver != "memory" && c.BackendDSN == "" {
		return fmt.Errorf("config: backend dsn is required for %s", c.BackendDriver)
	}
	if c.InvokeTimeout < 0 || c.QueryTTL < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("config: max in-flight must not be negative")
	}
	if c.LimitRPS < 0 || c.LimitBurst < 0 {
		return fmt.Errorf("config: rate limit must not be negative")
	}
	if c.LimitRPS > 0 && c.LimitBurst == 0 {
		return fmt.Errorf("config: rate limit needs a burst of at least 1")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level, INFO when unparseable.
func (c *Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return lvl, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
