// Package config loads ROC service configuration from an optional YAML file
// with environment variable overrides. Environment always wins so worker and
// agent processes can be pointed at the right stores without editing files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved service configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	Queue   QueueConfig   `yaml:"queue"`
	Inbox   InboxConfig   `yaml:"inbox"`
}

// ServiceConfig holds daemon-level settings.
type ServiceConfig struct {
	Listen   string `yaml:"listen"`
	RunRoot  string `yaml:"run_root"`
	LogLevel string `yaml:"log_level"`
	PIDFile  string `yaml:"pid_file"`
}

// RedisConfig locates the shared lock/pubsub/queue store.
type RedisConfig struct {
	URL  string `yaml:"url"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

// AuthConfig holds token service settings (env keys WEPP_AUTH_JWT_*).
type AuthConfig struct {
	Secret          string        `yaml:"secret"`
	Algorithms      []string      `yaml:"algorithms"`
	Issuer          string        `yaml:"issuer"`
	DefaultAudience string        `yaml:"default_audience"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	Leeway          time.Duration `yaml:"leeway"`

	// Agent verification settings for worker processes.
	AgentSecret     string   `yaml:"agent_secret"`
	AgentAlgorithms []string `yaml:"agent_algorithms"`
	AgentToken      string   `yaml:"agent_token"`
}

// QueueConfig holds job queue settings.
type QueueConfig struct {
	Queues       []string      `yaml:"queues"`
	Workers      int           `yaml:"workers"`
	ResultTTL    time.Duration `yaml:"result_ttl"`
	DefaultQueue string        `yaml:"default_queue"`
}

// InboxConfig holds inbox delivery settings.
type InboxConfig struct {
	DBPath       string        `yaml:"db_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load reads path (if non-empty), applies environment overrides, fills
// defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields with the environment keys the platform
// recognizes. REDIS_URL wins over SESSION_REDIS_URL.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("SESSION_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = p
		}
	}
	if v := os.Getenv("SESSION_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}

	if v := os.Getenv("WEPP_AUTH_JWT_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("WEPP_AUTH_JWT_ALGORITHMS"); v != "" {
		c.Auth.Algorithms = splitCommaList(v)
	}
	if v := os.Getenv("WEPP_AUTH_JWT_ISSUER"); v != "" {
		c.Auth.Issuer = v
	}
	if v := os.Getenv("WEPP_AUTH_JWT_DEFAULT_AUDIENCE"); v != "" {
		c.Auth.DefaultAudience = v
	}
	if v := os.Getenv("WEPP_AUTH_JWT_DEFAULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Auth.DefaultTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WEPP_AUTH_JWT_LEEWAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Auth.Leeway = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("AGENT_JWT_SECRET"); v != "" {
		c.Auth.AgentSecret = v
	}
	if v := os.Getenv("AGENT_JWT_ALGORITHMS"); v != "" {
		c.Auth.AgentAlgorithms = splitCommaList(v)
	}
	if v := os.Getenv("AGENT_JWT_TOKEN"); v != "" {
		c.Auth.AgentToken = v
	}
}

func (c *Config) applyDefaults() {
	if c.Service.Listen == "" {
		c.Service.Listen = "127.0.0.1:9009"
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "INFO"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if len(c.Auth.Algorithms) == 0 {
		c.Auth.Algorithms = []string{"HS256"}
	}
	if c.Auth.DefaultTTL == 0 {
		c.Auth.DefaultTTL = time.Hour
	}
	if c.Queue.DefaultQueue == "" {
		c.Queue.DefaultQueue = "default"
	}
	if len(c.Queue.Queues) == 0 {
		c.Queue.Queues = []string{c.Queue.DefaultQueue}
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.ResultTTL == 0 {
		c.Queue.ResultTTL = 24 * time.Hour
	}
	if c.Inbox.PollInterval == 0 {
		c.Inbox.PollInterval = 2 * time.Second
	}
}

// Validate checks fields a running service cannot do without.
func (c *Config) Validate() error {
	if c.Service.RunRoot == "" {
		return fmt.Errorf("service.run_root is required")
	}
	for _, alg := range c.Auth.Algorithms {
		switch alg {
		case "HS256", "HS384", "HS512":
		default:
			return fmt.Errorf("unsupported JWT algorithm %q (allowed: HS256, HS384, HS512)", alg)
		}
	}
	return nil
}

// RedisAddr resolves the Redis endpoint. A full URL takes precedence over
// host/port parts.
func (c *Config) RedisAddr() string {
	if c.Redis.URL != "" {
		return c.Redis.URL
	}
	return fmt.Sprintf("redis://%s:%d/%d", c.Redis.Host, c.Redis.Port, c.Redis.DB)
}

func splitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
