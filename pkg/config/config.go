// Package config loads prefixd-sync settings from defaults, an optional YAML file,
// a .env file and PREFIXD_SYNC_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"
)

// Environment variables (override the YAML file)
const (
	EnvURL         = "PREFIXD_SYNC_URL"
	EnvToken       = "PREFIXD_SYNC_TOKEN"
	EnvLogLevel    = "PREFIXD_SYNC_LOG_LEVEL"
	EnvLogFormat   = "PREFIXD_SYNC_LOG_FORMAT"
	EnvRedis       = "PREFIXD_SYNC_REDIS"
	EnvDatabase    = "PREFIXD_SYNC_DATABASE"
	EnvNATS        = "PREFIXD_SYNC_NATS"
	EnvEventsLimit = "PREFIXD_SYNC_EVENTS_LIMIT"
)

// Config is the full prefixd-sync configuration.
type Config struct {
	DaemonURL   string `yaml:"daemon_url" default:"http://localhost:8080"`
	Token       string `yaml:"-"`
	LogLevel    string `yaml:"log_level" default:"info"`
	LogFormat   string `yaml:"log_format" default:"console"`
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	NATSURL     string `yaml:"nats_url"`
	EventsLimit int    `yaml:"events_limit" default:"100"`

	Cache     CacheConfig               `yaml:"cache"`
	Realtime  RealtimeConfig            `yaml:"realtime"`
	Resources map[string]ResourceConfig `yaml:"resources"`
}

// CacheConfig holds the revalidation defaults applied to every resource.
type CacheConfig struct {
	VolatileInterval time.Duration `yaml:"volatile_interval" default:"5s"`
	SlowInterval     time.Duration `yaml:"slow_interval" default:"30s"`
	DedupingWindow   time.Duration `yaml:"deduping_window" default:"2s"`
	RetryCount       int           `yaml:"retry_count" default:"3"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" default:"500ms"`
	RequestTimeout   time.Duration `yaml:"request_timeout" default:"10s"`
}

// RealtimeConfig tunes the WebSocket feed.
type RealtimeConfig struct {
	Path           string        `yaml:"path" default:"/v1/ws/feed"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"1s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
	Jitter         float64       `yaml:"jitter" default:"0.2"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"15s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" default:"45s"`
}

// ResourceConfig overrides the polling of one resource key.
type ResourceConfig struct {
	RefreshInterval *time.Duration `yaml:"refresh_interval"`
	NoFocus         bool           `yaml:"no_focus_revalidate"`
}

// dotenvPaths are tried in order; the first that loads wins.
var dotenvPaths = []string{".env", "/etc/prefixd-sync/.env"}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// Tags are static; a failure here is a programming error.
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	for _, p := range dotenvPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DaemonURL, EnvURL)
	setString(&c.Token, EnvToken)
	setString(&c.LogLevel, EnvLogLevel)
	setString(&c.LogFormat, EnvLogFormat)
	setString(&c.RedisURL, EnvRedis)
	setString(&c.DatabaseURL, EnvDatabase)
	setString(&c.NATSURL, EnvNATS)

	if v := os.Getenv(EnvEventsLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEventsLimit, err)
		}
		c.EventsLimit = n
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Validate checks the settings that would otherwise fail much later.
func (c *Config) Validate() error {
	u, err := url.Parse(c.DaemonURL)
	if err != nil {
		return fmt.Errorf("daemon url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("daemon url %q: scheme must be http or https", c.DaemonURL)
	}
	if u.Host == "" {
		return fmt.Errorf("daemon url %q: missing host", c.DaemonURL)
	}
	if c.EventsLimit <= 0 {
		return fmt.Errorf("events_limit must be positive, got %d", c.EventsLimit)
	}
	if c.Cache.RetryCount < 0 {
		return fmt.Errorf("cache.retry_count must not be negative")
	}
	if c.Realtime.Jitter < 0 || c.Realtime.Jitter >= 1 {
		return fmt.Errorf("realtime.jitter must be in [0,1), got %v", c.Realtime.Jitter)
	}
	return nil
}

// WebSocketURL derives the realtime feed endpoint from the daemon URL.
func (c *Config) WebSocketURL() string {
	u, err := url.Parse(c.DaemonURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.Realtime.Path
	u.RawQuery = ""
	return u.String()
}

// RefreshInterval returns the polling interval for a resource key, honoring overrides.
func (c *Config) RefreshInterval(resource string, slow bool) time.Duration {
	if rc, ok := c.Resources[resource]; ok && rc.RefreshInterval != nil {
		return *rc.RefreshInterval
	}
	if slow {
		return c.Cache.SlowInterval
	}
	return c.Cache.VolatileInterval
}

// FocusRevalidate reports whether a resource refetches when the view regains focus.
func (c *Config) FocusRevalidate(resource string) bool {
	if rc, ok := c.Resources[resource]; ok {
		return !rc.NoFocus
	}
	return true
}
