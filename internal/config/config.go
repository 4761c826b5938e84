// Package config loads the client core configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then the
// process environment (REUSE_* variables). Later layers win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the complete client configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig configures the REST backend and the request gateway.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url" env:"REUSE_API_URL"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REUSE_REQUEST_TIMEOUT"`
	Locale         string        `yaml:"locale" env:"REUSE_LOCALE"`
	// RateLimit is the outbound request rate per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" env:"REUSE_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"REUSE_RATE_BURST"`
}

// RealtimeConfig configures the chat realtime channel.
type RealtimeConfig struct {
	URL              string        `yaml:"url" env:"REUSE_REALTIME_URL"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay" env:"REUSE_RECONNECT_DELAY"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"REUSE_HANDSHAKE_TIMEOUT"`
	// HeartBeat is the STOMP heart-beat interval offered in both directions.
	// Zero disables heart-beating.
	HeartBeat time.Duration `yaml:"heart_beat" env:"REUSE_HEARTBEAT"`
}

// StoreConfig selects and configures the session persistence backend.
type StoreConfig struct {
	Backend       string `yaml:"backend" env:"REUSE_STORE_BACKEND"`
	Path          string `yaml:"path" env:"REUSE_STORE_PATH"`
	Passphrase    string `yaml:"passphrase" env:"REUSE_STORE_PASSPHRASE"`
	RedisAddr     string `yaml:"redis_addr" env:"REUSE_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REUSE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REUSE_REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REUSE_REDIS_PREFIX"`
}

// LoggingConfig mirrors logger.LoggingConfig.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"REUSE_LOG_LEVEL"`
	Format string `yaml:"format" env:"REUSE_LOG_FORMAT"`
	Output string `yaml:"output" env:"REUSE_LOG_OUTPUT"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "http://localhost:8080/api",
			RequestTimeout: 10 * time.Second,
			Locale:         "es",
		},
		Realtime: RealtimeConfig{
			URL:              "ws://localhost:8080/ws",
			ReconnectDelay:   5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			HeartBeat:        10 * time.Second,
		},
		Store: StoreConfig{
			Backend:     StoreFile,
			Path:        defaultStorePath(),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "reuse:",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when path
// is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile merges a dotenv file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if err := validateURL(c.API.BaseURL, "api.base_url", "http", "https"); err != nil {
		return err
	}
	if err := validateURL(c.Realtime.URL, "realtime.url", "ws", "wss"); err != nil {
		return err
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("config: api.request_timeout must be positive")
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("config: api.rate_limit must not be negative")
	}
	if c.Realtime.ReconnectDelay <= 0 {
		return fmt.Errorf("config: realtime.reconnect_delay must be positive")
	}

	switch c.Store.Backend {
	case StoreFile:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("config: store.path is required for the file backend")
		}
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return fmt.Errorf("config: store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	return nil
}

func validateURL(raw, field string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("config: %s is required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("config: %s must be a valid URL", field)
	}
	if parsed.User != nil {
		return fmt.Errorf("config: %s must not include user info", field)
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("config: %s scheme must be one of %s", field, strings.Join(schemes, ", "))
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".reuse-session.json"
	}
	return dir + string(os.PathSeparator) + "reuse" + string(os.PathSeparator) + "session.json"
}
