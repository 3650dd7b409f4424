// Package config loads passkeyd settings: built-in defaults, then an
// optional YAML file, then PASSKEYD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "PASSKEYD_"

// Config is the complete server configuration
type Config struct {
	HTTP         HTTPConfig         `yaml:"http"          envPrefix:"HTTP_"`
	Log          LogConfig          `yaml:"log"           envPrefix:"LOG_"`
	Redis        RedisConfig        `yaml:"redis"         envPrefix:"REDIS_"`
	Database     DatabaseConfig     `yaml:"database"      envPrefix:"DATABASE_"`
	Signing      SigningConfig      `yaml:"signing"       envPrefix:"SIGNING_"`
	RelyingParty RelyingPartyConfig `yaml:"relying_party" envPrefix:"RP_"`
	Ceremony     CeremonyConfig     `yaml:"ceremony"      envPrefix:"CEREMONY_"`
	Session      SessionConfig      `yaml:"session"       envPrefix:"SESSION_"`
	Realtime     RealtimeConfig     `yaml:"realtime"      envPrefix:"REALTIME_"`
	Events       EventsConfig       `yaml:"events"        envPrefix:"EVENTS_"`
	Metrics      MetricsConfig      `yaml:"metrics"       envPrefix:"METRICS_"`
}

// HTTPConfig holds the listener settings
type HTTPConfig struct {
	Addr            string        `yaml:"addr"             env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// RedisConfig selects redis-backed stores. An empty URL keeps everything in memory.
type RedisConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// DatabaseConfig selects the sqlite repository. An empty path keeps it in memory.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// SigningConfig points at the ES256 session signing key. An empty path
// generates an ephemeral key at startup.
type SigningConfig struct {
	KeyFile string `yaml:"key_file" env:"KEY_FILE"`
}

// RelyingPartyConfig controls WebAuthn relying party settings
type RelyingPartyConfig struct {
	ID          string   `yaml:"id"           env:"ID"`
	DisplayName string   `yaml:"display_name" env:"DISPLAY_NAME"`
	Origins     []string `yaml:"origins"      env:"ORIGINS"      envSeparator:","`
	// BaseURL derives ID and Origins when they are not set
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

// CeremonyConfig holds ceremony timing
type CeremonyConfig struct {
	ChallengeTTL time.Duration `yaml:"challenge_ttl" env:"CHALLENGE_TTL"`
	TTL          time.Duration `yaml:"ttl"           env:"TTL"`
}

// SessionConfig holds session lifetime and validation cache settings
type SessionConfig struct {
	TTL       time.Duration `yaml:"ttl"        env:"TTL"`
	CacheTTL  time.Duration `yaml:"cache_ttl"  env:"CACHE_TTL"`
	CacheSize int           `yaml:"cache_size" env:"CACHE_SIZE"`
}

// RealtimeConfig tunes the websocket gateway
type RealtimeConfig struct {
	OriginPatterns []string      `yaml:"origin_patterns" env:"ORIGIN_PATTERNS" envSeparator:","`
	AuthTimeout    time.Duration `yaml:"auth_timeout"    env:"AUTH_TIMEOUT"`
}

// EventsConfig names the logout event stream. An empty ConsumerGroup reads
// the stream in fan-out mode so every instance sees every logout.
type EventsConfig struct {
	Topic         string `yaml:"topic"          env:"TOPIC"`
	ConsumerGroup string `yaml:"consumer_group" env:"CONSUMER_GROUP"`
}

// MetricsConfig toggles the /metrics endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":9000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		RelyingParty: RelyingPartyConfig{
			DisplayName: "passkeyd",
			BaseURL:     "http://localhost:9000",
		},
		Ceremony: CeremonyConfig{
			ChallengeTTL: 5 * time.Minute,
			TTL:          5 * time.Minute,
		},
		Session: SessionConfig{
			TTL:       720 * time.Hour,
			CacheTTL:  30 * time.Second,
			CacheSize: 10000,
		},
		Realtime: RealtimeConfig{AuthTimeout: 10 * time.Second},
		Events:   EventsConfig{Topic: "passkeyd.logout"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Ceremony.ChallengeTTL <= 0 {
		return errors.New("ceremony.challenge_ttl must be positive")
	}
	if c.Ceremony.TTL <= 0 {
		return errors.New("ceremony.ttl must be positive")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Session.CacheSize < 0 {
		return errors.New("session.cache_size must not be negative")
	}
	if c.RelyingParty.ID == "" && c.RelyingParty.BaseURL == "" {
		return errors.New("relying_party.id or relying_party.base_url is required")
	}
	if c.Events.Topic == "" {
		return errors.New("events.topic is required")
	}
	return nil
}
