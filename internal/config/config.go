package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends selectable via STORE_BACKEND
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for the API server
type Config struct {
	Host           string          `env:"HOST" envDefault:"0.0.0.0"`
	Port           string          `env:"PORT" envDefault:"3001"`
	StoreBackend   string          `env:"STORE_BACKEND" envDefault:"sqlite"`
	SQLitePath     string          `env:"SQLITE_PATH" envDefault:"data/portfolio.db"`
	RequestTimeout time.Duration   `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	AllowedOrigins []string        `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	LogLevel       string          `env:"LOG_LEVEL" envDefault:"info"`
	Redis          RedisConfig     `envPrefix:"REDIS_"`
	Cassandra      CassandraConfig `envPrefix:"CASSANDRA_"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	Prefix   string `env:"PREFIX" envDefault:"portfolio"`
}

// CassandraConfig holds Cassandra-specific configuration.
// An empty host list disables the event archive.
type CassandraConfig struct {
	Hosts       []string      `env:"HOSTS" envSeparator:","`
	Keyspace    string        `env:"KEYSPACE" envDefault:"portfolio"`
	Username    string        `env:"USERNAME"`
	Password    string        `env:"PASSWORD"`
	Consistency string        `env:"CONSISTENCY" envDefault:"QUORUM"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

// Enabled reports whether an archive cluster is configured
func (c CassandraConfig) Enabled() bool {
	return len(c.Hosts) > 0
}

// ClientConfig holds configuration for the visitor-side application
type ClientConfig struct {
	APIURL         string        `env:"PORTFOLIO_API_URL" envDefault:"http://localhost:3001/api"`
	TickInterval   time.Duration `env:"GAME_LOOP_INTERVAL" envDefault:"1s"`
	SessionFile    string        `env:"PORTFOLIO_SESSION_FILE" envDefault:".portfolio_session"`
	NarratorScript string        `env:"NARRATOR_SCRIPT"`
	QueueSize      int           `env:"SYNC_QUEUE_SIZE" envDefault:"64"`
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"5s"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load loads server configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	switch cfg.StoreBackend {
	case BackendSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND=sqlite")
		}
	case BackendRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND value: %q", cfg.StoreBackend)
	}

	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT value: %s", cfg.RequestTimeout)
	}
	cfg.Cassandra.Hosts = trimAll(cfg.Cassandra.Hosts)
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)

	return &cfg, nil
}

// LoadClient loads visitor-side configuration from environment variables
func LoadClient() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("PORTFOLIO_API_URL is required")
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("invalid GAME_LOOP_INTERVAL value: %s", cfg.TickInterval)
	}
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("invalid SYNC_QUEUE_SIZE value: %d", cfg.QueueSize)
	}

	return &cfg, nil
}

// Address returns the full address (host:port)
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// trimAll drops blank entries from a comma-separated list
func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
