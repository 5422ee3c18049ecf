package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the admin HTTP API.
type ServerConfig struct {
	Host     string `json:"host" env:"SERVER_HOST"`
	Port     int    `json:"port" env:"SERVER_PORT"`
	TLSCert  string `json:"tls_cert" env:"SERVER_TLS_CERT"`
	TLSKey   string `json:"tls_key" env:"SERVER_TLS_KEY"`
	APIKey   string `json:"-" env:"API_KEY,required"`
	JWTToken string `json:"-" env:"ADMIN_JWT_SECRET"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	DSN             string `json:"-" env:"DATABASE_URL,required"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// SecurityConfig controls encryption-specific parameters.
type SecurityConfig struct {
	// PasswordSecret is the master key Secret values are derived from via
	// secretbox.DeriveKey. Required: without it no user credential can be
	// read back from the store.
	PasswordSecret string `json:"-" env:"PASSWORD_SECRET,required"`
}

// ScrapingConfig controls the Scraper/Notifier collaborators and the
// watchdog reconcile cadence.
type ScrapingConfig struct {
	RemoteDriverURL    string `json:"remote_driver_url" env:"REMOTE_DRIVER_URL"`
	ReconcileInterval  int    `json:"reconcile_interval_seconds" env:"RECONCILE_INTERVAL_SECONDS"`
	SkipBroken         bool   `json:"skip_broken" env:"SKIP_BROKEN"`
	DefaultPropertyID  int    `json:"default_property_id" env:"DEFAULT_PROPERTIES_ID"`
	RedisAddr          string `json:"redis_addr" env:"REDIS_ADDR"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Security SecurityConfig `json:"security"`
	Scraping ScrapingConfig `json:"scraping"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8443,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Scraping: ScrapingConfig{
			ReconcileInterval: 60,
			DefaultPropertyID: 1,
			RedisAddr:         "localhost:6379",
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
// API_KEY, DATABASE_URL and PASSWORD_SECRET are required; Load fails loudly
// if any is missing rather than booting with a half-configured fleet.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
