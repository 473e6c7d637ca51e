// Package config loads daemon configuration from the environment and an
// optional .env.{env} file, environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full daemon configuration.
type Config struct {
	Server Server
	Store  Store
	Source Source
}

// Server configures the status listener.
type Server struct {
	Addr string
}

// Store configures persistence.
type Store struct {
	DSN            string
	ModelFile      string
	MigrateOnStart bool
	MigrationsPath string
}

// Source configures where delta pages come from. Kind is one of
// "http", "dir", or "ws".
type Source struct {
	Kind           string
	BaseURL        string
	Token          string
	Space          string
	SpoolDir       string
	WSURL          string
	Interval       time.Duration
	IntervalJitter float64
	Timeout        time.Duration
}

// findProjectRoot walks up from the working directory until it finds go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// InitConfig points viper at .env.{env} (optional) and the process
// environment, and registers defaults. env defaults to "dev".
func InitConfig(env string) error {
	if env == "" {
		env = "dev"
	}

	viper.SetConfigName(fmt.Sprintf(".env.%s", env))
	viper.SetConfigType("env")
	if projectRoot, err := findProjectRoot(); err == nil {
		viper.AddConfigPath(projectRoot)
	} else {
		viper.AddConfigPath(".")
	}
	_ = viper.ReadInConfig()

	viper.AutomaticEnv()

	viper.SetDefault("SPACESYNC_ADDR", ":8080")
	viper.SetDefault("SPACESYNC_STORE_DSN", "memory://")
	viper.SetDefault("SPACESYNC_MIGRATE_ON_START", false)
	viper.SetDefault("SPACESYNC_MIGRATIONS_PATH", "internal/contentstore/migrations/postgres")

	viper.SetDefault("SPACESYNC_SOURCE", "http")
	viper.SetDefault("SPACESYNC_BASE_URL", "http://127.0.0.1:9000")
	viper.SetDefault("SPACESYNC_SPACE", "default")
	viper.SetDefault("SPACESYNC_SPOOL_DIR", "spool")
	viper.SetDefault("SPACESYNC_INTERVAL", "30s")
	viper.SetDefault("SPACESYNC_INTERVAL_JITTER", 0.1)
	viper.SetDefault("SPACESYNC_TIMEOUT", "60s")

	return nil
}

// Load reads the configuration out of viper and validates required keys.
func Load() (*Config, error) {
	modelFile := viper.GetString("SPACESYNC_MODEL_FILE")
	if modelFile == "" {
		return nil, fmt.Errorf("SPACESYNC_MODEL_FILE is required (set via environment variable or .env file)")
	}

	sourceKind := viper.GetString("SPACESYNC_SOURCE")
	switch sourceKind {
	case "http", "dir", "ws":
	default:
		return nil, fmt.Errorf("SPACESYNC_SOURCE must be one of http, dir, ws (got %q)", sourceKind)
	}
	if sourceKind == "ws" && viper.GetString("SPACESYNC_WS_URL") == "" {
		return nil, fmt.Errorf("SPACESYNC_WS_URL is required when SPACESYNC_SOURCE=ws")
	}

	cfg := &Config{
		Server: Server{
			Addr: viper.GetString("SPACESYNC_ADDR"),
		},
		Store: Store{
			DSN:            viper.GetString("SPACESYNC_STORE_DSN"),
			ModelFile:      modelFile,
			MigrateOnStart: viper.GetBool("SPACESYNC_MIGRATE_ON_START"),
			MigrationsPath: viper.GetString("SPACESYNC_MIGRATIONS_PATH"),
		},
		Source: Source{
			Kind:           sourceKind,
			BaseURL:        viper.GetString("SPACESYNC_BASE_URL"),
			Token:          viper.GetString("SPACESYNC_TOKEN"),
			Space:          viper.GetString("SPACESYNC_SPACE"),
			SpoolDir:       viper.GetString("SPACESYNC_SPOOL_DIR"),
			WSURL:          viper.GetString("SPACESYNC_WS_URL"),
			Interval:       viper.GetDuration("SPACESYNC_INTERVAL"),
			IntervalJitter: viper.GetFloat64("SPACESYNC_INTERVAL_JITTER"),
			Timeout:        viper.GetDuration("SPACESYNC_TIMEOUT"),
		},
	}
	if cfg.Source.Interval <= 0 {
		return nil, fmt.Errorf("SPACESYNC_INTERVAL must be positive (got %v)", cfg.Source.Interval)
	}
	return cfg, nil
}
