// Package config loads the chat server configuration from an optional .env
// file and the process environment.
//
// Priority: environment variables > .env file > defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the chat server.
type Config struct {
	// Listener
	Port      int `env:"CHAT_PORT" envDefault:"8080"`
	IOThreads int `env:"CHAT_IO_THREADS" envDefault:"0"` // 0 = one per core

	// Worker pool
	Workers int `env:"CHAT_WORKERS" envDefault:"0"` // 0 = auto-detect core count

	// Message history and persistence
	HistorySize int    `env:"CHAT_HISTORY_SIZE" envDefault:"100"`
	LogDir      string `env:"CHAT_LOG_DIR" envDefault:"./chat_logs"`
	LogMaxBytes int64  `env:"CHAT_LOG_MAX_BYTES" envDefault:"10485760"` // 10MB
	Persist     bool   `env:"CHAT_PERSIST" envDefault:"true"`

	// Admission
	MaxConnections     int           `env:"CHAT_MAX_CONNECTIONS" envDefault:"1000"`
	MaxConnPerSecond   int           `env:"CHAT_MAX_CONN_PER_SECOND" envDefault:"50"`
	MaxMsgPerMinute    int           `env:"CHAT_MAX_MSG_PER_MINUTE" envDefault:"60"`
	IdleTimeoutSeconds int           `env:"CHAT_IDLE_TIMEOUT_SECONDS" envDefault:"300"`
	SweepInterval      time.Duration `env:"CHAT_SWEEP_INTERVAL" envDefault:"1s"`
	IPConnRate         float64       `env:"CHAT_IP_CONN_RATE" envDefault:"1.0"` // 0 disables the per-address bucket
	IPConnBurst        int           `env:"CHAT_IP_CONN_BURST" envDefault:"10"`

	// Moderation
	Admins []string `env:"CHAT_ADMINS" envSeparator:","`
	DBPath string   `env:"CHAT_DB_PATH"`

	// Operations
	MetricsAddr     string        `env:"CHAT_METRICS_ADDR" envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads envFile (if present) and then the environment. A missing
// .env file is not an error.
func Load(envFile string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if envFile == "" {
		envFile = ".env"
	}

	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
		logger.Debug("no env file found, using environment only", "file", envFile)
	} else {
		logger.Info("loaded configuration file", "file", envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration with every default applied and no
// environment consulted.
func Default() Config {
	var cfg Config
	// Only defaults are involved, so parsing cannot fail.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("CHAT_PORT must be 0-65535, got %d", c.Port)
	}
	if c.IOThreads < 0 {
		return fmt.Errorf("CHAT_IO_THREADS must be >= 0, got %d", c.IOThreads)
	}
	if c.Workers < 0 {
		return fmt.Errorf("CHAT_WORKERS must be >= 0, got %d", c.Workers)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("CHAT_HISTORY_SIZE must be > 0, got %d", c.HistorySize)
	}
	if c.Persist && c.LogDir == "" {
		return errors.New("CHAT_LOG_DIR is required when CHAT_PERSIST is enabled")
	}
	if c.LogMaxBytes < 1 {
		return fmt.Errorf("CHAT_LOG_MAX_BYTES must be > 0, got %d", c.LogMaxBytes)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CHAT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnPerSecond < 1 {
		return fmt.Errorf("CHAT_MAX_CONN_PER_SECOND must be > 0, got %d", c.MaxConnPerSecond)
	}
	if c.MaxMsgPerMinute < 1 {
		return fmt.Errorf("CHAT_MAX_MSG_PER_MINUTE must be > 0, got %d", c.MaxMsgPerMinute)
	}
	if c.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("CHAT_IDLE_TIMEOUT_SECONDS must be > 0, got %d", c.IdleTimeoutSeconds)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("CHAT_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.IPConnRate < 0 {
		return fmt.Errorf("CHAT_IP_CONN_RATE must be >= 0, got %.2f", c.IPConnRate)
	}
	if c.IPConnRate > 0 && c.IPConnBurst < 1 {
		return fmt.Errorf("CHAT_IP_CONN_BURST must be > 0 when CHAT_IP_CONN_RATE is set, got %d", c.IPConnBurst)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text (got: %s)", c.LogFormat)
	}
	return nil
}

// Addr is the listen address derived from Port.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// IdleTimeout returns IdleTimeoutSeconds as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogAttrs logs the effective configuration.
func (c *Config) LogAttrs(logger *slog.Logger) {
	logger.Info("server configuration loaded",
		"port", c.Port,
		"io_threads", c.IOThreads,
		"workers", c.Workers,
		"history_size", c.HistorySize,
		"log_dir", c.LogDir,
		"log_max_bytes", c.LogMaxBytes,
		"persist", c.Persist,
		"max_connections", c.MaxConnections,
		"max_conn_per_second", c.MaxConnPerSecond,
		"max_msg_per_minute", c.MaxMsgPerMinute,
		"idle_timeout_seconds", c.IdleTimeoutSeconds,
		"sweep_interval", c.SweepInterval,
		"admins", len(c.Admins),
		"db_path", c.DBPath,
		"metrics_addr", c.MetricsAddr,
		"log_level", c.LogLevel,
		"log_format", c.LogFormat,
	)
}
