package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/annotation-session/pkg/log"
)

// Config holds all application configuration.
// Values come from environment variables with defaults.
//
// Environment Variables:
// HTTP:
// - HTTP_ADDR: listen address (default: :8080)
//
// Tasks:
// - TASKS_DIR: directory scanned for task.yaml manifests (default: /app/tasks)
// - SCAN_CACHE_TTL: how long a task scan is reused (default: 5s)
//
// Session:
// - PLAYBACK_FPS: frames advanced per second while playing (default: 25)
// - AUTOSAVE_CRON: cron expression for autosave, empty disables it (default: */5 * * * *)
// - QUEUE_WORKERS: operation queue workers (default: 2)
//
// System:
// - DATA_DIR: directory of the SQLite database (default: /app/data)
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - SETTINGS_FILE: runtime settings file (default: /app/config/settings.json)
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Tasks   TasksConfig   `json:"tasks"`
	Session SessionConfig `json:"session"`
	System  SystemConfig  `json:"system"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type TasksConfig struct {
	Dir          string        `json:"dir"`
	ScanCacheTTL time.Duration `json:"scan_cache_ttl"`
}

type SessionConfig struct {
	PlaybackFPS  int    `json:"playback_fps"`
	AutosaveCron string `json:"autosave_cron"`
	QueueWorkers int    `json:"queue_workers"`
}

type SystemConfig struct {
	DataDir      string `json:"data_dir"`
	LogLevel     string `json:"log_level"`
	SettingsFile string `json:"settings_file"`
}

func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "annotator.db")
}

// Option is a function type for configuring Config
type Option func(*Config)

func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		Tasks: TasksConfig{
			Dir:          getEnvString("TASKS_DIR", "/app/tasks"),
			ScanCacheTTL: getEnvDuration("SCAN_CACHE_TTL", 5*time.Second),
		},
		Session: SessionConfig{
			PlaybackFPS:  getEnvInt("PLAYBACK_FPS", 25),
			AutosaveCron: getEnvStringAllowEmpty("AUTOSAVE_CRON", "*/5 * * * *"),
			QueueWorkers: getEnvInt("QUEUE_WORKERS", 2),
		},
		System: SystemConfig{
			DataDir:      getEnvString("DATA_DIR", "/app/data"),
			LogLevel:     getEnvString("LOG_LEVEL", "info"),
			SettingsFile: getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: %+v", *config)
	return config, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if strings.TrimSpace(c.Tasks.Dir) == "" {
		return fmt.Errorf("TASKS_DIR is required")
	}
	if strings.TrimSpace(c.System.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Session.PlaybackFPS < MinPlaybackFPS || c.Session.PlaybackFPS > MaxPlaybackFPS {
		return fmt.Errorf("PLAYBACK_FPS must be between %d and %d", MinPlaybackFPS, MaxPlaybackFPS)
	}
	if c.Session.QueueWorkers <= 0 {
		return fmt.Errorf("QUEUE_WORKERS must be positive")
	}
	if c.Session.AutosaveCron != "" {
		if _, err := cron.ParseStandard(c.Session.AutosaveCron); err != nil {
			return fmt.Errorf("invalid AUTOSAVE_CRON: %w", err)
		}
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvStringAllowEmpty returns defaultValue only when key is unset, so an
// explicitly empty variable stays empty.
func getEnvStringAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
