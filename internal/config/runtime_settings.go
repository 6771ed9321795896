package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

const (
	DefaultRuntimeSettingsFile = "/app/config/settings.json"

	MinPlaybackFPS = 1
	MaxPlaybackFPS = 120
)

// RuntimeSettings are the settings that can be changed while the server runs.
// An empty AutosaveCron disables autosave.
type RuntimeSettings struct {
	AutosaveCron string `json:"autosave_cron"`
	PlaybackFPS  int    `json:"playback_fps"`
}

func (s RuntimeSettings) Validate() error {
	if s.PlaybackFPS < MinPlaybackFPS || s.PlaybackFPS > MaxPlaybackFPS {
		return fmt.Errorf("playback_fps must be between %d and %d", MinPlaybackFPS, MaxPlaybackFPS)
	}
	if strings.TrimSpace(s.AutosaveCron) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(s.AutosaveCron); err != nil {
		return fmt.Errorf("invalid autosave_cron: %w", err)
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		AutosaveCron: c.Session.AutosaveCron,
		PlaybackFPS:  c.Session.PlaybackFPS,
	}
}

// WithRuntimeSettings overrides the environment with a settings file. The
// file's autosave_cron wins even when empty.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		c.Session.AutosaveCron = strings.TrimSpace(settings.AutosaveCron)
		if settings.PlaybackFPS > 0 {
			c.Session.PlaybackFPS = settings.PlaybackFPS
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	next.AutosaveCron = strings.TrimSpace(next.AutosaveCron)
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}
