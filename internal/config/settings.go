package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/constants"
)

// Source names where the active webhook url came from.
type Source string

const (
	SourceInterface Source = "interface"
	SourceEnv       Source = "env"
	SourceNone      Source = "none"
)

// WebhookSettings is the operator-saved webhook configuration.
type WebhookSettings struct {
	WebhookURL string    `json:"webhook_url"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SettingsStatus describes which webhook url is active and why.
type SettingsStatus struct {
	CurrentURL     string `json:"current_url"`
	EnvURL         string `json:"env_url"`
	FileURL        string `json:"file_url"`
	FileExists     bool   `json:"file_exists"`
	HasConflict    bool   `json:"has_conflict"`
	Source         Source `json:"source"`
	TimeoutSec     int    `json:"timeout"`
	Recommendation string `json:"recommendation"`
	ReadError      string `json:"read_error,omitempty"`
}

// SettingsStore persists the webhook url saved from the settings API. A
// saved url has priority over the one from configuration or WEBHOOK_URL.
type SettingsStore struct {
	mu         sync.Mutex
	path       string
	envURL     string
	timeoutSec int
	now        func() time.Time
}

// NewSettingsStore keeps settings at path. envURL and timeoutSec are the
// values resolved from configuration and environment.
func NewSettingsStore(path, envURL string, timeoutSec int) *SettingsStore {
	if path == "" {
		path = constants.DefaultSettingsFile
	}
	return &SettingsStore{
		path:       path,
		envURL:     strings.TrimSpace(envURL),
		timeoutSec: timeoutSec,
		now:        time.Now,
	}
}

func (s *SettingsStore) Path() string { return s.path }

// Load reads the saved settings. A missing file yields empty settings.
func (s *SettingsStore) Load() (WebhookSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SettingsStore) load() (WebhookSettings, error) {
	var settings WebhookSettings
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("failed to parse settings file: %w", err)
	}
	settings.WebhookURL = strings.TrimSpace(settings.WebhookURL)
	return settings, nil
}

// Save persists url. An empty url removes the settings file, falling back
// to the configured url.
func (s *SettingsStore) Save(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	url = strings.TrimSpace(url)
	if url == "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove settings file: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(WebhookSettings{WebhookURL: url, UpdatedAt: s.now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, constants.DefaultDirectoryPermissions); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, constants.DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// EffectiveURL returns the active webhook url and its source.
func (s *SettingsStore) EffectiveURL() (string, Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load()
	if err == nil && settings.WebhookURL != "" {
		return settings.WebhookURL, SourceInterface
	}
	if s.envURL != "" {
		return s.envURL, SourceEnv
	}
	return "", SourceNone
}

// SetEnvURL replaces the configured url, e.g. after a config reload.
func (s *SettingsStore) SetEnvURL(url string, timeoutSec int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envURL = strings.TrimSpace(url)
	if timeoutSec > 0 {
		s.timeoutSec = timeoutSec
	}
}

// Status reports the active source, any conflict and a recommendation.
func (s *SettingsStore) Status() SettingsStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SettingsStatus{EnvURL: s.envURL, TimeoutSec: s.timeoutSec}
	if _, err := os.Stat(s.path); err == nil {
		st.FileExists = true
	}
	settings, err := s.load()
	if err != nil {
		st.ReadError = err.Error()
	}
	st.FileURL = settings.WebhookURL
	st.HasConflict = st.EnvURL != "" && st.FileURL != "" && st.EnvURL != st.FileURL

	switch {
	case st.FileURL != "":
		st.Source = SourceInterface
		st.CurrentURL = st.FileURL
	case st.EnvURL != "":
		st.Source = SourceEnv
		st.CurrentURL = st.EnvURL
	default:
		st.Source = SourceNone
	}
	st.Recommendation = recommendation(st)
	return st
}

func recommendation(st SettingsStatus) string {
	switch {
	case st.HasConflict:
		return "INFO: Environment variable exists but interface config is being used"
	case st.FileURL != "" && st.EnvURL == "":
		return "GOOD: Using interface configuration"
	case st.EnvURL != "" && st.FileURL == "":
		return "OK: Using environment variable"
	case st.EnvURL == "" && st.FileURL == "":
		return "No webhook configured - set via settings API"
	default:
		return "GOOD: Interface and environment configurations match"
	}
}
