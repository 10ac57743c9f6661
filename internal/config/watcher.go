package config

import (
	"context"
	"os"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher polls the configuration file and reloads it on change
type ConfigWatcher struct {
	configPath string
	logger     logrus.FieldLogger
	interval   time.Duration
	settle     time.Duration
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger logrus.FieldLogger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		logger:     logger,
		interval:   time.Duration(constants.DefaultConfigWatchIntervalSec) * time.Second,
		settle:     100 * time.Millisecond,
		callbacks:  make([]func(*models.Config), 0),
	}
}

// SetInterval changes the polling interval. Call before Start.
func (cw *ConfigWatcher) SetInterval(d time.Duration) {
	if d > 0 {
		cw.interval = d
		if cw.settle > d {
			cw.settle = d / 2
		}
	}
}

// Start loads the configuration and polls for changes until ctx is done.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.mu.Unlock()

	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			if stat.ModTime().After(lastModTime) {
				cw.logger.Debug("Configuration file changed")
				lastModTime = stat.ModTime()

				// let the writer finish
				time.Sleep(cw.settle)
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback to be called when configuration changes
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		go func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

// logConfigChanges logs the settings that take effect without a restart
func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.Webhook.URL != new.Webhook.URL {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Webhook.URL != "",
			"new": new.Webhook.URL != "",
		}).Info("Webhook URL changed")
	}

	if old.Webhook.TimeoutSec != new.Webhook.TimeoutSec {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Webhook.TimeoutSec,
			"new": new.Webhook.TimeoutSec,
		}).Info("Webhook timeout changed")
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	if old.Uploads.RetentionDays != new.Uploads.RetentionDays {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Uploads.RetentionDays,
			"new": new.Uploads.RetentionDays,
		}).Info("Upload retention changed")
	}
}
