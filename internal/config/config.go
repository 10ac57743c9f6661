package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"chatrelay/internal/constants"
	"chatrelay/internal/models"
	"chatrelay/internal/tracing"
	"chatrelay/internal/validation"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvironmentEnv selects production checks when set to "production".
const EnvironmentEnv = "CHATRELAY_ENV"

var ErrMissingUploadDir = models.ConfigError{Message: "missing upload directory"}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *models.Config {
	cfg := &models.Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads path (JSON, TOML or YAML by extension), expands ${VAR}
// references, applies environment overrides and defaults, then validates.
// An empty path loads defaults and environment only.
func LoadConfig(path string) (*models.Config, error) {
	cfg := &models.Config{}

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - operator-supplied path
		if err != nil {
			return nil, err
		}
		if err := decode(path, []byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	if err := validateSecurity(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *models.Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// expandEnvVars replaces ${VAR} with the variable's value, or empty when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		c.Webhook.URL = strings.TrimSpace(url)
	}
	if raw := os.Getenv("WEBHOOK_TIMEOUT"); raw != "" {
		if timeout, err := strconv.Atoi(raw); err == nil && timeout > 0 {
			c.Webhook.TimeoutSec = timeout
		}
	}
	if secret := os.Getenv("CHATRELAY_WEBHOOK_SECRET"); secret != "" {
		c.Webhook.Secret = secret
	}
	if secret := os.Getenv("CHATRELAY_INBOUND_SECRET"); secret != "" {
		c.Inbound.Secret = secret
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
		c.Database.Driver = "postgres"
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if dir := os.Getenv("UPLOAD_DIR"); dir != "" {
		c.Uploads.Dir = dir
	}

	if raw := os.Getenv("PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			c.Server.Port = port
		}
	}
	if base := os.Getenv("PUBLIC_BASE_URL"); base != "" {
		c.Server.PublicBaseURL = strings.TrimRight(base, "/")
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Redis.URL = url
		c.Redis.Enabled = true
	}
	if url := os.Getenv("AMQP_URL"); url != "" {
		c.AMQP.URL = url
		c.AMQP.Enabled = true
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = strings.ToLower(level)
	}
}

func applyDefaults(c *models.Config) {
	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Database.Driver == "" {
		if c.Database.URL != "" {
			c.Database.Driver = "postgres"
		} else {
			c.Database.Driver = "sqlite3"
		}
	}
	if c.Database.Path == "" {
		c.Database.Path = constants.DefaultSQLitePath
	}

	if c.Webhook.TimeoutSec == 0 {
		c.Webhook.TimeoutSec = constants.DefaultWebhookTimeoutSec
	}
	if c.Webhook.MaxRetries == 0 {
		c.Webhook.MaxRetries = constants.DefaultWebhookMaxRetries
	}
	if c.Webhook.MaxFailures == 0 {
		c.Webhook.MaxFailures = constants.DefaultCircuitMaxFailures
	}
	if c.Webhook.CooldownSec == 0 {
		c.Webhook.CooldownSec = constants.DefaultCircuitCooldownSec
	}
	if c.Webhook.MaxInflightRetries == 0 {
		c.Webhook.MaxInflightRetries = constants.DefaultMaxInflightRetries
	}
	if c.Webhook.UserAgent == "" {
		c.Webhook.UserAgent = constants.DefaultUserAgent
	}
	if c.Webhook.SettingsFile == "" {
		c.Webhook.SettingsFile = constants.DefaultSettingsFile
	}

	if c.Uploads.Dir == "" {
		c.Uploads.Dir = constants.DefaultUploadDir
	}
	if c.Uploads.MaxSizeMB == 0 {
		c.Uploads.MaxSizeMB = constants.DefaultMaxUploadSizeMB
	}
	if c.Uploads.DownloadTimeoutSec == 0 {
		c.Uploads.DownloadTimeoutSec = constants.DefaultAttachmentDownloadSec
	}
	if c.Uploads.RetentionDays == 0 {
		c.Uploads.RetentionDays = constants.DefaultUploadRetentionDays
	}
	if c.Uploads.CleanupSchedule == "" {
		c.Uploads.CleanupSchedule = constants.DefaultUploadCleanupSchedule
	}

	if c.Redis.TTLHours == 0 {
		c.Redis.TTLHours = constants.DefaultDeliveryLogTTLHours
	}
	if c.Redis.MaxEntries == 0 {
		c.Redis.MaxEntries = constants.DefaultDeliveryLogSize
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = constants.DefaultAMQPExchange
	}

	defaults := tracing.DefaultTracingConfig()
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.ServiceName
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = defaults.ServiceVersion
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = defaults.Environment
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = defaults.SampleRate
	}

	if c.Retry.InitialBackoffMs == 0 {
		c.Retry.InitialBackoffMs = constants.DefaultBackoffInitialMs
	}
	if c.Retry.MaxBackoffMs == 0 {
		c.Retry.MaxBackoffMs = constants.DefaultBackoffMaxMs
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	if strings.TrimSpace(c.Uploads.Dir) == "" {
		return ErrMissingUploadDir
	}
	if err := validation.Struct(c); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return models.ConfigError{Message: "database.url is required for the postgres driver"}
	}
	if c.Webhook.URL != "" {
		if err := validation.ValidateWebhookURL(c.Webhook.URL); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}
	if c.Tracing.Enabled {
		if err := tracing.Validate(c.Tracing); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}
	return nil
}

// IsProduction reports whether production checks apply.
func IsProduction() bool {
	return os.Getenv(EnvironmentEnv) == "production"
}

func validateSecurity(c *models.Config) error {
	if !IsProduction() {
		if c.Inbound.Secret == "" {
			fmt.Fprintf(os.Stderr, "WARNING: inbound secret not set. Set CHATRELAY_INBOUND_SECRET to require signed inbound messages.\n")
		}
		return nil
	}

	if c.Inbound.Secret == "" {
		return models.ConfigError{Message: "inbound secret is required in production (set CHATRELAY_INBOUND_SECRET environment variable)"}
	}
	if len(c.Inbound.Secret) < 32 {
		return models.ConfigError{Message: "inbound secret must be at least 32 characters long"}
	}
	if c.Webhook.Secret != "" && len(c.Webhook.Secret) < 32 {
		return models.ConfigError{Message: "webhook secret must be at least 32 characters long"}
	}
	if c.LogLevel == "debug" || c.LogLevel == "trace" {
		return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
	}
	return nil
}
