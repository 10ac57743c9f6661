package models

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server" toml:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" toml:"database" yaml:"database"`
	Webhook  WebhookConfig  `json:"webhook" toml:"webhook" yaml:"webhook"`
	Inbound  InboundConfig  `json:"inbound" toml:"inbound" yaml:"inbound"`
	Uploads  UploadsConfig  `json:"uploads" toml:"uploads" yaml:"uploads"`
	Redis    RedisConfig    `json:"redis" toml:"redis" yaml:"redis"`
	AMQP     AMQPConfig     `json:"amqp" toml:"amqp" yaml:"amqp"`
	Tracing  TracingConfig  `json:"tracing" toml:"tracing" yaml:"tracing"`
	Retry    RetryConfig    `json:"retry" toml:"retry" yaml:"retry"`
	LogLevel string         `json:"log_level" toml:"log_level" yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port            int    `json:"port" toml:"port" yaml:"port" validate:"gte=0,lte=65535"`
	PublicBaseURL   string `json:"public_base_url" toml:"public_base_url" yaml:"public_base_url" validate:"omitempty,url"`
	ReadTimeoutSec  int    `json:"read_timeout_sec" toml:"read_timeout_sec" yaml:"read_timeout_sec" validate:"gte=0"`
	WriteTimeoutSec int    `json:"write_timeout_sec" toml:"write_timeout_sec" yaml:"write_timeout_sec" validate:"gte=0"`
	IdleTimeoutSec  int    `json:"idle_timeout_sec" toml:"idle_timeout_sec" yaml:"idle_timeout_sec" validate:"gte=0"`
}

// DatabaseConfig selects and configures the conversation store
type DatabaseConfig struct {
	Driver   string `json:"driver" toml:"driver" yaml:"driver" validate:"oneof=sqlite3 postgres"`
	Path     string `json:"path" toml:"path" yaml:"path"`
	URL      string `json:"url" toml:"url" yaml:"url"`
	MaxConns int32  `json:"max_conns" toml:"max_conns" yaml:"max_conns" validate:"gte=0"`
}

// WebhookConfig holds outbound webhook delivery settings
type WebhookConfig struct {
	URL                string `json:"url" toml:"url" yaml:"url" validate:"omitempty,url"`
	TimeoutSec         int    `json:"timeout_sec" toml:"timeout_sec" yaml:"timeout_sec" validate:"gte=1,lte=120"`
	MaxRetries         int    `json:"max_retries" toml:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	MaxFailures        int    `json:"max_failures" toml:"max_failures" yaml:"max_failures" validate:"gte=1"`
	CooldownSec        int    `json:"cooldown_sec" toml:"cooldown_sec" yaml:"cooldown_sec" validate:"gte=1"`
	MaxInflightRetries int    `json:"max_inflight_retries" toml:"max_inflight_retries" yaml:"max_inflight_retries" validate:"gte=1"`
	UserAgent          string `json:"user_agent" toml:"user_agent" yaml:"user_agent"`
	Secret             string `json:"secret" toml:"secret" yaml:"secret"`
	SettingsFile       string `json:"settings_file" toml:"settings_file" yaml:"settings_file"`
}

// InboundConfig protects the receive endpoint
type InboundConfig struct {
	Secret string `json:"secret" toml:"secret" yaml:"secret"`
}

// UploadsConfig holds blob store settings
type UploadsConfig struct {
	Dir                string `json:"dir" toml:"dir" yaml:"dir" validate:"required"`
	MaxSizeMB          int    `json:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb" validate:"gte=1"`
	DownloadTimeoutSec int    `json:"download_timeout_sec" toml:"download_timeout_sec" yaml:"download_timeout_sec" validate:"gte=1"`
	RetentionDays      int    `json:"retention_days" toml:"retention_days" yaml:"retention_days" validate:"gte=0"`
	CleanupSchedule    string `json:"cleanup_schedule" toml:"cleanup_schedule" yaml:"cleanup_schedule"`
}

// RedisConfig configures the recent-deliveries log
type RedisConfig struct {
	Enabled    bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	URL        string `json:"url" toml:"url" yaml:"url" validate:"required_if=Enabled true"`
	Key        string `json:"key" toml:"key" yaml:"key"`
	TTLHours   int    `json:"ttl_hours" toml:"ttl_hours" yaml:"ttl_hours" validate:"gte=0"`
	MaxEntries int    `json:"max_entries" toml:"max_entries" yaml:"max_entries" validate:"gte=0"`
}

// AMQPConfig configures the event mirror
type AMQPConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	URL      string `json:"url" toml:"url" yaml:"url" validate:"required_if=Enabled true"`
	Exchange string `json:"exchange" toml:"exchange" yaml:"exchange"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled" toml:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" toml:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" toml:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" toml:"environment" yaml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" toml:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" toml:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
	UseStdout      bool    `json:"use_stdout" toml:"use_stdout" yaml:"use_stdout"`
}

// RetryConfig holds backoff settings for startup dependencies
type RetryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms" toml:"initial_backoff_ms" yaml:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs     int `json:"max_backoff_ms" toml:"max_backoff_ms" yaml:"max_backoff_ms" validate:"gte=0"`
	MaxAttempts      int `json:"max_attempts" toml:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
