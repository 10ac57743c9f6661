package constants

// Webhook delivery defaults
const (
	DefaultWebhookTimeoutSec      = 5
	DefaultWebhookMaxRetries      = 2
	DefaultWebhookRetryInitialSec = 2
	DefaultWebhookRetryMaxSec     = 5
	DefaultMaxInflightRetries     = 64
	DefaultProbeTimeoutSec        = 10
	DefaultUserAgent              = "Chatrelay-Webhook/1.0"
	DefaultDownloadUserAgent      = "Chatrelay/1.0"
	MinWebhookPhoneLength         = 8
)

// Circuit breaker defaults
const (
	DefaultCircuitMaxFailures = 5
	DefaultCircuitCooldownSec = 60
)

// Attachment and upload defaults
const (
	BytesPerMegabyte              = 1024 * 1024
	DefaultMaxUploadSizeMB        = 50
	DefaultAttachmentDownloadSec  = 30
	DefaultUploadDir              = "uploads"
	DefaultUploadRetentionDays    = 90
	DefaultUploadCleanupSchedule  = "@daily"
	UploadsRoutePrefix            = "/chat/uploads/"
	MimeDetectionBufferSize       = 512
	DefaultMessageListLimit       = 100
	MaxMessageListLimit           = 1000
	DefaultDeliveryLogSize        = 50
	DefaultDeliveryLogTTLHours    = 24
	DefaultAIMessageCostCents     = 10
	DefaultStreamSubscriberBuffer = 32
	DefaultConfigWatchIntervalSec = 5
)

// Server and process defaults
const (
	DefaultServerPort            = 8082
	DefaultHTTPTimeoutSec        = 30
	DefaultDatabaseRetryAttempts = 3
	DefaultGracefulShutdownSec   = 30
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxMs          = 5000
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 60
	DefaultServerIdleTimeoutSec  = 60
	ServerErrorChannelSize       = 1
	DefaultSQLitePath            = "chatrelay.db"
	DefaultSettingsFile          = "webhook_settings.json"
	DefaultAMQPExchange          = "chatrelay.events"
)

// File permission constants
const (
	DefaultFilePermissions      = 0600
	DefaultDirectoryPermissions = 0750
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
)

// Encryption settings
const (
	EncryptionSalt       = "chatrelay-content-salt-v1"
	EncryptionIterations = 100000
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
)
