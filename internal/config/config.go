// Package config defines the process configuration for the digest runner,
// dispatch worker and diagnostics API. Configuration is loaded once at cold
// start and is immutable thereafter.
//
// Values are resolved from the OS environment first, then from a .env file.
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"qsldigest/internal/types"
)

// SecretString is an alias for types.SecretString so config structs can
// declare redacted fields without importing types.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the subset they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"qsldigest"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Digest   DigestConfig
	Jobs     JobConfig
	Email    EmailConfig
	WebPush  WebPushConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds the diagnostics HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// APIToken is the bearer token required on /v1 routes. Unset refuses
	// every /v1 request.
	APIToken SecretString `envconfig:"API_TOKEN"`
}

// DatabaseConfig holds connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// DispatchQueueURL receives one message per non-empty batch. Empty disables
	// publishing; the scheduled dispatch pass still picks the batch up.
	DispatchQueueURL string `envconfig:"DISPATCH_QUEUE_URL" validate:"omitempty,url"`

	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"QSLDigest"`
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// DigestConfig holds the feature switches and limits of the digest pipeline.
type DigestConfig struct {
	Enabled        bool `envconfig:"DIGEST_NOTIFICATIONS_ENABLED" default:"true"`
	WebPushEnabled bool `envconfig:"WEB_PUSH_ENABLED" default:"true"`
	EmailEnabled   bool `envconfig:"DIGEST_EMAIL_ENABLED" default:"true"`
	DryRun         bool `envconfig:"DIGEST_DRY_RUN" default:"false"`

	RequireEntitlement bool `envconfig:"DIGEST_REQUIRE_ENTITLEMENT" default:"true"`

	// BaseURL is the web app origin; links point at BaseURL + "/qsl/digest".
	BaseURL string `envconfig:"DIGEST_BASE_URL" default:"https://mobilelotw.org" validate:"required,url"`

	GenerateLimit int `envconfig:"DIGEST_GENERATE_LIMIT" default:"0" validate:"min=0"`
	DispatchLimit int `envconfig:"DIGEST_DISPATCH_LIMIT" default:"10000" validate:"min=1"`

	// RetentionDays of 0 disables the purge task.
	RetentionDays int           `envconfig:"DIGEST_RETENTION_DAYS" default:"30" validate:"min=0"`
	PurgeTimeout  time.Duration `envconfig:"DIGEST_PURGE_TIMEOUT" default:"2m"`
}

// JobConfig controls the runner's job lock.
type JobConfig struct {
	LockBackend string        `envconfig:"JOB_LOCK_BACKEND" default:"postgres" validate:"oneof=postgres redis"`
	LockTTL     time.Duration `envconfig:"JOB_LOCK_TTL" default:"15m"`
	RedisURL    SecretString  `envconfig:"REDIS_URL" validate:"required_if=LockBackend redis"`
}

// EmailConfig selects and configures the email transport.
type EmailConfig struct {
	Provider    string `envconfig:"EMAIL_PROVIDER" default:"smtp" validate:"oneof=smtp sendgrid stub"`
	FromAddress string `envconfig:"EMAIL_FROM_ADDRESS" default:"info@mobilelotw.org" validate:"required,email"`
	FromName    string `envconfig:"EMAIL_FROM_NAME" default:"Mobile LoTW"`

	SMTPHost     string        `envconfig:"SMTP_HOST" validate:"required_if=Provider smtp"`
	SMTPPort     int           `envconfig:"SMTP_PORT" default:"587" validate:"min=1,max=65535"`
	SMTPUsername string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword SecretString  `envconfig:"SMTP_PASSWORD"`
	SMTPStartTLS bool          `envconfig:"SMTP_STARTTLS" default:"true"`
	SMTPTimeout  time.Duration `envconfig:"SMTP_TIMEOUT" default:"20s"`

	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
}

// WebPushConfig holds the VAPID application server identity.
type WebPushConfig struct {
	VAPIDPublicKey  string        `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey SecretString  `envconfig:"VAPID_PRIVATE_KEY"`
	Subject         string        `envconfig:"VAPID_SUBJECT" default:"mailto:info@mobilelotw.org"`
	TTL             time.Duration `envconfig:"WEB_PUSH_TTL" default:"24h"`

	// AllowPrivateEndpoints skips the endpoint address guard. Local only.
	AllowPrivateEndpoints bool `envconfig:"WEB_PUSH_ALLOW_PRIVATE_ENDPOINTS" default:"false"`
}

// BuildInfo holds linker-injected build metadata.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

// IsLocal reports whether the process runs in local development mode.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}
