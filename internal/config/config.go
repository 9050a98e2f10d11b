// Package config defines the configuration for the entitlement service.
// Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
package config

import (
	"time"

	"monsaas/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret
// type used for sensitive configuration values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive
// only the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"monsaas-entitlement"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Lock     LockConfig
	Security SecurityConfig
	Alert    AlertConfig
	Billing  BillingConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// An empty URL selects the in-memory backend (local mode).
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// LockConfig tunes the exclusive section guarding quota commits.
type LockConfig struct {
	// Backend selects the guard implementation: "memory" for the
	// in-process keyed guard, "postgres" for advisory locks shared
	// across replicas.
	Backend        string        `envconfig:"LOCK_BACKEND" default:"memory" validate:"oneof=memory postgres"`
	AcquireTimeout time.Duration `envconfig:"LOCK_ACQUIRE_TIMEOUT" default:"2s"`
}

// SecurityConfig holds anomaly detection thresholds and event
// retention.
type SecurityConfig struct {
	RaceWindow          time.Duration `envconfig:"SECURITY_RACE_WINDOW" default:"1s"`
	RaceThreshold       int           `envconfig:"SECURITY_RACE_THRESHOLD" default:"3"`
	VelocityWindow      time.Duration `envconfig:"SECURITY_VELOCITY_WINDOW" default:"10m"`
	VelocityMultiplier  float64       `envconfig:"SECURITY_VELOCITY_MULTIPLIER" default:"5"`
	VelocityMinimum     int           `envconfig:"SECURITY_VELOCITY_MINIMUM" default:"20"`
	EscalationThreshold int           `envconfig:"SECURITY_ESCALATION_THRESHOLD" default:"5"`
	EscalationWindow    time.Duration `envconfig:"SECURITY_ESCALATION_WINDOW" default:"10m"`

	// EventRetention is how long security events stay queryable before
	// the retention job archives and purges them.
	EventRetention time.Duration `envconfig:"SECURITY_EVENT_RETENTION" default:"2160h"` // 90 days
}

// AlertConfig holds settings for critical event delivery.
type AlertConfig struct {
	// WebhookURL is the operator endpoint for synchronous delivery.
	// Empty disables the webhook sink.
	WebhookURL string `envconfig:"ALERT_WEBHOOK_URL" validate:"omitempty,url"`

	// QueueURL is the SQS queue for asynchronous delivery. Empty
	// disables the queue publisher.
	QueueURL string `envconfig:"ALERT_QUEUE_URL" validate:"omitempty,url"`

	UserAgent string        `envconfig:"ALERT_USER_AGENT" default:"monsaas-alerts/1.0"`
	Timeout   time.Duration `envconfig:"ALERT_TIMEOUT" default:"10s"`
}

// BillingConfig holds payment provider integration credentials.
type BillingConfig struct {
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ArchiveBucket is the cold-storage destination for purged security
	// events.
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`

	// EndpointURL points AWS clients at LocalStack. Empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates environment values could not be parsed into
	// their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
