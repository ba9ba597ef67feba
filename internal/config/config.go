// Package config defines the process configuration of the qrcloud billing
// services. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"qrcloud/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"qrcloud-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Stripe        StripeConfig
	Billing       BillingConfig
	Email         EmailConfig
	Events        EventsConfig
	Scheduler     SchedulerConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	// Used in emails (no trailing slash).
	DashboardURL string `envconfig:"DASHBOARD_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the shared cache connection. The cache backs webhook
// deduplication, job locks and the plan cache.
type RedisConfig struct {
	URL         SecretString  `envconfig:"REDIS_URL" validate:"required"`
	DialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	KeyPrefix   string        `envconfig:"REDIS_KEY_PREFIX"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// StripeConfig holds Stripe credentials and client tuning.
type StripeConfig struct {
	SecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	WebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	BaseURL       string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`
	Timeout       time.Duration `envconfig:"STRIPE_TIMEOUT" default:"15s"`
}

// BillingConfig holds lifecycle policy knobs and the price to plan mapping.
type BillingConfig struct {
	GracePeriodDays      int           `envconfig:"BILLING_GRACE_PERIOD_DAYS" default:"7" validate:"min=0"`
	ReminderDaysBefore   int           `envconfig:"BILLING_REMINDER_DAYS_BEFORE" default:"3" validate:"min=1"`
	WebhookDedupTTL      time.Duration `envconfig:"BILLING_WEBHOOK_DEDUP_TTL" default:"24h"`
	PlanCacheTTL         time.Duration `envconfig:"BILLING_PLAN_CACHE_TTL" default:"1h"`
	PeriodDriftTolerance time.Duration `envconfig:"BILLING_PERIOD_DRIFT_TOLERANCE" default:"60s"`
	// Rows changed more recently are left to in-flight event delivery.
	ReactionSettle time.Duration `envconfig:"BILLING_REACTION_SETTLE" default:"15m"`

	// Stripe price ids per tier. Comma separated so monthly and yearly
	// prices can map to the same tier.
	StarterPriceIDs  []string `envconfig:"BILLING_PRICE_STARTER"`
	ProPriceIDs      []string `envconfig:"BILLING_PRICE_PRO"`
	BusinessPriceIDs []string `envconfig:"BILLING_PRICE_BUSINESS"`
}

// EmailConfig holds email delivery provider credentials.
type EmailConfig struct {
	Provider     string `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses postmark log"`
	FromAddress  string `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@qrcloud.app" validate:"email"`
	FromName     string `envconfig:"EMAIL_FROM_NAME" default:"QRCloud Billing"`
	ReplyTo      string `envconfig:"EMAIL_REPLY_TO"`
	SESConfigSet string `envconfig:"SES_CONFIGURATION_SET"`

	PostmarkServerToken  SecretString `envconfig:"POSTMARK_SERVER_TOKEN" validate:"required_if=Provider postmark"`
	PostmarkAccountToken SecretString `envconfig:"POSTMARK_ACCOUNT_TOKEN"`
}

// EventsConfig selects how subscription events reach their subscribers.
type EventsConfig struct {
	Transport string `envconfig:"EVENTS_TRANSPORT" default:"inprocess" validate:"oneof=inprocess sqs rabbitmq"`

	SQSQueueURL string `envconfig:"EVENTS_SQS_QUEUE_URL" validate:"required_if=Transport sqs"`

	AMQPURL      SecretString `envconfig:"EVENTS_AMQP_URL" validate:"required_if=Transport rabbitmq"`
	AMQPExchange string       `envconfig:"EVENTS_AMQP_EXCHANGE" default:"qrcloud.billing"`
	AMQPQueue    string       `envconfig:"EVENTS_AMQP_QUEUE" default:"qrcloud.billing.subscription-events"`
	AMQPPrefetch int          `envconfig:"EVENTS_AMQP_PREFETCH" default:"10" validate:"min=1"`
}

// SchedulerConfig holds periodic job settings. Schedules use cron syntax and
// only apply to the long-running scheduler; in Lambda, EventBridge owns the
// schedule.
type SchedulerConfig struct {
	LockTTL             time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"30m"`
	ReconcileSchedule   string        `envconfig:"SCHEDULER_RECONCILE_CRON" default:"0 3 * * *"`
	GracePeriodSchedule string        `envconfig:"SCHEDULER_GRACE_PERIOD_CRON" default:"0 * * * *"`
	ReminderSchedule    string        `envconfig:"SCHEDULER_REMINDER_CRON" default:"30 9 * * *"`
	ReactionSchedule    string        `envconfig:"SCHEDULER_REACTION_RETRY_CRON" default:"15 * * * *"`
	WorkerID            string        `envconfig:"WORKER_ID"`
	// postgres uses the job_locks table instead of Redis.
	LockBackend string `envconfig:"SCHEDULER_LOCK_BACKEND" default:"redis" validate:"oneof=redis postgres"`
}

// SecurityConfig holds credentials for service-to-service calls.
type SecurityConfig struct {
	// bcrypt hash of the token internal services present as a Bearer token.
	ServiceTokenHash   SecretString `envconfig:"SERVICE_TOKEN_HASH" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace  string `envconfig:"METRIC_NAMESPACE" default:"QRCloud/Billing"`
	EnableCloudWatch bool   `envconfig:"ENABLE_CLOUDWATCH_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}
