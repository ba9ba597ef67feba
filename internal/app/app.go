// Package app builds the dependency graph shared by the qrcloud binaries.
//
// Each cmd loads its configuration, calls New and takes the pieces it needs.
// Close releases everything New opened, in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"qrcloud/internal/billing"
	"qrcloud/internal/cache"
	"qrcloud/internal/config"
	"qrcloud/internal/db"
	"qrcloud/internal/email"
	"qrcloud/internal/events"
	"qrcloud/internal/external"
	"qrcloud/internal/scheduler"
	"qrcloud/internal/types"
)

// App holds the wired collaborators.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool   *pgxpool.Pool
	Redis  *redis.Client
	Cache  *cache.Cache
	Stripe *external.StripeClient

	Subscriptions *db.SubscriptionRepository
	Users         *db.UserRepository
	Domains       *db.DomainRepository
	Catalog       *billing.PlanCatalog
	Mailer        *email.Mailer

	// Registry holds the subscribers. With the inprocess transport the
	// Publisher dispatches through it directly.
	Registry  *events.Registry
	Publisher billing.EventPublisher
	Engine    *billing.Engine

	awsCfg  *aws.Config
	closers []func() error
}

// NewLogger returns the JSON logger used by every binary.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// LoadConfig loads the configuration for the current process environment.
func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(secretProvider(os.Getenv("APP_ENV"), os.Getenv("SECRET_SOURCE")))
}

// secretProvider picks where *_SSM_PARAM paths resolve: nowhere in local
// development, the environment for SECRET_SOURCE=env, SSM otherwise.
func secretProvider(appEnv, source string) config.SecretProvider {
	switch {
	case appEnv == "local":
		return nil
	case source == "env":
		return config.NewEnvVarProvider()
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
}

// New connects to Postgres and Redis and wires the billing graph.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	var err error

	a.Pool, err = db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	a.onClose(func() error { a.Pool.Close(); return nil })

	a.Redis, err = cache.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	a.onClose(a.Redis.Close)
	a.Cache = cache.New(a.Redis, cfg.Redis.KeyPrefix)

	a.Stripe = external.NewStripeClient(
		&http.Client{Timeout: cfg.Stripe.Timeout},
		external.StripeClientConfig{
			SecretKey:     cfg.Stripe.SecretKey.Unmask(),
			WebhookSecret: cfg.Stripe.WebhookSecret.Unmask(),
			BaseURL:       cfg.Stripe.BaseURL,
			Logger:        logger,
		},
	)

	a.Subscriptions = db.NewSubscriptionRepository(a.Pool)
	a.Users = db.NewUserRepository(a.Pool)
	a.Domains = db.NewDomainRepository(a.Pool)
	a.Catalog = billing.NewPlanCatalog(cfg.Billing)

	provider, err := a.emailProvider(ctx)
	if err != nil {
		return err
	}
	renderer, err := email.NewRenderer(cfg.Server.DashboardURL)
	if err != nil {
		return fmt.Errorf("loading email templates: %w", err)
	}
	a.Mailer = email.NewMailer(renderer, provider, logger)

	a.Registry = events.NewRegistry(logger)
	billing.NewSubscribers(billing.SubscribersConfig{
		Subscriptions:   a.Subscriptions,
		Users:           a.Users,
		Domains:         a.Domains,
		Mailer:          a.Mailer,
		Catalog:         a.Catalog,
		GracePeriodDays: cfg.Billing.GracePeriodDays,
		Logger:          logger,
	}).Register(a.Registry)

	a.Publisher, err = a.publisher(ctx)
	if err != nil {
		return err
	}
	a.Engine = billing.NewEngine(a.Cache, a.Users, a.Publisher, types.RealClock{}, logger)

	return nil
}

// WebhookProcessor builds the Stripe webhook processor.
func (a *App) WebhookProcessor() *billing.WebhookProcessor {
	return billing.NewWebhookProcessor(billing.WebhookProcessorConfig{
		Subscriptions: a.Subscriptions,
		Source:        a.Stripe,
		Engine:        a.Engine,
		Cache:         a.Cache,
		DedupTTL:      a.Config.Billing.WebhookDedupTTL,
		Logger:        a.Logger,
	})
}

// PlanResolver builds the cached plan resolver.
func (a *App) PlanResolver() *billing.PlanResolver {
	return billing.NewPlanResolver(a.Subscriptions, a.Cache, a.Catalog, a.Config.Billing.PlanCacheTTL, types.RealClock{}, a.Logger)
}

// JobMetrics returns CloudWatch job metrics when enabled.
func (a *App) JobMetrics(ctx context.Context) (billing.JobMetrics, error) {
	if !a.Config.Observability.EnableCloudWatch {
		return billing.NopJobMetrics{}, nil
	}
	awsCfg, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if ep := a.Config.AWS.EndpointURL; ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
	})
	return billing.NewCloudWatchJobMetrics(client, a.Config.Observability.MetricNamespace, a.Logger), nil
}

// Runner builds the scheduler runner for workerID.
func (a *App) Runner(ctx context.Context, workerID string) (*scheduler.Runner, error) {
	metrics, err := a.JobMetrics(ctx)
	if err != nil {
		return nil, err
	}

	var locker scheduler.Locker = cache.NewLocker(a.Cache, a.Logger)
	if a.Config.Scheduler.LockBackend == "postgres" {
		locker = scheduler.NewTableLocker(db.NewJobLockRepository(a.Pool), workerID, a.Logger)
	}

	return scheduler.NewRunner(scheduler.RunnerConfig{
		Jobs: scheduler.BillingJobs(scheduler.BillingJobsConfig{
			Subscriptions:      a.Subscriptions,
			Source:             a.Stripe,
			Engine:             a.Engine,
			Users:              a.Users,
			Domains:            a.Domains,
			Mailer:             a.Mailer,
			Catalog:            a.Catalog,
			Metrics:            metrics,
			PeriodTolerance:    a.Config.Billing.PeriodDriftTolerance,
			ReminderDaysBefore: a.Config.Billing.ReminderDaysBefore,
			GracePeriodDays:    a.Config.Billing.GracePeriodDays,
			ReactionSettle:     a.Config.Billing.ReactionSettle,
			Logger:             a.Logger,
		}),
		Locker:  locker,
		History: db.NewJobHistoryRepository(a.Pool),
		LockTTL: a.Config.Scheduler.LockTTL,
		Logger:  a.Logger,
	}), nil
}

// Schedules returns the cron schedules of the long-running scheduler.
func (a *App) Schedules() []scheduler.Schedule {
	s := a.Config.Scheduler
	return []scheduler.Schedule{
		{Task: scheduler.TaskReconcileSubscriptions, Spec: s.ReconcileSchedule},
		{Task: scheduler.TaskExpireGracePeriods, Spec: s.GracePeriodSchedule},
		{Task: scheduler.TaskSendCancellationReminders, Spec: s.ReminderSchedule},
		{Task: scheduler.TaskRetrySubscriberReactions, Spec: s.ReactionSchedule},
	}
}

// AMQPConsumer dials the RabbitMQ consumer of the subscriber registry.
func (a *App) AMQPConsumer() (*events.AMQPConsumer, error) {
	ev := a.Config.Events
	c, err := events.DialAMQPConsumer(events.AMQPConsumerConfig{
		URL:      ev.AMQPURL.Unmask(),
		Exchange: ev.AMQPExchange,
		Queue:    ev.AMQPQueue,
		Prefetch: ev.AMQPPrefetch,
		Logger:   a.Logger,
	}, a.Registry)
	if err != nil {
		return nil, err
	}
	a.onClose(c.Close)
	return c, nil
}

// Close releases every resource New opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) aws(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Config.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	a.awsCfg = &cfg
	return cfg, nil
}

func (a *App) emailProvider(ctx context.Context) (email.Provider, error) {
	ec := a.Config.Email
	sender := external.SenderConfig{
		FromAddress: ec.FromAddress,
		FromName:    ec.FromName,
		ReplyTo:     ec.ReplyTo,
	}

	switch ec.Provider {
	case "postmark":
		client, err := external.NewPostmarkClient(ec.PostmarkServerToken.Unmask(), ec.PostmarkAccountToken.Unmask(), sender)
		if err != nil {
			return nil, fmt.Errorf("creating postmark client: %w", err)
		}
		return client, nil
	case "log":
		return external.NewLogEmailProvider(a.Logger), nil
	default:
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return nil, err
		}
		return external.NewSESClient(awsCfg, sender, ec.SESConfigSet, a.Logger), nil
	}
}

func (a *App) publisher(ctx context.Context) (billing.EventPublisher, error) {
	ev := a.Config.Events
	switch ev.Transport {
	case "sqs":
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return nil, err
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if ep := a.Config.AWS.EndpointURL; ep != "" {
				o.BaseEndpoint = aws.String(ep)
			}
		})
		return events.NewSQSPublisher(client, ev.SQSQueueURL, a.Logger), nil
	case "rabbitmq":
		p, err := events.DialAMQPPublisher(ev.AMQPURL.Unmask(), ev.AMQPExchange, a.Logger)
		if err != nil {
			return nil, err
		}
		a.onClose(p.Close)
		return p, nil
	default:
		return events.NewInProcessPublisher(a.Registry, a.Logger), nil
	}
}
