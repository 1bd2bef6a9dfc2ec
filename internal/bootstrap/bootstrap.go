// Package bootstrap assembles the digest pipeline from configuration. Every
// entrypoint builds one App at cold start and reuses it across invocations.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"qsldigest/internal/api"
	"qsldigest/internal/config"
	"qsldigest/internal/db"
	"qsldigest/internal/external"
	"qsldigest/internal/lock"
	"qsldigest/internal/logging"
	"qsldigest/internal/notifications/core"
	"qsldigest/internal/notifications/digest"
	"qsldigest/internal/notifications/email"
	"qsldigest/internal/notifications/webpush"
	"qsldigest/internal/queue"
	"qsldigest/internal/scheduler"
	"qsldigest/internal/security"
	"qsldigest/internal/types"
)

// JobLocker is the cross-process lock taken around scheduled tasks.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// App is the wired pipeline.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Store      *db.Store
	Driver     *scheduler.RunDriver
	JobLock    JobLocker
	JobHistory *db.JobHistoryRepository

	redis *redis.Client
}

// New connects to PostgreSQL (and Redis when it backs the job lock), then
// builds the run driver with its dispatcher and senders.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app := &App{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Store:      db.NewStore(pool),
		JobHistory: db.NewJobHistoryRepository(pool, types.RealClock{}),
	}

	switch cfg.Jobs.LockBackend {
	case "redis":
		client, err := lock.NewRedisClient(ctx, cfg.Jobs.RedisURL.Unmask())
		if err != nil {
			app.Close()
			return nil, err
		}
		app.redis = client
		app.JobLock = lock.NewRedisLocker(client)
	default:
		app.JobLock = db.NewJobLockRepository(pool, types.RealClock{})
	}

	var awsCfg *aws.Config
	if cfg.AWS.DispatchQueueURL != "" || metricsEnabled(cfg) {
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		awsCfg = &loaded
	}

	var metrics core.NotificationMetrics = core.NopMetrics{}
	if metricsEnabled(cfg) {
		metrics = core.NewCloudWatchNotificationMetrics(cloudwatch.NewFromConfig(*awsCfg), cfg.AWS.MetricNamespace, logging.NewAdapter(logger))
	}

	var notifier scheduler.DispatchNotifier
	if cfg.AWS.DispatchQueueURL != "" {
		notifier = queue.NewDispatchPublisher(sqs.NewFromConfig(*awsCfg), cfg.AWS, logger)
	}

	dispatcher, err := NewDispatcher(cfg, app.Store, metrics, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	tx := TxRunner{Manager: db.NewTxManager(pool)}
	app.Driver = scheduler.NewRunDriver(scheduler.DriverDeps{
		Builder:    scheduler.NewDigestBuilder(app.Store, tx, notifier, cfg.Digest.RequireEntitlement, logger),
		Dispatcher: dispatcher,
		Pending:    app.Store,
		Lookup:     app.Store,
		Retention:  scheduler.NewRetentionSweeper(app.Store, logger),
		Metrics:    metrics,
		Logger:     logger,
	}, DriverSettings(cfg.Digest))

	return app, nil
}

// Close releases the pool and the Redis client.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// Probes returns the health probes for the connected dependencies.
func (a *App) Probes() []api.HealthProbe {
	var probes []api.HealthProbe
	if a.Pool != nil {
		probes = append(probes, api.PingProbe{ProbeName: "database", Target: a.Pool})
	}
	if a.redis != nil {
		probes = append(probes, redisProbe{client: a.redis})
	}
	return probes
}

type redisProbe struct {
	client *redis.Client
}

func (redisProbe) Name() string { return "redis" }

func (p redisProbe) Check(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// DriverSettings maps the digest configuration onto the run driver.
func DriverSettings(cfg config.DigestConfig) scheduler.DriverSettings {
	return scheduler.DriverSettings{
		Enabled:            cfg.Enabled,
		RequireEntitlement: cfg.RequireEntitlement,
		GenerateLimit:      cfg.GenerateLimit,
		DispatchLimit:      cfg.DispatchLimit,
		RetentionDays:      cfg.RetentionDays,
		PurgeTimeout:       cfg.PurgeTimeout,
	}
}

// NewDispatcher builds the notification dispatcher with whichever senders
// the configuration enables.
func NewDispatcher(cfg *config.Config, store *db.Store, metrics core.NotificationMetrics, logger *slog.Logger) (*digest.Dispatcher, error) {
	adapter := logging.NewAdapter(logger)

	renderer, err := email.NewRenderer()
	if err != nil {
		return nil, err
	}

	deps := digest.Deps{
		Store:      store,
		Deliveries: core.NewDeliveryManager(store, types.RealClock{}, adapter),
		Renderer:   renderer,
		Metrics:    metrics,
		Logger:     adapter,
	}

	push, err := NewPushSender(cfg)
	if err != nil {
		return nil, err
	}
	if push != nil {
		deps.Push = push
	}

	if cfg.Digest.EmailEnabled {
		provider, err := NewEmailProvider(cfg.Email, logger)
		if err != nil {
			return nil, err
		}
		deps.Email = email.NewChannel(email.ChannelConfig{
			Provider:    provider,
			FromAddress: cfg.Email.FromAddress,
			FromName:    cfg.Email.FromName,
			Logger:      adapter,
		})
	}

	return digest.NewDispatcher(deps, digest.Settings{
		Enabled:        cfg.Digest.Enabled,
		WebPushEnabled: cfg.Digest.WebPushEnabled,
		EmailEnabled:   cfg.Digest.EmailEnabled,
		DryRun:         cfg.Digest.DryRun,
		BaseURL:        cfg.Digest.BaseURL,
	}), nil
}

// NewPushSender returns nil when web push is disabled or no VAPID key is
// configured; the dispatcher then records web_push_disabled.
func NewPushSender(cfg *config.Config) (*webpush.Sender, error) {
	if !cfg.Digest.WebPushEnabled || !cfg.WebPush.VAPIDPrivateKey.IsSet() {
		return nil, nil
	}
	guard := security.NewGuard(security.AllowPrivate(cfg.WebPush.AllowPrivateEndpoints && cfg.IsLocal()))
	client := external.NewBaseClient(guard.NewHTTPClient(10*time.Second), "webpush",
		transportRetry(core.PushRetryPolicy), "qsldigest/"+buildVersion(cfg))
	sender, err := webpush.NewSender(webpush.Config{
		VAPIDPublicKey:  cfg.WebPush.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.WebPush.VAPIDPrivateKey,
		Subject:         cfg.WebPush.Subject,
		TTL:             cfg.WebPush.TTL,
		Checker:         guard,
	}, client)
	if err != nil {
		return nil, fmt.Errorf("configuring web push: %w", err)
	}
	return sender, nil
}

// transportRetry maps a delivery retry policy onto the HTTP client's.
func transportRetry(p core.RetryPolicy) external.RetryPolicy {
	return external.RetryPolicy{
		MaxRetries: max(p.MaxAttempts-1, 0),
		MinWait:    p.BaseDelay,
		MaxWait:    p.MaxDelay,
	}
}

func buildVersion(cfg *config.Config) string {
	if cfg.Build.Version == "" {
		return "dev"
	}
	return cfg.Build.Version
}

// NewEmailProvider selects the transport named by EMAIL_PROVIDER.
func NewEmailProvider(cfg config.EmailConfig, logger *slog.Logger) (external.EmailProvider, error) {
	switch cfg.Provider {
	case "smtp":
		if cfg.SMTPHost == "" {
			return nil, fmt.Errorf("SMTP_HOST is required for the smtp email provider")
		}
		return external.NewSMTPClient(external.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			StartTLS: cfg.SMTPStartTLS,
			Timeout:  cfg.SMTPTimeout,
		}), nil
	case "sendgrid":
		if !cfg.SendGridAPIKey.IsSet() {
			return nil, fmt.Errorf("SENDGRID_API_KEY is required for the sendgrid email provider")
		}
		base := external.NewBaseClient(&http.Client{Timeout: 15 * time.Second}, "sendgrid",
			transportRetry(core.EmailRetryPolicy), "qsldigest/1.0")
		return external.NewSendGridClientWithBase(base, external.SendGridConfig{
			APIKey: cfg.SendGridAPIKey,
		}), nil
	case "stub":
		return external.NewStubEmailProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// TxRunner adapts db.TxManager to scheduler.DigestTxRunner.
type TxRunner struct {
	Manager *db.TxManager
}

// RunInTx runs fn with a transaction-bound store.
func (t TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context, store scheduler.DigestStore) error) error {
	return t.Manager.WithTx(ctx, func(ctx context.Context, s *db.Store) error {
		return fn(ctx, s)
	})
}

func metricsEnabled(cfg *config.Config) bool {
	return cfg.AWS.MetricsEnabled && !cfg.IsLocal()
}
