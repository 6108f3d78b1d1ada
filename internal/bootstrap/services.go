package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lodestone-registry/lodestone/config"
	"github.com/lodestone-registry/lodestone/internal/adapters/janitor"
	"github.com/lodestone-registry/lodestone/internal/adapters/worker"
	"github.com/lodestone-registry/lodestone/internal/core"
	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	"github.com/lodestone-registry/lodestone/internal/observability/notify/pagerduty"
	"github.com/lodestone-registry/lodestone/internal/observability/notify/slack"
	"github.com/lodestone-registry/lodestone/internal/observability/statsd"
	"github.com/lodestone-registry/lodestone/internal/service"
	"github.com/lodestone-registry/lodestone/internal/service/failurenotifier"
	"github.com/lodestone-registry/lodestone/internal/vcs"
	gitvcs "github.com/lodestone-registry/lodestone/internal/vcs/git"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Scheduler     *service.SchedulerService
	Sync          *service.SyncService
	MonoRepo      *service.MonoRepoService
	Status        *service.StatusService
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	// Repos overrides the repository driver factory; defaults to the git
	// driver when nil.
	Repos vcs.Factory
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB       *sql.DB
	Redis    redis.UniversalClient
	Jobs     *data.JobRepo
	Packages *data.PackageRepo
	Versions *data.VersionRepo
	Queue    *data.RedisDispatchQueue
	Locks    *data.PackageLockProvider
	Cache    *data.RedisCacheRepo
	Events   *data.RedisEventPublisher
}

// buildRepositories builds data adapters backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, logger *slog.Logger) *serviceRepositories {
	return &serviceRepositories{
		DB:       db,
		Redis:    redisClient,
		Jobs:     data.NewJobRepo(db, data.RepoConfig{Logger: logger}),
		Packages: data.NewPackageRepo(db),
		Versions: data.NewVersionRepo(db),
		Queue:    data.NewRedisDispatchQueue(redisClient, ""),
		Locks:    data.NewPackageLockProvider(redisClient),
		Cache:    data.NewRedisCacheRepo(redisClient),
		Events:   data.NewRedisEventPublisher(redisClient, logger),
	}
}

// buildObservability configures metrics and notification adapters.
func buildObservability(
	logger *slog.Logger,
	cfg config.ObservabilityConfig,
	packages core.PackageRepository,
) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "lodestone",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	failureNotifier := buildFailureNotifier(obsLogger, cfg.Notifications, packages)

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: failureNotifier,
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(
	logger *slog.Logger,
	cfg config.ObservabilityNotificationsConfig,
	packages core.PackageRepository,
) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger:   baseLogger.With("component", "failure_notifier"),
			Packages: packages,
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:       cfg.Slack.WebhookURL,
			Channel:          cfg.Slack.Channel,
			Username:         cfg.Slack.Username,
			Timeout:          cfg.Timeout,
			RetryLimit:       cfg.RetryLimit,
			PackageURLPrefix: cfg.Slack.PackageURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:   baseLogger.With("component", "failure_notifier"),
		Sinks:    sinks,
		Packages: packages,
	})
}

// NewServices wires the domain services over the data adapters.
func NewServices(deps *ServiceDeps) ServiceContainer {
	if deps == nil {
		return ServiceContainer{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	repos := buildRepositories(deps.DB, deps.RedisClient, logger)
	observability := buildObservability(logger, appCfg.Observability, repos.Packages)

	repoFactory := deps.Repos
	if repoFactory == nil {
		repoFactory = gitvcs.NewFactory(gitvcs.FactoryOptions{Logger: logger})
	}

	scheduler := service.MustNewSchedulerService(service.SchedulerOptions{
		Jobs:   repos.Jobs,
		Queue:  repos.Queue,
		Logger: logger,
	})

	syncSvc := service.MustNewSyncService(service.SyncOptions{
		Packages: repos.Packages,
		Versions: repos.Versions,
		Repos:    repoFactory,
		Locks:    repos.Locks,
		Events:   repos.Events,
		Logger:   logger,
	})

	monoRepo := service.MustNewMonoRepoService(service.MonoRepoOptions{
		Packages:      repos.Packages,
		Sync:          syncSvc,
		Repos:         repoFactory,
		IncludeGlobs:  appCfg.Sync.ManifestIncludeGlobs,
		ExcludeGlobs:  appCfg.Sync.ManifestExcludeGlobs,
		PruneNoOpTags: appCfg.Sync.PruneNoOpTags,
		Logger:        logger,
	})

	status := service.MustNewStatusService(service.StatusOptions{
		Jobs:   repos.Jobs,
		Cache:  repos.Cache,
		Logger: logger,
	})

	return ServiceContainer{
		Scheduler:     scheduler,
		Sync:          syncSvc,
		MonoRepo:      monoRepo,
		Status:        status,
		Observability: observability,
	}
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// RunWorker builds and runs the queue worker until the context is cancelled.
func RunWorker(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics statsd.Sink
	if cfg.Services.Observability.MetricsSink != nil {
		metrics = cfg.Services.Observability.MetricsSink
	}

	packages := data.NewPackageRepo(cfg.DB)
	runner, err := worker.NewRunner(worker.RunnerOptions{
		DB:              cfg.DB,
		Logger:          logger,
		Queue:           data.NewRedisDispatchQueue(cfg.RedisClient, ""),
		Packages:        packages,
		StatusCache:     data.NewRedisCacheRepo(cfg.RedisClient),
		Metrics:         metrics,
		FailureNotifier: cfg.Services.Observability.FailureNotifier,
		MaxJobs:         cfg.Config.Worker.MaxJobs,
	})
	if err != nil {
		return fmt.Errorf("wire worker: %w", err)
	}

	runner.Register(model.JobTypePackageUpdate, worker.NewPackageUpdateHandler(packages, cfg.Services.Sync))
	runner.Register(model.JobTypeMonoRepoUpdate, worker.NewMonoRepoUpdateHandler(packages, cfg.Services.MonoRepo))

	return runner.Run(ctx)
}

// RunJanitor builds and runs the terminal-job cleanup loop.
func RunJanitor(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	var metrics statsd.Sink
	if cfg.Services.Observability.MetricsSink != nil {
		metrics = cfg.Services.Observability.MetricsSink
	}

	runner, err := janitor.NewRunner(janitor.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config.Janitor,
		Logger:  cfg.Logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("wire janitor: %w", err)
	}

	return runner.Run(ctx)
}

// RunServicesWithShutdown starts all enabled services and blocks until a
// shutdown signal arrives or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if enabledServices[config.ServiceModeWorker] {
		logger.Info("background service starting", "service", "worker")
		g.Go(func() error {
			if err := RunWorker(ctx, cfg); err != nil {
				return fmt.Errorf("worker failed: %w", err)
			}
			return nil
		})
	}

	if enabledServices[config.ServiceModeJanitor] {
		logger.Info("background service starting", "service", "janitor")
		g.Go(func() error {
			if err := RunJanitor(ctx, cfg); err != nil {
				return fmt.Errorf("janitor failed: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("service error", "error", err)
		return err
	}

	logger.Info("services stopped")
	return nil
}
