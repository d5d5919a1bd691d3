// FlowCatalyst Message Router
//
// Standalone dispatch router. Consumes dispatch pointers from a queue
// (SQS, NATS, Redis or in-process), routes them through rate limited
// processing pools and delivers them to HTTP endpoints.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/common/health"
	"go.flowcatalyst.tech/dispatchcore/internal/common/lifecycle"
	"go.flowcatalyst.tech/dispatchcore/internal/config"
	"go.flowcatalyst.tech/dispatchcore/internal/router/api"
	"go.flowcatalyst.tech/dispatchcore/internal/router/circuitbreaker"
	"go.flowcatalyst.tech/dispatchcore/internal/router/configsync"
	routerhealth "go.flowcatalyst.tech/dispatchcore/internal/router/health"
	tasks "go.flowcatalyst.tech/dispatchcore/internal/router/lifecycle"
	"go.flowcatalyst.tech/dispatchcore/internal/router/manager"
	"go.flowcatalyst.tech/dispatchcore/internal/router/mediator"
	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
	"go.flowcatalyst.tech/dispatchcore/internal/router/notification"
	"go.flowcatalyst.tech/dispatchcore/internal/router/pool"
	"go.flowcatalyst.tech/dispatchcore/internal/router/standby"
	"go.flowcatalyst.tech/dispatchcore/internal/router/traffic"
	"go.flowcatalyst.tech/dispatchcore/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("buildTime", buildTime).
		Str("instanceId", cfg.InstanceID).
		Str("queue", cfg.Queue.Type).
		Msg("Starting FlowCatalyst Message Router")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Router failed")
	}
	log.Info().Msg("FlowCatalyst Message Router stopped")
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.DevMode || cfg.Logging.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.DevMode && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := lifecycle.NewManager()
	shutdown.SetShutdownTimeout(cfg.Lifecycle.ShutdownTimeout)

	// Notifications and warnings
	var notifier notification.Service = notification.NewNoOpService()
	if cfg.Notification.Enabled {
		webhook := notification.NewWebhookService(cfg.Notification.WebhookConfig)
		webhook.Start(ctx)
		shutdown.RegisterFinalShutdown("notifications", func(context.Context) error {
			webhook.Stop()
			return nil
		})
		notifier = webhook
	}
	warnings := warning.NewInMemoryService(notifier)

	// Delivery
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Mediator.BreakerFailureThreshold,
		SuccessThreshold: cfg.Mediator.BreakerSuccessThreshold,
		Cooldown:         cfg.Mediator.BreakerCooldown,
		Window:           cfg.Mediator.BreakerWindow,
	})
	breakers.OnStateChange(func(endpoint string, from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			warnings.AddWarning(warning.CategoryCircuitBreaker, warning.SeverityWarning,
				fmt.Sprintf("Circuit breaker opened for %s", endpoint), "CircuitBreakerRegistry")
		}
	})
	deliverer := mediator.NewHTTPMediator(mediator.Config{
		Timeout:             cfg.Mediator.Timeout,
		MaxIdleConnsPerHost: cfg.Mediator.MaxIdleConnsPerHost,
	}, breakers, warnings)

	// Shared clients are dialed on first use and closed in the database phase
	clients := newClients(cfg)
	shutdown.RegisterDatabaseShutdown("clients", clients.Close)

	// Leadership
	lock, err := newLockProvider(ctx, cfg, clients)
	if err != nil {
		return err
	}

	trafficService := traffic.NewService(&cfg.Traffic, cfg.InstanceID)
	coordinator := standby.New(standby.Config{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.InstanceID,
		Key:             cfg.Leader.Key,
		TTL:             cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}, lock, warnings, standby.Callbacks{
		OnBecomeLeader: func() {
			trafficService.RegisterAsActive()
			notifier.NotifySystemEvent(notification.EventBecameLeader,
				fmt.Sprintf("Instance %s is now the active router", cfg.InstanceID))
		},
		OnLoseLeadership: func() {
			trafficService.DeregisterFromActive()
			notifier.NotifySystemEvent(notification.EventLostLeadership,
				fmt.Sprintf("Instance %s stopped processing", cfg.InstanceID))
		},
	})

	// Pools
	mgr := manager.New(managerConfig(cfg), deliverer, coordinator)

	source, err := newPoolSource(ctx, cfg, clients)
	if err != nil {
		return err
	}
	syncer := configsync.NewSyncer(source, mgr, warnings, configsync.Options{})
	if err := syncer.InitialSync(ctx); err != nil {
		log.Warn().Err(err).Str("pool", model.DefaultPoolCode).
			Msg("Initial pool sync failed, messages route to the default pool until the next sync")
	}

	// Queue
	consumer, err := newConsumer(ctx, cfg, shutdown)
	if err != nil {
		return err
	}
	shutdown.RegisterCloser("queue-consumer", consumer)

	brokers := routerhealth.NewBrokerHealthService(warnings)
	brokers.Register(consumer)

	// Health
	checker := health.NewChecker(5 * time.Second)
	checker.AddLivenessCheck(health.FlagCheck("router", func() bool { return true }))
	checker.AddReadinessCheck(health.FlagCheck("queue", brokers.IsAvailable))
	status := routerhealth.NewStatusService(brokers.IsAvailable, coordinator.ShouldProcess, breakers, brokers, warnings)

	// Background tasks
	supervisor := tasks.NewSupervisor()
	deps := tasks.Dependencies{
		Manager:  mgr,
		Breakers: breakers,
		Warnings: warnings,
		Brokers:  brokers,
		Leader:   coordinator,
	}
	if cfg.Pools.Source == "mongodb" {
		deps.Config = syncer
	}
	tasks.RegisterStandardTasks(supervisor, deps, tasks.Intervals{
		Visibility:     cfg.Lifecycle.VisibilityInterval,
		Reap:           cfg.Lifecycle.ReapInterval,
		Snapshot:       cfg.Lifecycle.SnapshotInterval,
		WarningCleanup: cfg.Lifecycle.WarningCleanupInterval,
		WarningMaxAge:  cfg.Lifecycle.WarningMaxAge,
		ConsumerHealth: cfg.Lifecycle.HealthInterval,
		ConfigSync:     cfg.Lifecycle.ConfigSyncInterval,
	})

	// HTTP
	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	router := api.NewRouter(api.RouterOptions{
		Health: checker,
		Monitoring: &api.MonitoringHandler{
			Health:   status,
			Pools:    mgr,
			Queues:   brokers,
			Breakers: breakers,
			Standby:  coordinator,
			Traffic:  trafficService,
			Warnings: warnings,
			Tasks:    supervisor,
		},
		Auth:        auth,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	})
	server := api.NewServer(cfg.HTTP.Port, router)
	if err := server.Start(); err != nil {
		return err
	}

	// Start processing
	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start leadership: %w", err)
	}
	supervisor.Start(ctx)

	pollCtx, stopPolling := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := mgr.Run(pollCtx, consumer); err != nil && pollCtx.Err() == nil {
			log.Error().Err(err).Str("queue", consumer.Identifier()).Msg("Queue polling stopped")
		}
	}()

	// Shutdown order: stop accepting HTTP, stop polling, drain pools,
	// release leadership, close connections, flush notifications.
	shutdown.RegisterHTTPShutdown("http-server", server.Shutdown)
	shutdown.RegisterQueueShutdown("queue-polling", func(ctx context.Context) error {
		stopPolling()
		select {
		case <-pollDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterQueueShutdown("background-tasks", supervisor.Stop)
	shutdown.RegisterWorkerShutdown("processing-pools", mgr.Shutdown)
	shutdown.RegisterLeaderShutdown("leadership", func(ctx context.Context) error {
		stopErr := coordinator.Stop(ctx)
		if err := lock.Close(); err != nil {
			return err
		}
		return stopErr
	})

	log.Info().
		Int("port", cfg.HTTP.Port).
		Str("queue", consumer.Identifier()).
		Str("leaderProvider", cfg.Leader.Provider).
		Bool("leaderEnabled", cfg.Leader.Enabled).
		Str("auth", auth.Mode()).
		Msg("Router started")

	shutdown.WaitForSignal()
	notifier.NotifySystemEvent(notification.EventShutdown,
		fmt.Sprintf("Instance %s is shutting down", cfg.InstanceID))
	return shutdown.Execute()
}

func managerConfig(cfg *config.Config) manager.Config {
	mc := manager.DefaultConfig()
	mc.MaxMessagesPerPoll = cfg.Queue.MaxMessagesPerPoll
	mc.PollInterval = cfg.Queue.PollInterval
	mc.DeferDelay = cfg.Queue.DeferDelay
	mc.VisibilityTimeout = cfg.Queue.VisibilityTimeout
	mc.ExtendThreshold = cfg.Queue.ExtendThreshold
	mc.DefaultPool.Concurrency = model.IntPtr(cfg.Pools.DefaultConcurrency)
	mc.MaxGroupQueue = cfg.Pools.MaxGroupQueue
	mc.ShutdownTimeout = cfg.Pools.ShutdownTimeout
	mc.Retry = pool.RetryPolicy{
		InitialInterval: cfg.Pools.RetryInitial,
		Multiplier:      cfg.Pools.RetryMultiplier,
		MaxInterval:     cfg.Pools.RetryMax,
	}
	return mc
}

func newAuthenticator(cfg config.AuthConfig) (*api.Authenticator, error) {
	ac := api.AuthConfig{
		Mode:              cfg.Mode,
		BasicUsername:     cfg.BasicUsername,
		BasicPasswordHash: cfg.BasicPasswordHash,
		JWTIssuer:         cfg.JWTIssuer,
		JWTAudience:       cfg.JWTAudience,
	}
	if cfg.JWTSecret != "" {
		ac.JWTSecret = []byte(cfg.JWTSecret)
	}
	if strings.EqualFold(cfg.Mode, config.AuthJWT) && cfg.JWTPublicKeyPath != "" {
		key, err := api.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, err
		}
		ac.JWTPublicKey = key
	}
	auth, err := api.NewAuthenticator(ac)
	if err != nil {
		return nil, fmt.Errorf("configure api auth: %w", err)
	}
	return auth, nil
}
