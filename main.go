package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"convsync/api"
	"convsync/chat"
	"convsync/config"
	"convsync/discovery"
	"convsync/logging"
	"convsync/metrics"
	"convsync/presence"
	"convsync/queue"
	"convsync/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		bootLogger := logging.New(logging.Config{})
		bootLogger.Fatal().Err(err).Msg("startup failed while loading config")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if err := run(cfg, cfgPath, logger); err != nil {
		logger.Fatal().Err(err).Msg("convsync stopped with an error")
	}
}

func run(cfg *config.ServerConfig, cfgPath string, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("node_name", cfg.NodeName).
		Str("config_file", cfgPath).
		Str("database", cfg.DatabasePath).
		Msg("starting convsync")

	store, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("database close failed")
		}
	}()

	m := metrics.New()
	opts := chat.Options{Logger: logger, Metrics: m}
	messages := chat.NewMessageService(store, opts)
	conversations := chat.NewConversationService(store, messages, opts)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = presence.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	var backend presence.Backend = presence.NewStoreBackend(store)
	if redisClient != nil {
		backend = presence.NewRedisBackend(redisClient)
	}
	tracker := presence.NewTracker(backend, presence.Config{
		TTL:     cfg.PresenceTTL(),
		Logger:  logger,
		Metrics: m,
	})

	router := api.NewRouter(api.Dependencies{
		Conversations:  conversations,
		Messages:       messages,
		Presence:       tracker,
		Users:          store,
		Health:         healthCheck(store, redisClient),
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	server, err := api.Listen(cfg.ListenAddress(), router)
	if err != nil {
		return err
	}
	logger.Info().Str("addr", server.Addr().String()).Msg("API listening")

	if cfg.MDNSEnabled {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			NodeID:   cfg.NodeID,
			NodeName: cfg.NodeName,
			Port:     server.Port(),
			APIPath:  api.BasePath,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("mDNS advertisement disabled")
		} else {
			defer broadcaster.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err, ok := <-server.Errors():
			if ok {
				return err
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	if cfg.RedisURL != "" {
		if err := startMaintenance(gctx, g, cfg, messages, m, logger); err != nil {
			return err
		}
	} else {
		g.Go(func() error {
			runMaintenanceLoop(gctx, cfg, messages, logger)
			return nil
		})
	}

	waitErr := g.Wait()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// startMaintenance runs the asynq worker and scheduler for the periodic jobs.
func startMaintenance(ctx context.Context, g *errgroup.Group, cfg *config.ServerConfig, messages *chat.MessageService, m *metrics.Metrics, logger zerolog.Logger) error {
	worker, err := queue.NewAsynqServer(cfg.RedisURL, queue.ServerConfig{Logger: logger, Metrics: m})
	if err != nil {
		return err
	}
	queue.NewWorkers(messages, cfg.MessageKeyRetention(), logger).Register(worker)

	scheduler, err := queue.NewScheduler(cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	if err := queue.Schedule(scheduler, cfg.ReconcileInterval(), time.Hour); err != nil {
		return err
	}

	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })

	// One full reconcile at boot catches drift left by an unclean stop.
	producer, err := queue.NewAsynqClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer producer.Close()
	task, err := queue.NewReconcileUnreadTask(0)
	if err != nil {
		return err
	}
	if _, err := producer.Enqueue(ctx, task, queue.EnqueueOption{UniqueTTL: time.Minute}); err != nil {
		logger.Warn().Err(err).Msg("boot reconcile not enqueued")
	}
	return nil
}

// runMaintenanceLoop runs the periodic jobs in-process when no Redis is configured.
func runMaintenanceLoop(ctx context.Context, cfg *config.ServerConfig, messages *chat.MessageService, logger zerolog.Logger) {
	log := logging.Component(logger, "maintenance")
	reconcile := time.NewTicker(cfg.ReconcileInterval())
	defer reconcile.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			if _, err := messages.ReconcileUnread(ctx, 0); err != nil {
				log.Warn().Err(err).Msg("unread reconcile failed")
			}
		case <-prune.C:
			if _, err := messages.PruneMessageKeys(ctx, cfg.MessageKeyRetention()); err != nil {
				log.Warn().Err(err).Msg("message key prune failed")
			}
		}
	}
}

func healthCheck(store *storage.Store, redisClient *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if redisClient != nil {
			return redisClient.Ping(ctx).Err()
		}
		return nil
	}
}
