package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"migranthub/internal/api"
	"migranthub/internal/bot"
	"migranthub/internal/config"
	"migranthub/internal/conflict"
	"migranthub/internal/database"
	"migranthub/internal/domain"
	"migranthub/internal/events"
	"migranthub/internal/google"
	"migranthub/internal/logging"
	"migranthub/internal/metrics"
	"migranthub/internal/network"
	"migranthub/internal/queue"
	"migranthub/internal/remote"
	"migranthub/internal/repository"
	"migranthub/internal/service"
	"migranthub/internal/status"
	"migranthub/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// memoryRemote selects the in-process backend, for local runs without a server.
const memoryRemote = "memory://"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := initDatabase(cfg, &logger)
	if err != nil {
		return err
	}
	defer store.Close()

	q := queue.New(store, &logger, queue.Options{Coalesce: cfg.Sync.Coalesce})
	if err := q.Load(ctx); err != nil {
		logger.Error().Err(err).Msg("load queue")
		return err
	}
	logger.Info().Int("pending", q.PendingCount()).Int("dead", len(q.DeadOperations())).Msg("queue restored")

	remoteSvc, monitor := initRemote(cfg, &logger)

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	history := initDeadLetterHistory(cfg, redisClient, &logger)
	sinks := repository.FanoutSink{history}
	if sheet := initDeadLetterSheet(ctx, cfg, &logger); sheet != nil {
		sinks = append(sinks, sheet)
	}

	tg := initTelegram(cfg, &logger)
	if tg != nil && cfg.Telegram.ChatID != 0 {
		sinks = append(sinks, service.NewTelegramService(tg, cfg.Telegram.ChatID))
	}

	bus := events.NewEventBus()
	engine := worker.NewEngine(q, remoteSvc, conflict.NewResolver(cfg.Sync.FieldMerge), monitor, store, sinks, bus,
		worker.EngineConfig{
			BatchSize: cfg.Sync.BatchSize,
			Interval:  cfg.Sync.Interval,
			Retry: worker.RetryPolicy{
				MaxAttempts:   cfg.Sync.MaxAttempts,
				InitialDelay:  cfg.Sync.BackoffBase,
				MaxDelay:      cfg.Sync.BackoffMax,
				BackoffFactor: 2,
			},
			RemoteRPS:   cfg.Sync.RemoteRPS,
			RemoteBurst: cfg.Sync.RemoteBurst,
		}, &logger)

	observer := status.NewObserver(q, engine, monitor)
	defer observer.Close()

	mutations := service.NewMutationService(q, store, engine, monitor, &logger)

	deps := api.Deps{
		Status:      observer,
		Engine:      engine,
		Operations:  q,
		Mutations:   mutations,
		DeadLetters: history,
		Store:       store,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return engine.Start(gctx) })

	if cfg.Backup.Enabled {
		snapshots := database.NewSnapshotter(store, cfg.Backup, &logger)
		g.Go(func() error {
			snapshots.Run(gctx)
			return nil
		})
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		unsubscribe := observer.ExportMetrics()
		defer unsubscribe()
		g.Go(func() error { return startMetricsServer(gctx, cfg.Monitoring.PrometheusPort, &logger) })
	}

	if cfg.API.Enabled {
		if err := startAPI(gctx, g, cfg, deps, &logger); err != nil {
			return err
		}
	}

	if tg != nil && cfg.Telegram.CommandsEnabled {
		var botMetrics *bot.Metrics
		if cfg.Monitoring.PrometheusEnabled {
			botMetrics = bot.NewMetrics(prometheus.DefaultRegisterer)
		}
		operatorBot := bot.NewBot(tg, cfg.Telegram, observer, engine, q, botMetrics, &logger)
		g.Go(func() error {
			operatorBot.Start(gctx)
			return nil
		})
	}

	logger.Info().
		Str("remote", cfg.Remote.BaseURL).
		Bool("online", monitor.IsOnline()).
		Msg("sync daemon started")

	err = g.Wait()
	logger.Info().Msg("sync daemon stopped")
	return err
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

func initDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}
	db.SetLimits(cfg.Database.MaxOperations, cfg.Database.MaxBytes)
	return db, nil
}

// initRemote returns the backend client and a monitor probing its health endpoint.
func initRemote(cfg *config.Config, logger *zerolog.Logger) (remote.Service, *network.Monitor) {
	netCfg := network.Config{
		PollInterval:           cfg.Network.PollInterval,
		StabilityWindow:        cfg.Network.StabilityWindow,
		OfflineStabilityWindow: cfg.Network.OfflineStabilityWindow,
	}

	if cfg.Remote.BaseURL == memoryRemote {
		logger.Warn().Msg("using in-memory remote; nothing leaves this process")
		return remote.NewMemoryService(), network.NewMonitor(netCfg, nil, true, logger)
	}

	client := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.APIExtra, cfg.Remote.Timeout)
	prober := network.NewHTTPProber(cfg.Remote.BaseURL+cfg.Remote.HealthPath, cfg.Network.ProbeTimeout)
	return client, network.NewMonitor(netCfg, prober, false, logger)
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, dead letters stay in memory until it recovers")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}
	return client
}

func initDeadLetterHistory(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.DeadLetterRepository {
	fallback := repository.NewMemoryDeadLetterRepository(int(cfg.Redis.DeadLetterMax))
	if client == nil {
		return fallback
	}
	primary := repository.NewRedisDeadLetterRepository(client, cfg.Redis.DeadLetterKey, int(cfg.Redis.DeadLetterMax))
	return repository.NewFailoverDeadLetterRepository(primary, fallback, logger)
}

func initDeadLetterSheet(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *google.DeadLetterSheet {
	if cfg.Google.CredentialsFile == "" || cfg.Google.DeadLetterSpreadsheetID == "" {
		return nil
	}

	sheet, err := google.NewDeadLetterSheet(ctx, cfg.Google.CredentialsFile, cfg.Google.DeadLetterSpreadsheetID, cfg.Google.DeadLetterRange)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets")
		return nil
	}
	if err := sheet.TestConnection(ctx); err != nil {
		email, _ := google.ServiceAccountEmail(cfg.Google.CredentialsFile)
		logger.Warn().Err(err).Str("service_account", email).Msg("dead-letter spreadsheet is not reachable; share it with the service account")
		return nil
	}
	if err := sheet.WriteHeader(ctx); err != nil {
		logger.Warn().Err(err).Msg("write dead-letter sheet header")
	}

	logger.Info().Msg("google sheets connected")
	return sheet
}

func initTelegram(cfg *config.Config, logger *zerolog.Logger) *bot.BotWrapper {
	if cfg.Telegram.BotToken == "" {
		return nil
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without alerts")
		return nil
	}

	logger.Info().Str("username", botAPI.Self.UserName).Msg("telegram connected")
	return bot.NewBotWrapper(botAPI)
}

func startAPI(ctx context.Context, g *errgroup.Group, cfg *config.Config, deps api.Deps, logger *zerolog.Logger) error {
	if cfg.API.GRPC.Enabled {
		grpcServer, err := api.NewGRPCServer(&cfg.API, api.NewSyncService(deps), logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
		g.Go(grpcServer.Serve)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			grpcServer.Shutdown(shutdownCtx)
			return nil
		})
	}

	if cfg.API.HTTP.Enabled {
		httpServer := api.NewHTTPServer(&cfg.API, deps, logger)
		g.Go(httpServer.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	logger.Info().Int("port", port).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
