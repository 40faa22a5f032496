package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/boost"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/config"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/database"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/server"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/stats"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/users"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/worker"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	tokenKeyGrace   = time.Minute
)

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	recorder := metrics.NewRecorder()

	var (
		tokenStore auth.TokenStore
		stamps     cache.Stamps
		sweeper    worker.TokenSweeper
	)
	if appConfig.RedisAddress != "" {
		client, err := cache.OpenRedis(ctx, cache.RedisOptions{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		}, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		redisTokens, err := auth.NewRedisTokenStore(client, tokenKeyGrace)
		if err != nil {
			return err
		}
		redisStamps, err := cache.NewRedisStamps(client, time.Now)
		if err != nil {
			return err
		}
		tokenStore = redisTokens
		stamps = redisStamps
	} else {
		memoryTokens := auth.NewMemoryTokenStore(time.Now)
		tokenStore = memoryTokens
		sweeper = memoryTokens
		stamps = cache.NewMemoryStamps(time.Now)
		logger.Info("redis not configured, keeping earning tokens and cache stamps in memory")
	}

	earningTokens, err := auth.NewEarningTokens(auth.EarningTokensConfig{
		Secret: []byte(appConfig.EarningSecret),
		TTL:    appConfig.EarningTokenTTL,
		Store:  tokenStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	adminTokens, err := auth.NewAdminTokens(auth.AdminTokensConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		Issuer:        appConfig.AdminIssuer,
		TokenTTL:      appConfig.AdminTokenTTL,
	})
	if err != nil {
		return err
	}

	statsClient, err := stats.NewClient(stats.Config{
		APIKey:    appConfig.YouTubeAPIKey,
		BaseURL:   appConfig.YouTubeBaseURL,
		OEmbedURL: appConfig.YouTubeOEmbedURL,
		Timeout:   appConfig.YouTubeTimeout,
		Retry: stats.RetryPolicy{
			MaxAttempts: appConfig.RetryMaxAttempts,
			BaseDelay:   appConfig.RetryBaseDelay,
			MaxJitter:   appConfig.RetryMaxJitter,
			MaxElapsed:  appConfig.RetryMaxElapsed,
			OnRetry:     recorder.RecordRetry,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ledger, err := boost.NewLedger(boost.LedgerConfig{
		Database:       db,
		TransactionIDs: boost.NewUUIDProvider(),
		InitialGrant:   appConfig.InitialGrant,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	orderIDs, err := boost.NewSnowflakeOrderIDs(appConfig.SnowflakeNode)
	if err != nil {
		return err
	}

	orderService, err := boost.NewOrderService(boost.OrderServiceConfig{
		Database: db,
		Ledger:   ledger,
		Fetcher:  statsClient,
		OrderIDs: orderIDs,
		Stamps:   stamps,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	selector, err := boost.NewSelector(boost.SelectorConfig{
		Database: db,
		Tokens:   earningTokens,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	rewards, err := boost.NewRewardProcessor(boost.RewardProcessorConfig{
		Database: db,
		Ledger:   ledger,
		Tokens:   earningTokens,
		Fetcher:  statsClient,
		Stamps:   stamps,
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Accounts: ledger,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := worker.NewReconciler(worker.Config{
		Database:   db,
		Ledger:     ledger,
		Fetcher:    statsClient,
		Stamps:     stamps,
		Recorder:   recorder,
		BatchSize:  appConfig.WorkerBatchSize,
		StaleAfter: appConfig.WorkerStaleAfter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	scheduler, err := worker.NewScheduler(worker.SchedulerConfig{
		Reconciler:    reconciler,
		Sweeper:       sweeper,
		Schedule:      appConfig.WorkerSchedule,
		SweepSchedule: appConfig.TokenSweepSchedule,
		RunTimeout:    appConfig.WorkerRunTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:          userService,
		Orders:         orderService,
		Selector:       selector,
		Rewards:        rewards,
		Reconciler:     reconciler,
		AdminTokens:    adminTokens,
		Metrics:        recorder.Handler(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before the shutdown deadline")
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
