package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"token-listener/shared/config"
	"token-listener/shared/env"
	"token-listener/shared/logger"
	"token-listener/shared/notifications"
	"token-listener/tracker/internal/handlers"
	"token-listener/tracker/internal/notify"
	"token-listener/tracker/internal/pricing"
	"token-listener/tracker/internal/ratelimit"
	"token-listener/tracker/internal/scheduler"
	"token-listener/tracker/internal/store"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func startHeartbeat(ctx context.Context, appLogger *logger.Logger) {
	go func() {
		ticker := time.NewTicker(8 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				appLogger.Info("Heartbeat: Program running...")
			}
		}
	}()
}

func main() {
	if err := env.LoadEnv(); err != nil {
		log.Fatalf("FATAL: Failed to load environment variables: %v", err)
	}
	log.Println("INFO: Environment variables loaded via shared/env.")

	cfg, err := config.LoadConfig(env.ConfigFile)
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	config.SetGlobalConfig(cfg)

	enableTelegramLogging := env.TelegramBotToken != "" && env.TelegramChatID != 0
	appLogger, err := logger.NewLogger(logger.Config{
		Level:          cfg.Logging.Level,
		Environment:    cfg.App.Environment,
		EnableTelegram: enableTelegramLogging,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	appLogger.Info("Application logger initialized successfully.")

	log.Println("INFO: Initializing Telegram notifications...")
	if err := notifications.InitTelegramBot(); err != nil {
		log.Printf("WARN: Failed to initialize Telegram Bot, proceeding without Telegram features: %v", err)
	}

	appLogger.Info("Loading token store...", "dataDir", env.DataDir)
	tokens := store.New(env.DataDir, appLogger)
	if err := tokens.Load(); err != nil {
		appLogger.Fatal("Failed to load token store", "error", err)
	}

	primaryPlanner := ratelimit.NewPlanner(
		cfg.Primary.BudgetCalls, cfg.Primary.BudgetWindow,
		cfg.Tracker.MinCheckInterval, cfg.Primary.MaxBatch)
	fallbackGate := ratelimit.NewPlanner(
		cfg.Fallback.BudgetCalls, cfg.Fallback.BudgetWindow,
		cfg.Tracker.MinCheckInterval, cfg.Fallback.MaxBatch).Gate()

	primary := pricing.NewDexScreenerClient(cfg.Primary.BaseURL, cfg.Primary.RequestTimeout, primaryPlanner.Gate(), appLogger)
	fallback := pricing.NewGeckoTerminalClient(cfg.Fallback.BaseURL, cfg.Fallback.RequestTimeout, fallbackGate, appLogger)

	fetcher := pricing.NewFetcher(primary, fallback, pricing.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Delay:       cfg.Retry.Delay,
	}, appLogger)

	notifier := notify.NewTelegramNotifier(appLogger)

	sched := scheduler.New(tokens, fetcher, primaryPlanner, notifier, scheduler.Config{
		PollFloor:       cfg.Tracker.PollFloor,
		CleanupInterval: cfg.Tracker.CleanupInterval,
		CatchupInterval: cfg.Tracker.CatchupInterval,
	}, appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Setting up web server...")
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	handlers.RegisterRoutes(router, appLogger)
	handlers.RegisterAPIRoutes(router, appLogger, sched, tokens)
	appLogger.Info("Web server and API routes registered.")

	server := &http.Server{Addr: ":" + env.Port, Handler: router}
	go func() {
		appLogger.Info("Starting web server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Could not start web server.", "error", err)
		}
	}()

	startHeartbeat(ctx, appLogger)

	appLogger.Info("Starting scheduler...")
	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutdown signal received, draining...")
		// let the in-flight tick finish and persist
		if err := <-schedErr; err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Scheduler exited with error during shutdown", "error", err)
		}
	case err := <-schedErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Scheduler halted", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Web server shutdown failed", "error", err)
	}
	appLogger.Info("Shutdown complete.")
}
