package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/config"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/database"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/logging"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/middleware"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/realtime"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/routes"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	// 2. Connect to Database
	if cfg.DBUrl == "" {
		logger.Fatal().Msg("DB_URL is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.ConnectDB(ctx, cfg.DBUrl, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.CloseDB()

	// 3. Realtime
	broker, publisher := setupRealtime(ctx, cfg, logger)
	defer broker.Close()

	// 4. Setup Fiber
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
		IdleTimeout:           60 * time.Second,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.RequestLogger(logger))
	app.Use(cors.New(cors.Config{AllowOrigins: cfg.CORSAllowOrigins}))
	if cfg.EnableMetrics {
		app.Use(middleware.Metrics())
	}

	hub, err := routes.RegisterRoutes(app, routes.Dependencies{
		Config:     cfg,
		DB:         database.DB,
		Subscriber: broker,
		Publisher:  publisher,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register routes")
	}

	// 5. Start Server
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.AppEnv).
			Str("realtime_source", cfg.RealtimeSource).
			Msg("starting messaging server")

		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("websocket hub did not stop cleanly")
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	cancel()

	logger.Info().Msg("server stopped")
}

// setupRealtime picks the broker and decides who publishes change events.
// In postgres mode every instance listens to the database itself, so events
// stay on a local broker and the service publishes nothing.
func setupRealtime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (realtime.Broker, realtime.Publisher) {
	if cfg.UsesPostgresNotify() {
		if cfg.RedisURL != "" {
			logger.Info().Msg("REDIS_URL ignored while REALTIME_SOURCE=postgres")
		}
		broker := realtime.NewMemoryBroker(logger)
		listener := realtime.NewPGListener(cfg.DBUrl, broker, logger)
		go listener.Run(ctx)
		return broker, realtime.NopPublisher()
	}

	if cfg.RedisURL != "" {
		broker, err := realtime.NewRedisBroker(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		logger.Info().Msg("connected to Redis")
		return broker, broker
	}

	broker := realtime.NewMemoryBroker(logger)
	return broker, broker
}
