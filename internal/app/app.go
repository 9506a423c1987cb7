package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-relay/internal/clock"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/directory"
	"chat-relay/internal/handlers"
	"chat-relay/internal/logging"
	"chat-relay/internal/loop"
	"chat-relay/internal/presence"
	"chat-relay/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

const (
	controlTokenTTL = 72 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func Run() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, closeDir, err := openDirectory(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("Failed to open directory", zap.String("backend", cfg.DirectoryBackend), zap.Error(err))
	}
	defer closeDir()

	// Event loop
	events := loop.New(cfg.EventQueueSize, zl.Named("loop"))
	clk := events.Clock(clock.Real{})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go events.Run(loopCtx)

	// Services
	core := presence.NewCore(presence.Config{
		InactivityThreshold: cfg.InactivityThreshold,
		OfflineGrace:        cfg.OfflineGrace,
		SweepInterval:       cfg.OfflineSweepInterval,
		SweepGate:           cfg.OfflineSweepGate,
	}, clk, zl)
	relay := services.NewRelayService(core, dir, events, clk, zl)
	tokens := services.NewControlTokens(cfg.ControlJWTSecret, controlTokenTTL)
	hub := handlers.NewHub()

	relay.LoadUsers()
	go core.Reconciler.Run(loopCtx, events.Post)

	// Fiber App
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(logger.New())
	app.Use(recover.New())
	app.Use(cors.New())
	handlers.Register(app, events, relay, hub, tokens, cfg.WSSendBuffer, zl)

	go func() {
		zl.Info("Listening", zap.String("addr", cfg.Addr()), zap.String("directory", cfg.DirectoryBackend))
		if err := app.Listen(cfg.Addr()); err != nil {
			zl.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zl.Info("Gracefully shutting down...")
	hub.CloseAll()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		zl.Warn("Shutdown incomplete", zap.Error(err))
	}
	zl.Info("Server shutdown complete")
}

// openDirectory builds the configured backend and the function releasing it.
func openDirectory(ctx context.Context, cfg config.Config, zl *zap.Logger) (directory.Directory, func(), error) {
	if cfg.DirectoryBackend == config.BackendPostgres {
		pool, err := db.Connect(ctx, cfg.DatabaseURL, zl)
		if err != nil {
			return nil, nil, err
		}
		pg := directory.NewPostgres(pool, zl)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, pool.Close, nil
	}

	rest := directory.NewREST(directory.RESTConfig{
		BaseURL:    cfg.DirectoryURL,
		App:        cfg.DirectoryApp,
		Extension:  cfg.DirectoryExtension,
		PrivateKey: cfg.DirectoryPrivateKey,
		Timeout:    cfg.DirectoryTimeout,
	}, nil, zl)
	return rest, func() {}, nil
}
