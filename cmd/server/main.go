package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voltchat/battery-plane/internal/billing"
	"github.com/voltchat/battery-plane/internal/catalog"
	"github.com/voltchat/battery-plane/internal/config"
	"github.com/voltchat/battery-plane/internal/gateway"
	"github.com/voltchat/battery-plane/internal/ledger"
	"github.com/voltchat/battery-plane/internal/pricing"
	"github.com/voltchat/battery-plane/internal/reset"
	"github.com/voltchat/battery-plane/pkg/cache"
	"github.com/voltchat/battery-plane/pkg/database"
	"github.com/voltchat/battery-plane/pkg/events"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting VoltChat battery plane")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	store := database.NewPostgresStore(db)

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Static catalogs
	priceTable := pricing.DefaultTable()
	planCatalog := catalog.Default(cfg.Billing.DefaultPlanID)

	// Initialize battery ledger
	batteryLedger := ledger.New(store, priceTable, logger, eventBus)
	logger.Info("initialized battery ledger")

	// Initialize subscription state machine and webhook handler
	stateMachine := billing.NewStateMachine(store, planCatalog, logger, eventBus)
	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, stateMachine, redisCache, logger)
	logger.Info("initialized webhook handler")

	// Initialize daily reset scheduler
	resetScheduler := reset.NewScheduler(store, logger, eventBus, cfg.Billing.ResetCheckInterval)

	// Start background services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resetScheduler.Start(ctx)

	// Initialize API gateway
	gw := gateway.NewGateway(store, batteryLedger, planCatalog, resetScheduler, webhookHandler, logger, cfg.Security.AdminAPIToken)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
