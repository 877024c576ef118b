package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-service/config"
	"storefront-service/internal/api"
	"storefront-service/internal/broker"
	"storefront-service/internal/gateway"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"
	"storefront-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.RunMigrations {
		if err := db.RunMigrations(); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	// Redis only backs holds and checkout locks, so the service runs without it.
	var holds service.HoldStore
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, checkouts will run without variant holds", zap.Error(err))
	} else {
		defer redisClient.Close()
		holds = redisClient
		logger.Info("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	eventPublisher := broker.NewEventPublisher(producer)

	razorpay := gateway.NewRazorpay(cfg.Payment.KeyID, cfg.Payment.KeySecret, cfg.Payment.BaseURL, cfg.Payment.Timeout)

	inventory := service.NewInventoryAdjuster(db, holds, cfg.Business.ReservationTTL)
	paymentService := service.NewPaymentService(db, razorpay, cfg.Payment.Currency)
	checkout := service.NewCheckoutOrchestrator(
		service.NewCatalogLookup(db),
		inventory,
		paymentService,
		db,
		eventPublisher,
		service.CheckoutConfig{
			ShippingFlatRate: cfg.Business.ShippingFlatRate,
			Currency:         cfg.Payment.Currency,
			Timeout:          cfg.Business.CheckoutTimeout,
		},
	)
	orderService := service.NewOrderService(db, inventory, eventPublisher, cfg.Business.RestockOnCancel)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	inventoryConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.InventoryGroup)
	inventoryWorker := worker.NewInventoryRetryWorker(inventoryConsumer, inventory, eventPublisher, cfg.Business.InventoryRetryAttempts)
	go func() {
		if err := inventoryWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Inventory retry worker error", zap.Error(err))
		}
	}()

	reconciler := worker.NewReconciliationWorker(paymentService, db, eventPublisher,
		cfg.Business.ReconcileInterval, cfg.Business.ReconcileGrace)
	go func() {
		if err := reconciler.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Reconciliation worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkout, orderService, cfg.Auth.JWTSecret)
	handler.AddReadinessCheck("database", true, db.Ping)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", false, redisClient.Ping)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := inventoryWorker.Stop(); err != nil {
		logger.Warn("Error stopping inventory retry worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
