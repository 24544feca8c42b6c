package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"receiptly/internal/config"
	"receiptly/internal/database"
	"receiptly/internal/logger"
	"receiptly/internal/queue"
	"receiptly/internal/server"
	"receiptly/internal/services"
	"receiptly/internal/storage"
	"receiptly/internal/validator"

	_ "receiptly/internal/docs" // Import swagger docs
)

// @title           Receiptly API
// @version         1.0
// @description     Receiptly turns photographed receipts into categorised expenses and monthly spending summaries.
// @termsOfService  http://swagger.io/terms/

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

const shutdownTimeout = 15 * time.Second

func main() {
	// Initialize logger (use ENV var if available, default to development)
	logger.Init(os.Getenv("ENV"))
	defer logger.Sync()

	if err := run(); err != nil {
		logger.Get().Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	log := logger.Get()

	// Load configuration
	appConfig, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if appConfig.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	validator.Register()

	// Create database manager
	dbManager, err := database.NewManager(database.NewConfig(appConfig))
	if err != nil {
		return fmt.Errorf("failed to create database manager: %w", err)
	}
	defer dbManager.Close()

	// Run migrations
	if err := dbManager.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	db := dbManager.DB()
	if err := database.SeedCategories(db); err != nil {
		return fmt.Errorf("failed to seed categories: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, storage.ConfigFrom(appConfig))
	if err != nil {
		return fmt.Errorf("failed to create image store: %w", err)
	}

	queueClient, err := queue.NewClient(appConfig.AMQPURL, appConfig.AMQPExchange, appConfig.AMQPQueue)
	if err != nil {
		return fmt.Errorf("failed to connect to queue: %w", err)
	}
	defer queueClient.Close()

	// Initialize services
	userService := services.NewUserService(db)
	categoryService := services.NewCategoryService(db)
	summaryService := services.NewSummaryService(db)
	receiptService := services.NewReceiptService(db, store, queueClient, summaryService, categoryService)

	opts := server.Options{
		PipelineAPIKey: appConfig.PipelineAPIKey,
		Swagger:        appConfig.Env != "production",
		RequestLogging: true,
	}
	if strings.EqualFold(appConfig.StorageDriver, "local") && strings.HasPrefix(appConfig.StoragePublicURL, "/") {
		opts.ImageRoot = appConfig.StorageRoot
		opts.ImageURL = appConfig.StoragePublicURL
	}

	router := server.NewRouter(server.Services{
		Users:      userService,
		Categories: categoryService,
		Receipts:   receiptService,
		Summaries:  summaryService,
		Reports:    services.NewReportService(db, store),
		Audit:      services.NewAuditService(db),
	}, opts)

	srv := &http.Server{
		Addr:              ":" + appConfig.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting Receiptly API server on port %s", appConfig.Port)
		log.Infof("Swagger documentation available at http://localhost:%s/swagger/index.html", appConfig.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
