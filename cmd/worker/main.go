package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"receiptly/internal/analysis"
	"receiptly/internal/config"
	"receiptly/internal/database"
	"receiptly/internal/jobs"
	"receiptly/internal/logger"
	"receiptly/internal/queue"
	"receiptly/internal/services"
	"receiptly/internal/storage"
)

const (
	// sweepInterval is how often abandoned processing receipts are looked for.
	sweepInterval = time.Minute
	// sweepMargin is added to the worst-case job lifetime before a receipt
	// still marked processing is considered abandoned.
	sweepMargin = 5 * time.Minute
)

func main() {
	logger.Init(os.Getenv("ENV"))
	defer logger.Sync()

	if err := run(); err != nil {
		logger.Get().Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	log := logger.Get()

	appConfig, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	dbManager, err := database.NewManager(database.NewConfig(appConfig))
	if err != nil {
		return fmt.Errorf("failed to create database manager: %w", err)
	}
	defer dbManager.Close()
	db := dbManager.DB()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, storage.ConfigFrom(appConfig))
	if err != nil {
		return fmt.Errorf("failed to create image store: %w", err)
	}

	analyzer, err := analysis.NewClient(analysis.Config{
		APIKey:  appConfig.GeminiAPIKey,
		BaseURL: appConfig.GeminiBaseURL,
		Model:   appConfig.GeminiModel,
		Timeout: appConfig.GeminiTimeout,
	}, nil)
	if err != nil {
		return err
	}

	queueClient, err := queue.NewClient(appConfig.AMQPURL, appConfig.AMQPExchange, appConfig.AMQPQueue)
	if err != nil {
		return fmt.Errorf("failed to connect to queue: %w", err)
	}
	defer queueClient.Close()

	categoryService := services.NewCategoryService(db)
	summaryService := services.NewSummaryService(db)
	receiptService := services.NewReceiptService(db, store, queueClient, summaryService, categoryService)
	processor := jobs.NewProcessor(db, store, analyzer, categoryService, summaryService)

	policy := queue.Policy{MaxAttempts: appConfig.JobMaxAttempts, Timeout: appConfig.JobTimeout}
	staleAfter := time.Duration(policy.MaxAttempts)*policy.Timeout + sweepMargin

	log.Infow("Starting receipt worker",
		"queue", appConfig.AMQPQueue,
		"concurrency", appConfig.WorkerConcurrency,
		"max_attempts", policy.MaxAttempts,
		"timeout", policy.Timeout.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queueClient.Consume(gctx, processor, policy, appConfig.WorkerConcurrency)
	})
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				n, err := receiptService.FailStaleProcessing(time.Now().UTC().Add(-staleAfter))
				if err != nil {
					log.Errorw("failed to sweep stale receipts", "error", err)
					continue
				}
				if n > 0 {
					log.Warnw("marked abandoned receipts as failed", "count", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Receipt worker stopped")
	return nil
}
