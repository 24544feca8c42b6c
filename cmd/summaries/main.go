package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"receiptly/internal/config"
	"receiptly/internal/database"
	"receiptly/internal/logger"
	"receiptly/internal/services"
)

func main() {
	logger.Init(os.Getenv("ENV"))
	defer logger.Sync()

	if err := run(); err != nil {
		logger.Get().Fatalf("Recompute error: %v", err)
	}
}

func run() error {
	userID := flag.String("user-id", "", "recompute a single user (default: all active users)")
	month := flag.String("month", "", "recompute a single month, YYYY-MM (default: the last three months)")
	concurrency := flag.Int("concurrency", services.DefaultRecomputeConcurrency, "maximum recomputes in flight")
	flag.Parse()

	periods := services.RecentPeriods(time.Now().UTC(), services.DefaultRecomputeMonths)
	if *month != "" {
		p, err := services.ParsePeriod(*month)
		if err != nil {
			return fmt.Errorf("invalid -month %q: %w", *month, err)
		}
		periods = []services.Period{p}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dbManager, err := database.NewManager(database.NewConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create database manager: %w", err)
	}
	defer dbManager.Close()
	db := dbManager.DB()

	userIDs := []string{*userID}
	if *userID == "" {
		userIDs, err = services.NewUserService(db).ListUserIDs()
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done, err := services.NewSummaryService(db).RecomputeBatch(ctx, userIDs, periods, *concurrency)
	logger.Get().Infow("Monthly summaries recomputed",
		"users", len(userIDs),
		"periods", len(periods),
		"recomputed", done,
		"failed", len(userIDs)*len(periods)-done,
	)
	return err
}
