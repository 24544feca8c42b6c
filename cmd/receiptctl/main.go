// Command receiptctl uploads a receipt image and waits for its analysis,
// the same way the web client does: one status request per second for at
// most thirty seconds.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"receiptly/internal/client"
	"receiptly/internal/logger"
	"receiptly/internal/poller"
)

func main() {
	logger.Init(os.Getenv("ENV"))
	defer logger.Sync()

	if err := run(); err != nil {
		logger.Get().Fatalf("receiptctl: %v", err)
	}
}

func run() error {
	baseURL := flag.String("api", envOr("RECEIPTLY_API_URL", "http://localhost:8080/api/v1"), "API base URL")
	token := flag.String("token", os.Getenv("RECEIPTLY_TOKEN"), "bearer token (skips login)")
	email := flag.String("email", os.Getenv("RECEIPTLY_EMAIL"), "login email")
	password := flag.String("password", os.Getenv("RECEIPTLY_PASSWORD"), "login password")
	file := flag.String("file", "", "receipt image to upload (jpeg, png, heic or webp)")
	notes := flag.String("notes", "", "optional notes, at most 1000 characters")
	flag.Parse()

	if *file == "" {
		return errors.New("-file is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.NewReceiptlyClient(*baseURL, *token, &http.Client{Timeout: 30 * time.Second})
	if *token == "" {
		if *email == "" || *password == "" {
			return errors.New("either -token or both -email and -password are required")
		}
		if _, err := api.Login(ctx, *email, *password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	receipt, err := api.Upload(ctx, filepath.Base(*file), f, *notes)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	fmt.Printf("Uploaded receipt %s (%s)\n", receipt.ID, receipt.Status)

	p := poller.New(api)
	p.OnAttempt = func(attempt int, status *client.Status) {
		fmt.Printf("  [%02d/%d] %s\n", attempt, p.MaxAttempts, status.Status)
	}

	status, err := p.Wait(ctx, receipt.ID)
	if errors.Is(err, poller.ErrTimeout) {
		fmt.Println("Still processing. Check the receipt again later.")
		return nil
	}
	if err != nil {
		return err
	}

	if status.Status == client.StatusFailed {
		fmt.Println("Analysis failed. Edit the receipt by hand or reprocess it.")
		return nil
	}
	printStatus(status)
	return nil
}

func printStatus(s *client.Status) {
	fmt.Println("Analysis complete")
	if s.VendorName != nil {
		fmt.Printf("  vendor:     %s\n", *s.VendorName)
	}
	if s.Amount != nil {
		fmt.Printf("  amount:     %s\n", s.Amount.StringFixed(2))
	}
	if s.ReceiptDate != nil {
		fmt.Printf("  date:       %s\n", s.ReceiptDate.Format(time.DateOnly))
	}
	if s.Category != nil {
		fmt.Printf("  category:   %s\n", s.Category.Name)
	}
	if s.ConfidenceScore != nil {
		fmt.Printf("  confidence: %s\n", s.ConfidenceScore.StringFixed(2))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
