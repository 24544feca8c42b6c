// Package poller waits for an uploaded receipt to finish analysis by polling
// its status at a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"receiptly/internal/client"
)

// Client-side polling contract: one status request per second, at most 30
// requests. The ingestion job budget is tuned to finish well inside it.
const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 30
)

// ErrTimeout is returned when the receipt is still not terminal after the
// last attempt.
var ErrTimeout = errors.New("poller: receipt did not finish processing in time")

// StatusFetcher reads a receipt's current status.
type StatusFetcher interface {
	GetStatus(ctx context.Context, receiptID string) (*client.Status, error)
}

// Poller repeatedly fetches a receipt's status until it is processed or
// failed.
type Poller struct {
	fetcher     StatusFetcher
	Interval    time.Duration
	MaxAttempts int
	// OnAttempt, if set, is called after every successful fetch.
	OnAttempt func(attempt int, status *client.Status)
}

// New creates a Poller with the default interval and attempt cap.
func New(fetcher StatusFetcher) *Poller {
	return &Poller{
		fetcher:     fetcher,
		Interval:    DefaultInterval,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Wait polls until the receipt reaches a terminal status, the attempts run
// out, or ctx is done. The first request is sent one interval after the call.
// Temporary API errors count as an attempt and polling continues; any other
// error stops it. On ErrTimeout the last status seen is returned with it.
func (p *Poller) Wait(ctx context.Context, receiptID string) (*client.Status, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *client.Status
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}

		status, err := p.fetcher.GetStatus(ctx, receiptID)
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Temporary() {
				continue
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("poller: attempt %d: %w", attempt, err)
		}

		last = status
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, status)
		}
		if status.IsTerminal() {
			return status, nil
		}
	}
	return last, ErrTimeout
}
