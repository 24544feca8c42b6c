package poller

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"receiptly/internal/client"
)

type scriptedFetcher struct {
	replies []reply
	calls   int
}

type reply struct {
	status string
	err    error
}

func (f *scriptedFetcher) GetStatus(_ context.Context, receiptID string) (*client.Status, error) {
	r := f.replies[len(f.replies)-1]
	if f.calls < len(f.replies) {
		r = f.replies[f.calls]
	}
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &client.Status{ID: receiptID, Status: r.status}, nil
}

func fastPoller(f StatusFetcher, attempts int) *Poller {
	p := New(f)
	p.Interval = time.Millisecond
	p.MaxAttempts = attempts
	return p
}

func TestNew_Defaults(t *testing.T) {
	p := New(&scriptedFetcher{})
	if p.Interval != time.Second {
		t.Errorf("expected 1s interval, got %s", p.Interval)
	}
	if p.MaxAttempts != 30 {
		t.Errorf("expected 30 attempts, got %d", p.MaxAttempts)
	}
}

func TestWait(t *testing.T) {
	t.Run("stops at processed", func(t *testing.T) {
		f := &scriptedFetcher{replies: []reply{{status: "pending"}, {status: "processing"}, {status: "processed"}}}
		var seen []string
		p := fastPoller(f, 30)
		p.OnAttempt = func(_ int, s *client.Status) { seen = append(seen, s.Status) }

		status, err := p.Wait(context.Background(), "r-1")

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status.Status != "processed" || f.calls != 3 {
			t.Errorf("expected processed after 3 calls, got %s after %d", status.Status, f.calls)
		}
		if len(seen) != 3 {
			t.Errorf("expected 3 callbacks, got %v", seen)
		}
	})

	t.Run("stops at failed", func(t *testing.T) {
		f := &scriptedFetcher{replies: []reply{{status: "processing"}, {status: "failed"}}}

		status, err := fastPoller(f, 30).Wait(context.Background(), "r-1")

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status.Status != "failed" || f.calls != 2 {
			t.Errorf("expected failed after 2 calls, got %s after %d", status.Status, f.calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		f := &scriptedFetcher{replies: []reply{{status: "processing"}}}

		status, err := fastPoller(f, 5).Wait(context.Background(), "r-1")

		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
		if f.calls != 5 {
			t.Errorf("expected exactly 5 requests, got %d", f.calls)
		}
		if status == nil || status.Status != "processing" {
			t.Errorf("expected last status processing, got %+v", status)
		}
	})

	t.Run("keeps polling through temporary errors", func(t *testing.T) {
		f := &scriptedFetcher{replies: []reply{
			{err: &client.APIError{StatusCode: http.StatusBadGateway}},
			{err: &client.APIError{StatusCode: http.StatusServiceUnavailable}},
			{status: "processed"},
		}}

		status, err := fastPoller(f, 30).Wait(context.Background(), "r-1")

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status.Status != "processed" {
			t.Errorf("expected processed, got %s", status.Status)
		}
	})

	t.Run("stops on not found", func(t *testing.T) {
		f := &scriptedFetcher{replies: []reply{{err: &client.APIError{StatusCode: http.StatusNotFound, Code: "RECEIPT_NOT_FOUND"}}}}

		_, err := fastPoller(f, 30).Wait(context.Background(), "r-1")

		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 APIError, got %v", err)
		}
		if f.calls != 1 {
			t.Errorf("expected a single request, got %d", f.calls)
		}
	})

	t.Run("honours cancellation", func(t *testing.T) {
		f := &scriptedFetcher{replies: []reply{{status: "processing"}}}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		p := New(f)
		p.Interval = time.Hour
		_, err := p.Wait(ctx, "r-1")

		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if f.calls != 0 {
			t.Errorf("expected no requests, got %d", f.calls)
		}
	})
}
