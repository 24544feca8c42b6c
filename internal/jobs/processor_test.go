package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"receiptly/internal/analysis"
	apperrors "receiptly/internal/errors"
	"receiptly/internal/models"
	"receiptly/internal/queue"
	"receiptly/internal/services"
	"receiptly/internal/storage"
	"receiptly/internal/testutil"
)

var jpegHeader = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")

type mockAnalyzer struct {
	AnalyzeFn func(ctx context.Context, image []byte, mimeType string) (*analysis.Result, error)
	calls     int
}

func (m *mockAnalyzer) Analyze(ctx context.Context, image []byte, mimeType string) (*analysis.Result, error) {
	m.calls++
	return m.AnalyzeFn(ctx, image, mimeType)
}

func ptr[T any](v T) *T { return &v }

type fixture struct {
	db       *gorm.DB
	store    *storage.LocalStore
	analyzer *mockAnalyzer
	proc     *Processor
	user     *models.User
}

func newFixture(t *testing.T, result *analysis.Result, err error) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.TeardownTestDB(t, db) })

	store, sErr := storage.NewLocalStore(t.TempDir(), "/storage")
	testutil.AssertNoError(t, sErr)

	analyzer := &mockAnalyzer{AnalyzeFn: func(context.Context, []byte, string) (*analysis.Result, error) {
		return result, err
	}}
	proc := NewProcessor(db, store, analyzer, services.NewCategoryService(db), services.NewSummaryService(db))
	proc.now = func() time.Time { return time.Date(2024, time.June, 5, 10, 0, 0, 0, time.UTC) }

	return &fixture{db: db, store: store, analyzer: analyzer, proc: proc, user: testutil.CreateTestUser(t, db)}
}

// pendingReceipt creates a pending receipt with its image in the store.
func (f *fixture) pendingReceipt(t *testing.T) *models.Receipt {
	t.Helper()
	receipt := testutil.CreateTestReceipt(t, f.db, f.user.ID)
	err := f.store.Put(context.Background(), receipt.ImagePath, bytes.NewReader(jpegHeader), int64(len(jpegHeader)), "image/jpeg")
	testutil.AssertNoError(t, err)
	return receipt
}

func (f *fixture) reload(t *testing.T, id string) *models.Receipt {
	t.Helper()
	var receipt models.Receipt
	testutil.AssertNoError(t, f.db.First(&receipt, "id = ?", id).Error)
	return &receipt
}

func TestHandle_success(t *testing.T) {
	amount := decimal.RequireFromString("23.45")
	f := newFixture(t, nil, nil)
	receipt := f.pendingReceipt(t)

	var gotMime string
	f.analyzer.AnalyzeFn = func(_ context.Context, image []byte, mimeType string) (*analysis.Result, error) {
		gotMime = mimeType
		return &analysis.Result{
			VendorName: ptr("Trader Joe's Market"),
			Amount:     &amount,
			Date:       ptr("2024-05-30"),
			Confidence: 0.87,
			Raw:        `{"vendor_name":"Trader Joe's Market"}`,
		}, nil
	}

	res := f.proc.Handle(context.Background(), queue.NewReceiptJob(receipt.ID))
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %s: %v", res.Outcome, res.Err)
	}
	if gotMime != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %s", gotMime)
	}

	got := f.reload(t, receipt.ID)
	if got.Status != models.ReceiptStatusProcessed {
		t.Errorf("expected processed, got %s", got.Status)
	}
	if got.VendorName == nil || *got.VendorName != "Trader Joe's Market" {
		t.Errorf("unexpected vendor %v", got.VendorName)
	}
	if !got.Amount.Valid || !got.Amount.Decimal.Equal(amount) {
		t.Errorf("expected amount 23.45, got %v", got.Amount)
	}
	if got.ReceiptDate == nil || got.ReceiptDate.Format("2006-01-02") != "2024-05-30" {
		t.Errorf("unexpected date %v", got.ReceiptDate)
	}
	groceries := testutil.GetCategory(t, f.db, models.CategorySlugGroceries)
	if got.CategoryID == nil || *got.CategoryID != groceries.ID {
		t.Errorf("expected groceries from the vendor keyword, got %v", got.CategoryID)
	}
	if !got.ConfidenceScore.Valid || !got.ConfidenceScore.Decimal.Equal(decimal.RequireFromString("0.87")) {
		t.Errorf("unexpected confidence %v", got.ConfidenceScore)
	}
	if got.ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}
	if got.RawAIResponse == nil || *got.RawAIResponse == "" {
		t.Error("expected the raw reply to be kept")
	}
	if len(got.AIAnalysis) == 0 {
		t.Error("expected ai_analysis to be stored")
	}

	var summary models.MonthlySummary
	testutil.AssertNoError(t, f.db.Where("user_id = ? AND year = ? AND month = ?", f.user.ID, 2024, 5).First(&summary).Error)
	if summary.ReceiptCount != 1 || !summary.TotalAmount.Equal(amount) {
		t.Errorf("expected May summary for the receipt, got %+v", summary)
	}
}

func TestHandle_with_analysis_client(t *testing.T) {
	reply := `{"vendor_name":"Shell Gas Station","amount":"40.00","date":"2024-05-02","category":null,"confidence":0.9,"items":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": reply}}},
			}},
		})
	}))
	defer srv.Close()

	client, err := analysis.NewClient(analysis.Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "gemini-test",
		Timeout: 5 * time.Second,
	}, srv.Client())
	testutil.AssertNoError(t, err)

	f := newFixture(t, nil, nil)
	f.proc.analyzer = client
	receipt := f.pendingReceipt(t)

	res := f.proc.Handle(context.Background(), queue.NewReceiptJob(receipt.ID))
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %s: %v", res.Outcome, res.Err)
	}

	got := f.reload(t, receipt.ID)
	if got.Status != models.ReceiptStatusProcessed {
		t.Errorf("expected processed, got %s", got.Status)
	}
	if !got.Amount.Valid || !got.Amount.Decimal.Equal(decimal.RequireFromString("40.00")) {
		t.Errorf("expected amount 40.00, got %v", got.Amount)
	}
	// A null category comes back from the client as "other", which leaves
	// the choice to the vendor keywords.
	transport := testutil.GetCategory(t, f.db, models.CategorySlugTransport)
	if got.CategoryID == nil || *got.CategoryID != transport.ID {
		t.Errorf("expected transport from the vendor keyword, got %v", got.CategoryID)
	}
}

func TestHandle_fallback_result(t *testing.T) {
	f := newFixture(t, &analysis.Result{
		VendorName: ptr(analysis.FallbackVendorName),
		Category:   models.CategorySlugOther,
		Confidence: analysis.FallbackConfidence,
		Fallback:   true,
		Raw:        "sorry, I cannot read this",
	}, nil)
	receipt := f.pendingReceipt(t)

	res := f.proc.Handle(context.Background(), queue.NewReceiptJob(receipt.ID))
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %s: %v", res.Outcome, res.Err)
	}

	got := f.reload(t, receipt.ID)
	if got.Status != models.ReceiptStatusProcessed {
		t.Errorf("expected processed, got %s", got.Status)
	}
	if got.Amount.Valid {
		t.Errorf("expected no amount, got %s", got.Amount.Decimal)
	}
	if got.ReceiptDate == nil || got.ReceiptDate.Format("2006-01-02") != "2024-06-05" {
		t.Errorf("expected date to fall back to today, got %v", got.ReceiptDate)
	}
	other := testutil.GetCategory(t, f.db, models.CategorySlugOther)
	if got.CategoryID == nil || *got.CategoryID != other.ID {
		t.Errorf("expected other category, got %v", got.CategoryID)
	}
}

func TestHandle_missing_image(t *testing.T) {
	f := newFixture(t, &analysis.Result{}, nil)
	receipt := testutil.CreateTestReceipt(t, f.db, f.user.ID)

	res := f.proc.Handle(context.Background(), queue.NewReceiptJob(receipt.ID))
	if res.Outcome != queue.OutcomeFail {
		t.Fatalf("expected fail, got %s", res.Outcome)
	}
	testutil.AssertAppError(t, res.Err, "IMAGE_MISSING")
	if f.analyzer.calls != 0 {
		t.Error("analyzer should not be called without an image")
	}
	if got := f.reload(t, receipt.ID); got.Status != models.ReceiptStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestHandle_upstream_error(t *testing.T) {
	upstream := apperrors.Wrap(apperrors.ErrUpstream, &analysis.StatusError{StatusCode: 503, Body: "overloaded"})
	f := newFixture(t, nil, upstream)
	receipt := f.pendingReceipt(t)

	res := f.proc.Handle(context.Background(), queue.NewReceiptJob(receipt.ID))
	if res.Outcome != queue.OutcomeRetry {
		t.Fatalf("expected retry, got %s", res.Outcome)
	}
	testutil.AssertAppError(t, res.Err, "AI_UPSTREAM_ERROR")

	got := f.reload(t, receipt.ID)
	if got.Status != models.ReceiptStatusFailed {
		t.Errorf("expected failed between attempts, got %s", got.Status)
	}
	if got.Amount.Valid || got.CategoryID != nil {
		t.Error("no AI-derived fields should be written on failure")
	}
}

func TestHandle_receipt_not_found(t *testing.T) {
	f := newFixture(t, &analysis.Result{}, nil)

	res := f.proc.Handle(context.Background(), queue.NewReceiptJob("0190c5b2-7a3e-7000-8000-000000000000"))
	if res.Outcome != queue.OutcomeFail {
		t.Fatalf("expected fail, got %s", res.Outcome)
	}
	testutil.AssertAppError(t, res.Err, "RECEIPT_NOT_FOUND")
}

func TestFailed(t *testing.T) {
	f := newFixture(t, &analysis.Result{}, nil)
	stuck := testutil.CreateReceiptWithStatus(t, f.db, f.user.ID, models.ReceiptStatusProcessing)
	done := testutil.CreateProcessedReceipt(t, f.db, f.user.ID, "Cafe", "3.00", time.Now(), models.CategorySlugRestaurant)

	for i := 0; i < 2; i++ {
		f.proc.Failed(context.Background(), &queue.ReceiptJob{ReceiptID: stuck.ID, Attempt: 3}, fmt.Errorf("boom"))
	}
	f.proc.Failed(context.Background(), &queue.ReceiptJob{ReceiptID: done.ID, Attempt: 3}, fmt.Errorf("boom"))

	if got := f.reload(t, stuck.ID); got.Status != models.ReceiptStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got := f.reload(t, done.ID); got.Status != models.ReceiptStatusProcessed {
		t.Errorf("expected processed receipt untouched, got %s", got.Status)
	}
}

func TestExecute_with_processor(t *testing.T) {
	policy := queue.Policy{MaxAttempts: 3, Timeout: time.Second}

	t.Run("missing_image_dead_letters_first_attempt", func(t *testing.T) {
		f := newFixture(t, &analysis.Result{}, nil)
		receipt := testutil.CreateTestReceipt(t, f.db, f.user.ID)

		d := queue.Execute(context.Background(), f.proc, queue.NewReceiptJob(receipt.ID), policy)
		if d.Action != queue.ActionDeadLetter {
			t.Fatalf("expected dead letter, got %s", d.Action)
		}
		if got := f.reload(t, receipt.ID); got.Status != models.ReceiptStatusFailed {
			t.Errorf("expected failed, got %s", got.Status)
		}
	})

	t.Run("upstream_error_retries_until_last_attempt", func(t *testing.T) {
		f := newFixture(t, nil, apperrors.ErrUpstream)
		receipt := f.pendingReceipt(t)
		job := queue.NewReceiptJob(receipt.ID)

		for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
			d := queue.Execute(context.Background(), f.proc, job, policy)
			if d.Action != queue.ActionRetry {
				t.Fatalf("attempt %d: expected retry, got %s", attempt, d.Action)
			}
			job = job.Next()
		}
		d := queue.Execute(context.Background(), f.proc, job, policy)
		if d.Action != queue.ActionDeadLetter {
			t.Fatalf("expected dead letter on the last attempt, got %s", d.Action)
		}
		if f.analyzer.calls != policy.MaxAttempts {
			t.Errorf("expected %d analyzer calls, got %d", policy.MaxAttempts, f.analyzer.calls)
		}
		if got := f.reload(t, receipt.ID); got.Status != models.ReceiptStatusFailed {
			t.Errorf("expected failed, got %s", got.Status)
		}
	})
}

func TestReceiptDate(t *testing.T) {
	now := time.Date(2024, time.June, 5, 23, 59, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   *string
		want string
	}{
		{"valid", ptr("2023-12-31"), "2023-12-31"},
		{"nil", nil, "2024-06-05"},
		{"garbage", ptr("yesterday"), "2024-06-05"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := receiptDate(tt.in, now).Format("2006-01-02"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
