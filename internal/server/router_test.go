package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"receiptly/internal/analysis"
	"receiptly/internal/jobs"
	"receiptly/internal/logger"
	"receiptly/internal/queue"
	"receiptly/internal/services"
	"receiptly/internal/storage"
	"receiptly/internal/testutil"
	"receiptly/internal/validator"
)

const testAPIKey = "pipeline-secret"

var pngImage = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func init() {
	gin.SetMode(gin.TestMode)
	logger.Init("test")
	validator.Register()
}

// queuedJobs records dispatched receipt IDs so a test can run the worker
// step explicitly.
type queuedJobs struct {
	mu  sync.Mutex
	ids []string
}

func (q *queuedJobs) DispatchReceipt(_ context.Context, receiptID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, receiptID)
	return nil
}

func (q *queuedJobs) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.ids
	q.ids = nil
	return ids
}

type stubAnalyzer struct {
	result *analysis.Result
}

func (s *stubAnalyzer) Analyze(context.Context, []byte, string) (*analysis.Result, error) {
	return s.result, nil
}

// testApp holds the full application stack for end-to-end tests.
type testApp struct {
	DB        *gorm.DB
	Router    *gin.Engine
	Jobs      *queuedJobs
	Processor *jobs.Processor
}

func setupApp(t *testing.T, result *analysis.Result) *testApp {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.TeardownTestDB(t, db) })

	store, err := storage.NewLocalStore(t.TempDir(), "/storage")
	if err != nil {
		t.Fatalf("failed to create image store: %v", err)
	}

	queued := &queuedJobs{}
	userService := services.NewUserService(db)
	categoryService := services.NewCategoryService(db)
	summaryService := services.NewSummaryService(db)

	router := NewRouter(Services{
		Users:      userService,
		Categories: categoryService,
		Receipts:   services.NewReceiptService(db, store, queued, summaryService, categoryService),
		Summaries:  summaryService,
		Reports:    services.NewReportService(db, store),
		Audit:      services.NewAuditService(db),
	}, Options{
		PipelineAPIKey: testAPIKey,
		ImageRoot:      store.Root(),
		ImageURL:       "/storage",
	})

	return &testApp{
		DB:        db,
		Router:    router,
		Jobs:      queued,
		Processor: jobs.NewProcessor(db, store, &stubAnalyzer{result: result}, categoryService, summaryService),
	}
}

func (app *testApp) request(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

func (app *testApp) upload(t *testing.T, token string, image []byte, notes string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", "receipt.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write(image)
	if notes != "" {
		_ = w.WriteField("notes", notes)
	}
	_ = w.Close()

	req := httptest.NewRequest("POST", "/api/v1/receipts", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

// runJobs executes every dispatched job the way the worker does.
func (app *testApp) runJobs(t *testing.T) {
	t.Helper()
	for _, id := range app.Jobs.drain() {
		d := queue.Execute(context.Background(), app.Processor, queue.NewReceiptJob(id), queue.DefaultPolicy())
		if d.Action != queue.ActionAck {
			t.Fatalf("job %s: expected ack, got %s (%v)", id, d.Action, d.Err)
		}
	}
}

func parseJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return result
}

func (app *testApp) registerUser(t *testing.T, email string) string {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":"password123","first_name":"Test","last_name":"User"}`, email)
	rec := app.request("POST", "/api/v1/auth/register", body, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register failed: %d %s", rec.Code, rec.Body.String())
	}
	return parseJSON(t, rec)["token"].(string)
}

func marchResult() *analysis.Result {
	vendor := "Fresh Market"
	amount := decimal.RequireFromString("42.75")
	date := "2024-03-15"
	return &analysis.Result{
		VendorName: &vendor,
		Amount:     &amount,
		Date:       &date,
		Category:   "groceries",
		Confidence: 0.92,
	}
}

func TestHealth(t *testing.T) {
	app := setupApp(t, marchResult())

	rec := app.request("GET", "/api/health", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReceiptIngestionFlow(t *testing.T) {
	app := setupApp(t, marchResult())
	token := app.registerUser(t, "flow@example.com")

	rec := app.upload(t, token, pngImage, "weekly shop")
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	receipt := parseJSON(t, rec)["receipt"].(map[string]interface{})
	receiptID := receipt["id"].(string)
	if receipt["status"] != "pending" {
		t.Fatalf("expected pending after upload, got %v", receipt["status"])
	}
	imageURL, _ := receipt["image_url"].(string)
	if !strings.HasPrefix(imageURL, "/storage/") {
		t.Errorf("expected local image URL, got %q", imageURL)
	}

	rec = app.request("GET", "/api/v1/receipts/"+receiptID+"/status", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Cache-Control"), "no-store") {
		t.Errorf("expected no-store on status, got %q", rec.Header().Get("Cache-Control"))
	}
	if status := parseJSON(t, rec)["status"]; status != "pending" {
		t.Errorf("expected pending before the job runs, got %v", status)
	}

	app.runJobs(t)

	rec = app.request("GET", "/api/v1/receipts/"+receiptID+"/status", "", token)
	status := parseJSON(t, rec)
	if status["status"] != "processed" {
		t.Fatalf("expected processed, got %v", status["status"])
	}
	if status["vendor_name"] != "Fresh Market" || status["amount"] != "42.75" {
		t.Errorf("unexpected extracted fields %v", status)
	}
	category := status["category"].(map[string]interface{})
	if category["slug"] != "groceries" {
		t.Errorf("expected groceries, got %v", category["slug"])
	}

	rec = app.request("GET", "/api/v1/summaries/2024/3", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	summary := parseJSON(t, rec)["summary"].(map[string]interface{})
	if summary["total_amount"] != "42.75" || summary["receipt_count"] != float64(1) {
		t.Errorf("unexpected summary %v", summary)
	}

	rec = app.request("PUT", "/api/v1/receipts/"+receiptID, `{"amount":"50.00"}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = app.request("GET", "/api/v1/summaries/2024/3", "", token)
	summary = parseJSON(t, rec)["summary"].(map[string]interface{})
	if summary["total_amount"] != "50" {
		t.Errorf("expected summary to follow the edit, got %v", summary["total_amount"])
	}

	rec = app.request("DELETE", "/api/v1/receipts/"+receiptID, "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	rec = app.request("GET", "/api/v1/summaries/2024/3", "", token)
	summary = parseJSON(t, rec)["summary"].(map[string]interface{})
	if summary["receipt_count"] != float64(0) {
		t.Errorf("expected an empty month after delete, got %v", summary["receipt_count"])
	}
}

func TestUploadRejectsUnsupportedImage(t *testing.T) {
	app := setupApp(t, marchResult())
	token := app.registerUser(t, "gif@example.com")

	rec := app.upload(t, token, []byte("GIF89a\x01\x00\x01\x00"), "")

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
	if ids := app.Jobs.drain(); len(ids) != 0 {
		t.Errorf("expected no job dispatched, got %v", ids)
	}
	var count int64
	app.DB.Table("receipts").Count(&count)
	if count != 0 {
		t.Errorf("expected no receipt rows, got %d", count)
	}
}

func TestReceiptsAreScopedToOwner(t *testing.T) {
	app := setupApp(t, marchResult())
	owner := app.registerUser(t, "owner@example.com")
	other := app.registerUser(t, "other@example.com")

	rec := app.upload(t, owner, pngImage, "")
	receiptID := parseJSON(t, rec)["receipt"].(map[string]interface{})["id"].(string)

	for _, path := range []string{"/api/v1/receipts/" + receiptID, "/api/v1/receipts/" + receiptID + "/status"} {
		rec = app.request("GET", path, "", other)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404 for another user, got %d", path, rec.Code)
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	app := setupApp(t, marchResult())

	for _, path := range []string{"/api/v1/receipts", "/api/v1/dashboard", "/api/v1/categories", "/api/v1/summaries"} {
		rec := app.request("GET", path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestCategoriesAndReports(t *testing.T) {
	app := setupApp(t, marchResult())
	token := app.registerUser(t, "reports@example.com")

	rec := app.request("GET", "/api/v1/categories", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("categories: expected 200, got %d", rec.Code)
	}
	if n := len(parseJSON(t, rec)["categories"].([]interface{})); n != 8 {
		t.Errorf("expected 8 seeded categories, got %d", n)
	}

	rec = app.request("GET", "/api/v1/dashboard", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = app.request("GET", "/api/v1/reports?period=1year", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("reports: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if period := parseJSON(t, rec)["period"]; period != "1year" {
		t.Errorf("expected period 1year, got %v", period)
	}

	rec = app.request("GET", "/api/v1/reports/export", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "Date,Vendor,Category,Amount,Status,Confidence,Notes") {
		t.Errorf("unexpected CSV header: %q", rec.Body.String())
	}
}

func TestPipelineRecompute(t *testing.T) {
	app := setupApp(t, marchResult())
	app.registerUser(t, "pipeline@example.com")

	t.Run("rejects a missing key", func(t *testing.T) {
		rec := app.request("POST", "/api/v1/pipeline/summaries/recompute", "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("recomputes with a valid key", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/pipeline/summaries/recompute", strings.NewReader(`{"month":"2024-03"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", testAPIKey)
		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		result := parseJSON(t, rec)
		if result["recomputed"] != float64(1) || result["users"] != float64(1) {
			t.Errorf("unexpected result %v", result)
		}
	})
}
