package services

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"receiptly/internal/models"
	"receiptly/internal/pagination"
)

// UserServicer defines the contract for user-related business logic.
type UserServicer interface {
	CreateUser(email, password, firstName, lastName string) (*models.User, error)
	GetUserByEmail(email string) (*models.User, error)
	GetUserByID(id string) (*models.User, error)
	VerifyPassword(user *models.User, password string) bool
	AttemptLogin(email, password string) (*models.User, error)
	ListUserIDs() ([]string, error)
}

// CategoryServicer defines the contract for the shared receipt taxonomy.
type CategoryServicer interface {
	ListActive() ([]models.Category, error)
	GetByID(id string) (*models.Category, error)
	GetBySlug(slug string) (*models.Category, error)
	Resolve(aiSlug string, vendorName *string) (*models.Category, error)
}

// JobDispatcher enqueues the ingestion job for a receipt.
type JobDispatcher interface {
	DispatchReceipt(ctx context.Context, receiptID string) error
}

// UploadInput is a receipt image received at the upload boundary.
type UploadInput struct {
	Filename string
	Image    []byte
	Notes    *string
}

// ReceiptFilter holds optional filter parameters for listing receipts.
type ReceiptFilter struct {
	CategorySlug string
	Status       *models.ReceiptStatus
	Search       string
}

// ReceiptUpdate carries a manual edit. Nil fields are left unchanged.
type ReceiptUpdate struct {
	VendorName  *string
	Amount      *decimal.Decimal
	ReceiptDate *time.Time
	CategoryID  *string
	Notes       *string
}

// ReceiptStatusView is the polling payload. Extracted fields are only set
// once the receipt is processed.
type ReceiptStatusView struct {
	ID              string               `json:"id"`
	Status          models.ReceiptStatus `json:"status"`
	VendorName      *string              `json:"vendor_name,omitempty"`
	Amount          *decimal.Decimal     `json:"amount,omitempty"`
	ReceiptDate     *time.Time           `json:"receipt_date,omitempty"`
	Category        *models.Category     `json:"category,omitempty"`
	ConfidenceScore *decimal.Decimal     `json:"confidence_score,omitempty"`
	ProcessedAt     *time.Time           `json:"processed_at,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// ReceiptServicer defines the contract for receipt-related business logic.
type ReceiptServicer interface {
	Upload(ctx context.Context, userID string, in UploadInput) (*models.Receipt, error)
	List(userID string, filter ReceiptFilter, page pagination.PageRequest) (*pagination.PageResponse[models.Receipt], error)
	Get(userID, receiptID string) (*models.Receipt, error)
	GetStatus(userID, receiptID string) (*ReceiptStatusView, error)
	Update(userID, receiptID string, update ReceiptUpdate) (*models.Receipt, error)
	Delete(ctx context.Context, userID, receiptID string) error
	Reprocess(ctx context.Context, userID, receiptID string) (*models.Receipt, error)
	FailStaleProcessing(olderThan time.Time) (int64, error)
}

// Period is one calendar month.
type Period struct {
	Year  int
	Month time.Month
}

// SummaryServicer defines the contract for monthly summary aggregation.
type SummaryServicer interface {
	Recompute(userID string, year int, month time.Month) (*models.MonthlySummary, error)
	RecomputeBatch(ctx context.Context, userIDs []string, periods []Period, concurrency int) (int, error)
	Get(userID string, year int, month time.Month) (*models.MonthlySummary, error)
	List(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.MonthlySummary], error)
}

// ReportServicer defines the contract for dashboards, reports and exports.
type ReportServicer interface {
	Dashboard(userID string, now time.Time) (*Dashboard, error)
	Report(userID string, period ReportPeriod, now time.Time) (*Report, error)
	ExportCSV(userID string, period ReportPeriod, now time.Time, w io.Writer) error
}

// AuditServicer defines the contract for audit logging.
type AuditServicer interface {
	Log(userID, action, resourceType, resourceID, ipAddress string, changes map[string]any)
}
