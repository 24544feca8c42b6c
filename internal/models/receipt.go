package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ReceiptStatus is the lifecycle state of a receipt's analysis.
type ReceiptStatus string

const (
	ReceiptStatusPending    ReceiptStatus = "pending"
	ReceiptStatusProcessing ReceiptStatus = "processing"
	ReceiptStatusProcessed  ReceiptStatus = "processed"
	ReceiptStatusFailed     ReceiptStatus = "failed"
)

// IsTerminal reports whether no further processing is expected in this state.
func (s ReceiptStatus) IsTerminal() bool {
	return s == ReceiptStatusProcessed || s == ReceiptStatusFailed
}

// IsValid reports whether s is a known receipt status.
func (s ReceiptStatus) IsValid() bool {
	switch s {
	case ReceiptStatusPending, ReceiptStatusProcessing, ReceiptStatusProcessed, ReceiptStatusFailed:
		return true
	}
	return false
}

// PlaceholderImageURL is returned when a receipt has no resolvable image.
const PlaceholderImageURL = "/placeholder.svg?height=200&width=200"

// Receipt is a single uploaded expense document and its extracted fields.
//
// Amount, ReceiptDate, CategoryID, ConfidenceScore and AIAnalysis are written
// only by the ingestion job on the processing -> processed transition, or by
// a manual edit afterwards, and cleared again by a reprocess. ImagePath never
// changes after creation.
type Receipt struct {
	Base
	UserID           string              `gorm:"type:uuid;not null;index:idx_receipts_user_status,priority:1;index:idx_receipts_user_date,priority:1;index:idx_receipts_user_category,priority:1" json:"user_id"`
	CategoryID       *string             `gorm:"type:uuid;index:idx_receipts_user_category,priority:2" json:"category_id"`
	VendorName       *string             `gorm:"size:255" json:"vendor_name"`
	Amount           decimal.NullDecimal `gorm:"type:decimal(10,2)" json:"amount"`
	ReceiptDate      *time.Time          `gorm:"type:date;index:idx_receipts_user_date,priority:2" json:"receipt_date"`
	ImagePath        string              `gorm:"not null" json:"image_path"`
	ImageURLOverride *string             `gorm:"column:image_url" json:"-"`
	ImageURL         string              `gorm:"-" json:"image_url"`
	Status           ReceiptStatus       `gorm:"size:20;not null;default:'pending';index:idx_receipts_user_status,priority:2" json:"status"`
	AIAnalysis       datatypes.JSON      `gorm:"column:ai_analysis" json:"ai_analysis"`
	RawAIResponse    *string             `gorm:"column:raw_ai_response;type:text" json:"-"`
	ConfidenceScore  decimal.NullDecimal `gorm:"type:decimal(3,2)" json:"confidence_score"`
	Notes            *string             `gorm:"size:1000" json:"notes"`
	ProcessedAt      *time.Time          `json:"processed_at"`

	// Relationships
	User     *User     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Category *Category `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
}

// ResolveImageURL fills ImageURL from the stored override, then the public
// URL of ImagePath, then the placeholder.
func (r *Receipt) ResolveImageURL(publicURL func(key string) string) {
	switch {
	case r.ImageURLOverride != nil && *r.ImageURLOverride != "":
		r.ImageURL = *r.ImageURLOverride
	case r.ImagePath != "" && publicURL != nil:
		r.ImageURL = publicURL(r.ImagePath)
	default:
		r.ImageURL = PlaceholderImageURL
	}
}

// SummaryPeriod returns the (year, month) the receipt counts towards. A
// receipt without a date belongs to the month of now.
func (r *Receipt) SummaryPeriod(now time.Time) (int, time.Month) {
	if r.ReceiptDate != nil {
		return r.ReceiptDate.Year(), r.ReceiptDate.Month()
	}
	return now.Year(), now.Month()
}
