package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// DefaultCategoryName and DefaultCategoryColor label receipts whose category
// could not be loaded when a summary is built.
const (
	DefaultCategoryName  = "Other"
	DefaultCategoryColor = "#64748b"
)

// BreakdownEntry is one category's share of a monthly summary.
type BreakdownEntry struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
	Color  string          `json:"color"`
}

// MonthlySummary is the derived aggregate of one user's processed receipts
// for one calendar month. Rows are replaced wholesale on every recompute.
type MonthlySummary struct {
	Base
	UserID            string                              `gorm:"type:uuid;not null;uniqueIndex:idx_monthly_summaries_user_period,priority:1" json:"user_id"`
	Year              int                                 `gorm:"not null;uniqueIndex:idx_monthly_summaries_user_period,priority:2" json:"year"`
	Month             int                                 `gorm:"not null;uniqueIndex:idx_monthly_summaries_user_period,priority:3" json:"month"`
	TotalAmount       decimal.Decimal                     `gorm:"type:decimal(12,2);not null;default:0" json:"total_amount"`
	ReceiptCount      int                                 `gorm:"not null;default:0" json:"receipt_count"`
	AveragePerReceipt decimal.Decimal                     `gorm:"type:decimal(12,2);not null;default:0" json:"average_per_receipt"`
	CategoryBreakdown datatypes.JSONSlice[BreakdownEntry] `json:"category_breakdown"`
}
