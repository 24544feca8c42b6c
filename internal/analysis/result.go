package analysis

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// MaxItems is the number of line items kept from a reply.
const MaxItems = 20

// MaxVendorNameLength is the vendor_name column width, in characters.
const MaxVendorNameLength = 255

// MaxAmount is the largest amount a receipt accepts. Larger values are
// dropped rather than stored.
var MaxAmount = decimal.RequireFromString("999999.99")

// Fallback values used when the model reply cannot be parsed.
const (
	FallbackVendorName = "Unknown Vendor"
	FallbackConfidence = 0.1
	DefaultConfidence  = 0.5
)

// Item is one receipt line. Name and Quantity are passed through as the
// model produced them and may be nil.
type Item struct {
	Name     any              `json:"name"`
	Price    *decimal.Decimal `json:"price"`
	Quantity any              `json:"quantity"`
}

// Result is a structurally valid extraction. Every field has already been
// coerced independently, so one bad field never discards the others.
type Result struct {
	VendorName *string          `json:"vendor_name"`
	Amount     *decimal.Decimal `json:"amount"`
	Date       *string          `json:"date"`
	Category   string           `json:"category"`
	Confidence float64          `json:"confidence"`
	Items      []Item           `json:"items"`

	// Raw is the model text before cleanup.
	Raw string `json:"-"`
	// Fallback is set when Raw was not parseable JSON.
	Fallback bool `json:"-"`
}

// JSON returns the blob stored as the receipt's ai_analysis.
func (r *Result) JSON() ([]byte, error) {
	out := *r
	if out.Items == nil {
		out.Items = []Item{}
	}
	return json.Marshal(out)
}
