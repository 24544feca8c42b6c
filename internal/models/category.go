package models

// Slugs of the fixed receipt category taxonomy.
const (
	CategorySlugRestaurant    = "restaurant"
	CategorySlugGroceries     = "groceries"
	CategorySlugTransport     = "transport"
	CategorySlugShopping      = "shopping"
	CategorySlugEntertainment = "entertainment"
	CategorySlugHealthcare    = "healthcare"
	CategorySlugUtilities     = "utilities"
	CategorySlugOther         = "other"
)

// CategorySlugs lists every slug of the taxonomy in display order.
var CategorySlugs = []string{
	CategorySlugRestaurant,
	CategorySlugGroceries,
	CategorySlugTransport,
	CategorySlugShopping,
	CategorySlugEntertainment,
	CategorySlugHealthcare,
	CategorySlugUtilities,
	CategorySlugOther,
}

// IsCategorySlug reports whether s belongs to the fixed taxonomy.
func IsCategorySlug(s string) bool {
	for _, slug := range CategorySlugs {
		if slug == s {
			return true
		}
	}
	return false
}

// Category is a shared receipt classification. Inactive categories are kept
// for receipts that already reference them but are not offered for selection.
type Category struct {
	Base
	Name        string `gorm:"size:100;not null" json:"name"`
	Slug        string `gorm:"size:50;uniqueIndex;not null" json:"slug"`
	Color       string `gorm:"size:7;not null;default:'#64748b'" json:"color"`
	Icon        string `gorm:"size:50" json:"icon"`
	Description string `json:"description"`
	IsActive    bool   `gorm:"not null;default:true" json:"is_active"`
}
