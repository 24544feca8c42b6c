package database

import (
	"fmt"

	"receiptly/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultCategories is the fixed receipt taxonomy installed at deployment.
func DefaultCategories() []models.Category {
	return []models.Category{
		{Name: "Restaurant", Slug: models.CategorySlugRestaurant, Color: "#8b5cf6", Icon: "utensils", Description: "Restaurants, cafes, bars and dining out"},
		{Name: "Groceries", Slug: models.CategorySlugGroceries, Color: "#06b6d4", Icon: "shopping-cart", Description: "Supermarkets, grocery stores and food markets"},
		{Name: "Transport", Slug: models.CategorySlugTransport, Color: "#10b981", Icon: "car", Description: "Fuel, rideshare, taxis and public transport"},
		{Name: "Shopping", Slug: models.CategorySlugShopping, Color: "#f59e0b", Icon: "shopping-bag", Description: "Retail stores, clothing, electronics and online shopping"},
		{Name: "Entertainment", Slug: models.CategorySlugEntertainment, Color: "#ef4444", Icon: "film", Description: "Movies, streaming, games and events"},
		{Name: "Healthcare", Slug: models.CategorySlugHealthcare, Color: "#84cc16", Icon: "heart", Description: "Pharmacies, clinics, hospitals and medical services"},
		{Name: "Utilities", Slug: models.CategorySlugUtilities, Color: "#6366f1", Icon: "zap", Description: "Electricity, water, internet, phone and other bills"},
		{Name: "Other", Slug: models.CategorySlugOther, Color: "#64748b", Icon: "more-horizontal", Description: "Everything that does not fit another category"},
	}
}

// SeedCategories inserts any missing taxonomy entries. Existing rows are left
// untouched so edits to name, color or is_active survive redeploys. It fails
// if the "other" fallback category is absent afterwards.
func SeedCategories(db *gorm.DB) error {
	categories := DefaultCategories()
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoNothing: true,
	}).Create(&categories).Error; err != nil {
		return fmt.Errorf("failed to seed categories: %w", err)
	}

	var count int64
	if err := db.Model(&models.Category{}).Where("slug = ?", models.CategorySlugOther).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to verify fallback category: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("fallback category %q is missing", models.CategorySlugOther)
	}
	return nil
}
