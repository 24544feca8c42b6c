package services

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/models"
)

// categoryKeywords maps vendor-name fragments to category slugs. The first
// category with a matching keyword wins, so order matters.
var categoryKeywords = []struct {
	slug     string
	keywords []string
}{
	{models.CategorySlugRestaurant, []string{"restaurant", "cafe", "bar", "pizza", "burger", "food", "dining", "bistro", "grill"}},
	{models.CategorySlugGroceries, []string{"market", "grocery", "supermarket", "walmart", "target", "costco", "whole foods", "trader"}},
	{models.CategorySlugTransport, []string{"gas", "shell", "exxon", "bp", "chevron", "uber", "lyft", "taxi", "metro", "bus"}},
	{models.CategorySlugShopping, []string{"store", "mall", "amazon", "ebay", "clothing", "fashion", "electronics", "best buy"}},
	{models.CategorySlugEntertainment, []string{"cinema", "movie", "theater", "netflix", "spotify", "game", "entertainment"}},
	{models.CategorySlugHealthcare, []string{"pharmacy", "cvs", "walgreens", "hospital", "clinic", "medical", "doctor"}},
	{models.CategorySlugUtilities, []string{"electric", "water", "internet", "phone", "cable", "utility", "bill"}},
}

// matchVendorKeyword returns the slug of the first category whose keyword
// list has a case-insensitive substring match in vendorName.
func matchVendorKeyword(vendorName string) (string, bool) {
	vendor := strings.ToLower(vendorName)
	if strings.TrimSpace(vendor) == "" {
		return "", false
	}
	for _, entry := range categoryKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(vendor, keyword) {
				return entry.slug, true
			}
		}
	}
	return "", false
}

// categoryService handles category-related business logic.
type categoryService struct {
	db *gorm.DB
}

// NewCategoryService creates a new CategoryServicer.
func NewCategoryService(db *gorm.DB) CategoryServicer {
	return &categoryService{db: db}
}

// ListActive returns the categories offered for selection, in name order.
func (s *categoryService) ListActive() ([]models.Category, error) {
	var categories []models.Category
	if err := s.db.Where("is_active = ?", true).Order("name").Find(&categories).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return categories, nil
}

// GetByID retrieves a category by ID
func (s *categoryService) GetByID(id string) (*models.Category, error) {
	var category models.Category
	if err := s.db.Where("id = ?", id).First(&category).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrCategoryNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &category, nil
}

// GetBySlug retrieves a category by slug
func (s *categoryService) GetBySlug(slug string) (*models.Category, error) {
	var category models.Category
	if err := s.db.Where("slug = ?", slug).First(&category).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrCategoryNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}
	return &category, nil
}

// Resolve picks the category for an analysed receipt: the AI slug if it
// names an existing category, then the first vendor keyword match, then
// "other". An AI slug of "other" is treated as no answer, so the vendor
// keywords still get a chance. Database failures are returned as
// ErrPersistence.
func (s *categoryService) Resolve(aiSlug string, vendorName *string) (*models.Category, error) {
	if slug := strings.ToLower(strings.TrimSpace(aiSlug)); slug != "" && slug != models.CategorySlugOther {
		category, err := s.GetBySlug(slug)
		if err == nil {
			return category, nil
		}
		if !errors.Is(err, apperrors.ErrCategoryNotFound) {
			return nil, err
		}
	}

	if vendorName != nil {
		if slug, ok := matchVendorKeyword(*vendorName); ok {
			category, err := s.GetBySlug(slug)
			if err == nil {
				return category, nil
			}
			if !errors.Is(err, apperrors.ErrCategoryNotFound) {
				return nil, err
			}
		}
	}

	category, err := s.GetBySlug(models.CategorySlugOther)
	if err != nil {
		if errors.Is(err, apperrors.ErrCategoryNotFound) {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, errors.New(`fallback category "other" is not seeded`))
		}
		return nil, err
	}
	return category, nil
}
