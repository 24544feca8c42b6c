package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/models"
	"receiptly/internal/services"
)

type mockCategoryService struct {
	listActiveFn func() ([]models.Category, error)
	getByIDFn    func(id string) (*models.Category, error)
}

func (m *mockCategoryService) ListActive() ([]models.Category, error) {
	if m.listActiveFn != nil {
		return m.listActiveFn()
	}
	return []models.Category{}, nil
}

func (m *mockCategoryService) GetByID(id string) (*models.Category, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(id)
	}
	return &models.Category{Base: models.Base{ID: id}}, nil
}

func (m *mockCategoryService) GetBySlug(slug string) (*models.Category, error) {
	return &models.Category{Slug: slug}, nil
}

func (m *mockCategoryService) Resolve(_ string, _ *string) (*models.Category, error) {
	return &models.Category{Slug: models.CategorySlugOther}, nil
}

var _ services.CategoryServicer = (*mockCategoryService)(nil)

func TestCategoryHandler_ListCategories(t *testing.T) {
	t.Run("returns 200 with categories", func(t *testing.T) {
		svc := &mockCategoryService{
			listActiveFn: func() ([]models.Category, error) {
				return []models.Category{
					{Name: "Groceries", Slug: models.CategorySlugGroceries},
					{Name: "Other", Slug: models.CategorySlugOther},
				}, nil
			},
		}
		r := gin.New()
		r.GET("/categories", injectUserID(testUserID), NewCategoryHandler(svc).ListCategories)

		rec := doRequest(r, "GET", "/categories", "")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		categories := parseJSON(t, rec)["categories"].([]interface{})
		if len(categories) != 2 {
			t.Fatalf("expected 2 categories, got %d", len(categories))
		}
		first := categories[0].(map[string]interface{})
		if first["slug"] != "groceries" {
			t.Errorf("expected slug groceries, got %v", first["slug"])
		}
	})

	t.Run("returns 401 without auth", func(t *testing.T) {
		r := gin.New()
		r.GET("/categories", NewCategoryHandler(&mockCategoryService{}).ListCategories)

		rec := doRequest(r, "GET", "/categories", "")

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		assertErrorCode(t, parseJSON(t, rec), "UNAUTHORIZED")
	})

	t.Run("returns 500 on service error", func(t *testing.T) {
		svc := &mockCategoryService{
			listActiveFn: func() ([]models.Category, error) {
				return nil, apperrors.ErrInternalServer
			},
		}
		r := gin.New()
		r.GET("/categories", injectUserID(testUserID), NewCategoryHandler(svc).ListCategories)

		rec := doRequest(r, "GET", "/categories", "")

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
	})
}
