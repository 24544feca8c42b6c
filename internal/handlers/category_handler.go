package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"receiptly/internal/services"
)

// CategoryHandler handles category-related requests.
type CategoryHandler struct {
	categoryService services.CategoryServicer
}

// NewCategoryHandler creates a new CategoryHandler.
func NewCategoryHandler(categoryService services.CategoryServicer) *CategoryHandler {
	return &CategoryHandler{categoryService: categoryService}
}

// ListCategories handles the retrieval of the shared receipt categories
// @Summary     List categories
// @Description Get the active receipt categories, ordered by name
// @Tags        categories
// @Produce     json
// @Security    BearerAuth
// @Success     200 {array}  models.Category "List of categories"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /categories [get]
func (h *CategoryHandler) ListCategories(c *gin.Context) {
	if _, err := getUserID(c); err != nil {
		respondWithError(c, err)
		return
	}

	categories, err := h.categoryService.ListActive()
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"categories": categories})
}
