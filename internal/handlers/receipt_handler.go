package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/models"
	"receiptly/internal/pagination"
	"receiptly/internal/services"
)

// maxUploadBody caps the whole multipart request: the image plus headroom for
// notes and part headers.
const maxUploadBody = services.MaxImageSize + 1<<20

// ReceiptHandler handles receipt-related requests.
type ReceiptHandler struct {
	receiptService services.ReceiptServicer
	auditService   services.AuditServicer
}

// NewReceiptHandler creates a new ReceiptHandler.
func NewReceiptHandler(receiptService services.ReceiptServicer, auditService services.AuditServicer) *ReceiptHandler {
	return &ReceiptHandler{receiptService: receiptService, auditService: auditService}
}

// ListReceiptsQuery represents the query parameters for listing receipts
type ListReceiptsQuery struct {
	pagination.PageRequest
	Category string `form:"category" binding:"omitempty,category_slug"`
	Status   string `form:"status" binding:"omitempty,receipt_status"`
	Search   string `form:"search" binding:"max=255"`
}

// UpdateReceiptRequest represents the request payload for editing a receipt.
// Omitted fields are left unchanged.
type UpdateReceiptRequest struct {
	VendorName  *string          `json:"vendor_name" binding:"omitempty,max=255"`
	Amount      *decimal.Decimal `json:"amount" swaggertype:"string" example:"12.50"`
	ReceiptDate *string          `json:"receipt_date" binding:"omitempty,calendar_date" example:"2024-03-15"`
	CategoryID  *string          `json:"category_id" binding:"omitempty,uuid"`
	Notes       *string          `json:"notes" binding:"omitempty,max=1000"`
}

// UploadReceipt handles a receipt image upload
// @Summary     Upload a receipt
// @Description Store a receipt image and queue it for analysis. Poll /receipts/{id}/status for the result.
// @Tags        receipts
// @Accept      multipart/form-data
// @Produce     json
// @Security    BearerAuth
// @Param       image formData file   true  "Receipt image (JPEG, PNG, HEIC or WebP, max 10MB)"
// @Param       notes formData string false "Notes (max 1000 characters)"
// @Success     201 {object} models.Receipt "Receipt created with status pending"
// @Failure     400 {object} ErrorResponse "Missing image or invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     413 {object} ErrorResponse "Image too large"
// @Failure     415 {object} ErrorResponse "Unsupported image type"
// @Failure     503 {object} ErrorResponse "Processing queue unavailable"
// @Router      /receipts [post]
func (h *ReceiptHandler) UploadReceipt(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBody)
	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(c, apperrors.ErrImageTooLarge)
			return
		}
		respondWithError(c, apperrors.ErrImageRequired)
		return
	}
	if file.Size > services.MaxImageSize {
		respondWithError(c, apperrors.ErrImageTooLarge)
		return
	}

	src, err := file.Open()
	if err != nil {
		respondWithError(c, apperrors.Wrap(apperrors.ErrInternalServer, err))
		return
	}
	defer src.Close()

	image, err := io.ReadAll(io.LimitReader(src, services.MaxImageSize+1))
	if err != nil {
		respondWithError(c, apperrors.Wrap(apperrors.ErrInternalServer, err))
		return
	}

	var notes *string
	if v, ok := c.GetPostForm("notes"); ok {
		notes = &v
	}

	receipt, err := h.receiptService.Upload(c.Request.Context(), userID, services.UploadInput{
		Filename: file.Filename,
		Image:    image,
		Notes:    notes,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(userID, services.AuditActionUpload, services.AuditResourceReceipt, receipt.ID, c.ClientIP(),
		map[string]any{"filename": file.Filename, "size": len(image)})

	c.JSON(http.StatusCreated, gin.H{"receipt": receipt})
}

// ListReceipts handles the retrieval of the user's receipts
// @Summary     List receipts
// @Description Get a paginated list of the user's receipts, newest first
// @Tags        receipts
// @Produce     json
// @Security    BearerAuth
// @Param       page      query int    false "Page number (default 1)"
// @Param       page_size query int    false "Items per page (default 20, max 100)"
// @Param       category  query string false "Filter by category slug"
// @Param       status    query string false "Filter by status (pending, processing, processed, failed)"
// @Param       search    query string false "Search vendor name and notes"
// @Success     200 {object} pagination.PageResponse[models.Receipt] "Paginated receipts"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /receipts [get]
func (h *ReceiptHandler) ListReceipts(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var query ListReceiptsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	filter := services.ReceiptFilter{
		CategorySlug: query.Category,
		Search:       query.Search,
	}
	if query.Status != "" {
		status := models.ReceiptStatus(query.Status)
		filter.Status = &status
	}

	result, err := h.receiptService.List(userID, filter, query.PageRequest)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetReceipt handles the retrieval of a single receipt
// @Summary     Get a receipt
// @Description Get a receipt with its category and extracted fields
// @Tags        receipts
// @Produce     json
// @Security    BearerAuth
// @Param       id  path     string true "Receipt ID"
// @Success     200 {object} models.Receipt "Receipt"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Receipt not found"
// @Router      /receipts/{id} [get]
func (h *ReceiptHandler) GetReceipt(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	receiptID, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	receipt, err := h.receiptService.Get(userID, receiptID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// GetReceiptStatus handles the polling query for a receipt's analysis state
// @Summary     Get receipt status
// @Description Get the current processing status. Extracted fields are included once processed. Never cached.
// @Tags        receipts
// @Produce     json
// @Security    BearerAuth
// @Param       id  path     string true "Receipt ID"
// @Success     200 {object} services.ReceiptStatusView "Current status"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Receipt not found"
// @Router      /receipts/{id}/status [get]
func (h *ReceiptHandler) GetReceiptStatus(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	receiptID, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	status, err := h.receiptService.GetStatus(userID, receiptID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// UpdateReceipt handles a manual edit of a receipt's fields
// @Summary     Update a receipt
// @Description Correct the vendor, amount, date, category or notes of a receipt
// @Tags        receipts
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string               true "Receipt ID"
// @Param       request body UpdateReceiptRequest true "Fields to update"
// @Success     200 {object} models.Receipt "Updated receipt"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Receipt or category not found"
// @Failure     409 {object} ErrorResponse "Receipt is being processed"
// @Router      /receipts/{id} [put]
func (h *ReceiptHandler) UpdateReceipt(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	receiptID, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req UpdateReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	update := services.ReceiptUpdate{
		VendorName: req.VendorName,
		Amount:     req.Amount,
		CategoryID: req.CategoryID,
		Notes:      req.Notes,
	}
	if req.ReceiptDate != nil {
		date, parseErr := time.Parse("2006-01-02", *req.ReceiptDate)
		if parseErr != nil {
			respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, "receipt_date must be YYYY-MM-DD"))
			return
		}
		update.ReceiptDate = &date
	}

	receipt, err := h.receiptService.Update(userID, receiptID, update)
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(userID, services.AuditActionUpdate, services.AuditResourceReceipt, receipt.ID, c.ClientIP(),
		updateChanges(req))

	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func updateChanges(req UpdateReceiptRequest) map[string]any {
	changes := map[string]any{}
	if req.VendorName != nil {
		changes["vendor_name"] = *req.VendorName
	}
	if req.Amount != nil {
		changes["amount"] = req.Amount.StringFixed(2)
	}
	if req.ReceiptDate != nil {
		changes["receipt_date"] = *req.ReceiptDate
	}
	if req.CategoryID != nil {
		changes["category_id"] = *req.CategoryID
	}
	if req.Notes != nil {
		changes["notes"] = *req.Notes
	}
	return changes
}

// DeleteReceipt handles the deletion of a receipt and its image
// @Summary     Delete a receipt
// @Description Delete a receipt and its stored image, then refresh the affected monthly summary
// @Tags        receipts
// @Produce     json
// @Security    BearerAuth
// @Param       id  path     string true "Receipt ID"
// @Success     200 {object} map[string]string "Receipt deleted"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Receipt not found"
// @Router      /receipts/{id} [delete]
func (h *ReceiptHandler) DeleteReceipt(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	receiptID, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	if err := h.receiptService.Delete(c.Request.Context(), userID, receiptID); err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(userID, services.AuditActionDelete, services.AuditResourceReceipt, receiptID, c.ClientIP(), nil)

	c.JSON(http.StatusOK, gin.H{"message": "Receipt deleted successfully"})
}

// ReprocessReceipt handles a request to analyse a receipt again
// @Summary     Reprocess a receipt
// @Description Reset a processed or failed receipt to pending and queue a new analysis
// @Tags        receipts
// @Produce     json
// @Security    BearerAuth
// @Param       id  path     string true "Receipt ID"
// @Success     202 {object} models.Receipt "Receipt queued"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Receipt not found"
// @Failure     409 {object} ErrorResponse "Receipt is already being processed"
// @Failure     503 {object} ErrorResponse "Processing queue unavailable"
// @Router      /receipts/{id}/reprocess [post]
func (h *ReceiptHandler) ReprocessReceipt(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	receiptID, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	receipt, err := h.receiptService.Reprocess(c.Request.Context(), userID, receiptID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(userID, services.AuditActionReprocess, services.AuditResourceReceipt, receipt.ID, c.ClientIP(), nil)

	c.JSON(http.StatusAccepted, gin.H{"receipt": receipt})
}
