package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/logger"
	"receiptly/internal/models"
	"receiptly/internal/pagination"
	"receiptly/internal/storage"
)

// Upload and edit limits.
const (
	MaxImageSize    = 10 << 20
	MaxNotesLength  = 1000
	MaxVendorLength = 255
)

// AllowedImageTypes are the MIME types accepted at upload, detected from the
// file content rather than the client's declared type.
var AllowedImageTypes = []string{"image/jpeg", "image/png", "image/heic", "image/heif", "image/webp"}

var maxAmount = decimal.RequireFromString("999999.99")

// receiptService handles receipt-related business logic.
type receiptService struct {
	db         *gorm.DB
	store      storage.ImageStore
	dispatcher JobDispatcher
	summaries  SummaryServicer
	categories CategoryServicer
	now        func() time.Time
}

// NewReceiptService creates a new ReceiptServicer.
func NewReceiptService(
	db *gorm.DB,
	store storage.ImageStore,
	dispatcher JobDispatcher,
	summaries SummaryServicer,
	categories CategoryServicer,
) ReceiptServicer {
	return &receiptService{
		db:         db,
		store:      store,
		dispatcher: dispatcher,
		summaries:  summaries,
		categories: categories,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ValidateImage checks size and content type and returns the detected MIME.
func ValidateImage(image []byte) (*mimetype.MIME, error) {
	if len(image) == 0 {
		return nil, apperrors.ErrImageRequired
	}
	if len(image) > MaxImageSize {
		return nil, apperrors.ErrImageTooLarge
	}
	mtype := mimetype.Detect(image)
	if !mimetype.EqualsAny(mtype.String(), AllowedImageTypes...) {
		return nil, apperrors.ErrUnsupportedImage
	}
	return mtype, nil
}

func validateNotes(notes *string) error {
	if notes != nil && utf8.RuneCountInString(*notes) > MaxNotesLength {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "notes must not exceed 1000 characters")
	}
	return nil
}

func (s *receiptService) resolveURL(r *models.Receipt) {
	r.ResolveImageURL(s.store.URL)
}

// Upload stores the image, creates a pending receipt and enqueues exactly
// one ingestion job. Nothing is stored when validation fails.
func (s *receiptService) Upload(ctx context.Context, userID string, in UploadInput) (*models.Receipt, error) {
	mtype, err := ValidateImage(in.Image)
	if err != nil {
		return nil, err
	}
	if err := validateNotes(in.Notes); err != nil {
		return nil, err
	}
	if in.Notes != nil && strings.TrimSpace(*in.Notes) == "" {
		in.Notes = nil
	}

	key := storage.NewKey(userID, mtype.Extension())
	if err := s.store.Put(ctx, key, bytes.NewReader(in.Image), int64(len(in.Image)), mtype.String()); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	receipt := &models.Receipt{
		UserID:    userID,
		ImagePath: key,
		Status:    models.ReceiptStatusPending,
		Notes:     in.Notes,
	}
	if err := s.db.Create(receipt).Error; err != nil {
		if delErr := s.store.Delete(ctx, key); delErr != nil {
			logger.Get().Warnw("failed to remove orphaned image", "key", key, "error", delErr)
		}
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	if err := s.dispatcher.DispatchReceipt(ctx, receipt.ID); err != nil {
		s.markFailed(receipt.ID)
		return nil, apperrors.Wrap(apperrors.ErrQueueUnavailable, err)
	}

	logger.Get().Infow("receipt uploaded",
		"receipt_id", receipt.ID,
		"user_id", userID,
		"mime_type", mtype.String(),
		"size", len(in.Image),
	)

	s.resolveURL(receipt)
	return receipt, nil
}

// markFailed forces status to failed after the job could not be enqueued.
func (s *receiptService) markFailed(receiptID string) {
	if err := s.db.Model(&models.Receipt{}).
		Where("id = ?", receiptID).
		Update("status", models.ReceiptStatusFailed).Error; err != nil {
		logger.Get().Errorw("failed to mark receipt as failed", "receipt_id", receiptID, "error", err)
	}
}

// List returns the user's receipts, newest receipt date first.
func (s *receiptService) List(userID string, filter ReceiptFilter, page pagination.PageRequest) (*pagination.PageResponse[models.Receipt], error) {
	page.Defaults()

	base := s.db.Model(&models.Receipt{}).Where("receipts.user_id = ?", userID)
	if filter.CategorySlug != "" {
		base = base.Joins("JOIN categories ON categories.id = receipts.category_id").
			Where("categories.slug = ?", filter.CategorySlug)
	}
	if filter.Status != nil {
		base = base.Where("receipts.status = ?", *filter.Status)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		base = base.Where("(LOWER(receipts.vendor_name) LIKE ? OR LOWER(receipts.notes) LIKE ?)", pattern, pattern)
	}

	var totalItems int64
	if err := base.Count(&totalItems).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var receipts []models.Receipt
	if err := base.Preload("Category").
		Order("receipts.receipt_date DESC, receipts.created_at DESC").
		Scopes(pagination.Paginate(page)).
		Find(&receipts).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	for i := range receipts {
		s.resolveURL(&receipts[i])
	}

	result := pagination.NewPageResponse(receipts, page.Page, page.PageSize, totalItems)
	return &result, nil
}

func (s *receiptService) find(userID, receiptID string) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := s.db.Preload("Category").
		Where("id = ? AND user_id = ?", receiptID, userID).
		First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrReceiptNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	s.resolveURL(&receipt)
	return &receipt, nil
}

// Get returns one of the user's receipts. Receipts owned by someone else are
// reported as not found.
func (s *receiptService) Get(userID, receiptID string) (*models.Receipt, error) {
	return s.find(userID, receiptID)
}

// GetStatus reads the current committed status straight from the database.
func (s *receiptService) GetStatus(userID, receiptID string) (*ReceiptStatusView, error) {
	receipt, err := s.find(userID, receiptID)
	if err != nil {
		return nil, err
	}

	view := &ReceiptStatusView{
		ID:        receipt.ID,
		Status:    receipt.Status,
		UpdatedAt: receipt.UpdatedAt,
	}
	if receipt.Status == models.ReceiptStatusProcessed {
		view.VendorName = receipt.VendorName
		view.ReceiptDate = receipt.ReceiptDate
		view.Category = receipt.Category
		view.ProcessedAt = receipt.ProcessedAt
		if receipt.Amount.Valid {
			amount := receipt.Amount.Decimal
			view.Amount = &amount
		}
		if receipt.ConfidenceScore.Valid {
			score := receipt.ConfidenceScore.Decimal
			view.ConfidenceScore = &score
		}
	}
	return view, nil
}

// Update applies a manual edit. The status is left unchanged. When the
// amount, date or category changes, the summary of the receipt's month is
// recomputed, and the previous month too if the date moved.
func (s *receiptService) Update(userID, receiptID string, update ReceiptUpdate) (*models.Receipt, error) {
	receipt, err := s.find(userID, receiptID)
	if err != nil {
		return nil, err
	}

	if update.VendorName != nil && utf8.RuneCountInString(*update.VendorName) > MaxVendorLength {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "vendor_name must not exceed 255 characters")
	}
	if update.Amount != nil && (update.Amount.IsNegative() || update.Amount.GreaterThan(maxAmount)) {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "amount must be between 0 and 999999.99")
	}
	if err := validateNotes(update.Notes); err != nil {
		return nil, err
	}
	if update.CategoryID != nil {
		if _, err := s.categories.GetByID(*update.CategoryID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	oldYear, oldMonth := receipt.SummaryPeriod(now)

	updates := map[string]any{}
	affectsSummary := false
	if update.VendorName != nil {
		updates["vendor_name"] = *update.VendorName
	}
	if update.Notes != nil {
		updates["notes"] = *update.Notes
	}
	if update.Amount != nil {
		amount := update.Amount.Round(2)
		if !receipt.Amount.Valid || !receipt.Amount.Decimal.Equal(amount) {
			affectsSummary = true
		}
		updates["amount"] = decimal.NewNullDecimal(amount)
	}
	if update.ReceiptDate != nil {
		d := DateOnly(*update.ReceiptDate)
		if receipt.ReceiptDate == nil || !receipt.ReceiptDate.Equal(d) {
			affectsSummary = true
		}
		updates["receipt_date"] = d
	}
	if update.CategoryID != nil {
		if receipt.CategoryID == nil || *receipt.CategoryID != *update.CategoryID {
			affectsSummary = true
		}
		updates["category_id"] = *update.CategoryID
	}

	if len(updates) > 0 {
		if err := s.db.Model(&models.Receipt{}).
			Where("id = ? AND user_id = ?", receipt.ID, userID).
			Updates(updates).Error; err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
		}
	}

	updated, err := s.find(userID, receiptID)
	if err != nil {
		return nil, err
	}

	if affectsSummary {
		newYear, newMonth := updated.SummaryPeriod(now)
		if _, err := s.summaries.Recompute(userID, newYear, newMonth); err != nil {
			return nil, err
		}
		if newYear != oldYear || newMonth != oldMonth {
			if _, err := s.summaries.Recompute(userID, oldYear, oldMonth); err != nil {
				return nil, err
			}
		}
	}

	return updated, nil
}

// Delete removes the receipt row, then its image on a best-effort basis,
// then recomputes the summary for the month it belonged to.
func (s *receiptService) Delete(ctx context.Context, userID, receiptID string) error {
	receipt, err := s.find(userID, receiptID)
	if err != nil {
		return err
	}
	year, month := receipt.SummaryPeriod(s.now())

	res := s.db.Where("id = ? AND user_id = ?", receipt.ID, userID).Delete(&models.Receipt{})
	if res.Error != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrReceiptNotFound
	}

	if receipt.ImagePath != "" {
		if err := s.store.Delete(ctx, receipt.ImagePath); err != nil {
			logger.Get().Warnw("failed to delete receipt image",
				"receipt_id", receipt.ID,
				"key", receipt.ImagePath,
				"error", err,
			)
		}
	}

	if _, err := s.summaries.Recompute(userID, year, month); err != nil {
		logger.Get().Errorw("failed to recompute summary after delete",
			"receipt_id", receipt.ID,
			"user_id", userID,
			"error", err,
		)
	}
	return nil
}

// Reprocess resets the receipt to pending, clears the fields the job derives,
// and enqueues a fresh job. It is
// rejected while an attempt is running. The guard is a conditional update,
// so two concurrent requests cannot both enqueue.
func (s *receiptService) Reprocess(ctx context.Context, userID, receiptID string) (*models.Receipt, error) {
	receipt, err := s.find(userID, receiptID)
	if err != nil {
		return nil, err
	}
	if receipt.Status == models.ReceiptStatusProcessing {
		return nil, apperrors.ErrReceiptProcessing
	}

	res := s.db.Model(&models.Receipt{}).
		Where("id = ? AND user_id = ? AND status <> ?", receipt.ID, userID, models.ReceiptStatusProcessing).
		Updates(map[string]any{
			"status":           models.ReceiptStatusPending,
			"processed_at":     nil,
			"amount":           nil,
			"receipt_date":     nil,
			"category_id":      nil,
			"confidence_score": nil,
			"ai_analysis":      nil,
			"raw_ai_response":  nil,
		})
	if res.Error != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.ErrReceiptProcessing
	}

	// A processed receipt no longer counts until the new attempt finishes.
	if receipt.Status == models.ReceiptStatusProcessed {
		year, month := receipt.SummaryPeriod(s.now())
		if _, err := s.summaries.Recompute(userID, year, month); err != nil {
			logger.Get().Errorw("failed to recompute summary before reprocess",
				"receipt_id", receipt.ID,
				"error", err,
			)
		}
	}

	if err := s.dispatcher.DispatchReceipt(ctx, receipt.ID); err != nil {
		s.markFailed(receipt.ID)
		return nil, apperrors.Wrap(apperrors.ErrQueueUnavailable, err)
	}

	logger.Get().Infow("receipt queued for reprocessing", "receipt_id", receipt.ID, "user_id", userID)
	return s.find(userID, receiptID)
}

// FailStaleProcessing marks as failed every receipt that has been
// processing since before olderThan. It returns the number of receipts
// changed.
func (s *receiptService) FailStaleProcessing(olderThan time.Time) (int64, error) {
	res := s.db.Model(&models.Receipt{}).
		Where("status = ? AND updated_at < ?", models.ReceiptStatusProcessing, olderThan).
		Update("status", models.ReceiptStatusFailed)
	if res.Error != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, res.Error)
	}
	return res.RowsAffected, nil
}

// DateOnly truncates t to midnight UTC of its calendar date.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
