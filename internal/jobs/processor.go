// Package jobs implements the receipt ingestion job run by the worker.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"receiptly/internal/analysis"
	apperrors "receiptly/internal/errors"
	"receiptly/internal/logger"
	"receiptly/internal/models"
	"receiptly/internal/queue"
	"receiptly/internal/services"
	"receiptly/internal/storage"
)

// Analyzer extracts structured fields from a receipt image.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, mimeType string) (*analysis.Result, error)
}

// Processor is the queue.Handler that turns a pending receipt into a
// processed one. It is the only writer of AI-derived receipt fields.
type Processor struct {
	db         *gorm.DB
	store      storage.ImageStore
	analyzer   Analyzer
	categories services.CategoryServicer
	summaries  services.SummaryServicer
	now        func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(
	db *gorm.DB,
	store storage.ImageStore,
	analyzer Analyzer,
	categories services.CategoryServicer,
	summaries services.SummaryServicer,
) *Processor {
	return &Processor{
		db:         db,
		store:      store,
		analyzer:   analyzer,
		categories: categories,
		summaries:  summaries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var _ queue.Handler = (*Processor)(nil)

// Handle runs one attempt. Any failure after the receipt is loaded leaves it
// failed; the returned outcome decides whether the queue tries again.
func (p *Processor) Handle(ctx context.Context, job *queue.ReceiptJob) queue.Result {
	log := logger.Get()
	log.Infow("processing receipt", "receipt_id", job.ReceiptID, "attempt", job.Attempt)

	receipt, err := p.load(ctx, job.ReceiptID)
	if err != nil {
		log.Errorw("failed to load receipt", "receipt_id", job.ReceiptID, "attempt", job.Attempt, "error", err)
		return classify(err)
	}

	if err := p.process(ctx, receipt); err != nil {
		log.Errorw("receipt processing failed",
			"receipt_id", receipt.ID,
			"user_id", receipt.UserID,
			"attempt", job.Attempt,
			"error", err,
		)
		p.markFailed(ctx, receipt.ID)
		return classify(err)
	}

	log.Infow("receipt processed", "receipt_id", receipt.ID, "attempt", job.Attempt)
	return queue.Success()
}

// Failed forces the receipt to failed once the queue gives up on it. A
// receipt that reached processed is left alone.
func (p *Processor) Failed(ctx context.Context, job *queue.ReceiptJob, err error) {
	res := p.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ? AND status IN ?", job.ReceiptID, []models.ReceiptStatus{models.ReceiptStatusPending, models.ReceiptStatusProcessing}).
		Update("status", models.ReceiptStatusFailed)
	if res.Error != nil {
		logger.Get().Errorw("failed to force receipt to failed",
			"receipt_id", job.ReceiptID,
			"error", res.Error,
		)
		return
	}
	logger.Get().Warnw("receipt dead-lettered",
		"receipt_id", job.ReceiptID,
		"attempt", job.Attempt,
		"rows_affected", res.RowsAffected,
		"error", err,
	)
}

// classify maps an attempt error to a queue outcome. Only a missing image or
// a missing receipt row are permanent.
func classify(err error) queue.Result {
	if errors.Is(err, apperrors.ErrMissingImage) || errors.Is(err, apperrors.ErrReceiptNotFound) {
		return queue.Fail(err)
	}
	return queue.Retry(err)
}

func (p *Processor) load(ctx context.Context, receiptID string) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := p.db.WithContext(ctx).Where("id = ?", receiptID).First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrReceiptNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}
	return &receipt, nil
}

func (p *Processor) process(ctx context.Context, receipt *models.Receipt) error {
	if err := p.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ?", receipt.ID).
		Update("status", models.ReceiptStatusProcessing).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	image, err := p.readImage(ctx, receipt.ImagePath)
	if err != nil {
		return err
	}

	result, err := p.analyzer.Analyze(ctx, image, mimetype.Detect(image).String())
	if err != nil {
		return err
	}

	category, err := p.categories.Resolve(result.Category, result.VendorName)
	if err != nil {
		return err
	}

	blob, err := result.JSON()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	now := p.now()
	receiptDate := receiptDate(result.Date, now)
	amount := decimal.NullDecimal{}
	if result.Amount != nil {
		amount = decimal.NewNullDecimal(*result.Amount)
	}
	raw := result.Raw

	if err := p.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ?", receipt.ID).
		Updates(map[string]any{
			"vendor_name":      result.VendorName,
			"amount":           amount,
			"receipt_date":     receiptDate,
			"category_id":      category.ID,
			"confidence_score": decimal.NewNullDecimal(decimal.NewFromFloat(result.Confidence).Round(2)),
			"ai_analysis":      datatypes.JSON(blob),
			"raw_ai_response":  &raw,
			"status":           models.ReceiptStatusProcessed,
			"processed_at":     now,
		}).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	if _, err := p.summaries.Recompute(receipt.UserID, receiptDate.Year(), receiptDate.Month()); err != nil {
		return err
	}
	return nil
}

func (p *Processor) readImage(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, apperrors.ErrMissingImage
	}
	ok, err := p.store.Exists(ctx, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrMissingImage, errors.New(key))
	}

	image, err := p.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, apperrors.Wrap(apperrors.ErrMissingImage, err)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}
	return image, nil
}

// markFailed runs on a detached context so a timed-out attempt still
// records its failure.
func (p *Processor) markFailed(ctx context.Context, receiptID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ?", receiptID).
		Update("status", models.ReceiptStatusFailed).Error; err != nil {
		logger.Get().Errorw("failed to mark receipt as failed", "receipt_id", receiptID, "error", err)
	}
}

// receiptDate parses the extracted YYYY-MM-DD date, falling back to the day
// of now.
func receiptDate(date *string, now time.Time) time.Time {
	if date != nil {
		if t, err := time.Parse("2006-01-02", *date); err == nil {
			return services.DateOnly(t)
		}
	}
	return services.DateOnly(now)
}
