package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/logger"
	"receiptly/internal/models"
	"receiptly/internal/pagination"
)

// Defaults for a pipeline-triggered recompute that names no user or month.
const (
	DefaultRecomputeMonths      = 3
	DefaultRecomputeConcurrency = 4
)

// summaryService rebuilds and reads monthly summaries.
type summaryService struct {
	db *gorm.DB
}

// NewSummaryService creates a new SummaryServicer.
func NewSummaryService(db *gorm.DB) SummaryServicer {
	return &summaryService{db: db}
}

// monthRange returns [start, end) of the month in UTC.
func monthRange(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Recompute rebuilds the summary for (userID, year, month) from the user's
// processed receipts dated in that month and upserts it. It reads only
// committed rows and writes a single row, so repeated or concurrent calls
// converge on the same result.
func (s *summaryService) Recompute(userID string, year int, month time.Month) (*models.MonthlySummary, error) {
	if month < time.January || month > time.December {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "month must be between 1 and 12")
	}
	start, end := monthRange(year, month)

	var receipts []models.Receipt
	if err := s.db.Preload("Category").
		Where("user_id = ? AND status = ? AND receipt_date >= ? AND receipt_date < ?",
			userID, models.ReceiptStatusProcessed, start, end).
		Order("receipt_date, created_at, id").
		Find(&receipts).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	summary := buildSummary(userID, year, month, receipts)

	if err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "year"}, {Name: "month"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_amount", "receipt_count", "average_per_receipt", "category_breakdown", "updated_at",
		}),
	}).Create(summary).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	return s.find(userID, year, month, apperrors.ErrPersistence)
}

// buildSummary aggregates receipts into a summary row. Receipts without an
// amount count towards receipt_count but add nothing to the totals.
func buildSummary(userID string, year int, month time.Month, receipts []models.Receipt) *models.MonthlySummary {
	total := decimal.Zero
	groups := map[string]*models.BreakdownEntry{}
	var order []string

	for i := range receipts {
		r := &receipts[i]
		amount := decimal.Zero
		if r.Amount.Valid {
			amount = r.Amount.Decimal
		}
		total = total.Add(amount)

		key := ""
		if r.CategoryID != nil {
			key = *r.CategoryID
		}
		entry, ok := groups[key]
		if !ok {
			entry = &models.BreakdownEntry{
				Name:   models.DefaultCategoryName,
				Amount: decimal.Zero,
				Color:  models.DefaultCategoryColor,
			}
			if r.Category != nil {
				entry.Name = r.Category.Name
				entry.Color = r.Category.Color
			}
			groups[key] = entry
			order = append(order, key)
		}
		entry.Amount = entry.Amount.Add(amount)
		entry.Count++
	}

	breakdown := make([]models.BreakdownEntry, 0, len(order))
	for _, key := range order {
		entry := *groups[key]
		entry.Amount = entry.Amount.Round(2)
		breakdown = append(breakdown, entry)
	}

	count := len(receipts)
	average := decimal.Zero
	if count > 0 {
		average = total.Div(decimal.NewFromInt(int64(count))).Round(2)
	}

	return &models.MonthlySummary{
		UserID:            userID,
		Year:              year,
		Month:             int(month),
		TotalAmount:       total.Round(2),
		ReceiptCount:      count,
		AveragePerReceipt: average,
		CategoryBreakdown: breakdown,
	}
}

func (s *summaryService) find(userID string, year int, month time.Month, onError *apperrors.AppError) (*models.MonthlySummary, error) {
	var summary models.MonthlySummary
	if err := s.db.Where("user_id = ? AND year = ? AND month = ?", userID, year, int(month)).
		First(&summary).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrSummaryNotFound
		}
		return nil, apperrors.Wrap(onError, err)
	}
	if summary.CategoryBreakdown == nil {
		summary.CategoryBreakdown = []models.BreakdownEntry{}
	}
	return &summary, nil
}

// Get returns a stored summary.
func (s *summaryService) Get(userID string, year int, month time.Month) (*models.MonthlySummary, error) {
	return s.find(userID, year, month, apperrors.ErrInternalServer)
}

// List returns the user's summaries, newest month first.
func (s *summaryService) List(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.MonthlySummary], error) {
	page.Defaults()

	var totalItems int64
	base := s.db.Model(&models.MonthlySummary{}).Where("user_id = ?", userID)
	if err := base.Count(&totalItems).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var summaries []models.MonthlySummary
	if err := base.Order("year DESC, month DESC").
		Scopes(pagination.Paginate(page)).
		Find(&summaries).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	result := pagination.NewPageResponse(summaries, page.Page, page.PageSize, totalItems)
	return &result, nil
}

// RecomputeBatch recomputes every (user, period) pair with at most
// concurrency recomputes in flight. Failures are logged and joined; the
// returned count is the number of summaries written.
func (s *summaryService) RecomputeBatch(ctx context.Context, userIDs []string, periods []Period, concurrency int) (int, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		done    int
		errList []error
	)
	g.SetLimit(concurrency)

	for _, userID := range userIDs {
		for _, p := range periods {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				_, err := s.Recompute(userID, p.Year, p.Month)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					logger.Get().Errorw("failed to recompute monthly summary",
						"user_id", userID,
						"year", p.Year,
						"month", int(p.Month),
						"error", err,
					)
					errList = append(errList, fmt.Errorf("user %s %04d-%02d: %w", userID, p.Year, int(p.Month), err))
					return nil
				}
				done++
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errList = append(errList, err)
	}
	return done, errors.Join(errList...)
}

// RecentPeriods returns the n months ending with the month of now, newest
// first.
func RecentPeriods(now time.Time, n int) []Period {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periods := make([]Period, 0, n)
	for i := 0; i < n; i++ {
		m := first.AddDate(0, -i, 0)
		periods = append(periods, Period{Year: m.Year(), Month: m.Month()})
	}
	return periods
}

// ParsePeriod parses a YYYY-MM month.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, apperrors.WithMessage(apperrors.ErrInvalidInput, "month must be in YYYY-MM format")
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// String formats the period as YYYY-MM.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
