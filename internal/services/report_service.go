package services

import (
	"encoding/csv"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/models"
	"receiptly/internal/storage"
)

// ReportPeriod is the look-back window of a report.
type ReportPeriod string

const (
	ReportPeriodOneMonth    ReportPeriod = "1month"
	ReportPeriodThreeMonths ReportPeriod = "3months"
	ReportPeriodSixMonths   ReportPeriod = "6months"
	ReportPeriodOneYear     ReportPeriod = "1year"
)

// Reporting limits.
const (
	DashboardRecentReceipts = 10
	DashboardTrendMonths    = 6
	TopVendorLimit          = 10
)

// ParseReportPeriod maps s to a period, defaulting to six months.
func ParseReportPeriod(s string) ReportPeriod {
	switch p := ReportPeriod(s); p {
	case ReportPeriodOneMonth, ReportPeriodThreeMonths, ReportPeriodSixMonths, ReportPeriodOneYear:
		return p
	}
	return ReportPeriodSixMonths
}

// Months returns the length of the period in months.
func (p ReportPeriod) Months() int {
	switch p {
	case ReportPeriodOneMonth:
		return 1
	case ReportPeriodThreeMonths:
		return 3
	case ReportPeriodOneYear:
		return 12
	}
	return 6
}

// Range returns the inclusive calendar-date window ending on now.
func (p ReportPeriod) Range(now time.Time) (time.Time, time.Time) {
	end := DateOnly(now)
	return end.AddDate(0, -p.Months(), 0), end
}

// MonthlyTrend is one month of spending read from the summaries.
type MonthlyTrend struct {
	Label   string          `json:"month"`
	Year    int             `json:"year"`
	Month   int             `json:"month_number"`
	Amount  decimal.Decimal `json:"amount"`
	Count   int             `json:"count"`
	Average decimal.Decimal `json:"average"`
}

// DashboardStats compares the current month with the previous one.
// Changes are percentages rounded to one decimal.
type DashboardStats struct {
	TotalSpent    decimal.Decimal `json:"total_spent"`
	TotalChange   float64         `json:"total_change"`
	ReceiptCount  int             `json:"receipt_count"`
	CountChange   float64         `json:"count_change"`
	AvgPerReceipt decimal.Decimal `json:"avg_per_receipt"`
	AvgChange     float64         `json:"avg_change"`
	CategoryCount int             `json:"category_count"`
}

// Dashboard is the landing page payload.
type Dashboard struct {
	Stats          DashboardStats         `json:"stats"`
	CurrentSummary *models.MonthlySummary `json:"current_summary"`
	RecentReceipts []models.Receipt       `json:"recent_receipts"`
	MonthlyTrends  []MonthlyTrend         `json:"monthly_trends"`
}

// CategoryTotal is one category's share of a report window.
type CategoryTotal struct {
	Name       string          `json:"name"`
	Color      string          `json:"color"`
	Amount     decimal.Decimal `json:"amount"`
	Count      int             `json:"count"`
	Average    decimal.Decimal `json:"average"`
	Percentage float64         `json:"percentage"`
}

// HighestCategory is the category with the largest spend in a window.
type HighestCategory struct {
	Name       string          `json:"name"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage float64         `json:"percentage"`
}

// SpendingStatistics compares a window with the equally long window before it.
type SpendingStatistics struct {
	TotalExpenses     decimal.Decimal  `json:"total_expenses"`
	TotalChange       float64          `json:"total_change"`
	AverageMonthly    decimal.Decimal  `json:"average_monthly"`
	AverageChange     float64          `json:"average_change"`
	ReceiptsProcessed int              `json:"receipts_processed"`
	CountChange       float64          `json:"count_change"`
	HighestCategory   *HighestCategory `json:"highest_category"`
}

// VendorTotal aggregates spend at one vendor.
type VendorTotal struct {
	Name    string          `json:"name"`
	Total   decimal.Decimal `json:"total"`
	Visits  int             `json:"visits"`
	Average decimal.Decimal `json:"average"`
}

// DailySpending is the average receipt amount on one weekday.
type DailySpending struct {
	Day     string          `json:"day"`
	Average decimal.Decimal `json:"average"`
	Count   int             `json:"count"`
}

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Report is the reports page payload.
type Report struct {
	Period            ReportPeriod       `json:"period"`
	DateRange         DateRange          `json:"date_range"`
	MonthlyTrends     []MonthlyTrend     `json:"monthly_trends"`
	CategoryBreakdown []CategoryTotal    `json:"category_breakdown"`
	Statistics        SpendingStatistics `json:"statistics"`
	TopVendors        []VendorTotal      `json:"top_vendors"`
	DailyPattern      []DailySpending    `json:"daily_pattern"`
}

// reportService builds read-only views over receipts and summaries.
type reportService struct {
	db    *gorm.DB
	store storage.ImageStore
}

// NewReportService creates a new ReportServicer. store resolves image URLs of
// the recent receipts on the dashboard and may be nil.
func NewReportService(db *gorm.DB, store storage.ImageStore) ReportServicer {
	return &reportService{db: db, store: store}
}

// percentChange returns the change from prev to cur in percent, rounded to
// one decimal, or 0 when prev is not positive.
func percentChange(cur, prev decimal.Decimal) float64 {
	if !prev.IsPositive() {
		return 0
	}
	f, _ := cur.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(1).Float64()
	return f
}

func percentOf(part, whole decimal.Decimal) float64 {
	if !whole.IsPositive() {
		return 0
	}
	f, _ := part.Div(whole).Mul(decimal.NewFromInt(100)).Round(1).Float64()
	return f
}

func average(total decimal.Decimal, count int) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(count))).Round(2)
}

func amountOf(r *models.Receipt) decimal.Decimal {
	if r.Amount.Valid {
		return r.Amount.Decimal
	}
	return decimal.Zero
}

func (s *reportService) summaryFor(userID string, year int, month time.Month) (*models.MonthlySummary, error) {
	var summary models.MonthlySummary
	err := s.db.Where("user_id = ? AND year = ? AND month = ?", userID, year, int(month)).First(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &summary, nil
}

// trends reads summaries from the month of start through the month of end.
func (s *reportService) trends(userID string, start, end time.Time) ([]MonthlyTrend, error) {
	var summaries []models.MonthlySummary
	if err := s.db.Where("user_id = ?", userID).
		Where("(year > ? OR (year = ? AND month >= ?))", start.Year(), start.Year(), int(start.Month())).
		Where("(year < ? OR (year = ? AND month <= ?))", end.Year(), end.Year(), int(end.Month())).
		Order("year, month").
		Find(&summaries).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	trends := make([]MonthlyTrend, 0, len(summaries))
	for _, sm := range summaries {
		trends = append(trends, MonthlyTrend{
			Label:   time.Date(sm.Year, time.Month(sm.Month), 1, 0, 0, 0, 0, time.UTC).Format("Jan 2006"),
			Year:    sm.Year,
			Month:   sm.Month,
			Amount:  sm.TotalAmount,
			Count:   sm.ReceiptCount,
			Average: sm.AveragePerReceipt,
		})
	}
	return trends, nil
}

// Dashboard compares the month of now with the previous month and lists the
// latest uploads.
func (s *reportService) Dashboard(userID string, now time.Time) (*Dashboard, error) {
	now = now.UTC()
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)

	current, err := s.summaryFor(userID, now.Year(), now.Month())
	if err != nil {
		return nil, err
	}
	previous, err := s.summaryFor(userID, prev.Year(), prev.Month())
	if err != nil {
		return nil, err
	}

	var recent []models.Receipt
	if err := s.db.Preload("Category").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(DashboardRecentReceipts).
		Find(&recent).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if recent == nil {
		recent = []models.Receipt{}
	}
	var publicURL func(string) string
	if s.store != nil {
		publicURL = s.store.URL
	}
	for i := range recent {
		recent[i].ResolveImageURL(publicURL)
	}

	periods := RecentPeriods(now, DashboardTrendMonths)
	oldest := periods[len(periods)-1]
	trends, err := s.trends(userID, time.Date(oldest.Year, oldest.Month, 1, 0, 0, 0, 0, time.UTC), now)
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		Stats:          dashboardStats(current, previous),
		CurrentSummary: current,
		RecentReceipts: recent,
		MonthlyTrends:  trends,
	}, nil
}

func dashboardStats(current, previous *models.MonthlySummary) DashboardStats {
	curTotal, prevTotal := decimal.Zero, decimal.Zero
	curCount, prevCount := 0, 0
	categories := 0
	if current != nil {
		curTotal, curCount = current.TotalAmount, current.ReceiptCount
		categories = len(current.CategoryBreakdown)
	}
	if previous != nil {
		prevTotal, prevCount = previous.TotalAmount, previous.ReceiptCount
	}
	curAvg, prevAvg := average(curTotal, curCount), average(prevTotal, prevCount)

	return DashboardStats{
		TotalSpent:    curTotal,
		TotalChange:   percentChange(curTotal, prevTotal),
		ReceiptCount:  curCount,
		CountChange:   percentChange(decimal.NewFromInt(int64(curCount)), decimal.NewFromInt(int64(prevCount))),
		AvgPerReceipt: curAvg,
		AvgChange:     percentChange(curAvg, prevAvg),
		CategoryCount: categories,
	}
}

// processedBetween loads processed receipts dated in [start, end].
func (s *reportService) processedBetween(userID string, start, end time.Time) ([]models.Receipt, error) {
	var receipts []models.Receipt
	if err := s.db.Preload("Category").
		Where("user_id = ? AND status = ? AND receipt_date >= ? AND receipt_date <= ?",
			userID, models.ReceiptStatusProcessed, start, end).
		Order("receipt_date, created_at").
		Find(&receipts).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return receipts, nil
}

// Report builds the full report for period ending today.
func (s *reportService) Report(userID string, period ReportPeriod, now time.Time) (*Report, error) {
	start, end := period.Range(now.UTC())

	receipts, err := s.processedBetween(userID, start, end)
	if err != nil {
		return nil, err
	}

	days := int(end.Sub(start).Hours() / 24)
	prevStart := start.AddDate(0, 0, -days)
	previous, err := s.processedBetween(userID, prevStart, start.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}

	trends, err := s.trends(userID, start, end)
	if err != nil {
		return nil, err
	}

	breakdown := categoryTotals(receipts)

	return &Report{
		Period:            period,
		DateRange:         DateRange{Start: start.Format("2006-01-02"), End: end.Format("2006-01-02")},
		MonthlyTrends:     trends,
		CategoryBreakdown: breakdown,
		Statistics:        spendingStatistics(receipts, previous, breakdown, period.Months()),
		TopVendors:        topVendors(receipts, TopVendorLimit),
		DailyPattern:      dailyPattern(receipts),
	}, nil
}

// categoryTotals groups categorised receipts, largest spend first.
func categoryTotals(receipts []models.Receipt) []CategoryTotal {
	byID := map[string]*CategoryTotal{}
	var order []string
	grand := decimal.Zero

	for i := range receipts {
		r := &receipts[i]
		if r.CategoryID == nil || r.Category == nil {
			continue
		}
		t, ok := byID[*r.CategoryID]
		if !ok {
			t = &CategoryTotal{Name: r.Category.Name, Color: r.Category.Color, Amount: decimal.Zero}
			byID[*r.CategoryID] = t
			order = append(order, *r.CategoryID)
		}
		amount := amountOf(r)
		t.Amount = t.Amount.Add(amount)
		t.Count++
		grand = grand.Add(amount)
	}

	totals := make([]CategoryTotal, 0, len(order))
	for _, id := range order {
		t := *byID[id]
		t.Average = average(t.Amount, t.Count)
		t.Percentage = percentOf(t.Amount, grand)
		totals = append(totals, t)
	}
	sort.SliceStable(totals, func(i, j int) bool {
		if !totals[i].Amount.Equal(totals[j].Amount) {
			return totals[i].Amount.GreaterThan(totals[j].Amount)
		}
		return totals[i].Name < totals[j].Name
	})
	return totals
}

func spendingStatistics(current, previous []models.Receipt, breakdown []CategoryTotal, months int) SpendingStatistics {
	total, prevTotal := decimal.Zero, decimal.Zero
	for i := range current {
		total = total.Add(amountOf(&current[i]))
	}
	for i := range previous {
		prevTotal = prevTotal.Add(amountOf(&previous[i]))
	}
	avg, prevAvg := average(total, len(current)), average(prevTotal, len(previous))
	if months < 1 {
		months = 1
	}

	stats := SpendingStatistics{
		TotalExpenses:     total,
		TotalChange:       percentChange(total, prevTotal),
		AverageMonthly:    total.Div(decimal.NewFromInt(int64(months))).Round(2),
		AverageChange:     percentChange(avg, prevAvg),
		ReceiptsProcessed: len(current),
		CountChange:       percentChange(decimal.NewFromInt(int64(len(current))), decimal.NewFromInt(int64(len(previous)))),
	}
	if len(breakdown) > 0 {
		top := breakdown[0]
		stats.HighestCategory = &HighestCategory{
			Name:       top.Name,
			Amount:     top.Amount,
			Percentage: percentOf(top.Amount, total),
		}
	}
	return stats
}

func topVendors(receipts []models.Receipt, limit int) []VendorTotal {
	byName := map[string]*VendorTotal{}
	for i := range receipts {
		r := &receipts[i]
		if r.VendorName == nil || *r.VendorName == "" {
			continue
		}
		v, ok := byName[*r.VendorName]
		if !ok {
			v = &VendorTotal{Name: *r.VendorName, Total: decimal.Zero}
			byName[*r.VendorName] = v
		}
		v.Total = v.Total.Add(amountOf(r))
		v.Visits++
	}

	vendors := make([]VendorTotal, 0, len(byName))
	for _, v := range byName {
		out := *v
		out.Average = average(out.Total, out.Visits)
		vendors = append(vendors, out)
	}
	sort.Slice(vendors, func(i, j int) bool {
		if !vendors[i].Total.Equal(vendors[j].Total) {
			return vendors[i].Total.GreaterThan(vendors[j].Total)
		}
		return vendors[i].Name < vendors[j].Name
	})
	if len(vendors) > limit {
		vendors = vendors[:limit]
	}
	return vendors
}

// dailyPattern averages receipts per weekday, Sunday first. Weekdays with no
// receipts are omitted.
func dailyPattern(receipts []models.Receipt) []DailySpending {
	var totals [7]decimal.Decimal
	var counts [7]int
	for i := range receipts {
		r := &receipts[i]
		if r.ReceiptDate == nil {
			continue
		}
		d := r.ReceiptDate.Weekday()
		totals[d] = totals[d].Add(amountOf(r))
		counts[d]++
	}

	pattern := make([]DailySpending, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if counts[d] == 0 {
			continue
		}
		pattern = append(pattern, DailySpending{
			Day:     d.String(),
			Average: average(totals[d], counts[d]),
			Count:   counts[d],
		})
	}
	return pattern
}

// csvHeader is the column order of the export.
var csvHeader = []string{"Date", "Vendor", "Category", "Amount", "Status", "Confidence", "Notes"}

// ExportFilename returns the download name of an export made on now.
func ExportFilename(now time.Time) string {
	return "expense-report-" + now.Format("2006-01-02") + ".csv"
}

// ExportCSV writes every receipt dated in the period, newest first.
func (s *reportService) ExportCSV(userID string, period ReportPeriod, now time.Time, w io.Writer) error {
	start, end := period.Range(now.UTC())

	var receipts []models.Receipt
	if err := s.db.Preload("Category").
		Where("user_id = ? AND receipt_date >= ? AND receipt_date <= ?", userID, start, end).
		Order("receipt_date DESC, created_at DESC").
		Find(&receipts).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	for i := range receipts {
		if err := cw.Write(csvRow(&receipts[i])); err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}

func csvRow(r *models.Receipt) []string {
	row := make([]string, len(csvHeader))
	if r.ReceiptDate != nil {
		row[0] = r.ReceiptDate.Format("2006-01-02")
	}
	if r.VendorName != nil {
		row[1] = *r.VendorName
	}
	if r.Category != nil {
		row[2] = r.Category.Name
	}
	if r.Amount.Valid {
		row[3] = r.Amount.Decimal.StringFixed(2)
	}
	row[4] = string(r.Status)
	if r.ConfidenceScore.Valid {
		row[5] = r.ConfidenceScore.Decimal.StringFixed(2)
	}
	if r.Notes != nil {
		row[6] = *r.Notes
	}
	return row
}
