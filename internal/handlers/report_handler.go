package handlers

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/services"
)

// ReportHandler handles dashboard, report and export requests.
type ReportHandler struct {
	reportService services.ReportServicer
	now           func() time.Time
}

// NewReportHandler creates a new ReportHandler.
func NewReportHandler(reportService services.ReportServicer) *ReportHandler {
	return &ReportHandler{
		reportService: reportService,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ReportQuery represents the query parameters of report endpoints
type ReportQuery struct {
	Period string `form:"period" binding:"omitempty,report_period"`
}

// GetDashboard handles the retrieval of the dashboard
// @Summary     Get dashboard
// @Description Current month totals compared with last month, recent receipts and a six month trend
// @Tags        reports
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} services.Dashboard "Dashboard"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /dashboard [get]
func (h *ReportHandler) GetDashboard(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	dashboard, err := h.reportService.Dashboard(userID, h.now())
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, dashboard)
}

// GetReport handles the retrieval of a spending report
// @Summary     Get spending report
// @Description Trends, category breakdown, statistics, top vendors and weekday pattern for a period
// @Tags        reports
// @Produce     json
// @Security    BearerAuth
// @Param       period query    string false "1month, 3months, 6months (default) or 1year"
// @Success     200    {object} services.Report "Report"
// @Failure     400    {object} ErrorResponse "Invalid period"
// @Failure     401    {object} ErrorResponse "Unauthorized"
// @Failure     500    {object} ErrorResponse "Server error"
// @Router      /reports [get]
func (h *ReportHandler) GetReport(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var query ReportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	report, err := h.reportService.Report(userID, services.ParseReportPeriod(query.Period), h.now())
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// ExportReport handles a CSV download of the user's receipts
// @Summary     Export receipts as CSV
// @Description Download every receipt dated within the period, newest first
// @Tags        reports
// @Produce     text/csv
// @Security    BearerAuth
// @Param       period query    string false "1month, 3months, 6months (default) or 1year"
// @Success     200    {file}   file "CSV file"
// @Failure     400    {object} ErrorResponse "Invalid period"
// @Failure     401    {object} ErrorResponse "Unauthorized"
// @Failure     500    {object} ErrorResponse "Server error"
// @Router      /reports/export [get]
func (h *ReportHandler) ExportReport(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var query ReportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	now := h.now()
	var buf bytes.Buffer
	if err := h.reportService.ExportCSV(userID, services.ParseReportPeriod(query.Period), now, &buf); err != nil {
		respondWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+services.ExportFilename(now)+`"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}
