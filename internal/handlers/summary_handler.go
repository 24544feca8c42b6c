package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/logger"
	"receiptly/internal/pagination"
	"receiptly/internal/services"
)

// SummaryHandler handles monthly summary requests.
type SummaryHandler struct {
	summaryService services.SummaryServicer
	userService    services.UserServicer
	now            func() time.Time
}

// NewSummaryHandler creates a new SummaryHandler.
func NewSummaryHandler(summaryService services.SummaryServicer, userService services.UserServicer) *SummaryHandler {
	return &SummaryHandler{
		summaryService: summaryService,
		userService:    userService,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RecomputeSummariesRequest narrows a pipeline recompute. Both fields are
// optional: no user means every active user, no month means the most recent
// months.
type RecomputeSummariesRequest struct {
	UserID string `json:"user_id" binding:"omitempty,uuid"`
	Month  string `json:"month" binding:"omitempty,year_month" example:"2024-03"`
}

// RecomputeSummariesResponse reports the outcome of a pipeline recompute
type RecomputeSummariesResponse struct {
	Recomputed int      `json:"recomputed"`
	Failed     int      `json:"failed"`
	Users      int      `json:"users"`
	Periods    []string `json:"periods"`
}

// ListSummaries handles the retrieval of the user's monthly summaries
// @Summary     List monthly summaries
// @Description Get a paginated list of monthly summaries, newest month first
// @Tags        summaries
// @Produce     json
// @Security    BearerAuth
// @Param       page      query int false "Page number (default 1)"
// @Param       page_size query int false "Items per page (default 20, max 100)"
// @Success     200 {object} pagination.PageResponse[models.MonthlySummary] "Paginated summaries"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /summaries [get]
func (h *SummaryHandler) ListSummaries(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var page pagination.PageRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	result, err := h.summaryService.List(userID, page)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetSummary handles the retrieval of one month's summary
// @Summary     Get a monthly summary
// @Description Get the summary for one calendar month
// @Tags        summaries
// @Produce     json
// @Security    BearerAuth
// @Param       year  path     int true "Year"
// @Param       month path     int true "Month (1-12)"
// @Success     200 {object} models.MonthlySummary "Monthly summary"
// @Failure     400 {object} ErrorResponse "Invalid year or month"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Summary not found"
// @Router      /summaries/{year}/{month} [get]
func (h *SummaryHandler) GetSummary(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year < 1970 || year > 9999 {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, "Invalid year"))
		return
	}
	month, err := strconv.Atoi(c.Param("month"))
	if err != nil || month < 1 || month > 12 {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, "Invalid month"))
		return
	}

	summary, err := h.summaryService.Get(userID, year, time.Month(month))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// RecomputeSummaries rebuilds monthly summaries from processed receipts
// @Summary     Recompute monthly summaries
// @Description Rebuild summaries for one or all users, for one month or the last three. Safe to repeat.
// @Tags        pipeline
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
// @Param       request body     RecomputeSummariesRequest false "Optional user and month"
// @Success     200     {object} RecomputeSummariesResponse "Recompute outcome"
// @Failure     400     {object} ErrorResponse "Invalid input"
// @Failure     401     {object} ErrorResponse "Invalid API key"
// @Failure     500     {object} ErrorResponse "Server error"
// @Router      /pipeline/summaries/recompute [post]
func (h *SummaryHandler) RecomputeSummaries(c *gin.Context) {
	var req RecomputeSummariesRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	periods := services.RecentPeriods(h.now(), services.DefaultRecomputeMonths)
	if req.Month != "" {
		p, err := services.ParsePeriod(req.Month)
		if err != nil {
			respondWithError(c, err)
			return
		}
		periods = []services.Period{p}
	}

	userIDs := []string{req.UserID}
	if req.UserID == "" {
		ids, err := h.userService.ListUserIDs()
		if err != nil {
			respondWithError(c, err)
			return
		}
		userIDs = ids
	}

	done, err := h.summaryService.RecomputeBatch(c.Request.Context(), userIDs, periods, services.DefaultRecomputeConcurrency)
	if err != nil {
		logger.Get().Warnw("summary recompute finished with errors",
			"recomputed", done,
			"error", err,
		)
	}

	labels := make([]string, len(periods))
	for i, p := range periods {
		labels[i] = p.String()
	}

	c.JSON(http.StatusOK, RecomputeSummariesResponse{
		Recomputed: done,
		Failed:     len(userIDs)*len(periods) - done,
		Users:      len(userIDs),
		Periods:    labels,
	})
}
