// Package validator provides custom validation functions for Gin's binding engine.
package validator

import (
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"receiptly/internal/models"
)

// Register registers all custom validators with the Gin binding engine.
func Register() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		RegisterOn(v)
	}
}

// RegisterOn registers the custom validators on v.
func RegisterOn(v *validator.Validate) {
	_ = v.RegisterValidation("receipt_status", validateReceiptStatus)
	_ = v.RegisterValidation("category_slug", validateCategorySlug)
	_ = v.RegisterValidation("report_period", validateReportPeriod)
	_ = v.RegisterValidation("year_month", validateYearMonth)
	_ = v.RegisterValidation("calendar_date", validateCalendarDate)
}

func validateReceiptStatus(fl validator.FieldLevel) bool {
	return models.ReceiptStatus(fl.Field().String()).IsValid()
}

func validateCategorySlug(fl validator.FieldLevel) bool {
	return models.IsCategorySlug(fl.Field().String())
}

func validateReportPeriod(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "1month", "3months", "6months", "1year":
		return true
	}
	return false
}

func validateYearMonth(fl validator.FieldLevel) bool {
	_, err := time.Parse("2006-01", fl.Field().String())
	return err == nil
}

func validateCalendarDate(fl validator.FieldLevel) bool {
	_, err := time.Parse("2006-01-02", fl.Field().String())
	return err == nil
}
