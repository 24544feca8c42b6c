// Package errors provides custom error types for the receiptly API and worker.
// All service-layer errors should use AppError to ensure consistent,
// secure error responses that never leak internal details to clients.
package errors

import "net/http"

// AppError represents a structured application error with an error code,
// human-readable message, HTTP status code, and optional internal error.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string { return e.Message }

// Unwrap returns the internal error for use with errors.Is/As.
func (e *AppError) Unwrap() error { return e.Internal }

// Is reports whether target is an AppError with the same code, so wrapped
// copies of a sentinel still match it.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Wrap creates a new AppError with the same code/message/status but wraps an internal error.
func Wrap(sentinel *AppError, internal error) *AppError {
	return &AppError{
		Code:       sentinel.Code,
		Message:    sentinel.Message,
		StatusCode: sentinel.StatusCode,
		Internal:   internal,
	}
}

// WithMessage creates a new AppError with a custom message.
func WithMessage(sentinel *AppError, message string) *AppError {
	return &AppError{
		Code:       sentinel.Code,
		Message:    message,
		StatusCode: sentinel.StatusCode,
		Internal:   sentinel.Internal,
	}
}

// Authentication & authorization errors.
var (
	ErrUnauthorized       = &AppError{Code: "UNAUTHORIZED", Message: "Authentication required", StatusCode: http.StatusUnauthorized}
	ErrInvalidCredentials = &AppError{Code: "INVALID_CREDENTIALS", Message: "Invalid email or password", StatusCode: http.StatusUnauthorized}
	ErrForbidden          = &AppError{Code: "FORBIDDEN", Message: "Access denied", StatusCode: http.StatusForbidden}

	ErrInvalidAPIKey         = &AppError{Code: "INVALID_API_KEY", Message: "Invalid or missing API key", StatusCode: http.StatusUnauthorized}
	ErrPipelineNotConfigured = &AppError{Code: "PIPELINE_NOT_CONFIGURED", Message: "Pipeline endpoints are not configured", StatusCode: http.StatusServiceUnavailable}
)

// General errors.
var (
	ErrInvalidInput   = &AppError{Code: "INVALID_INPUT", Message: "Invalid input", StatusCode: http.StatusBadRequest}
	ErrNotFound       = &AppError{Code: "NOT_FOUND", Message: "Resource not found", StatusCode: http.StatusNotFound}
	ErrInternalServer = &AppError{Code: "INTERNAL_ERROR", Message: "An internal error occurred", StatusCode: http.StatusInternalServerError}
	ErrPersistence    = &AppError{Code: "PERSISTENCE_ERROR", Message: "Failed to persist data", StatusCode: http.StatusInternalServerError}
)

// User errors.
var (
	ErrUserNotFound   = &AppError{Code: "USER_NOT_FOUND", Message: "User not found", StatusCode: http.StatusNotFound}
	ErrDuplicateEmail = &AppError{Code: "DUPLICATE_EMAIL", Message: "A user with this email already exists", StatusCode: http.StatusConflict}
)

// Category errors.
var (
	ErrCategoryNotFound = &AppError{Code: "CATEGORY_NOT_FOUND", Message: "Category not found", StatusCode: http.StatusNotFound}
)

// Receipt errors.
var (
	ErrReceiptNotFound   = &AppError{Code: "RECEIPT_NOT_FOUND", Message: "Receipt not found", StatusCode: http.StatusNotFound}
	ErrReceiptProcessing = &AppError{Code: "RECEIPT_PROCESSING", Message: "Receipt is already being processed", StatusCode: http.StatusConflict}
	ErrImageRequired     = &AppError{Code: "IMAGE_REQUIRED", Message: "Please select a receipt image to upload", StatusCode: http.StatusBadRequest}
	ErrImageTooLarge     = &AppError{Code: "IMAGE_TOO_LARGE", Message: "The image size must not exceed 10MB", StatusCode: http.StatusRequestEntityTooLarge}
	ErrUnsupportedImage  = &AppError{Code: "UNSUPPORTED_IMAGE", Message: "Only JPEG, PNG, HEIC, and WebP images are allowed", StatusCode: http.StatusUnsupportedMediaType}
)

// Summary errors.
var (
	ErrSummaryNotFound = &AppError{Code: "SUMMARY_NOT_FOUND", Message: "Monthly summary not found", StatusCode: http.StatusNotFound}
)

// Ingestion pipeline errors.
var (
	ErrUpstream         = &AppError{Code: "AI_UPSTREAM_ERROR", Message: "Receipt analysis service returned an error", StatusCode: http.StatusBadGateway}
	ErrMissingImage     = &AppError{Code: "IMAGE_MISSING", Message: "Receipt image file not found", StatusCode: http.StatusInternalServerError}
	ErrQueueUnavailable = &AppError{Code: "QUEUE_UNAVAILABLE", Message: "Receipt processing is temporarily unavailable", StatusCode: http.StatusServiceUnavailable}
)
