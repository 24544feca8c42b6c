package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	apperrors "receiptly/internal/errors"
	"receiptly/internal/logger"
)

// APIKeyHeader carries the shared secret of scheduler-driven pipeline calls.
const APIKeyHeader = "X-API-Key"

func abortAppError(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.StatusCode, gin.H{
		"error": gin.H{
			"code":    err.Code,
			"message": err.Message,
		},
	})
}

// PipelineAuthMiddleware guards the pipeline routes, such as the nightly
// summary recompute, with a static API key. An empty configured key disables
// the routes instead of leaving them open.
func PipelineAuthMiddleware(apiKey string) gin.HandlerFunc {
	expected := []byte(apiKey)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			abortAppError(c, apperrors.ErrPipelineNotConfigured)
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(APIKeyHeader)), expected) != 1 {
			logger.Get().Warnw("rejected pipeline request",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP(),
			)
			abortAppError(c, apperrors.ErrInvalidAPIKey)
			return
		}
		c.Next()
	}
}
