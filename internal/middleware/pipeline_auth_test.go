package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const recomputePath = "/api/v1/pipeline/summaries/recompute"

// pipelineRouter mounts a recompute stub behind the key check and counts how
// often the stub is reached.
func pipelineRouter(apiKey string, reached *int) *gin.Engine {
	r := gin.New()
	pipeline := r.Group("/api/v1/pipeline", PipelineAuthMiddleware(apiKey))
	pipeline.POST("/summaries/recompute", func(c *gin.Context) {
		*reached++
		c.JSON(http.StatusOK, gin.H{"recomputed": 0})
	})
	return r
}

func postRecompute(r *gin.Engine, header, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, recomputePath, http.NoBody)
	if key != "" {
		req.Header.Set(header, key)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response body: %v", err)
	}
	if body.Error.Message == "" {
		t.Error("expected an error message")
	}
	return body.Error.Code
}

func TestPipelineAuthMiddleware(t *testing.T) {
	const key = "nightly-recompute-key"

	tests := []struct {
		name       string
		configured string
		header     string
		sent       string
		wantStatus int
		wantCode   string
	}{
		{"matching_key", key, APIKeyHeader, key, http.StatusOK, ""},
		{"header_name_is_case_insensitive", key, "x-api-key", key, http.StatusOK, ""},
		{"wrong_key", key, APIKeyHeader, "nightly-recompute-kez", http.StatusUnauthorized, "INVALID_API_KEY"},
		{"prefix_of_key", key, APIKeyHeader, "nightly", http.StatusUnauthorized, "INVALID_API_KEY"},
		{"no_header", key, APIKeyHeader, "", http.StatusUnauthorized, "INVALID_API_KEY"},
		{"key_in_other_header", key, "Authorization", key, http.StatusUnauthorized, "INVALID_API_KEY"},
		{"not_configured", "", APIKeyHeader, key, http.StatusServiceUnavailable, "PIPELINE_NOT_CONFIGURED"},
		{"not_configured_no_header", "", APIKeyHeader, "", http.StatusServiceUnavailable, "PIPELINE_NOT_CONFIGURED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := 0
			rec := postRecompute(pipelineRouter(tt.configured, &reached), tt.header, tt.sent)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantCode == "" {
				if reached != 1 {
					t.Errorf("expected the handler to run once, ran %d times", reached)
				}
				return
			}
			if reached != 0 {
				t.Errorf("expected the handler to be skipped, ran %d times", reached)
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("expected error code %s, got %s", tt.wantCode, code)
			}
		})
	}
}
