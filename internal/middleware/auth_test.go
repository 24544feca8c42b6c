package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"receiptly/internal/config"
	"receiptly/internal/models"
)

func setupAuthRouter() *gin.Engine {
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(UserIDKey), "email": c.GetString(EmailKey)})
	})
	return r
}

func doAuthRequest(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	user := &models.User{Email: "alice@example.com"}
	user.ID = "0190c5b2-7a3e-7000-8000-00000000abcd"

	token, err := GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		UserID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			Issuer:    tokenIssuer,
		},
	}).SignedString(getJWTKey())
	if err != nil {
		t.Fatalf("sign expired token: %v", err)
	}

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		UserID:           user.ID,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer},
	}).SignedString([]byte("not-the-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid_token", "Bearer " + token, http.StatusOK},
		{"missing_header", "", http.StatusUnauthorized},
		{"wrong_scheme", "Basic " + token, http.StatusUnauthorized},
		{"expired_token", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong_signature", "Bearer " + forged, http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
	}

	r := setupAuthRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doAuthRequest(r, tt.header)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			body := parseBody(t, rec)
			if tt.wantStatus == http.StatusOK {
				if body["user_id"] != user.ID {
					t.Errorf("expected user_id %s, got %v", user.ID, body["user_id"])
				}
				return
			}
			errObj, ok := body["error"].(map[string]interface{})
			if !ok || errObj["code"] != "UNAUTHORIZED" {
				t.Errorf("expected UNAUTHORIZED error, got %v", body)
			}
		})
	}
}

func TestGenerateToken_expiry(t *testing.T) {
	user := &models.User{Email: "bob@example.com"}
	user.ID = "0190c5b2-7a3e-7000-8000-00000000beef"

	token, err := GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	want := time.Now().Add(config.Get().JWTExpirationDur)
	if d := claims.ExpiresAt.Sub(want); d > time.Minute || d < -time.Minute {
		t.Errorf("unexpected expiry %v, want about %v", claims.ExpiresAt.Time, want)
	}
	if claims.Subject != user.ID || claims.Email != user.Email {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.GET("/status", NoStore(), func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", http.NoBody))

	if got := rec.Header().Get("Cache-Control"); got != "no-store, no-cache, must-revalidate" {
		t.Errorf("unexpected Cache-Control %q", got)
	}
}
