package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"receiptly/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// counter provides unique values across fixtures within a test run.
var counter atomic.Int64

func nextID() int64 {
	return counter.Add(1)
}

// CreateTestUser creates a user with a hashed password and unique email.
func CreateTestUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	email := fmt.Sprintf("user%d@test.com", nextID())
	return CreateTestUserWithEmail(t, db, email)
}

// CreateTestUserWithEmail creates a user with the given email.
func CreateTestUserWithEmail(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	user := &models.User{
		Email:    email,
		Password: string(hash),
		IsActive: true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

// GetCategory loads a seeded category by slug.
func GetCategory(t *testing.T, db *gorm.DB, slug string) *models.Category {
	t.Helper()

	var category models.Category
	if err := db.Where("slug = ?", slug).First(&category).Error; err != nil {
		t.Fatalf("failed to load category %q: %v", slug, err)
	}
	return &category
}

// CreateTestReceipt creates a pending receipt pointing at a unique image key.
func CreateTestReceipt(t *testing.T, db *gorm.DB, userID string) *models.Receipt {
	t.Helper()

	receipt := &models.Receipt{
		UserID:    userID,
		ImagePath: fmt.Sprintf("receipts/%s/test-%d.jpg", userID, nextID()),
		Status:    models.ReceiptStatusPending,
	}
	if err := db.Create(receipt).Error; err != nil {
		t.Fatalf("failed to create test receipt: %v", err)
	}
	return receipt
}

// CreateReceiptWithStatus creates a receipt in the given state.
func CreateReceiptWithStatus(t *testing.T, db *gorm.DB, userID string, status models.ReceiptStatus) *models.Receipt {
	t.Helper()

	receipt := CreateTestReceipt(t, db, userID)
	if err := db.Model(receipt).Update("status", status).Error; err != nil {
		t.Fatalf("failed to set receipt status: %v", err)
	}
	receipt.Status = status
	return receipt
}

// CreateProcessedReceipt creates a processed receipt with the given amount
// (e.g. "12.50"), date and category slug.
func CreateProcessedReceipt(t *testing.T, db *gorm.DB, userID, vendor, amount string, date time.Time, categorySlug string) *models.Receipt {
	t.Helper()

	category := GetCategory(t, db, categorySlug)
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	processedAt := time.Now().UTC()
	receipt := &models.Receipt{
		UserID:          userID,
		CategoryID:      &category.ID,
		VendorName:      &vendor,
		Amount:          decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		ReceiptDate:     &day,
		ImagePath:       fmt.Sprintf("receipts/%s/test-%d.jpg", userID, nextID()),
		Status:          models.ReceiptStatusProcessed,
		ConfidenceScore: decimal.NewNullDecimal(decimal.RequireFromString("0.90")),
		ProcessedAt:     &processedAt,
	}
	if err := db.Create(receipt).Error; err != nil {
		t.Fatalf("failed to create processed receipt: %v", err)
	}
	return receipt
}
