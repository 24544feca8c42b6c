package testutil_test

import (
	"testing"
	"time"

	"receiptly/internal/errors"
	"receiptly/internal/models"
	"receiptly/internal/testutil"
)

func TestSetupTestDB(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.TeardownTestDB(t, db)

	// Verify all tables exist by doing a simple count query on each model.
	var count int64
	for _, table := range []string{"users", "categories", "receipts", "monthly_summaries", "audit_logs"} {
		if err := db.Table(table).Count(&count).Error; err != nil {
			t.Errorf("table %q should exist after migration: %v", table, err)
		}
	}

	if err := db.Model(&models.Category{}).Count(&count).Error; err != nil {
		t.Fatalf("count categories: %v", err)
	}
	if count != int64(len(models.CategorySlugs)) {
		t.Errorf("expected %d seeded categories, got %d", len(models.CategorySlugs), count)
	}
}

func TestSetupTestDB_Isolated(t *testing.T) {
	first := testutil.SetupTestDB(t)
	defer testutil.TeardownTestDB(t, first)
	second := testutil.SetupTestDB(t)
	defer testutil.TeardownTestDB(t, second)

	testutil.CreateTestUser(t, first)

	var count int64
	second.Model(&models.User{}).Count(&count)
	if count != 0 {
		t.Errorf("expected separate databases, found %d users in the second", count)
	}
}

func TestFixtures(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.TeardownTestDB(t, db)

	user := testutil.CreateTestUser(t, db)
	if user.ID == "" {
		t.Fatal("user should have an ID")
	}

	pending := testutil.CreateTestReceipt(t, db, user.ID)
	if pending.Status != models.ReceiptStatusPending {
		t.Errorf("expected pending receipt, got %s", pending.Status)
	}

	failed := testutil.CreateReceiptWithStatus(t, db, user.ID, models.ReceiptStatusFailed)
	var reloaded models.Receipt
	db.First(&reloaded, "id = ?", failed.ID)
	if reloaded.Status != models.ReceiptStatusFailed {
		t.Errorf("expected failed receipt, got %s", reloaded.Status)
	}

	processed := testutil.CreateProcessedReceipt(t, db, user.ID, "Cafe", "12.50", time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), models.CategorySlugRestaurant)
	if processed.Amount.Decimal.StringFixed(2) != "12.50" {
		t.Errorf("expected amount 12.50, got %s", processed.Amount.Decimal.StringFixed(2))
	}
	if processed.CategoryID == nil {
		t.Error("processed receipt should have a category")
	}
}

func TestAssertAppError(t *testing.T) {
	testutil.AssertAppError(t, errors.ErrReceiptNotFound, "RECEIPT_NOT_FOUND")
	testutil.AssertAppError(t, errors.Wrap(errors.ErrUpstream, nil), "AI_UPSTREAM_ERROR")
}

func TestAssertNoError(t *testing.T) {
	testutil.AssertNoError(t, nil)
}
