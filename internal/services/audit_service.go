package services

import (
	"receiptly/internal/logger"
	"receiptly/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit actions recorded for receipts.
const (
	AuditActionUpload    = "UPLOAD_RECEIPT"
	AuditActionUpdate    = "UPDATE_RECEIPT"
	AuditActionDelete    = "DELETE_RECEIPT"
	AuditActionReprocess = "REPROCESS_RECEIPT"

	AuditResourceReceipt = "receipt"
)

// auditService handles audit log recording.
type auditService struct {
	db *gorm.DB
}

// NewAuditService creates a new AuditServicer.
func NewAuditService(db *gorm.DB) AuditServicer {
	return &auditService{db: db}
}

// Log records an audit event. Errors are logged but never propagate
// to avoid disrupting the main operation.
func (s *auditService) Log(userID, action, resourceType, resourceID, ipAddress string, changes map[string]any) {
	entry := &models.AuditLog{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    ipAddress,
	}
	if changes != nil {
		entry.Changes = datatypes.JSONMap(changes)
	}

	if err := s.db.Create(entry).Error; err != nil {
		logger.Get().Errorw("failed to create audit log entry",
			"error", err,
			"user_id", userID,
			"action", action,
			"resource_type", resourceType,
			"resource_id", resourceID,
		)
	}
}
