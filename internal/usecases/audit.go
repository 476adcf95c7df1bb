package usecases

import (
	"context"
	"log/slog"

	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
	"github.com/coinloft/crypto-custody-app/backend/internal/usecases/repository"
)

// AuditServiceImpl writes to the append-only audit sink. A failed audit
// write is logged and swallowed: auditing must never abort the deposit
// workflow it describes.
type AuditServiceImpl struct {
	logger *slog.Logger
	repo   *repository.AuditRepository
}

// NewAuditService creates a new audit service.
func NewAuditService(logger *slog.Logger, repo *repository.AuditRepository) *AuditServiceImpl {
	return &AuditServiceImpl{
		logger: logger,
		repo:   repo,
	}
}

// Log appends one audit entry.
func (s *AuditServiceImpl) Log(ctx context.Context, action, resourceType, resourceID string, userID int64, riskLevel entities.RiskLevel, details map[string]any) {
	err := s.repo.Insert(ctx, repository.AuditEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		RiskLevel:    riskLevel,
		Details:      details,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to write audit entry",
			"error", err,
			"action", action,
			"resource_type", resourceType,
			"resource_id", resourceID)
	}
}
