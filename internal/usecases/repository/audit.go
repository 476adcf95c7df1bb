package repository

import (
	"context"
	"fmt"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/google/uuid"

	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
	"github.com/coinloft/crypto-custody-app/backend/pkg/database"
)

// AuditRepository appends entries to the audit log.
type AuditRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(logger *slog.Logger, pg *database.Postgres) *AuditRepository {
	return &AuditRepository{
		logger: logger,
		db:     pg.DBGetter,
	}
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	Action       string
	ResourceType string
	ResourceID   string
	UserID       int64
	RiskLevel    entities.RiskLevel
	Details      map[string]any
}

// Insert writes one audit entry.
func (r *AuditRepository) Insert(ctx context.Context, entry AuditEntry) error {
	query := `INSERT INTO audit_log
		(id, action, resource_type, resource_id, user_id, risk_level, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}

	_, err := r.db(ctx).Exec(ctx, query,
		uuid.New(),
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.UserID,
		string(entry.RiskLevel),
		details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}
