package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
	"github.com/coinloft/crypto-custody-app/backend/pkg/database"
)

// ApprovalRulesRepository loads the amount-based approval policies. Rules
// are read once at startup; ascending id is the registration order the
// evaluation loop relies on.
type ApprovalRulesRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

// NewApprovalRulesRepository creates a new approval rules repository.
func NewApprovalRulesRepository(logger *slog.Logger, pg *database.Postgres) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{
		logger: logger,
		db:     pg.DBGetter,
	}
}

// LoadAll returns every approval rule in registration order.
func (r *ApprovalRulesRepository) LoadAll(ctx context.Context) ([]entities.ApprovalRule, error) {
	query := `SELECT id, chain, network, asset, min_amount, max_amount,
	                 auto_approve, requires_manual_approval, risk_level, conditions
	            FROM approval_rules
	           ORDER BY id ASC`

	rows, err := r.db(ctx).Query(ctx, query)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query approval rules: %w", err)
	}

	rules, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.ApprovalRule])
	if err != nil {
		r.logger.Error("failed to collect approval rule rows", "error", err)
		return nil, err
	}

	r.logger.Info("Loaded approval rules", "count", len(rules))
	return rules, nil
}
