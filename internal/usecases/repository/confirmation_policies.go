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

// ConfirmationPoliciesRepository loads the per (chain, network) confirmation
// thresholds and timeouts. Policies are loaded once at startup and treated
// as immutable for the process lifetime.
type ConfirmationPoliciesRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

// NewConfirmationPoliciesRepository creates a new confirmation policies repository.
func NewConfirmationPoliciesRepository(logger *slog.Logger, pg *database.Postgres) *ConfirmationPoliciesRepository {
	return &ConfirmationPoliciesRepository{
		logger: logger,
		db:     pg.DBGetter,
	}
}

// LoadEnabled returns all enabled policies keyed by (chain, network). A
// policy violating its own invariants is a startup error: better to refuse
// to run than to confirm deposits against a broken threshold.
func (r *ConfirmationPoliciesRepository) LoadEnabled(ctx context.Context) (map[entities.PolicyKey]entities.ConfirmationPolicy, error) {
	query := `SELECT chain, network, min_confirmations, max_confirmations, timeout_minutes, enabled
	            FROM confirmation_policies
	           WHERE enabled = TRUE`

	rows, err := r.db(ctx).Query(ctx, query)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[entities.PolicyKey]entities.ConfirmationPolicy{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmation policies: %w", err)
	}

	policies, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.ConfirmationPolicy])
	if err != nil {
		r.logger.Error("failed to collect confirmation policy rows", "error", err)
		return nil, err
	}

	byKey := make(map[entities.PolicyKey]entities.ConfirmationPolicy, len(policies))
	for _, policy := range policies {
		if err = policy.Validate(); err != nil {
			return nil, err
		}
		byKey[entities.PolicyKey{Chain: policy.Chain, Network: policy.Network}] = policy
	}

	r.logger.Info("Loaded confirmation policies", "count", len(byKey))
	return byKey, nil
}
