package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
	"github.com/coinloft/crypto-custody-app/backend/pkg/database"
)

// DepositsRepository handles deposit persistence and the atomic crediting
// step.
type DepositsRepository struct {
	logger *slog.Logger

	db         tx.DBGetter
	transactor *tx.Transactor
}

// NewDepositsRepository creates a new deposits repository.
func NewDepositsRepository(logger *slog.Logger, pg *database.Postgres) *DepositsRepository {
	return &DepositsRepository{
		logger:     logger,
		db:         pg.DBGetter,
		transactor: pg.Transactor,
	}
}

// UpsertCandidate creates a deposit on first sighting of a candidate, or
// raises the observed confirmation count of the existing row. The unique
// index on (tx_hash, wallet_address, asset) guarantees at most one deposit
// per real on-chain transfer, and GREATEST keeps the count monotonic.
// Status is never touched here: that is the confirmation manager's job.
func (r *DepositsRepository) UpsertCandidate(ctx context.Context, c entities.DepositCandidate, required int) error {
	query := `INSERT INTO deposits
		(user_id, amount, asset, chain, network, status, tx_hash, wallet_address, confirmations_required, confirmations)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9)
		ON CONFLICT (tx_hash, wallet_address, asset) DO UPDATE
		SET confirmations = GREATEST(deposits.confirmations, EXCLUDED.confirmations),
		    updated_at = NOW()`

	_, err := r.db(ctx).Exec(ctx, query,
		c.UserID, c.Amount, c.Asset, c.Chain, c.Network,
		c.TxHash, c.WalletAddress, required, c.Confirmations)
	if err != nil {
		return fmt.Errorf("failed to upsert deposit candidate: %w", err)
	}

	return nil
}

// FindByStatus retrieves all deposits in the given status, oldest first.
// FIFO ordering keeps confirmation passes fair to early deposits.
func (r *DepositsRepository) FindByStatus(ctx context.Context, status entities.DepositStatus) ([]entities.Deposit, error) {
	query := `SELECT id, user_id, amount, asset, chain, network, status, tx_hash, wallet_address,
	                 confirmations_required, confirmations, memo_tag, created_at, updated_at
	            FROM deposits
	           WHERE status = $1
	           ORDER BY created_at ASC`

	rows, err := r.db(ctx).Query(ctx, query, string(status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	deposits, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Deposit])
	if err != nil {
		r.logger.Error("failed to collect deposit rows", "error", err)
		return nil, err
	}

	return deposits, nil
}

// FindByID retrieves a single deposit.
func (r *DepositsRepository) FindByID(ctx context.Context, id uuid.UUID) (*entities.Deposit, error) {
	query := `SELECT id, user_id, amount, asset, chain, network, status, tx_hash, wallet_address,
	                 confirmations_required, confirmations, memo_tag, created_at, updated_at
	            FROM deposits
	           WHERE id = $1`

	rows, err := r.db(ctx).Query(ctx, query, id)
	if err != nil {
		return nil, err
	}

	deposit, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[entities.Deposit])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deposit by id: %w", err)
	}

	return &deposit, nil
}

// TransitionStatus moves a deposit from one status to another, appending the
// reason to its memo tag. The WHERE clause on the current status makes the
// transition forward-only: a deposit that already left `from` is simply not
// touched.
func (r *DepositsRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to entities.DepositStatus, reason string) error {
	query := `UPDATE deposits
	             SET status = $3,
	                 memo_tag = CASE WHEN memo_tag = '' THEN $4 ELSE memo_tag || '; ' || $4 END,
	                 updated_at = NOW()
	           WHERE id = $1 AND status = $2`

	ct, err := r.db(ctx).Exec(ctx, query, id, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("failed to transition deposit %s to %s: %w", id, to, err)
	}

	if ct.RowsAffected() == 0 {
		r.logger.Debug("Deposit status transition skipped, row no longer in expected status",
			"deposit_id", id, "from", from, "to", to)
	}

	return nil
}

// AppendMemo appends a note to the deposit memo tag without changing status.
func (r *DepositsRepository) AppendMemo(ctx context.Context, id uuid.UUID, note string) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE deposits
		    SET memo_tag = CASE WHEN memo_tag = '' THEN $2 ELSE memo_tag || '; ' || $2 END,
		        updated_at = NOW()
		  WHERE id = $1`,
		id, note)
	if err != nil {
		return fmt.Errorf("failed to append deposit memo: %w", err)
	}

	return nil
}

// ApproveDepositAndCredit flips a confirmed deposit to credited and
// increments the owner's balance in one database transaction. The
// status-guarded UPDATE is what makes repeated invocation safe: once the
// row has left confirmed, zero rows are affected and nothing is credited.
func (r *DepositsRepository) ApproveDepositAndCredit(ctx context.Context, id uuid.UUID) error {
	return r.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		var deposit entities.Deposit

		err := r.db(ctx).QueryRow(ctx,
			`UPDATE deposits
			    SET status = 'credited', updated_at = NOW()
			  WHERE id = $1 AND status = 'confirmed'
			  RETURNING user_id, asset, amount`,
			id).Scan(&deposit.UserID, &deposit.Asset, &deposit.Amount)

		if errors.Is(err, pgx.ErrNoRows) {
			// Already credited (or rejected) by an earlier call.
			r.logger.Info("Deposit no longer confirmed, credit skipped", "deposit_id", id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to mark deposit %s credited: %w", id, err)
		}

		_, err = r.db(ctx).Exec(ctx,
			`INSERT INTO accounts (user_id, asset, balance, updated_at)
			 VALUES ($1, $2, $3, NOW())
			 ON CONFLICT (user_id, asset) DO UPDATE
			 SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()`,
			deposit.UserID, deposit.Asset, deposit.Amount)
		if err != nil {
			return fmt.Errorf("failed to credit balance for deposit %s: %w", id, err)
		}

		r.logger.Info("Deposit credited",
			"deposit_id", id,
			"user_id", deposit.UserID,
			"asset", deposit.Asset,
			"amount", deposit.Amount.String())

		return nil
	})
}

// DepositFilter narrows List results. Zero values mean "no filter".
type DepositFilter struct {
	Status entities.DepositStatus
	Chain  string
	UserID int64
	Limit  uint64
}

// List returns deposits matching the filter, newest first.
func (r *DepositsRepository) List(ctx context.Context, filter DepositFilter) ([]entities.Deposit, error) {
	builder := sq.Select("id", "user_id", "amount", "asset", "chain", "network", "status",
		"tx_hash", "wallet_address", "confirmations_required", "confirmations",
		"memo_tag", "created_at", "updated_at").
		From("deposits").
		OrderBy("created_at DESC").
		PlaceholderFormat(sq.Dollar)

	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Chain != "" {
		builder = builder.Where(sq.Eq{"chain": filter.Chain})
	}
	if filter.UserID != 0 {
		builder = builder.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(filter.Limit)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build deposits query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	deposits, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Deposit])
	if err != nil {
		r.logger.Error("failed to collect deposit rows", "error", err)
		return nil, err
	}

	return deposits, nil
}

// CountByStatus returns per-bucket aggregate counts plus the size of the
// manual approval queue. The queue is a filtered view over confirmed
// deposits, not a stored state.
func (r *DepositsRepository) CountByStatus(ctx context.Context) (entities.DepositStatistics, error) {
	var stats entities.DepositStatistics

	query, args, err := sq.Select("status", "COUNT(*)").
		From("deposits").
		GroupBy("status").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return stats, fmt.Errorf("failed to build statistics query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64

		if err = rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan statistics row: %w", err)
		}

		switch entities.DepositStatus(status) {
		case entities.DepositStatusPending:
			stats.Pending = count
		case entities.DepositStatusConfirmed:
			stats.Confirmed = count
		case entities.DepositStatusCredited:
			stats.Credited = count
		case entities.DepositStatusRejected:
			stats.Rejected = count
		case entities.DepositStatusFailed:
			stats.Failed = count
		}
	}

	err = r.db(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM deposits WHERE status = 'confirmed' AND memo_tag LIKE '%' || $1 || '%'`,
		ports.ManualReviewMemoTag).Scan(&stats.ManualApprovalQueue)
	if err != nil {
		return stats, fmt.Errorf("failed to count manual approval queue: %w", err)
	}

	return stats, nil
}
