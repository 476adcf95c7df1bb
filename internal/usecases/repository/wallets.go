package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
	"github.com/coinloft/crypto-custody-app/backend/pkg/database"
)

// WalletsRepository reads the watched custodial deposit addresses. Address
// provisioning (HD derivation) lives in the external wallet service; this
// repository only consumes its rows.
type WalletsRepository struct {
	logger     *slog.Logger
	db         tx.DBGetter
	transactor *tx.Transactor
}

// NewWalletsRepository creates a new wallet repository.
func NewWalletsRepository(logger *slog.Logger, pg *database.Postgres) *WalletsRepository {
	return &WalletsRepository{
		logger:     logger,
		db:         pg.DBGetter,
		transactor: pg.Transactor,
	}
}

// FindWalletByAddress retrieves a watched wallet by chain, network and
// address. Returns (nil, nil) when the address is not ours.
func (r *WalletsRepository) FindWalletByAddress(ctx context.Context, chain, network, address string) (*entities.Wallet, error) {
	query := `SELECT id, user_id, chain, network, address, created_at
              FROM wallets
              WHERE chain = $1 AND network = $2 AND address = $3`

	var wallet entities.Wallet
	err := r.db(ctx).QueryRow(ctx, query, chain, network, address).Scan(
		&wallet.ID,
		&wallet.UserID,
		&wallet.Chain,
		&wallet.Network,
		&wallet.Address,
		&wallet.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet by address: %w", err)
	}

	return &wallet, nil
}

// IsWalletTracked checks if the given address belongs to our custody.
func (r *WalletsRepository) IsWalletTracked(ctx context.Context, chain, network, address string) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM wallets WHERE chain = $1 AND network = $2 AND address = $3)",
		chain, network, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if wallet exists: %w", err)
	}
	return exists, nil
}

// GetWatchedWallets retrieves all watched addresses for one chain/network.
func (r *WalletsRepository) GetWatchedWallets(ctx context.Context, chain, network string) ([]entities.Wallet, error) {
	query := `SELECT id, user_id, chain, network, address, created_at
              FROM wallets
              WHERE chain = $1 AND network = $2
              ORDER BY id`

	rows, err := r.db(ctx).Query(ctx, query, chain, network)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query watched wallets: %w", err)
	}

	wallets, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Wallet])
	if err != nil {
		r.logger.Error("failed to collect watched wallets rows", "error", err)
		return nil, err
	}

	return wallets, nil
}

// TrackWallet adds an address to the watch set. Used by provisioning tooling
// and tests; the detector path only reads.
func (r *WalletsRepository) TrackWallet(ctx context.Context, chain, network, address string, userID int64) (int, error) {
	exists, err := r.IsWalletTracked(ctx, chain, network, address)
	if err != nil {
		return 0, err
	}

	if exists {
		r.logger.Debug("Wallet already tracked", "chain", chain, "address", address)
		return 0, nil
	}

	var id int
	err = r.db(ctx).QueryRow(ctx,
		"INSERT INTO wallets (chain, network, address, user_id, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		chain, network, address, userID, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert wallet: %w", err)
	}

	r.logger.Info("Wallet added to tracking", "chain", chain, "network", network, "address", address, "user", userID)
	return id, nil
}
