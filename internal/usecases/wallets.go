package usecases

import (
	"context"
	"log/slog"

	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
	"github.com/coinloft/crypto-custody-app/backend/internal/usecases/repository"
)

// WalletServiceImpl exposes the watched-address registry to detectors.
type WalletServiceImpl struct {
	logger *slog.Logger
	repo   *repository.WalletsRepository
}

// NewWalletService creates a new wallet service.
func NewWalletService(logger *slog.Logger, repo *repository.WalletsRepository) *WalletServiceImpl {
	return &WalletServiceImpl{
		logger: logger,
		repo:   repo,
	}
}

// WatchedWallets returns the deposit addresses watched on one chain/network.
func (s *WalletServiceImpl) WatchedWallets(ctx context.Context, chain, network string) ([]entities.Wallet, error) {
	return s.repo.GetWatchedWallets(ctx, chain, network)
}

// FindWalletOwner resolves an address to its watched wallet, or (nil, nil)
// when the address is not ours.
func (s *WalletServiceImpl) FindWalletOwner(ctx context.Context, chain, network, address string) (*entities.Wallet, error) {
	return s.repo.FindWalletByAddress(ctx, chain, network, address)
}
