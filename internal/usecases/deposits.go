package usecases

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
	"github.com/coinloft/crypto-custody-app/backend/internal/usecases/repository"
)

var _ ports.DepositService = (*DepositServiceImpl)(nil)

// DepositServiceImpl is the deposit record store surface handed to the
// detection and confirmation managers.
type DepositServiceImpl struct {
	logger *slog.Logger
	repo   *repository.DepositsRepository
}

// NewDepositService creates a new deposit service.
func NewDepositService(logger *slog.Logger, repo *repository.DepositsRepository) *DepositServiceImpl {
	return &DepositServiceImpl{
		logger: logger,
		repo:   repo,
	}
}

// RecordCandidate persists a scan candidate: first sighting creates a
// pending deposit, repeat sightings only raise the observed confirmations.
func (s *DepositServiceImpl) RecordCandidate(ctx context.Context, candidate entities.DepositCandidate, required int) error {
	if err := s.repo.UpsertCandidate(ctx, candidate, required); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Deposit candidate recorded",
		"chain", candidate.Chain,
		"network", candidate.Network,
		"asset", candidate.Asset,
		"tx_hash", candidate.TxHash,
		"wallet", candidate.WalletAddress,
		"amount", candidate.Amount.String(),
		"confirmations", candidate.Confirmations)

	return nil
}

// FindPendingDeposits returns pending deposits, oldest first.
func (s *DepositServiceImpl) FindPendingDeposits(ctx context.Context) ([]entities.Deposit, error) {
	return s.repo.FindByStatus(ctx, entities.DepositStatusPending)
}

// FindConfirmedDeposits returns confirmed deposits, oldest first.
func (s *DepositServiceImpl) FindConfirmedDeposits(ctx context.Context) ([]entities.Deposit, error) {
	return s.repo.FindByStatus(ctx, entities.DepositStatusConfirmed)
}

// GetDeposit retrieves one deposit, or nil when the id is unknown.
func (s *DepositServiceImpl) GetDeposit(ctx context.Context, id uuid.UUID) (*entities.Deposit, error) {
	return s.repo.FindByID(ctx, id)
}

// TransitionStatus moves a deposit between lifecycle states.
func (s *DepositServiceImpl) TransitionStatus(ctx context.Context, id uuid.UUID, from, to entities.DepositStatus, reason string) error {
	return s.repo.TransitionStatus(ctx, id, from, to, reason)
}

// AppendMemo appends a note to the deposit's memo tag.
func (s *DepositServiceImpl) AppendMemo(ctx context.Context, id uuid.UUID, memo string) error {
	return s.repo.AppendMemo(ctx, id, memo)
}

// ApproveDepositAndCredit performs the atomic crediting step.
func (s *DepositServiceImpl) ApproveDepositAndCredit(ctx context.Context, id uuid.UUID) error {
	return s.repo.ApproveDepositAndCredit(ctx, id)
}

// Statistics returns per-bucket aggregate counts.
func (s *DepositServiceImpl) Statistics(ctx context.Context) (entities.DepositStatistics, error) {
	return s.repo.CountByStatus(ctx)
}

// ListDeposits returns deposits matching the filter for the introspection
// API.
func (s *DepositServiceImpl) ListDeposits(ctx context.Context, filter repository.DepositFilter) ([]entities.Deposit, error) {
	return s.repo.List(ctx, filter)
}
