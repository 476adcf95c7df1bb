package ports

import (
	"context"

	"github.com/google/uuid"

	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// DepositService is the deposit record store surface used by the detection
// and confirmation managers.
type DepositService interface {
	// RecordCandidate creates a deposit on first sighting of a candidate or
	// raises the observed confirmation count of the existing row. It never
	// produces a second row for the same (tx_hash, wallet_address, asset).
	RecordCandidate(ctx context.Context, candidate entities.DepositCandidate, required int) error

	// FindPendingDeposits returns all pending deposits ordered by
	// created_at ascending.
	FindPendingDeposits(ctx context.Context) ([]entities.Deposit, error)

	// FindConfirmedDeposits returns all confirmed deposits ordered by
	// created_at ascending.
	FindConfirmedDeposits(ctx context.Context) ([]entities.Deposit, error)

	// TransitionStatus moves a deposit from one status to another,
	// appending reason to its memo tag. The update is conditional on the
	// current status; a deposit that has already left `from` is not
	// touched and no error is returned.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to entities.DepositStatus, reason string) error

	// AppendMemo appends a note to the deposit's memo tag without touching
	// its status.
	AppendMemo(ctx context.Context, id uuid.UUID, memo string) error

	// ApproveDepositAndCredit atomically flips a confirmed deposit to
	// credited and increments the owner's balance. Calling it again for
	// the same deposit is a no-op.
	ApproveDepositAndCredit(ctx context.Context, id uuid.UUID) error

	// Statistics returns per-bucket aggregate counts.
	Statistics(ctx context.Context) (entities.DepositStatistics, error)
}

// WalletService exposes the watched-address registry to the detectors.
type WalletService interface {
	WatchedWallets(ctx context.Context, chain, network string) ([]entities.Wallet, error)
	FindWalletOwner(ctx context.Context, chain, network, address string) (*entities.Wallet, error)
}

// AuditService is the append-only audit sink. Implementations must swallow
// write failures: auditing never aborts the primary workflow.
type AuditService interface {
	Log(ctx context.Context, action, resourceType, resourceID string, userID int64, riskLevel entities.RiskLevel, details map[string]any)
}
