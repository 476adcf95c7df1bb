package repository

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coinloft/crypto-custody-app/backend/config"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
	"github.com/coinloft/crypto-custody-app/backend/pkg/database"
)

// TestUpsertCandidateKeepsConfirmationsMonotonic exercises the GREATEST
// clause of the deposit upsert against a real database. Needs a migrated
// Postgres reachable through DATABASE_URL.
func TestUpsertCandidateKeepsConfirmationsMonotonic(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping database test")
	}

	cfg := &config.Config{}
	cfg.DB.DatabaseURL = dsn

	pg, err := database.New(cfg)
	require.NoError(t, err, "failed to connect to test database")
	defer pg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := NewDepositsRepository(slog.Default(), pg)

	// Unique hash per run keeps reruns independent of leftover rows.
	txHash := "test-" + uuid.NewString()
	candidate := entities.DepositCandidate{
		UserID:        1,
		WalletAddress: "bc1q-upsert-test",
		Amount:        decimal.NewFromFloat(0.25),
		Asset:         "BTC",
		Chain:         "bitcoin",
		Network:       "mainnet",
		TxHash:        txHash,
		Confirmations: 2,
	}

	defer func() {
		_, _ = pg.Pool.Exec(context.Background(),
			"DELETE FROM deposits WHERE tx_hash = $1", txHash)
	}()

	require.NoError(t, repo.UpsertCandidate(ctx, candidate, 3))
	require.Equal(t, 2, findConfirmations(ctx, t, repo, txHash))

	// A later scan sees the chain advance.
	candidate.Confirmations = 6
	require.NoError(t, repo.UpsertCandidate(ctx, candidate, 3))
	require.Equal(t, 6, findConfirmations(ctx, t, repo, txHash))

	// A lagging node re-emits the transfer with a stale count. The stored
	// value must not move backwards.
	candidate.Confirmations = 3
	require.NoError(t, repo.UpsertCandidate(ctx, candidate, 3))
	require.Equal(t, 6, findConfirmations(ctx, t, repo, txHash))
}

func findConfirmations(ctx context.Context, t *testing.T, repo *DepositsRepository, txHash string) int {
	t.Helper()

	deposits, err := repo.FindByStatus(ctx, entities.DepositStatusPending)
	require.NoError(t, err)

	for _, d := range deposits {
		if d.TxHash == txHash {
			return d.Confirmations
		}
	}

	t.Fatalf("deposit with tx hash %s not found", txHash)
	return 0
}
