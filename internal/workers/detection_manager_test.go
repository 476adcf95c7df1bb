package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coinloft/crypto-custody-app/backend/internal/detectors"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// fakeDetector replays a scripted candidate list and counts scans.
type fakeDetector struct {
	key        entities.ChainKey
	candidates []entities.DepositCandidate
	scanErr    error

	scans   atomic.Int32
	release chan struct{} // non-nil blocks Scan until closed
}

func (d *fakeDetector) Key() entities.ChainKey  { return d.key }
func (d *fakeDetector) Interval() time.Duration { return time.Hour }

func (d *fakeDetector) Scan(_ context.Context, cursor uint64) ([]entities.DepositCandidate, uint64, error) {
	d.scans.Add(1)
	if d.release != nil {
		<-d.release
	}
	if d.scanErr != nil {
		return nil, cursor, d.scanErr
	}
	return d.candidates, cursor + 10, nil
}

func btcKey() entities.ChainKey {
	return entities.ChainKey{Chain: "bitcoin", Network: "mainnet", Asset: "BTC"}
}

func TestDetectionManager_StartStopIdempotent(t *testing.T) {
	store := newFakeDepositStore()
	detector := &fakeDetector{key: btcKey()}

	manager := NewDepositDetectionManager(slog.Default(), store, testPolicies(),
		5*time.Second, []detectors.ChainDetector{detector})

	manager.Start()
	manager.Start() // second start is a no-op
	require.True(t, manager.Status().IsRunning)
	require.Equal(t, []string{"bitcoin/mainnet/BTC"}, manager.Status().ActiveChains)

	// The initial scan on start runs exactly once per detector.
	require.Eventually(t, func() bool {
		return detector.scans.Load() == 1
	}, time.Second, 10*time.Millisecond)

	manager.Stop()
	manager.Stop() // second stop is a no-op

	status := manager.Status()
	require.False(t, status.IsRunning)
	require.Empty(t, status.ActiveChains, "stopping must clear the active chain set")
	require.Contains(t, status.Detectors, "bitcoin/mainnet/BTC",
		"last-known detector snapshots survive a stop")
}

func TestDetectionManager_RecordsCandidates(t *testing.T) {
	store := newFakeDepositStore()
	detector := &fakeDetector{
		key: btcKey(),
		candidates: []entities.DepositCandidate{
			{
				UserID: 7, WalletAddress: "bc1q-test", Amount: decimal.NewFromFloat(0.5),
				Asset: "BTC", Chain: "bitcoin", Network: "mainnet",
				TxHash: "aa11", Confirmations: 2,
			},
		},
	}

	manager := NewDepositDetectionManager(slog.Default(), store, testPolicies(),
		5*time.Second, []detectors.ChainDetector{detector})

	failures := manager.ScanAllChains(context.Background())
	require.Empty(t, failures)

	pending, err := store.FindPendingDeposits(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 3, pending[0].ConfirmationsRequired,
		"required confirmations come from the chain policy")
	require.Equal(t, 2, pending[0].Confirmations)

	// Re-running the same scan must not duplicate the deposit.
	manager.ScanAllChains(context.Background())
	pending, err = store.FindPendingDeposits(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestDetectionManager_ConfirmationsNeverDecrease(t *testing.T) {
	store := newFakeDepositStore()
	candidate := entities.DepositCandidate{
		UserID: 7, WalletAddress: "bc1q-test", Amount: decimal.NewFromFloat(0.5),
		Asset: "BTC", Chain: "bitcoin", Network: "mainnet",
		TxHash: "aa11", Confirmations: 5,
	}
	detector := &fakeDetector{key: btcKey(), candidates: []entities.DepositCandidate{candidate}}

	manager := NewDepositDetectionManager(slog.Default(), store, testPolicies(),
		5*time.Second, []detectors.ChainDetector{detector})

	require.Empty(t, manager.ScanAllChains(context.Background()))

	// A rescan window overlap can re-emit the same transfer as seen by a
	// node that lags behind. The lower count must not win.
	stale := candidate
	stale.Confirmations = 2
	detector.candidates = []entities.DepositCandidate{stale}

	require.Empty(t, manager.ScanAllChains(context.Background()))

	pending, err := store.FindPendingDeposits(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 5, pending[0].Confirmations,
		"observed confirmations only ever move up")
}

func TestDetectionManager_ScanFailureIsolation(t *testing.T) {
	store := newFakeDepositStore()
	broken := &fakeDetector{key: btcKey(), scanErr: fmt.Errorf("node unreachable")}
	healthy := &fakeDetector{
		key: entities.ChainKey{Chain: "ripple", Network: "mainnet", Asset: "XRP"},
		candidates: []entities.DepositCandidate{
			{
				UserID: 9, WalletAddress: "r-test", Amount: decimal.NewFromInt(25),
				Asset: "XRP", Chain: "ripple", Network: "mainnet",
				TxHash: "bb22", Confirmations: 1,
			},
		},
	}

	manager := NewDepositDetectionManager(slog.Default(), store, testPolicies(),
		5*time.Second, []detectors.ChainDetector{broken, healthy})

	failures := manager.ScanAllChains(context.Background())
	require.Len(t, failures, 1)
	require.Contains(t, failures["bitcoin/mainnet/BTC"], "node unreachable")

	pending, err := store.FindPendingDeposits(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1, "the healthy chain still records its candidate")

	status := manager.Status()
	require.NotEmpty(t, status.Detectors["bitcoin/mainnet/BTC"].LastError)
	require.Empty(t, status.Detectors["ripple/mainnet/XRP"].LastError)
}

func TestDetectionManager_OverlappingScansSkipped(t *testing.T) {
	store := newFakeDepositStore()
	detector := &fakeDetector{key: btcKey(), release: make(chan struct{})}

	manager := NewDepositDetectionManager(slog.Default(), store, testPolicies(),
		5*time.Second, []detectors.ChainDetector{detector})

	done := make(chan struct{})
	go func() {
		manager.ScanAllChains(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return detector.scans.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// While the first scan hangs, another trigger must be skipped, not
	// queued.
	manager.ScanAllChains(context.Background())
	require.Equal(t, int32(1), detector.scans.Load())

	close(detector.release)
	<-done
}
