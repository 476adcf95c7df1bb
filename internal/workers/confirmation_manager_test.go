package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// fakeDepositStore is an in-memory ports.DepositService used across the
// worker tests.
type fakeDepositStore struct {
	mu       sync.Mutex
	deposits map[uuid.UUID]*entities.Deposit
	balances map[string]decimal.Decimal // "userID/asset"

	transitionErr map[uuid.UUID]error
	creditCalls   map[uuid.UUID]int

	findPendingCalls atomic.Int32
	findPendingDelay time.Duration
}

func newFakeDepositStore() *fakeDepositStore {
	return &fakeDepositStore{
		deposits:      make(map[uuid.UUID]*entities.Deposit),
		balances:      make(map[string]decimal.Decimal),
		transitionErr: make(map[uuid.UUID]error),
		creditCalls:   make(map[uuid.UUID]int),
	}
}

func (f *fakeDepositStore) add(d entities.Deposit) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	f.deposits[d.ID] = &d
	return d.ID
}

func (f *fakeDepositStore) get(id uuid.UUID) entities.Deposit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.deposits[id]
}

func (f *fakeDepositStore) RecordCandidate(_ context.Context, candidate entities.DepositCandidate, required int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.deposits {
		if d.TxHash == candidate.TxHash && d.WalletAddress == candidate.WalletAddress && d.Asset == candidate.Asset {
			if candidate.Confirmations > d.Confirmations {
				d.Confirmations = candidate.Confirmations
			}
			return nil
		}
	}

	id := uuid.New()
	f.deposits[id] = &entities.Deposit{
		ID:                    id,
		UserID:                candidate.UserID,
		Amount:                candidate.Amount,
		Asset:                 candidate.Asset,
		Chain:                 candidate.Chain,
		Network:               candidate.Network,
		Status:                entities.DepositStatusPending,
		TxHash:                candidate.TxHash,
		WalletAddress:         candidate.WalletAddress,
		ConfirmationsRequired: required,
		Confirmations:         candidate.Confirmations,
		CreatedAt:             time.Now(),
	}
	return nil
}

func (f *fakeDepositStore) findByStatus(status entities.DepositStatus) []entities.Deposit {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []entities.Deposit
	for _, d := range f.deposits {
		if d.Status == status {
			result = append(result, *d)
		}
	}
	return result
}

func (f *fakeDepositStore) FindPendingDeposits(_ context.Context) ([]entities.Deposit, error) {
	f.findPendingCalls.Add(1)
	if f.findPendingDelay > 0 {
		time.Sleep(f.findPendingDelay)
	}
	return f.findByStatus(entities.DepositStatusPending), nil
}

func (f *fakeDepositStore) FindConfirmedDeposits(_ context.Context) ([]entities.Deposit, error) {
	return f.findByStatus(entities.DepositStatusConfirmed), nil
}

func (f *fakeDepositStore) TransitionStatus(_ context.Context, id uuid.UUID, from, to entities.DepositStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.transitionErr[id]; ok {
		return err
	}

	d, ok := f.deposits[id]
	if !ok || d.Status != from {
		return nil
	}

	d.Status = to
	if reason != "" {
		if d.MemoTag != "" {
			d.MemoTag += "; "
		}
		d.MemoTag += reason
	}
	return nil
}

func (f *fakeDepositStore) AppendMemo(_ context.Context, id uuid.UUID, memo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.deposits[id]
	if !ok {
		return nil
	}
	if d.MemoTag != "" {
		d.MemoTag += "; "
	}
	d.MemoTag += memo
	return nil
}

func (f *fakeDepositStore) ApproveDepositAndCredit(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.deposits[id]
	if !ok || d.Status != entities.DepositStatusConfirmed {
		// Already credited or gone; crediting is idempotent.
		return nil
	}

	d.Status = entities.DepositStatusCredited
	f.creditCalls[id]++

	key := fmt.Sprintf("%d/%s", d.UserID, d.Asset)
	f.balances[key] = f.balances[key].Add(d.Amount)
	return nil
}

func (f *fakeDepositStore) Statistics(_ context.Context) (entities.DepositStatistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var stats entities.DepositStatistics
	for _, d := range f.deposits {
		switch d.Status {
		case entities.DepositStatusPending:
			stats.Pending++
		case entities.DepositStatusConfirmed:
			stats.Confirmed++
			if strings.Contains(d.MemoTag, ports.ManualReviewMemoTag) {
				stats.ManualApprovalQueue++
			}
		case entities.DepositStatusCredited:
			stats.Credited++
		case entities.DepositStatusRejected:
			stats.Rejected++
		case entities.DepositStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

type auditRecord struct {
	Action    string
	RiskLevel entities.RiskLevel
}

type fakeAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *fakeAudit) Log(_ context.Context, action, _, _ string, _ int64, riskLevel entities.RiskLevel, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{Action: action, RiskLevel: riskLevel})
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]string, 0, len(a.records))
	for _, r := range a.records {
		result = append(result, r.Action)
	}
	return result
}

func testPolicies() map[entities.PolicyKey]entities.ConfirmationPolicy {
	return map[entities.PolicyKey]entities.ConfirmationPolicy{
		{Chain: "bitcoin", Network: "mainnet"}: {
			Chain: "bitcoin", Network: "mainnet",
			MinConfirmations: 3, MaxConfirmations: 6, TimeoutMinutes: 60, Enabled: true,
		},
		{Chain: "ripple", Network: "mainnet"}: {
			Chain: "ripple", Network: "mainnet",
			MinConfirmations: 5, MaxConfirmations: 5, TimeoutMinutes: 30, Enabled: true,
		},
	}
}

func testDeposit(chain string, confirmations int, status entities.DepositStatus) entities.Deposit {
	return entities.Deposit{
		UserID:                42,
		Amount:                decimal.NewFromInt(100),
		Asset:                 "BTC",
		Chain:                 chain,
		Network:               "mainnet",
		Status:                status,
		TxHash:                uuid.NewString(),
		WalletAddress:         "addr-" + uuid.NewString()[:8],
		ConfirmationsRequired: 3,
		Confirmations:         confirmations,
		CreatedAt:             time.Now(),
	}
}

func newTestManager(store *fakeDepositStore, audit *fakeAudit, rules []entities.ApprovalRule) *DepositConfirmationManager {
	return NewDepositConfirmationManager(slog.Default(), store, audit, testPolicies(), rules)
}

func TestConfirmationProcess_PromotesAtThreshold(t *testing.T) {
	store := newFakeDepositStore()
	belowID := store.add(testDeposit("bitcoin", 2, entities.DepositStatusPending))
	atID := store.add(testDeposit("bitcoin", 3, entities.DepositStatusPending))

	manager := newTestManager(store, &fakeAudit{}, nil)
	require.NoError(t, manager.StartConfirmationProcess(context.Background()))

	require.Equal(t, entities.DepositStatusPending, store.get(belowID).Status,
		"two of three confirmations must not confirm the deposit")

	// With no approval rules the confirmed deposit is credited in the same
	// pass.
	credited := store.get(atID)
	require.Equal(t, entities.DepositStatusCredited, credited.Status)
	require.Equal(t, "100", store.balances["42/BTC"].String())
}

func TestConfirmationProcess_RippleInstantFinality(t *testing.T) {
	store := newFakeDepositStore()
	d := testDeposit("ripple", 1, entities.DepositStatusPending)
	d.Asset = "XRP"
	id := store.add(d)

	manager := newTestManager(store, &fakeAudit{}, nil)
	require.NoError(t, manager.StartConfirmationProcess(context.Background()))

	// The policy says 5 confirmations but a validated XRPL transaction is
	// final at one.
	require.Equal(t, entities.DepositStatusCredited, store.get(id).Status)
}

func TestConfirmationProcess_Timeout(t *testing.T) {
	store := newFakeDepositStore()

	expired := testDeposit("bitcoin", 1, entities.DepositStatusPending)
	expired.CreatedAt = time.Now().Add(-61 * time.Minute)
	expiredID := store.add(expired)

	fresh := testDeposit("bitcoin", 1, entities.DepositStatusPending)
	fresh.CreatedAt = time.Now().Add(-59 * time.Minute)
	freshID := store.add(fresh)

	audit := &fakeAudit{}
	manager := newTestManager(store, audit, nil)
	require.NoError(t, manager.StartConfirmationProcess(context.Background()))

	failed := store.get(expiredID)
	require.Equal(t, entities.DepositStatusFailed, failed.Status)
	require.Contains(t, failed.MemoTag, "confirmation timeout")
	require.Contains(t, audit.actions(), "deposit_timeout")

	require.Equal(t, entities.DepositStatusPending, store.get(freshID).Status,
		"a deposit inside the timeout window must stay pending")
}

func TestConfirmationProcess_UnsupportedChainStaysPending(t *testing.T) {
	store := newFakeDepositStore()
	d := testDeposit("solana", 500, entities.DepositStatusPending)
	d.Asset = "SOL"
	id := store.add(d)

	manager := newTestManager(store, &fakeAudit{}, nil)
	require.NoError(t, manager.StartConfirmationProcess(context.Background()))

	require.Equal(t, entities.DepositStatusPending, store.get(id).Status,
		"deposits on an unsupported chain must wait for an operator")
}

func TestConfirmationProcess_BatchIsolation(t *testing.T) {
	store := newFakeDepositStore()
	brokenID := store.add(testDeposit("bitcoin", 3, entities.DepositStatusPending))
	store.transitionErr[brokenID] = fmt.Errorf("connection reset")
	okID := store.add(testDeposit("bitcoin", 4, entities.DepositStatusPending))

	audit := &fakeAudit{}
	manager := newTestManager(store, audit, nil)
	require.NoError(t, manager.StartConfirmationProcess(context.Background()))

	require.Equal(t, entities.DepositStatusCredited, store.get(okID).Status,
		"one failing deposit must not stop the batch")
	require.Contains(t, audit.actions(), "deposit_processing_error")
}

func TestConfirmationProcess_SingleFlight(t *testing.T) {
	store := newFakeDepositStore()
	store.findPendingDelay = 100 * time.Millisecond

	manager := newTestManager(store, &fakeAudit{}, nil)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = manager.StartConfirmationProcess(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), store.findPendingCalls.Load(),
		"concurrent passes must collapse into one")
}

func TestConfirmationProcess_ManualReviewFlow(t *testing.T) {
	rules := []entities.ApprovalRule{
		{
			ID: 1, Chain: "bitcoin", Network: "mainnet", Asset: "BTC",
			MinAmount: decimal.Zero, MaxAmount: decimalPtr(1000),
			AutoApprove: true, RiskLevel: entities.RiskLevelLow,
		},
		{
			ID: 2, Chain: "bitcoin", Network: "mainnet", Asset: "BTC",
			MinAmount:              decimal.NewFromInt(500),
			RequiresManualApproval: true, RiskLevel: entities.RiskLevelHigh,
		},
	}

	store := newFakeDepositStore()
	d := testDeposit("bitcoin", 4, entities.DepositStatusConfirmed)
	d.Amount = decimal.NewFromInt(700)
	id := store.add(d)

	audit := &fakeAudit{}
	manager := newTestManager(store, audit, rules)
	require.NoError(t, manager.StartConfirmationProcess(context.Background()))

	flagged := store.get(id)
	require.Equal(t, entities.DepositStatusConfirmed, flagged.Status,
		"a deposit awaiting manual approval keeps its confirmed status")
	require.Contains(t, flagged.MemoTag, ports.ManualReviewMemoTag)
	require.True(t, store.balances["42/BTC"].IsZero(), "no credit before the operator decides")

	// A second pass must not re-flag the waiting deposit.
	require.NoError(t, manager.StartConfirmationProcess(context.Background()))
	require.Equal(t, 1, strings.Count(store.get(id).MemoTag, ports.ManualReviewMemoTag))

	stats, err := manager.Statistics(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.ManualApprovalQueue)
}

func TestApproveDeposit_Idempotent(t *testing.T) {
	store := newFakeDepositStore()
	d := testDeposit("bitcoin", 4, entities.DepositStatusConfirmed)
	id := store.add(d)

	manager := newTestManager(store, &fakeAudit{}, nil)
	deposit := store.get(id)

	decision := entities.DefaultApprovalDecision()
	require.NoError(t, manager.ApproveDeposit(context.Background(), &deposit, decision))
	require.NoError(t, manager.ApproveDeposit(context.Background(), &deposit, decision))

	require.Equal(t, 1, store.creditCalls[id], "crediting twice must move money once")
	require.Equal(t, "100", store.balances["42/BTC"].String())
}

func TestRejectDeposit(t *testing.T) {
	store := newFakeDepositStore()
	id := store.add(testDeposit("bitcoin", 4, entities.DepositStatusConfirmed))

	audit := &fakeAudit{}
	manager := newTestManager(store, audit, nil)
	require.NoError(t, manager.RejectDeposit(context.Background(), id, 42, "source address sanctioned"))

	rejected := store.get(id)
	require.Equal(t, entities.DepositStatusRejected, rejected.Status)
	require.Contains(t, rejected.MemoTag, "source address sanctioned")
	require.Contains(t, audit.actions(), "deposit_rejected")

	// Terminal states never move again.
	require.NoError(t, store.TransitionStatus(context.Background(), id,
		entities.DepositStatusConfirmed, entities.DepositStatusCredited, ""))
	require.Equal(t, entities.DepositStatusRejected, store.get(id).Status)
}

func TestEvaluateApprovalRules(t *testing.T) {
	rules := []entities.ApprovalRule{
		{
			ID: 1, Chain: "bitcoin", Network: "mainnet", Asset: "BTC",
			MinAmount: decimal.Zero, MaxAmount: decimalPtr(1000),
			AutoApprove: true, RiskLevel: entities.RiskLevelMedium,
		},
		{
			ID: 2, Chain: "bitcoin", Network: "mainnet", Asset: "BTC",
			MinAmount:              decimal.NewFromInt(500),
			RequiresManualApproval: true, RiskLevel: entities.RiskLevelHigh,
		},
	}

	manager := newTestManager(newFakeDepositStore(), &fakeAudit{}, rules)
	now := time.Now()

	t.Run("no matching rule credits automatically", func(t *testing.T) {
		d := testDeposit("ethereum", 20, entities.DepositStatusConfirmed)
		d.Asset = "ETH"

		decision := manager.EvaluateApprovalRules(&d, now)
		require.True(t, decision.AutoApprove)
		require.False(t, decision.RequiresManualApproval)
		require.Equal(t, entities.RiskLevelLow, decision.RiskLevel)
	})

	t.Run("auto rule escalates risk and credits", func(t *testing.T) {
		d := testDeposit("bitcoin", 4, entities.DepositStatusConfirmed)
		d.Amount = decimal.NewFromInt(100)

		decision := manager.EvaluateApprovalRules(&d, now)
		require.True(t, decision.AutoApprove)
		require.Equal(t, entities.RiskLevelMedium, decision.RiskLevel)
		require.Equal(t, int64(1), decision.MatchedRuleID)
	})

	t.Run("manual rule overrides earlier auto match", func(t *testing.T) {
		d := testDeposit("bitcoin", 4, entities.DepositStatusConfirmed)
		d.Amount = decimal.NewFromInt(700)

		decision := manager.EvaluateApprovalRules(&d, now)
		require.False(t, decision.AutoApprove)
		require.True(t, decision.RequiresManualApproval)
		require.Equal(t, entities.RiskLevelHigh, decision.RiskLevel)
		require.Equal(t, int64(2), decision.MatchedRuleID)
	})
}

func decimalPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}
