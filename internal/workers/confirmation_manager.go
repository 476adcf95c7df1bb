package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// DepositConfirmationManager drives confirmed-ness and approval for every
// deposit the detectors have recorded. One pass promotes pending deposits
// whose chain finality rule is met, fails the timed-out ones, and runs the
// approval rules over freshly confirmed deposits.
type DepositConfirmationManager struct {
	logger   *slog.Logger
	deposits ports.DepositService
	audit    ports.AuditService

	policies map[entities.PolicyKey]entities.ConfirmationPolicy
	rules    []entities.ApprovalRule

	processing atomic.Bool
}

// NewDepositConfirmationManager creates a confirmation manager. The
// policies and rules are loaded once at startup; rules must be ordered by
// ascending id.
func NewDepositConfirmationManager(
	logger *slog.Logger,
	deposits ports.DepositService,
	audit ports.AuditService,
	policies map[entities.PolicyKey]entities.ConfirmationPolicy,
	rules []entities.ApprovalRule,
) *DepositConfirmationManager {
	return &DepositConfirmationManager{
		logger:   logger,
		deposits: deposits,
		audit:    audit,
		policies: policies,
		rules:    rules,
	}
}

// StartConfirmationProcess runs one full pass over the pipeline. Only one
// pass runs at a time; concurrent calls return immediately.
func (m *DepositConfirmationManager) StartConfirmationProcess(ctx context.Context) error {
	if !m.processing.CompareAndSwap(false, true) {
		m.logger.Debug("Confirmation pass already in progress, skipping")
		return nil
	}
	defer m.processing.Store(false)

	if err := m.processPendingDeposits(ctx); err != nil {
		return err
	}

	return m.processConfirmedDeposits(ctx)
}

// processPendingDeposits walks the pending deposits oldest first, failing
// the timed-out ones and confirming those that reached chain finality. An
// error on one deposit is audited and does not stop the batch.
func (m *DepositConfirmationManager) processPendingDeposits(ctx context.Context) error {
	pending, err := m.deposits.FindPendingDeposits(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending deposits: %w", err)
	}

	now := time.Now()

	for i := range pending {
		deposit := &pending[i]

		if err := m.checkPendingDeposit(ctx, deposit, now); err != nil {
			m.logger.ErrorContext(ctx, "Failed to process pending deposit",
				"deposit_id", deposit.ID, "chain", deposit.Chain, "error", err)
			m.audit.Log(ctx, "deposit_processing_error", "deposit", deposit.ID.String(),
				deposit.UserID, entities.RiskLevelHigh, map[string]any{
					"stage": "confirmation",
					"error": err.Error(),
				})
		}
	}

	return nil
}

func (m *DepositConfirmationManager) checkPendingDeposit(ctx context.Context, deposit *entities.Deposit, now time.Time) error {
	checker := CheckerForChain(deposit.Chain)
	if checker == nil {
		// Deposits on a chain this build does not support stay pending
		// until an operator intervenes.
		m.logger.WarnContext(ctx, "Deposit on unsupported chain left pending",
			"deposit_id", deposit.ID, "chain", deposit.Chain)
		return nil
	}

	policy, ok := m.policies[entities.PolicyKey{Chain: deposit.Chain, Network: deposit.Network}]
	if !ok {
		m.logger.WarnContext(ctx, "No confirmation policy for chain, deposit left pending",
			"deposit_id", deposit.ID, "chain", deposit.Chain, "network", deposit.Network)
		return nil
	}

	// Finality wins over age: a deposit that reached its threshold is
	// confirmed even if it took longer than the timeout.
	if checker.IsFinal(deposit.Confirmations, policy) {
		if err := m.deposits.TransitionStatus(ctx, deposit.ID,
			entities.DepositStatusPending, entities.DepositStatusConfirmed,
			"confirmation threshold reached"); err != nil {
			return err
		}

		m.logger.InfoContext(ctx, "Deposit confirmed",
			"deposit_id", deposit.ID,
			"chain", deposit.Chain,
			"confirmations", deposit.Confirmations,
			"required", policy.MinConfirmations)

		m.audit.Log(ctx, "deposit_confirmed", "deposit", deposit.ID.String(),
			deposit.UserID, entities.RiskLevelLow, map[string]any{
				"chain":         deposit.Chain,
				"confirmations": deposit.Confirmations,
			})

		return nil
	}

	if now.Sub(deposit.CreatedAt) > policy.Timeout() {
		reason := fmt.Sprintf("confirmation timeout after %s at %d/%d confirmations",
			policy.Timeout(), deposit.Confirmations, policy.MinConfirmations)

		if err := m.deposits.TransitionStatus(ctx, deposit.ID,
			entities.DepositStatusPending, entities.DepositStatusFailed, reason); err != nil {
			return err
		}

		m.logger.WarnContext(ctx, "Deposit failed on confirmation timeout",
			"deposit_id", deposit.ID, "chain", deposit.Chain, "age", now.Sub(deposit.CreatedAt).String())
		m.audit.Log(ctx, "deposit_timeout", "deposit", deposit.ID.String(),
			deposit.UserID, entities.RiskLevelHigh, map[string]any{
				"confirmations": deposit.Confirmations,
				"required":      policy.MinConfirmations,
				"timeout":       policy.Timeout().String(),
			})
	}

	return nil
}

// processConfirmedDeposits runs the approval rules over confirmed deposits
// and either credits them or flags them for manual review. Deposits already
// flagged wait for an operator and are skipped.
func (m *DepositConfirmationManager) processConfirmedDeposits(ctx context.Context) error {
	confirmed, err := m.deposits.FindConfirmedDeposits(ctx)
	if err != nil {
		return fmt.Errorf("failed to load confirmed deposits: %w", err)
	}

	now := time.Now()

	for i := range confirmed {
		deposit := &confirmed[i]

		if strings.Contains(deposit.MemoTag, ports.ManualReviewMemoTag) {
			continue
		}

		decision := m.EvaluateApprovalRules(deposit, now)

		var err error
		if decision.AutoApprove && !decision.RequiresManualApproval {
			err = m.ApproveDeposit(ctx, deposit, decision)
		} else {
			err = m.RequestManualApproval(ctx, deposit, decision)
		}

		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to process confirmed deposit",
				"deposit_id", deposit.ID, "chain", deposit.Chain, "error", err)
			m.audit.Log(ctx, "deposit_processing_error", "deposit", deposit.ID.String(),
				deposit.UserID, entities.RiskLevelHigh, map[string]any{
					"stage": "approval",
					"error": err.Error(),
				})
		}
	}

	return nil
}

// EvaluateApprovalRules folds the rules over a deposit in registration
// order. The first rule demanding manual approval wins outright; matching
// auto-approve rules only ratchet the risk level up. No matching rule means
// automatic crediting at low risk.
func (m *DepositConfirmationManager) EvaluateApprovalRules(deposit *entities.Deposit, now time.Time) entities.ApprovalDecision {
	decision := entities.DefaultApprovalDecision()

	for _, rule := range m.rules {
		if !rule.Matches(deposit, now) {
			continue
		}

		decision.MatchedRuleID = rule.ID
		decision.RiskLevel = decision.RiskLevel.Escalate(rule.RiskLevel)

		if rule.RequiresManualApproval || !rule.AutoApprove {
			decision.AutoApprove = false
			decision.RequiresManualApproval = true
			return decision
		}
	}

	return decision
}

// ApproveDeposit credits a confirmed deposit to the owner's account.
func (m *DepositConfirmationManager) ApproveDeposit(ctx context.Context, deposit *entities.Deposit, decision entities.ApprovalDecision) error {
	if err := m.deposits.ApproveDepositAndCredit(ctx, deposit.ID); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Deposit credited",
		"deposit_id", deposit.ID,
		"user_id", deposit.UserID,
		"asset", deposit.Asset,
		"amount", deposit.Amount.String(),
		"risk_level", decision.RiskLevel)

	m.audit.Log(ctx, "deposit_credited", "deposit", deposit.ID.String(),
		deposit.UserID, decision.RiskLevel, map[string]any{
			"asset":           deposit.Asset,
			"amount":          deposit.Amount.String(),
			"matched_rule_id": decision.MatchedRuleID,
		})

	return nil
}

// RequestManualApproval flags a confirmed deposit for operator review. The
// deposit keeps its confirmed status; the memo tag marks it as waiting.
func (m *DepositConfirmationManager) RequestManualApproval(ctx context.Context, deposit *entities.Deposit, decision entities.ApprovalDecision) error {
	if err := m.deposits.AppendMemo(ctx, deposit.ID, ports.ManualReviewMemoTag); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Deposit flagged for manual approval",
		"deposit_id", deposit.ID,
		"user_id", deposit.UserID,
		"amount", deposit.Amount.String(),
		"risk_level", decision.RiskLevel,
		"matched_rule_id", decision.MatchedRuleID)

	m.audit.Log(ctx, "manual_approval_requested", "deposit", deposit.ID.String(),
		deposit.UserID, decision.RiskLevel, map[string]any{
			"asset":           deposit.Asset,
			"amount":          deposit.Amount.String(),
			"matched_rule_id": decision.MatchedRuleID,
		})

	return nil
}

// RejectDeposit moves a confirmed deposit to the terminal rejected status.
// Used by operators acting on the manual approval queue.
func (m *DepositConfirmationManager) RejectDeposit(ctx context.Context, id uuid.UUID, userID int64, reason string) error {
	if err := m.deposits.TransitionStatus(ctx, id,
		entities.DepositStatusConfirmed, entities.DepositStatusRejected, reason); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Deposit rejected", "deposit_id", id, "reason", reason)
	m.audit.Log(ctx, "deposit_rejected", "deposit", id.String(),
		userID, entities.RiskLevelHigh, map[string]any{"reason": reason})

	return nil
}

// Statistics returns the per-status deposit counts.
func (m *DepositConfirmationManager) Statistics(ctx context.Context) (entities.DepositStatistics, error) {
	return m.deposits.Statistics(ctx)
}
