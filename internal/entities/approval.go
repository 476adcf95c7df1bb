package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel represents the risk classification of a deposit decision.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

var riskRank = map[RiskLevel]int{
	RiskLevelLow:    0,
	RiskLevelMedium: 1,
	RiskLevelHigh:   2,
}

// Escalate returns the stricter of the two levels. Risk only ever goes up
// while approval rules are evaluated.
func (r RiskLevel) Escalate(other RiskLevel) RiskLevel {
	if riskRank[other] > riskRank[r] {
		return other
	}
	return r
}

// RuleConditions is the structured predicate attached to an approval rule.
// A nil field means the condition is not applied.
type RuleConditions struct {
	AllowedHoursStart *int `json:"allowed_hours_start,omitempty"`
	AllowedHoursEnd   *int `json:"allowed_hours_end,omitempty"`
	WeekdaysOnly      bool `json:"weekdays_only,omitempty"`
}

// Satisfied reports whether the conditions hold at the given time (UTC).
func (c RuleConditions) Satisfied(now time.Time) bool {
	now = now.UTC()

	if c.AllowedHoursStart != nil && now.Hour() < *c.AllowedHoursStart {
		return false
	}
	if c.AllowedHoursEnd != nil && now.Hour() >= *c.AllowedHoursEnd {
		return false
	}
	if c.WeekdaysOnly {
		if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}

	return true
}

// ApprovalRule is an amount-based approval policy for one
// (chain, network, asset) combination. Rules are evaluated in registration
// order (ascending id).
type ApprovalRule struct {
	ID                     int64            `db:"id"`
	Chain                  string           `db:"chain"`
	Network                string           `db:"network"`
	Asset                  string           `db:"asset"`
	MinAmount              decimal.Decimal  `db:"min_amount"`
	MaxAmount              *decimal.Decimal `db:"max_amount"` // nil = unbounded
	AutoApprove            bool             `db:"auto_approve"`
	RequiresManualApproval bool             `db:"requires_manual_approval"`
	RiskLevel              RiskLevel        `db:"risk_level"`
	Conditions             RuleConditions   `db:"conditions"`
}

// Matches reports whether the rule applies to the deposit: key equality,
// amount inside [MinAmount, MaxAmount] and conditions satisfied.
func (r ApprovalRule) Matches(d *Deposit, now time.Time) bool {
	if r.Chain != d.Chain || r.Network != d.Network || r.Asset != d.Asset {
		return false
	}
	if d.Amount.LessThan(r.MinAmount) {
		return false
	}
	if r.MaxAmount != nil && d.Amount.GreaterThan(*r.MaxAmount) {
		return false
	}
	return r.Conditions.Satisfied(now)
}

// ApprovalDecision is the outcome of evaluating the approval rules for one
// confirmed deposit.
type ApprovalDecision struct {
	AutoApprove            bool      `json:"auto_approve"`
	RequiresManualApproval bool      `json:"requires_manual_approval"`
	RiskLevel              RiskLevel `json:"risk_level"`
	MatchedRuleID          int64     `json:"matched_rule_id,omitempty"`
}

// DefaultApprovalDecision is the decision applied when no rule matches:
// credit automatically at low risk.
func DefaultApprovalDecision() ApprovalDecision {
	return ApprovalDecision{
		AutoApprove:            true,
		RequiresManualApproval: false,
		RiskLevel:              RiskLevelLow,
	}
}
