package entities

import (
	"fmt"
	"time"
)

// ConfirmationPolicy holds the per (chain, network) confirmation thresholds
// and the timeout after which a pending deposit is considered stuck.
// Policies are loaded once at startup and effectively immutable afterwards.
type ConfirmationPolicy struct {
	Chain            string `db:"chain"`
	Network          string `db:"network"`
	MinConfirmations int    `db:"min_confirmations"`
	MaxConfirmations int    `db:"max_confirmations"`
	TimeoutMinutes   int    `db:"timeout_minutes"`
	Enabled          bool   `db:"enabled"`
}

// Validate checks the policy invariants.
func (p ConfirmationPolicy) Validate() error {
	if p.MinConfirmations > p.MaxConfirmations {
		return fmt.Errorf("confirmation policy %s/%s: min confirmations %d exceeds max %d",
			p.Chain, p.Network, p.MinConfirmations, p.MaxConfirmations)
	}
	if p.TimeoutMinutes <= 0 {
		return fmt.Errorf("confirmation policy %s/%s: timeout must be positive", p.Chain, p.Network)
	}
	return nil
}

// Timeout returns the timeout as a duration.
func (p ConfirmationPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

// PolicyKey identifies a confirmation policy.
type PolicyKey struct {
	Chain   string
	Network string
}
