package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositStatus represents the lifecycle state of a deposit.
type DepositStatus string

const (
	DepositStatusPending   DepositStatus = "pending"
	DepositStatusConfirmed DepositStatus = "confirmed"
	DepositStatusCredited  DepositStatus = "credited"
	DepositStatusRejected  DepositStatus = "rejected"
	DepositStatusFailed    DepositStatus = "failed"
)

// IsTerminal reports whether no further transition may leave this status.
func (s DepositStatus) IsTerminal() bool {
	switch s {
	case DepositStatusCredited, DepositStatusRejected, DepositStatusFailed:
		return true
	}
	return false
}

// Deposit represents one inbound on-chain payment tracked through
// confirmation and crediting. Rows are never deleted; terminal states are
// the permanent record.
type Deposit struct {
	ID                    uuid.UUID       `db:"id"                     json:"id"`
	UserID                int64           `db:"user_id"                json:"user_id"`
	Amount                decimal.Decimal `db:"amount"                 json:"amount"`
	Asset                 string          `db:"asset"                  json:"asset"`
	Chain                 string          `db:"chain"                  json:"chain"`
	Network               string          `db:"network"                json:"network"`
	Status                DepositStatus   `db:"status"                 json:"status"`
	TxHash                string          `db:"tx_hash"                json:"tx_hash"`
	WalletAddress         string          `db:"wallet_address"         json:"wallet_address"`
	ConfirmationsRequired int             `db:"confirmations_required" json:"confirmations_required"`
	Confirmations         int             `db:"confirmations"          json:"confirmations"`
	MemoTag               string          `db:"memo_tag"               json:"memo_tag,omitempty"`
	CreatedAt             time.Time       `db:"created_at"             json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"             json:"updated_at"`
}

// DepositCandidate is the normalized output of one detector scan. It is
// transient: consumed immediately to create or update a Deposit, never
// persisted as-is.
type DepositCandidate struct {
	UserID        int64
	WalletAddress string
	Amount        decimal.Decimal
	Asset         string
	Chain         string
	Network       string
	TxHash        string
	Confirmations int
}

// ChainKey identifies one chain/network/asset combination watched by a
// detector.
type ChainKey struct {
	Chain   string
	Network string
	Asset   string
}

func (k ChainKey) String() string {
	return k.Chain + "/" + k.Network + "/" + k.Asset
}

// DepositStatistics holds per-bucket aggregate counts for operational
// dashboards.
type DepositStatistics struct {
	Pending             int64 `json:"pending"`
	Confirmed           int64 `json:"confirmed"`
	Credited            int64 `json:"credited"`
	Rejected            int64 `json:"rejected"`
	Failed              int64 `json:"failed"`
	ManualApprovalQueue int64 `json:"manual_approval_queue"`
}
