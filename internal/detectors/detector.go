// Package detectors implements per-chain scanning of custodial deposit
// addresses. Every detector normalizes what it finds into
// entities.DepositCandidate; everything after that (dedup, persistence,
// confirmation tracking, crediting) is chain-agnostic.
package detectors

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// ChainDetector scans one chain/network/asset combination for new or
// updated payments to watched addresses.
//
// The cursor is chain-native (block height, slot, ledger index). A detector
// never re-reads history below cursor-rescanDepth, but it MAY re-emit a
// transaction that is still inside the confirmation window: the store's
// upsert keeps the deposit row unique and its confirmation count monotone,
// so re-emission is how observed confirmations climb.
//
// Network and rate-limit errors are returned from Scan; they must never
// panic. The detection manager logs them per chain and moves on.
type ChainDetector interface {
	Key() entities.ChainKey
	Interval() time.Duration
	Scan(ctx context.Context, cursor uint64) ([]entities.DepositCandidate, uint64, error)
}

// rescanDepth bounds how far below the cursor a detector still re-emits
// transactions so that confirmation counts keep rising. Anything deeper is
// either long confirmed or long failed.
const rescanDepth = 64

// emittable applies the filters every variant shares: zero-value transfers
// carry no funds, and transfers older than the staleness window are left for
// manual investigation rather than auto-credited.
func emittable(amount decimal.Decimal, txTime time.Time, staleness time.Duration, now time.Time) bool {
	if amount.IsZero() || amount.IsNegative() {
		return false
	}
	if !txTime.IsZero() && now.Sub(txTime) > staleness {
		return false
	}
	return true
}

// withinRescanWindow reports whether a transaction at the given height is
// still worth emitting relative to the cursor. Unconfirmed transactions
// (height 0) always are.
func withinRescanWindow(height, cursor uint64) bool {
	if height == 0 {
		return true
	}
	return height+rescanDepth > cursor
}

// confirmationsFromHeight computes the block-depth confirmation count for
// block-based chains. A transaction in the tip block has one confirmation;
// an unconfirmed transaction has zero.
func confirmationsFromHeight(tip, height uint64) int {
	if height == 0 || tip < height {
		return 0
	}
	return int(tip - height + 1)
}
