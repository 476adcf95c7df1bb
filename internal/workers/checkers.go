package workers

import (
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// ChainKind groups chains by how their deposits reach finality. All
// block-depth chains share one checker; ledger-finality chains get their
// own.
type ChainKind string

const (
	ChainKindBitcoin ChainKind = "bitcoin"
	ChainKindEVM     ChainKind = "evm"
	ChainKindTron    ChainKind = "tron"
	ChainKindCardano ChainKind = "cardano"
	ChainKindRipple  ChainKind = "ripple"
)

// ConfirmationChecker decides whether a deposit has reached finality under
// the chain's confirmation policy.
type ConfirmationChecker interface {
	Kind() ChainKind
	IsFinal(observed int, policy entities.ConfirmationPolicy) bool
}

// depthChecker is the common block-depth rule: a deposit is final once the
// observed confirmation count reaches the policy minimum.
type depthChecker struct {
	kind ChainKind
}

func (c depthChecker) Kind() ChainKind {
	return c.kind
}

func (c depthChecker) IsFinal(observed int, policy entities.ConfirmationPolicy) bool {
	return observed >= policy.MinConfirmations
}

// rippleChecker reflects XRPL consensus: a validated transaction is
// irreversible, so a single confirmation is final whatever the policy
// minimum says.
type rippleChecker struct{}

func (rippleChecker) Kind() ChainKind {
	return ChainKindRipple
}

func (rippleChecker) IsFinal(observed int, _ entities.ConfirmationPolicy) bool {
	return observed >= 1
}

// chainKinds maps the chain name stored on a deposit to its finality kind.
var chainKinds = map[string]ChainKind{
	"bitcoin":  ChainKindBitcoin,
	"ethereum": ChainKindEVM,
	"tron":     ChainKindTron,
	"cardano":  ChainKindCardano,
	"ripple":   ChainKindRipple,
}

var checkers = map[ChainKind]ConfirmationChecker{
	ChainKindBitcoin: depthChecker{kind: ChainKindBitcoin},
	ChainKindEVM:     depthChecker{kind: ChainKindEVM},
	ChainKindTron:    depthChecker{kind: ChainKindTron},
	ChainKindCardano: depthChecker{kind: ChainKindCardano},
	ChainKindRipple:  rippleChecker{},
}

// CheckerForChain returns the confirmation checker for a chain name, or nil
// for a chain this build does not support.
func CheckerForChain(chain string) ConfirmationChecker {
	kind, ok := chainKinds[chain]
	if !ok {
		return nil
	}
	return checkers[kind]
}
