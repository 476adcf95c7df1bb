package workers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

func TestCheckerForChain(t *testing.T) {
	policy := entities.ConfirmationPolicy{MinConfirmations: 12, MaxConfirmations: 30, TimeoutMinutes: 30}

	t.Run("depth chains need the policy minimum", func(t *testing.T) {
		for _, chain := range []string{"bitcoin", "ethereum", "tron", "cardano"} {
			checker := CheckerForChain(chain)
			require.NotNil(t, checker, chain)
			require.False(t, checker.IsFinal(11, policy), chain)
			require.True(t, checker.IsFinal(12, policy), chain)
		}
	})

	t.Run("ripple is final at one confirmation", func(t *testing.T) {
		checker := CheckerForChain("ripple")
		require.NotNil(t, checker)
		require.Equal(t, ChainKindRipple, checker.Kind())
		require.False(t, checker.IsFinal(0, policy))
		require.True(t, checker.IsFinal(1, policy), "the policy minimum does not apply to validated ledgers")
	})

	t.Run("unknown chain has no checker", func(t *testing.T) {
		require.Nil(t, CheckerForChain("solana"))
	})
}
