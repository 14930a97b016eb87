package processor

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b0"
)

func TestApplyTransferToBalances(t *testing.T) {
	tests := []struct {
		name     string
		current  map[string]*big.Int
		from, to string
		value    int64
		expected map[string]*big.Int
		issues   int
	}{
		{
			name:     "mint",
			current:  map[string]*big.Int{},
			from:     utils.ZeroAddress,
			to:       alice,
			value:    100,
			expected: map[string]*big.Int{alice: big.NewInt(100)},
		},
		{
			name:     "burn to zero",
			current:  map[string]*big.Int{alice: big.NewInt(40)},
			from:     alice,
			to:       utils.ZeroAddress,
			value:    40,
			expected: map[string]*big.Int{alice: big.NewInt(0)},
		},
		{
			name:     "transfer",
			current:  map[string]*big.Int{alice: big.NewInt(40), bob: big.NewInt(2)},
			from:     alice,
			to:       bob,
			value:    15,
			expected: map[string]*big.Int{alice: big.NewInt(25), bob: big.NewInt(17)},
		},
		{
			name:     "self transfer",
			current:  map[string]*big.Int{alice: big.NewInt(40)},
			from:     alice,
			to:       alice,
			value:    15,
			expected: map[string]*big.Int{},
		},
		{
			name:     "zero value",
			current:  map[string]*big.Int{alice: big.NewInt(40)},
			from:     alice,
			to:       bob,
			value:    0,
			expected: map[string]*big.Int{},
		},
		{
			name:     "overdraft clamps",
			current:  map[string]*big.Int{alice: big.NewInt(10)},
			from:     alice,
			to:       bob,
			value:    15,
			expected: map[string]*big.Int{alice: big.NewInt(0), bob: big.NewInt(15)},
			issues:   1,
		},
		{
			name:     "unknown sender",
			current:  map[string]*big.Int{},
			from:     alice,
			to:       bob,
			value:    5,
			expected: map[string]*big.Int{alice: big.NewInt(0), bob: big.NewInt(5)},
			issues:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &models.TokenEvent{From: tt.from, To: tt.to, Value: big.NewInt(tt.value)}
			next, issues := ApplyTransferToBalances(tt.current, event)
			assert.Equal(t, tt.expected, next)
			assert.Len(t, issues, tt.issues)
		})
	}
}

func TestApplyTransferToBalancesDoesNotMutateInput(t *testing.T) {
	current := map[string]*big.Int{alice: big.NewInt(40)}
	ApplyTransferToBalances(current, &models.TokenEvent{From: alice, To: bob, Value: big.NewInt(10)})
	assert.Equal(t, "40", current[alice].String())
}

func TestApplyTransferToBalancesInconsistencyDetail(t *testing.T) {
	_, issues := ApplyTransferToBalances(map[string]*big.Int{alice: big.NewInt(3)},
		&models.TokenEvent{From: alice, To: bob, Value: big.NewInt(7)})
	if assert.Len(t, issues, 1) {
		assert.Equal(t, alice, issues[0].Holder)
		assert.Equal(t, "3", issues[0].Balance.String())
		assert.Equal(t, "7", issues[0].Debit.String())
	}
}
