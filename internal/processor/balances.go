package processor

import (
	"math/big"

	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// Inconsistency is a debit larger than the sender's recorded balance
type Inconsistency struct {
	Holder  string
	Balance *big.Int
	Debit   *big.Int
}

// ApplyTransferToBalances returns the new balances of the holders touched by
// event. current holds their recorded balances; a missing holder has none.
// Holders whose balance does not change are omitted from the result, and a
// balance of zero means the holder row must be removed. A debit that exceeds
// the recorded balance clamps at zero and is reported.
func ApplyTransferToBalances(current map[string]*big.Int, event *models.TokenEvent) (map[string]*big.Int, []Inconsistency) {
	next := make(map[string]*big.Int, 2)
	if event.From == event.To || event.Value.Sign() == 0 {
		return next, nil
	}

	var issues []Inconsistency
	if !utils.IsZeroAddress(event.From) {
		balance := lookup(current, event.From)
		if balance.Cmp(event.Value) < 0 {
			issues = append(issues, Inconsistency{
				Holder:  event.From,
				Balance: new(big.Int).Set(balance),
				Debit:   new(big.Int).Set(event.Value),
			})
			next[event.From] = new(big.Int)
		} else {
			next[event.From] = new(big.Int).Sub(balance, event.Value)
		}
	}
	if !utils.IsZeroAddress(event.To) {
		balance := lookup(current, event.To)
		next[event.To] = new(big.Int).Add(balance, event.Value)
	}
	return next, issues
}

func lookup(balances map[string]*big.Int, holder string) *big.Int {
	if v, ok := balances[holder]; ok && v != nil {
		return v
	}
	return new(big.Int)
}
