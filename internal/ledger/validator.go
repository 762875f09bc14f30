package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"StreamPay/internal/errors"
	fpmath "StreamPay/internal/math"
)

// Validate checks the ledger invariants against the committed state:
// every stream has a positive rate and a start no later than its payer's
// last settlement, and each payer's aggregate rate equals the sum of its
// streams and stays within bounds.
func (l *StreamLedger) Validate() error {
	return checkInvariants(l.state)
}

func checkInvariants(s *store) error {
	sums := make(map[common.Address]*uint256.Int)
	for key, start := range s.streams {
		if key.AmountPerSec.IsZero() {
			return errors.ErrInvalidState.Newf("stream %s has zero rate", key)
		}
		if last := s.payers[key.Payer].LastUpdate; start > last {
			return errors.ErrInvalidState.Newf("stream %s starts at %d after payer update %d", key, start, last)
		}
		sum, ok := sums[key.Payer]
		if !ok {
			sum = new(uint256.Int)
			sums[key.Payer] = sum
		}
		if _, overflow := sum.AddOverflow(sum, &key.AmountPerSec); overflow {
			return errors.ErrInvalidState.Newf("rates of %s overflow", key.Payer.Hex())
		}
	}

	for addr, p := range s.payers {
		want, ok := sums[addr]
		if !ok {
			want = new(uint256.Int)
		}
		if !p.TotalPaidPerSec.Eq(want) {
			return errors.ErrInvalidState.Newf("payer %s total %s, streams sum %s", addr.Hex(), p.TotalPaidPerSec.Dec(), want.Dec())
		}
		if p.TotalPaidPerSec.Gt(fpmath.MaxTotalPaidPerSec) {
			return errors.ErrInvalidState.Newf("payer %s total exceeds bound", addr.Hex())
		}
	}
	for addr := range sums {
		if _, ok := s.payers[addr]; !ok {
			return errors.ErrInvalidState.Newf("streams of unknown payer %s", addr.Hex())
		}
	}
	return nil
}
