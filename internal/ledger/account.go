package ledger

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Payer is the settled accounting state of one payer inside a ledger.
//
// Balance is never negative. When a payer's deposits run out, LastUpdate
// stops advancing at the instant the money ran out, and the time between
// LastUpdate and now is the payer's debt.
type Payer struct {
	Balance         uint256.Int // internal precision
	TotalPaidPerSec uint256.Int // sum of AmountPerSec over active streams
	LastUpdate      uint64      // unix seconds
}

// Accrued returns (now-LastUpdate)*TotalPaidPerSec.
func (p Payer) Accrued(now uint64) *uint256.Int {
	if now <= p.LastUpdate {
		return new(uint256.Int)
	}
	elapsed := uint256.NewInt(now - p.LastUpdate)
	// TotalPaidPerSec < 2^216 and elapsed < 2^40 for any realistic clock.
	out, overflow := new(uint256.Int).MulOverflow(elapsed, &p.TotalPaidPerSec)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// Settle draws the balance down for the time elapsed since LastUpdate and
// returns the settled copy together with the instant streams are paid up to.
//
// If the balance covers the whole period the payer is settled to now.
// Otherwise every stream of the payer is paid up to the same instant, the
// whole seconds the balance could fund, and the remainder stays as balance.
func (p Payer) Settle(now uint64) (Payer, uint64) {
	if now <= p.LastUpdate || p.TotalPaidPerSec.IsZero() {
		if now > p.LastUpdate {
			p.LastUpdate = now
		}
		return p, p.LastUpdate
	}

	owed := p.Accrued(now)
	if !p.Balance.Lt(owed) {
		p.Balance.Sub(&p.Balance, owed)
		p.LastUpdate = now
		return p, now
	}

	var timePaid, rem uint256.Int
	timePaid.DivMod(&p.Balance, &p.TotalPaidPerSec, &rem)
	// timePaid < now-LastUpdate here, so it fits in uint64.
	p.LastUpdate += timePaid.Uint64()
	p.Balance = rem
	return p, p.LastUpdate
}

// InDebt reports whether the balance cannot cover everything streamed up to
// now.
func (p Payer) InDebt(now uint64) bool {
	_, paidUntil := p.Settle(now)
	return paidUntil < now
}

// SignedBalance returns Balance-(now-LastUpdate)*TotalPaidPerSec in internal
// precision. It is negative while the payer is in debt.
func (p Payer) SignedBalance(now uint64) *big.Int {
	out := p.Balance.ToBig()
	return out.Sub(out, p.Accrued(now).ToBig())
}
