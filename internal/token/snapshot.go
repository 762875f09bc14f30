package token

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"StreamPay/internal/errors"
)

// Holding is one non-zero balance.
type Holding struct {
	Account common.Address
	Amount  *uint256.Int
}

// Grant is one allowance.
type Grant struct {
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

// TokenSnapshot is the full state of one token.
type TokenSnapshot struct {
	Info     Info
	Supply   *uint256.Int
	Balances []Holding
	Grants   []Grant
}

// Export captures every token in address order, with balances and grants
// sorted so equal banks export equal snapshots.
func (b *Bank) Export() []TokenSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]TokenSnapshot, 0, len(b.tokens))
	for _, t := range b.tokens {
		s := TokenSnapshot{Info: t.info, Supply: t.supply.Clone()}
		for acct, bal := range t.balances {
			if bal.IsZero() {
				continue
			}
			s.Balances = append(s.Balances, Holding{Account: acct, Amount: bal.Clone()})
		}
		sort.Slice(s.Balances, func(i, j int) bool {
			return bytes.Compare(s.Balances[i].Account.Bytes(), s.Balances[j].Account.Bytes()) < 0
		})
		for k, a := range t.allowances {
			s.Grants = append(s.Grants, Grant{Owner: k.owner, Spender: k.spender, Amount: a.Clone()})
		}
		sort.Slice(s.Grants, func(i, j int) bool {
			if c := bytes.Compare(s.Grants[i].Owner.Bytes(), s.Grants[j].Owner.Bytes()); c != 0 {
				return c < 0
			}
			return bytes.Compare(s.Grants[i].Spender.Bytes(), s.Grants[j].Spender.Bytes()) < 0
		})
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Info.Address.Bytes(), out[j].Info.Address.Bytes()) < 0
	})
	return out
}

// Restore replaces the bank contents with snaps.
func (b *Bank) Restore(snaps []TokenSnapshot) error {
	tokens := make(map[common.Address]*tokenState, len(snaps))
	for _, s := range snaps {
		if _, ok := tokens[s.Info.Address]; ok {
			return errors.ErrInvalidState.Newf("token %s appears twice in snapshot", s.Info.Address.Hex())
		}
		t := &tokenState{
			info:       s.Info,
			balances:   make(map[common.Address]*uint256.Int, len(s.Balances)),
			allowances: make(map[allowanceKey]*uint256.Int, len(s.Grants)),
		}
		if s.Supply != nil {
			t.supply.Set(s.Supply)
		}
		sum := new(uint256.Int)
		for _, h := range s.Balances {
			t.balances[h.Account] = h.Amount.Clone()
			sum.Add(sum, h.Amount)
		}
		if !sum.Eq(&t.supply) {
			return errors.ErrInvalidState.Newf("token %s balances sum %s, supply %s", s.Info.Address.Hex(), sum.Dec(), t.supply.Dec())
		}
		for _, g := range s.Grants {
			t.allowances[allowanceKey{g.Owner, g.Spender}] = g.Amount.Clone()
		}
		tokens[s.Info.Address] = t
	}

	b.mu.Lock()
	b.tokens = tokens
	b.mu.Unlock()
	return nil
}
