// Package token keeps ERC20-like token balances in memory. It stands in
// for the external token contracts a ledger pulls from and pays out of.
package token

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"StreamPay/internal/errors"
	"StreamPay/internal/ledger"
	fpmath "StreamPay/internal/math"
)

// Info describes a registered token.
type Info struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

type tokenState struct {
	info       Info
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     uint256.Int
}

// Bank holds every registered token. It is safe for concurrent use.
type Bank struct {
	mu     sync.RWMutex
	tokens map[common.Address]*tokenState
}

func NewBank() *Bank {
	return &Bank{tokens: make(map[common.Address]*tokenState)}
}

// Register adds a token. Registering an address twice fails.
func (b *Bank) Register(addr common.Address, symbol string, decimals uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tokens[addr]; ok {
		return errors.ErrDuplicate.Newf("token %s", addr.Hex())
	}
	b.tokens[addr] = &tokenState{
		info:       Info{Address: addr, Symbol: symbol, Decimals: decimals},
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
	return nil
}

// Info returns the token registered at addr.
func (b *Bank) Info(addr common.Address) (Info, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tokens[addr]
	if !ok {
		return Info{}, false
	}
	return t.info, true
}

// Tokens lists registered tokens ordered by address.
func (b *Bank) Tokens() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Info, 0, len(b.tokens))
	for _, t := range b.tokens {
		out = append(out, t.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out
}

func (b *Bank) get(addr common.Address) (*tokenState, error) {
	t, ok := b.tokens[addr]
	if !ok {
		return nil, errors.ErrNotFound.Newf("token %s", addr.Hex())
	}
	return t, nil
}

// Mint credits amount of token to account.
func (b *Bank) Mint(token, account common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.get(token)
	if err != nil {
		return err
	}
	if _, overflow := new(uint256.Int).AddOverflow(&t.supply, amount); overflow {
		return errors.ErrOverflow.Newf("supply of %s", token.Hex())
	}
	t.supply.Add(&t.supply, amount)
	t.credit(account, amount)
	return nil
}

// Approve sets the amount spender may move out of owner's balance. The
// maximum uint256 value never decreases.
func (b *Bank) Approve(token, owner, spender common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.get(token)
	if err != nil {
		return err
	}
	t.allowances[allowanceKey{owner, spender}] = amount.Clone()
	return nil
}

// Allowance returns what spender may still move out of owner's balance.
func (b *Bank) Allowance(token, owner, spender common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tokens[token]
	if !ok {
		return new(uint256.Int)
	}
	if a, ok := t.allowances[allowanceKey{owner, spender}]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// Transfer moves amount of token from holder to to.
func (b *Bank) Transfer(token, holder, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.get(token)
	if err != nil {
		return err
	}
	return t.move(holder, to, amount)
}

// TransferFrom moves amount of token from from to to, spending the
// allowance from granted to spender.
func (b *Bank) TransferFrom(token, spender, from, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.get(token)
	if err != nil {
		return err
	}
	key := allowanceKey{from, spender}
	allowance, ok := t.allowances[key]
	if !ok || allowance.Lt(amount) {
		return errors.ErrInsufficientFunds.Newf("allowance of %s for %s is below %s", from.Hex(), spender.Hex(), amount.Dec())
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	if !allowance.Eq(fpmath.MaxUint256) {
		allowance.Sub(allowance, amount)
	}
	return nil
}

// BalanceOf returns account's balance of token, zero for unknown tokens.
func (b *Bank) BalanceOf(token, account common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tokens[token]
	if !ok {
		return new(uint256.Int)
	}
	if bal, ok := t.balances[account]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

// Token returns a view of one token that satisfies ledger.Token.
func (b *Bank) Token(addr common.Address) (ledger.Token, error) {
	info, ok := b.Info(addr)
	if !ok {
		return nil, errors.ErrNotFound.Newf("token %s", addr.Hex())
	}
	return &handle{bank: b, info: info}, nil
}

func (t *tokenState) credit(account common.Address, amount *uint256.Int) {
	bal, ok := t.balances[account]
	if !ok {
		bal = new(uint256.Int)
		t.balances[account] = bal
	}
	bal.Add(bal, amount)
}

func (t *tokenState) move(from, to common.Address, amount *uint256.Int) error {
	bal, ok := t.balances[from]
	if !ok || bal.Lt(amount) {
		return errors.ErrInsufficientFunds.Newf("%s holds less than %s %s", from.Hex(), amount.Dec(), t.info.Symbol)
	}
	bal.Sub(bal, amount)
	t.credit(to, amount)
	return nil
}

type handle struct {
	bank *Bank
	info Info
}

var _ ledger.Token = (*handle)(nil)

func (h *handle) Address() common.Address { return h.info.Address }
func (h *handle) Decimals() uint8          { return h.info.Decimals }

func (h *handle) Transfer(holder, to common.Address, amount *uint256.Int) error {
	return h.bank.Transfer(h.info.Address, holder, to, amount)
}

func (h *handle) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	return h.bank.TransferFrom(h.info.Address, spender, from, to, amount)
}

func (h *handle) BalanceOf(account common.Address) *uint256.Int {
	return h.bank.BalanceOf(h.info.Address, account)
}
