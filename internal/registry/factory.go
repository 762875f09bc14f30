// Package registry deploys and deduplicates one streaming ledger per token.
package registry

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"StreamPay/internal/errors"
	"StreamPay/internal/ledger"
)

// TokenSource resolves a token address into the collaborator a ledger
// accounts for.
type TokenSource interface {
	Token(addr common.Address) (ledger.Token, error)
}

// PayContractCreated is recorded for every ledger the registry deploys.
type PayContractCreated struct {
	Token    common.Address
	Contract common.Address
	Index    int
}

// Factory is the registry. Ledgers are never removed, so indices are
// stable. Reads may run concurrently with each other; creation is
// serialized.
type Factory struct {
	address common.Address
	owner   common.Address
	tokens  TokenSource

	mu      sync.RWMutex
	ledgers map[common.Address]*ledger.StreamLedger
	order   []common.Address // token addresses in creation order
}

// NewFactory creates a registry living at address. Every ledger it deploys
// is owned by owner.
func NewFactory(address, owner common.Address, tokens TokenSource) *Factory {
	return &Factory{
		address: address,
		owner:   owner,
		tokens:  tokens,
		ledgers: make(map[common.Address]*ledger.StreamLedger),
	}
}

func (f *Factory) Address() common.Address { return f.address }
func (f *Factory) Owner() common.Address   { return f.owner }

// CreatePayContract deploys the ledger for token at its predicted address.
func (f *Factory) CreatePayContract(tokenAddr common.Address) (*PayContractCreated, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.ledgers[tokenAddr]; ok {
		return nil, errors.ErrDuplicate.Newf("pay contract for token %s", tokenAddr.Hex())
	}
	tok, err := f.tokens.Token(tokenAddr)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "token %s: %v", tokenAddr.Hex(), err)
	}
	contract := PredictAddress(f.address, tokenAddr)
	l, err := ledger.New(contract, tok, f.owner)
	if err != nil {
		return nil, err
	}

	f.ledgers[tokenAddr] = l
	f.order = append(f.order, tokenAddr)
	return &PayContractCreated{Token: tokenAddr, Contract: contract, Index: len(f.order) - 1}, nil
}

// PayContracts returns the ledger address for token, or the zero address
// if none was created.
func (f *Factory) PayContracts(tokenAddr common.Address) common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if l, ok := f.ledgers[tokenAddr]; ok {
		return l.Address()
	}
	return common.Address{}
}

// GetPayContractByToken returns the address the ledger for token has or
// will have, and whether it exists yet.
func (f *Factory) GetPayContractByToken(tokenAddr common.Address) (common.Address, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.ledgers[tokenAddr]
	return PredictAddress(f.address, tokenAddr), ok
}

// PayContractsArray returns the address of the i-th ledger created.
func (f *Factory) PayContractsArray(i int) (common.Address, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i < 0 || i >= len(f.order) {
		return common.Address{}, errors.ErrNotFound.Newf("pay contract index %d of %d", i, len(f.order))
	}
	return f.ledgers[f.order[i]].Address(), nil
}

// PayContractsArrayLength returns how many ledgers were created.
func (f *Factory) PayContractsArrayLength() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.order)
}

// Ledger returns the ledger for token.
func (f *Factory) Ledger(tokenAddr common.Address) (*ledger.StreamLedger, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, ok := f.ledgers[tokenAddr]
	if !ok {
		return nil, errors.ErrNotFound.Newf("pay contract for token %s", tokenAddr.Hex())
	}
	return l, nil
}

// Ledgers returns every ledger in creation order.
func (f *Factory) Ledgers() []*ledger.StreamLedger {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*ledger.StreamLedger, len(f.order))
	for i, t := range f.order {
		out[i] = f.ledgers[t]
	}
	return out
}

// Snapshot is the registry state: ledger snapshots in creation order.
type Snapshot struct {
	Address common.Address
	Owner   common.Address
	Ledgers []ledger.Snapshot
}

// Export captures the registry and every ledger.
func (f *Factory) Export() Snapshot {
	s := Snapshot{Address: f.address, Owner: f.owner}
	for _, l := range f.Ledgers() {
		s.Ledgers = append(s.Ledgers, l.Export())
	}
	return s
}

// Restore rebuilds the registry from s, recreating each ledger in order.
func (f *Factory) Restore(s Snapshot) error {
	if s.Address != f.address {
		return errors.ErrInvalidArgument.Newf("snapshot of registry %s restored into %s", s.Address.Hex(), f.address.Hex())
	}
	ledgers := make(map[common.Address]*ledger.StreamLedger, len(s.Ledgers))
	order := make([]common.Address, 0, len(s.Ledgers))
	for _, ls := range s.Ledgers {
		if ls.Address != PredictAddress(f.address, ls.Token) {
			return errors.ErrInvalidState.Newf("ledger %s is not at the predicted address for %s", ls.Address.Hex(), ls.Token.Hex())
		}
		if _, ok := ledgers[ls.Token]; ok {
			return errors.ErrInvalidState.Newf("token %s has two ledgers", ls.Token.Hex())
		}
		tok, err := f.tokens.Token(ls.Token)
		if err != nil {
			return errors.Wrapf(errors.ErrInvalidState, "token %s: %v", ls.Token.Hex(), err)
		}
		l, err := ledger.New(ls.Address, tok, ls.Owner)
		if err != nil {
			return err
		}
		if err := l.Restore(ls); err != nil {
			return err
		}
		ledgers[ls.Token] = l
		order = append(order, ls.Token)
	}

	f.mu.Lock()
	f.ledgers = ledgers
	f.order = order
	f.mu.Unlock()
	return nil
}
