package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"StreamPay/internal/errors"
)

// store is the committed state of a ledger.
type store struct {
	payers  map[common.Address]Payer
	streams map[StreamKey]uint64
}

func newStore() *store {
	return &store{
		payers:  make(map[common.Address]Payer),
		streams: make(map[StreamKey]uint64),
	}
}

// txn buffers the writes of one call. Nothing reaches the store until
// commit, so a call that fails halfway leaves no trace.
type txn struct {
	base *store
	now  uint64

	payers      map[common.Address]Payer
	payerOrder  []common.Address
	streams     map[StreamKey]uint64 // 0 marks a removed stream
	streamOrder []StreamKey

	transfers []transfer
	logs      []Log
}

// transfer is a token movement executed at commit time. A pull moves
// tokens from party into the ledger, a push moves them from the ledger to
// party.
type transfer struct {
	pull   bool
	party  common.Address
	amount uint256.Int
}

func (s *store) begin(now uint64) *txn {
	return &txn{
		base:    s,
		now:     now,
		payers:  make(map[common.Address]Payer),
		streams: make(map[StreamKey]uint64),
	}
}

func (t *txn) payer(addr common.Address) Payer {
	if p, ok := t.payers[addr]; ok {
		return p
	}
	return t.base.payers[addr]
}

func (t *txn) setPayer(addr common.Address, p Payer) {
	if _, ok := t.payers[addr]; !ok {
		t.payerOrder = append(t.payerOrder, addr)
	}
	t.payers[addr] = p
}

func (t *txn) streamStart(key StreamKey) uint64 {
	if start, ok := t.streams[key]; ok {
		return start
	}
	return t.base.streams[key]
}

func (t *txn) setStream(key StreamKey, start uint64) {
	if _, ok := t.streams[key]; !ok {
		t.streamOrder = append(t.streamOrder, key)
	}
	t.streams[key] = start
}

func (t *txn) pull(from common.Address, amount *uint256.Int) {
	tr := transfer{pull: true, party: from}
	tr.amount.Set(amount)
	t.transfers = append(t.transfers, tr)
}

func (t *txn) push(to common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	tr := transfer{party: to}
	tr.amount.Set(amount)
	t.transfers = append(t.transfers, tr)
}

func (t *txn) emit(l Log) {
	t.logs = append(t.logs, l)
}

// commit runs the buffered transfers and, only if all succeed, applies the
// buffered writes and returns the receipt.
func (t *txn) commit(token Token, self common.Address) (*Receipt, error) {
	for _, tr := range t.transfers {
		amount := tr.amount
		var err error
		if tr.pull {
			err = token.TransferFrom(self, tr.party, self, &amount)
		} else {
			err = token.Transfer(self, tr.party, &amount)
		}
		if err != nil {
			return nil, errors.Wrapf(errors.ErrTransferFailed, "move %s to/from %s: %v", amount.Dec(), tr.party.Hex(), err)
		}
	}

	receipt := &Receipt{
		Ledger: self,
		Token:  token.Address(),
		Time:   t.now,
		Logs:   t.logs,
	}
	for _, addr := range t.payerOrder {
		p := t.payers[addr]
		t.base.payers[addr] = p
		receipt.Payers = append(receipt.Payers, PayerRecord{Address: addr, Payer: p})
	}
	for _, key := range t.streamOrder {
		start := t.streams[key]
		if start == 0 {
			delete(t.base.streams, key)
		} else {
			t.base.streams[key] = start
		}
		receipt.Streams = append(receipt.Streams, StreamRecord{Key: key, ID: key.ID(), Start: start})
	}
	return receipt, nil
}
