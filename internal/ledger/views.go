package ledger

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"StreamPay/internal/errors"
	fpmath "StreamPay/internal/math"
)

// Withdrawal is what a stream could pay out at a given instant. Amount and
// Owed are in native token units. LastUpdate is the instant the payer's
// funds cover the stream up to.
type Withdrawal struct {
	Amount     uint256.Int
	Owed       uint256.Int
	LastUpdate uint64
}

// ComputeWithdrawable evaluates a stream that started at start against the
// stored state of its payer. It has no side effects.
func ComputeWithdrawable(p Payer, start uint64, amountPerSec *uint256.Int, n fpmath.Normalizer, now uint64) Withdrawal {
	_, paidUntil := p.Settle(now)
	var w Withdrawal
	w.LastUpdate = paidUntil
	w.Amount.Set(n.ToNative(streamed(start, paidUntil, amountPerSec)))
	w.Owed.Set(n.ToNative(streamed(paidUntil, now, amountPerSec)))
	return w
}

// Withdrawable reports what Withdraw would pay for the stream at now, and
// how much it has streamed beyond what the payer funded.
func (l *StreamLedger) Withdrawable(payer, payee common.Address, amountPerSec *uint256.Int, now uint64) (Withdrawal, error) {
	key := NewStreamKey(payer, payee, amountPerSec)
	start := l.state.streams[key]
	if start == 0 {
		return Withdrawal{}, errors.ErrNotFound.Newf("stream %s doesn't exist", key)
	}
	return ComputeWithdrawable(l.state.payers[payer], start, amountPerSec, l.normalizer, now), nil
}

// GetStreamID returns the identifier of the stream with the given parts,
// whether or not it exists.
func (l *StreamLedger) GetStreamID(payer, payee common.Address, amountPerSec *uint256.Int) common.Hash {
	return NewStreamKey(payer, payee, amountPerSec).ID()
}

// Streams lists the active streams of payer ordered by payee, then rate.
func (l *StreamLedger) Streams(payer common.Address) []Stream {
	var out []Stream
	for key, start := range l.state.streams {
		if key.Payer == payer {
			out = append(out, Stream{Key: key, Start: start})
		}
	}
	sortStreams(out)
	return out
}

func sortStreams(s []Stream) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i].Key, s[j].Key
		if c := bytes.Compare(a.Payer.Bytes(), b.Payer.Bytes()); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(a.Payee.Bytes(), b.Payee.Bytes()); c != 0 {
			return c < 0
		}
		return a.AmountPerSec.Lt(&b.AmountPerSec)
	})
}

// Snapshot is the full state of a ledger in a deterministic order.
type Snapshot struct {
	Address  common.Address
	Token    common.Address
	Owner    common.Address
	LastTime uint64
	Payers   []PayerRecord
	Streams  []Stream
}

// Export captures the ledger state.
func (l *StreamLedger) Export() Snapshot {
	s := Snapshot{
		Address:  l.address,
		Token:    l.token.Address(),
		Owner:    l.owner,
		LastTime: l.lastTime,
	}
	for addr, p := range l.state.payers {
		s.Payers = append(s.Payers, PayerRecord{Address: addr, Payer: p})
	}
	sort.Slice(s.Payers, func(i, j int) bool {
		return bytes.Compare(s.Payers[i].Address.Bytes(), s.Payers[j].Address.Bytes()) < 0
	})
	for key, start := range l.state.streams {
		s.Streams = append(s.Streams, Stream{Key: key, Start: start})
	}
	sortStreams(s.Streams)
	return s
}

// Restore replaces the ledger state with s. The snapshot must belong to
// this ledger and satisfy the ledger invariants.
func (l *StreamLedger) Restore(s Snapshot) error {
	if s.Address != l.address || s.Token != l.token.Address() {
		return errors.ErrInvalidArgument.Newf("snapshot of %s/%s restored into %s/%s",
			s.Address.Hex(), s.Token.Hex(), l.address.Hex(), l.token.Address().Hex())
	}
	state := newStore()
	for _, rec := range s.Payers {
		state.payers[rec.Address] = rec.Payer
	}
	for _, st := range s.Streams {
		if st.Start == 0 {
			return errors.ErrInvalidState.Newf("stream %s has no start", st.Key)
		}
		state.streams[st.Key] = st.Start
	}
	if err := checkInvariants(state); err != nil {
		return err
	}
	l.state = state
	l.owner = s.Owner
	l.lastTime = s.LastTime
	return nil
}

// StreamCount returns how many streams are active across all payers.
func (l *StreamLedger) StreamCount() int {
	return len(l.state.streams)
}
