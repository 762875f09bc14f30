package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// StreamKey identifies a stream. Two streams with the same payer, payee and
// rate are the same stream; recreating one after cancellation yields a fresh
// start time.
type StreamKey struct {
	Payer        common.Address
	Payee        common.Address
	AmountPerSec uint256.Int
}

// NewStreamKey builds a key from its parts.
func NewStreamKey(payer, payee common.Address, amountPerSec *uint256.Int) StreamKey {
	k := StreamKey{Payer: payer, Payee: payee}
	k.AmountPerSec.Set(amountPerSec)
	return k
}

// ID returns keccak256(payer ‖ payee ‖ amountPerSec), with the rate packed
// into 27 bytes. It is stable across restarts and used in logs and storage.
func (k StreamKey) ID() common.Hash {
	rate := k.AmountPerSec.Bytes32()
	return crypto.Keccak256Hash(k.Payer.Bytes(), k.Payee.Bytes(), rate[32-RatePackedBytes:])
}

// RatePackedBytes is the width of a packed per-second rate (216 bits).
const RatePackedBytes = 27

func (k StreamKey) String() string {
	return fmt.Sprintf("%s->%s@%s", k.Payer.Hex(), k.Payee.Hex(), k.AmountPerSec.Dec())
}

// Stream is a stream together with its current start time, which moves
// forward on every withdrawal.
type Stream struct {
	Key   StreamKey
	Start uint64
}
