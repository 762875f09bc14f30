package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed is hashed to seed the chain before the first command.
const GenesisHashSeed = "StreamPay:genesis:v1"

// StateHasher links every processed command into a hash chain:
//
//	hash[n] = sha256(hash[n-1] || uint64le(n) || delta[n])
//
// where delta[n] is the canonical encoding of what command n changed.
// Rejected commands extend the chain too, so replay must reproduce them.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash chains delta under sequence and moves the tip to the result.
func (h *StateHasher) ComputeHash(sequence int64, delta []byte) [32]byte {
	buf := make([]byte, 0, len(h.tip)+8+len(delta))
	buf = append(buf, h.tip[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, delta...)

	h.tip = sha256.Sum256(buf)
	return h.tip
}

// GetPrevHash returns the chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.tip
}

// SetPrevHash moves the tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.tip = hash
}
