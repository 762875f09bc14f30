package core

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

func TestSequenceValidator(t *testing.T) {
	sv := NewSequenceValidator()
	const p = "token:00000000000000000000000000000000000000aa"

	if err := sv.ValidateSequence(p, 0, "unsequenced", false); err != nil {
		t.Fatalf("sequence 0: %v", err)
	}
	if got := sv.GetExpectedSequence(p); got != 1 {
		t.Fatalf("expected = %d, want 1", got)
	}
	for seq := int64(1); seq <= 3; seq++ {
		if err := sv.ValidateSequence(p, seq, "k", false); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
	}
	if err := sv.ValidateSequence(p, 2, "k2", true); err != nil {
		t.Errorf("replayed duplicate: %v", err)
	}
	if err := sv.ValidateSequence(p, 2, "new", false); !ErrOutOfOrder.Is(err) {
		t.Errorf("late new command: %v", err)
	}
	if err := sv.ValidateSequence(p, 6, "ahead", false); !ErrSequenceGap.Is(err) {
		t.Errorf("gap: %v", err)
	}
	if got := sv.GetExpectedSequence(p); got != 4 {
		t.Errorf("rejections moved the partition to %d", got)
	}

	parts := sv.GetAllPartitions()
	parts[p] = 100
	restored := NewSequenceValidator()
	restored.RestorePartition(p, sv.GetAllPartitions()[p])
	if got := restored.GetExpectedSequence(p); got != 4 {
		t.Errorf("restored = %d, want 4", got)
	}
}

func TestStateHasherChain(t *testing.T) {
	h := NewStateHasher()
	genesis := sha256.Sum256([]byte(GenesisHashSeed))
	if h.GetPrevHash() != genesis {
		t.Fatal("tip does not start at genesis")
	}

	delta := []byte("delta")
	got := h.ComputeHash(7, delta)

	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], 7)
	want := sha256.Sum256(append(append(genesis[:], seq[:]...), delta...))
	if got != want || h.GetPrevHash() != want {
		t.Fatalf("hash = %x, want %x", got, want)
	}

	other := NewStateHasher()
	other.SetPrevHash(want)
	if h.ComputeHash(8, nil) != other.ComputeHash(8, nil) {
		t.Error("restored tip diverged")
	}
}
