package core

import (
	"fmt"

	"StreamPay/internal/registry"
	"StreamPay/internal/token"
)

// SnapshotState is the full core state at a sequence boundary.
type SnapshotState struct {
	// Sequence is the next sequence the core will assign.
	Sequence  int64
	StateHash [32]byte

	Tokens   []token.TokenSnapshot
	Registry registry.Snapshot

	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the core state. Must run on the core
// goroutine.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence,
		StateHash:       c.hasher.GetPrevHash(),
		Tokens:          c.bank.Export(),
		Registry:        c.factory.Export(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.RecentKeys(),
	}
}

// RestoreFromSnapshot replaces the core state with snap. The bank is
// restored before the registry since ledgers bind to token handles.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap == nil {
		return fmt.Errorf("restore: nil snapshot")
	}
	if err := c.bank.Restore(snap.Tokens); err != nil {
		return fmt.Errorf("restore tokens: %w", err)
	}
	if err := c.factory.Restore(snap.Registry); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)
	c.hasher.SetPrevHash(snap.StateHash)
	c.sequence = snap.Sequence
	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.LedgerPayContracts.Set(float64(c.factory.PayContractsArrayLength()))
		for _, l := range c.factory.Ledgers() {
			c.metrics.LedgerActiveStreams.WithLabelValues(l.Token().Address().Hex()).Set(float64(l.StreamCount()))
		}
	}
	return nil
}
