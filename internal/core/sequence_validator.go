package core

import (
	"google.golang.org/grpc/codes"

	"StreamPay/internal/errors"
)

var (
	// ErrSequenceGap is returned when a command skips ahead of its
	// partition's next sequence.
	ErrSequenceGap = errors.Register(20, "sequence gap", codes.FailedPrecondition)

	// ErrOutOfOrder is returned when a new command arrives with a sequence
	// its partition already passed.
	ErrOutOfOrder = errors.Register(21, "out-of-order command", codes.FailedPrecondition)
)

// SequenceValidator enforces upstream order per token partition. Sequences
// start at 1; a command with sequence 0 is unsequenced and skips the check.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	next map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{next: make(map[string]int64)}
}

// ValidateSequence accepts the partition's next sequence and advances it.
// A sequence already passed is fine for a duplicate, which the core drops
// anyway, and an ordering error for a new command.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, idempotencyKey string, isDuplicate bool) error {
	if sourceSequence == 0 {
		return nil
	}
	expected := sv.GetExpectedSequence(partition)

	switch {
	case sourceSequence == expected:
		sv.next[partition] = expected + 1
		return nil
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		return errors.Wrapf(ErrOutOfOrder, "partition=%s, expected=%d, got=%d, request=%s",
			partition, expected, sourceSequence, idempotencyKey)
	default:
		return errors.Wrapf(ErrSequenceGap, "partition=%s, expected=%d, got=%d, request=%s",
			partition, expected, sourceSequence, idempotencyKey)
	}
}

// GetExpectedSequence returns the next sequence a partition accepts.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	if n, ok := sv.next[partition]; ok {
		return n
	}
	return 1
}

// GetAllPartitions returns a copy of every partition's next sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.next))
	for p, n := range sv.next {
		out[p] = n
	}
	return out
}

// RestorePartition sets a partition's next sequence during recovery.
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.next[partition] = next
}
