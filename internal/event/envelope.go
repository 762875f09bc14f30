package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTokenRegistered
	EventTypeTokenMinted
	EventTypeTokenApproved
	EventTypePayContractRequested
	EventTypeDeposit
	EventTypeDepositAndCreate
	EventTypeStreamCreate
	EventTypeStreamWithdraw
	EventTypeStreamCancel
	EventTypeStreamModify
	EventTypePayerWithdraw
	EventTypePayerWithdrawAll
	EventTypeEmergencyRug
)

var eventTypeNames = map[EventType]string{
	EventTypeTokenRegistered:      "TokenRegistered",
	EventTypeTokenMinted:          "TokenMinted",
	EventTypeTokenApproved:        "TokenApproved",
	EventTypePayContractRequested: "PayContractRequested",
	EventTypeDeposit:              "Deposit",
	EventTypeDepositAndCreate:     "DepositAndCreate",
	EventTypeStreamCreate:         "StreamCreate",
	EventTypeStreamWithdraw:       "StreamWithdraw",
	EventTypeStreamCancel:         "StreamCancel",
	EventTypeStreamModify:         "StreamModify",
	EventTypePayerWithdraw:        "PayerWithdraw",
	EventTypePayerWithdrawAll:     "PayerWithdrawAll",
	EventTypeEmergencyRug:         "EmergencyRug",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType maps a wire name back to its type.
func ParseEventType(name string) (EventType, bool) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// EventTypes lists every known type in declaration order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeTokenRegistered; et <= EventTypeEmergencyRug; et++ {
		out = append(out, et)
	}
	return out
}

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Ordering partition, one per token
	Partition string

	Sender common.Address
	Token  common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation, 0 when unsequenced
	SourceSequence int64

	// JSON wire encoding of the command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Partition returns the ordering partition
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Meta returns the fields common to every command
	Meta() *Header
}
