package event

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Header carries what every command has: who sent it, which token it is
// about, when it happened and where it sits in the upstream order.
type Header struct {
	RequestID uuid.UUID
	Sender    common.Address
	Token     common.Address
	Sequence  int64
	Timestamp time.Time
}

func (h *Header) Meta() *Header          { return h }
func (h *Header) IdempotencyKey() string { return h.RequestID.String() }
func (h *Header) SourceSequence() int64  { return h.Sequence }

// Partition is per token so commands on different ledgers never block each
// other's ordering.
func (h *Header) Partition() string {
	return "token:" + strings.ToLower(h.Token.Hex())
}

// Unix returns the command time in whole seconds, the ledger clock.
func (h *Header) Unix() uint64 {
	if h.Timestamp.Unix() <= 0 {
		return 0
	}
	return uint64(h.Timestamp.Unix())
}

// TokenRegistered adds a token to the bank.
type TokenRegistered struct {
	Header
	Symbol   string
	Decimals uint8
}

func (e *TokenRegistered) EventType() EventType { return EventTypeTokenRegistered }

// TokenMinted credits Amount native units to Account.
type TokenMinted struct {
	Header
	Account common.Address
	Amount  *uint256.Int
}

func (e *TokenMinted) EventType() EventType { return EventTypeTokenMinted }

// TokenApproved lets Spender move Amount of the sender's tokens.
type TokenApproved struct {
	Header
	Spender common.Address
	Amount  *uint256.Int
}

func (e *TokenApproved) EventType() EventType { return EventTypeTokenApproved }

// PayContractRequested asks the registry for a ledger for the token.
type PayContractRequested struct {
	Header
}

func (e *PayContractRequested) EventType() EventType { return EventTypePayContractRequested }

// Deposit funds the sender's balance with Amount native units.
type Deposit struct {
	Header
	Amount *uint256.Int
}

func (e *Deposit) EventType() EventType { return EventTypeDeposit }

// DepositAndCreate deposits and opens a stream in one step.
type DepositAndCreate struct {
	Header
	Amount       *uint256.Int
	Payee        common.Address
	AmountPerSec *uint256.Int
}

func (e *DepositAndCreate) EventType() EventType { return EventTypeDepositAndCreate }

// StreamCreate opens a stream from the sender to Payee.
type StreamCreate struct {
	Header
	Payee        common.Address
	AmountPerSec *uint256.Int
}

func (e *StreamCreate) EventType() EventType { return EventTypeStreamCreate }

// StreamWithdraw pays out a stream. Any sender may submit it.
type StreamWithdraw struct {
	Header
	Payer        common.Address
	Payee        common.Address
	AmountPerSec *uint256.Int
}

func (e *StreamWithdraw) EventType() EventType { return EventTypeStreamWithdraw }

// StreamCancel closes one of the sender's streams.
type StreamCancel struct {
	Header
	Payee        common.Address
	AmountPerSec *uint256.Int
}

func (e *StreamCancel) EventType() EventType { return EventTypeStreamCancel }

// StreamModify replaces one of the sender's streams.
type StreamModify struct {
	Header
	OldPayee        common.Address
	OldAmountPerSec *uint256.Int
	Payee           common.Address
	AmountPerSec    *uint256.Int
}

func (e *StreamModify) EventType() EventType { return EventTypeStreamModify }

// PayerWithdraw reclaims Amount, in internal precision, of the sender's
// deposit.
type PayerWithdraw struct {
	Header
	Amount *uint256.Int
}

func (e *PayerWithdraw) EventType() EventType { return EventTypePayerWithdraw }

// PayerWithdrawAll reclaims the sender's whole settled balance.
type PayerWithdrawAll struct {
	Header
}

func (e *PayerWithdrawAll) EventType() EventType { return EventTypePayerWithdrawAll }

// EmergencyRug moves Amount native units held by the ledger to To.
type EmergencyRug struct {
	Header
	To     common.Address
	Amount *uint256.Int
}

func (e *EmergencyRug) EventType() EventType { return EventTypeEmergencyRug }
