package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LogKind tells what a ledger log records.
type LogKind int32

const (
	LogUnknown LogKind = iota
	LogPayerDeposit
	LogPayerWithdraw
	LogStreamCreated
	LogStreamCancelled
	LogStreamModified
	LogWithdraw
	LogEmergencyRug
)

func (k LogKind) String() string {
	switch k {
	case LogPayerDeposit:
		return "PayerDeposit"
	case LogPayerWithdraw:
		return "PayerWithdraw"
	case LogStreamCreated:
		return "StreamCreated"
	case LogStreamCancelled:
		return "StreamCancelled"
	case LogStreamModified:
		return "StreamModified"
	case LogWithdraw:
		return "Withdraw"
	case LogEmergencyRug:
		return "EmergencyRug"
	default:
		return "Unknown"
	}
}

// Log is one observable effect of a ledger call. Fields that do not apply to
// a kind are left zero.
type Log struct {
	Kind         LogKind
	Payer        common.Address
	Payee        common.Address
	AmountPerSec uint256.Int
	StreamID     common.Hash
	// Amount is in native token units.
	Amount uint256.Int

	// Previous stream, set on StreamModified only.
	OldPayee        common.Address
	OldAmountPerSec uint256.Int
	OldStreamID     common.Hash
}

// PayerRecord is the post-call state of a payer touched by a call.
type PayerRecord struct {
	Address common.Address
	Payer
}

// StreamRecord is the post-call state of a stream touched by a call.
// Start is zero when the stream was removed.
type StreamRecord struct {
	Key   StreamKey
	ID    common.Hash
	Start uint64
}

// Receipt is what a successful ledger call returns.
type Receipt struct {
	Ledger  common.Address
	Token   common.Address
	Time    uint64
	Logs    []Log
	Payers  []PayerRecord
	Streams []StreamRecord
}

// Transferred sums the native amounts the receipt moved out of the ledger.
func (r *Receipt) Transferred() *uint256.Int {
	total := new(uint256.Int)
	for i := range r.Logs {
		switch r.Logs[i].Kind {
		case LogWithdraw, LogPayerWithdraw, LogEmergencyRug:
			total.Add(total, &r.Logs[i].Amount)
		}
	}
	return total
}
