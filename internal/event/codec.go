package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// commandJSON is the wire form of every command. Field names use
// snake_case to match upstream producers; amounts are base-10 strings and
// addresses 0x-prefixed hex. Fields a command does not use are omitted.
type commandJSON struct {
	RequestID   string `json:"request_id"`
	Sender      string `json:"sender"`
	Token       string `json:"token"`
	Sequence    int64  `json:"sequence,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`

	Symbol          string `json:"symbol,omitempty"`
	Decimals        *uint8 `json:"decimals,omitempty"`
	Account         string `json:"account,omitempty"`
	Spender         string `json:"spender,omitempty"`
	To              string `json:"to,omitempty"`
	Payer           string `json:"payer,omitempty"`
	Payee           string `json:"payee,omitempty"`
	Amount          string `json:"amount,omitempty"`
	AmountPerSec    string `json:"amount_per_sec,omitempty"`
	OldPayee        string `json:"old_payee,omitempty"`
	OldAmountPerSec string `json:"old_amount_per_sec,omitempty"`
}

// Marshal encodes a command in its wire form.
func Marshal(evt Event) ([]byte, error) {
	h := evt.Meta()
	j := commandJSON{
		RequestID:   h.RequestID.String(),
		Sender:      h.Sender.Hex(),
		Token:       h.Token.Hex(),
		Sequence:    h.Sequence,
		TimestampUs: h.Timestamp.UnixMicro(),
	}
	switch e := evt.(type) {
	case *TokenRegistered:
		j.Symbol = e.Symbol
		d := e.Decimals
		j.Decimals = &d
	case *TokenMinted:
		j.Account = e.Account.Hex()
		j.Amount = dec(e.Amount)
	case *TokenApproved:
		j.Spender = e.Spender.Hex()
		j.Amount = dec(e.Amount)
	case *PayContractRequested, *PayerWithdrawAll:
	case *Deposit:
		j.Amount = dec(e.Amount)
	case *DepositAndCreate:
		j.Amount = dec(e.Amount)
		j.Payee = e.Payee.Hex()
		j.AmountPerSec = dec(e.AmountPerSec)
	case *StreamCreate:
		j.Payee = e.Payee.Hex()
		j.AmountPerSec = dec(e.AmountPerSec)
	case *StreamWithdraw:
		j.Payer = e.Payer.Hex()
		j.Payee = e.Payee.Hex()
		j.AmountPerSec = dec(e.AmountPerSec)
	case *StreamCancel:
		j.Payee = e.Payee.Hex()
		j.AmountPerSec = dec(e.AmountPerSec)
	case *StreamModify:
		j.OldPayee = e.OldPayee.Hex()
		j.OldAmountPerSec = dec(e.OldAmountPerSec)
		j.Payee = e.Payee.Hex()
		j.AmountPerSec = dec(e.AmountPerSec)
	case *PayerWithdraw:
		j.Amount = dec(e.Amount)
	case *EmergencyRug:
		j.To = e.To.Hex()
		j.Amount = dec(e.Amount)
	default:
		return nil, fmt.Errorf("marshal: unhandled event type %T", evt)
	}
	return json.Marshal(j)
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// Unmarshal decodes the wire form of a command of the given type.
func Unmarshal(et EventType, data []byte) (Event, error) {
	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	p := &fieldParser{}
	h := Header{
		RequestID: p.uuid("request_id", j.RequestID),
		Sender:    p.address("sender", j.Sender),
		Token:     p.address("token", j.Token),
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}
	if j.TimestampUs <= 0 && p.err == nil {
		p.err = fmt.Errorf("timestamp_us must be positive")
	}
	if j.Sequence < 0 && p.err == nil {
		p.err = fmt.Errorf("sequence must not be negative")
	}

	var evt Event
	switch et {
	case EventTypeTokenRegistered:
		if j.Decimals == nil && p.err == nil {
			p.err = fmt.Errorf("missing decimals")
		}
		e := &TokenRegistered{Header: h, Symbol: j.Symbol}
		if j.Decimals != nil {
			e.Decimals = *j.Decimals
		}
		evt = e
	case EventTypeTokenMinted:
		evt = &TokenMinted{Header: h, Account: p.address("account", j.Account), Amount: p.amount("amount", j.Amount)}
	case EventTypeTokenApproved:
		evt = &TokenApproved{Header: h, Spender: p.address("spender", j.Spender), Amount: p.amount("amount", j.Amount)}
	case EventTypePayContractRequested:
		evt = &PayContractRequested{Header: h}
	case EventTypeDeposit:
		evt = &Deposit{Header: h, Amount: p.amount("amount", j.Amount)}
	case EventTypeDepositAndCreate:
		evt = &DepositAndCreate{
			Header:       h,
			Amount:       p.amount("amount", j.Amount),
			Payee:        p.address("payee", j.Payee),
			AmountPerSec: p.amount("amount_per_sec", j.AmountPerSec),
		}
	case EventTypeStreamCreate:
		evt = &StreamCreate{Header: h, Payee: p.address("payee", j.Payee), AmountPerSec: p.amount("amount_per_sec", j.AmountPerSec)}
	case EventTypeStreamWithdraw:
		evt = &StreamWithdraw{
			Header:       h,
			Payer:        p.address("payer", j.Payer),
			Payee:        p.address("payee", j.Payee),
			AmountPerSec: p.amount("amount_per_sec", j.AmountPerSec),
		}
	case EventTypeStreamCancel:
		evt = &StreamCancel{Header: h, Payee: p.address("payee", j.Payee), AmountPerSec: p.amount("amount_per_sec", j.AmountPerSec)}
	case EventTypeStreamModify:
		evt = &StreamModify{
			Header:          h,
			OldPayee:        p.address("old_payee", j.OldPayee),
			OldAmountPerSec: p.amount("old_amount_per_sec", j.OldAmountPerSec),
			Payee:           p.address("payee", j.Payee),
			AmountPerSec:    p.amount("amount_per_sec", j.AmountPerSec),
		}
	case EventTypePayerWithdraw:
		evt = &PayerWithdraw{Header: h, Amount: p.amount("amount", j.Amount)}
	case EventTypePayerWithdrawAll:
		evt = &PayerWithdrawAll{Header: h}
	case EventTypeEmergencyRug:
		evt = &EmergencyRug{Header: h, To: p.address("to", j.To), Amount: p.amount("amount", j.Amount)}
	default:
		return nil, fmt.Errorf("unknown event type: %s", et)
	}
	if p.err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, p.err)
	}
	return evt, nil
}

// fieldParser keeps the first field error so a whole command can be parsed
// without checking after every field.
type fieldParser struct {
	err error
}

func (p *fieldParser) uuid(field, s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", field, err)
	}
	return id
}

func (p *fieldParser) address(field, s string) common.Address {
	if !common.IsHexAddress(s) {
		if p.err == nil {
			p.err = fmt.Errorf("parse %s: %q is not a hex address", field, s)
		}
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (p *fieldParser) amount(field, s string) *uint256.Int {
	if s == "" {
		if p.err == nil {
			p.err = fmt.Errorf("missing %s", field)
		}
		return new(uint256.Int)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("parse %s: %w", field, err)
		}
		return new(uint256.Int)
	}
	return v
}
