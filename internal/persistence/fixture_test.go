package persistence_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"StreamPay/internal/core"
	"StreamPay/internal/event"
	"StreamPay/internal/registry"
)

var (
	factoryAddr = common.HexToAddress("0xf0")
	ownerAddr   = common.HexToAddress("0x01")
	payerAddr   = common.HexToAddress("0x02")
	payeeAddr   = common.HexToAddress("0x03")
	tokenAddr   = common.HexToAddress("0xaa")
)

const t0 = 1_700_000_000

var rate = uint256.MustFromDecimal("100000000000000000000")

func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.MustFromDecimal("1000000000000000000"))
}

func header(sender common.Address, at int64) event.Header {
	return event.Header{RequestID: uuid.New(), Sender: sender, Token: tokenAddr, Timestamp: time.Unix(at, 0)}
}

func newCore() (*core.DeterministicCore, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(1, core.Config{Factory: factoryAddr, Owner: ownerAddr}, persistChan, make(chan core.CoreOutput, 1024), nil, nil)
	return c, persistChan
}

// streamingCommands deploys a ledger and opens one stream, then sends a
// withdraw for a stream that does not exist.
func streamingCommands() []event.Event {
	ledgerAddr := registry.PredictAddress(factoryAddr, tokenAddr)
	return []event.Event{
		&event.TokenRegistered{Header: header(ownerAddr, t0), Symbol: "DAI", Decimals: 18},
		&event.TokenMinted{Header: header(ownerAddr, t0), Account: payerAddr, Amount: units(1_000)},
		&event.TokenApproved{Header: header(payerAddr, t0), Spender: ledgerAddr, Amount: units(1_000)},
		&event.PayContractRequested{Header: header(payerAddr, t0)},
		&event.DepositAndCreate{Header: header(payerAddr, t0+10), Amount: units(100), Payee: payeeAddr, AmountPerSec: rate},
		&event.StreamWithdraw{Header: header(payeeAddr, t0+20), Payer: payerAddr, Payee: payeeAddr, AmountPerSec: uint256.NewInt(1)},
	}
}

func mustProcess(t *testing.T, c *core.DeterministicCore, evts ...event.Event) {
	t.Helper()
	for _, evt := range evts {
		require.NoError(t, c.ProcessEvent(evt), "process %s", evt.EventType())
	}
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}
