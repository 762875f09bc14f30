package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"StreamPay/internal/core"
	"StreamPay/internal/event"
	"StreamPay/internal/observability"
	"StreamPay/internal/projection"
	"StreamPay/internal/query"
	"StreamPay/internal/registry"
	"StreamPay/internal/testutil"
)

var (
	factoryAddr = common.HexToAddress("0xf0")
	ownerAddr   = common.HexToAddress("0x01")
	payerAddr   = common.HexToAddress("0x02")
	payeeAddr   = common.HexToAddress("0x03")
	tokenAddr   = common.HexToAddress("0xaa")
)

const t0 = 1_700_000_000

var oneTokenPerSec = uint256.MustFromDecimal("100000000000000000000")

func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.MustFromDecimal("1000000000000000000"))
}

func header(sender common.Address, at int64) event.Header {
	return event.Header{RequestID: uuid.New(), Sender: sender, Token: tokenAddr, Timestamp: time.Unix(at, 0)}
}

// runCore streams 100 tokens at one token per second from t0+10 and returns
// the core with every projection output it emitted.
func runCore(t *testing.T) (*core.DeterministicCore, chan core.CoreOutput) {
	t.Helper()
	projChan := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(1, core.Config{Factory: factoryAddr, Owner: ownerAddr}, make(chan core.CoreOutput, 64), projChan, nil, nil)

	ledgerAddr := registry.PredictAddress(factoryAddr, tokenAddr)
	for _, evt := range []event.Event{
		&event.TokenRegistered{Header: header(ownerAddr, t0), Symbol: "DAI", Decimals: 18},
		&event.TokenMinted{Header: header(ownerAddr, t0), Account: payerAddr, Amount: units(1_000)},
		&event.TokenApproved{Header: header(payerAddr, t0), Spender: ledgerAddr, Amount: units(1_000)},
		&event.PayContractRequested{Header: header(payerAddr, t0)},
		&event.DepositAndCreate{Header: header(payerAddr, t0+10), Amount: units(100), Payee: payeeAddr, AmountPerSec: oneTokenPerSec},
	} {
		require.NoError(t, c.ProcessEvent(evt))
	}
	close(projChan)
	return c, projChan
}

func assertProjected(t *testing.T, qs *query.QueryService) {
	t.Helper()
	ctx := context.Background()

	contract, err := qs.GetPayContract(ctx, tokenAddr)
	require.NoError(t, err)
	require.Equal(t, registry.PredictAddress(factoryAddr, tokenAddr).Hex(), contract.Contract)
	require.Equal(t, "DAI", contract.Symbol)
	require.Equal(t, int64(5), contract.AsOfSequence)

	bal, err := qs.GetPayerBalance(ctx, tokenAddr, payerAddr, t0+60)
	require.NoError(t, err)
	require.Equal(t, "5000000000000000000000", bal.Balance)
	require.Equal(t, "50", bal.BalanceTokens)
	require.False(t, bal.InDebt)

	w, err := qs.Withdrawable(ctx, tokenAddr, payerAddr, payeeAddr, oneTokenPerSec, t0+60)
	require.NoError(t, err)
	require.Equal(t, "50000000000000000000", w.WithdrawableAmount)

	streams, err := qs.ListStreams(ctx, tokenAddr, payerAddr)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Equal(t, uint64(t0+10), streams[0].Start)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Empty(t, report.RateMismatches)
}

func TestProjectionWorker_FeedsQueries(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	_, projChan := runCore(t)
	w := projection.NewProjectionWorker(db, projChan, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	assertProjected(t, query.NewQueryService(db, nil))
}

func TestSync_RebuildsFromCoreState(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	c, _ := runCore(t)
	require.NoError(t, projection.Sync(context.Background(), db, c.Bank(), c.Factory(), c.GetSequence()-1))

	assertProjected(t, query.NewQueryService(db, nil))
}

func TestProjectionWorker_DroppedOutputFreezesWatermark(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	_, all := runCore(t)
	in := make(chan core.CoreOutput, 64)
	for out := range all {
		if out.Envelope.Sequence == 3 { // dropped by a full channel
			continue
		}
		in <- out
	}
	close(in)

	metrics := observability.NewMetrics()
	w := projection.NewProjectionWorker(db, in, metrics, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	seq, gapped := w.Watermark()
	require.True(t, gapped)
	require.Equal(t, int64(2), seq)
	require.Equal(t, float64(1), prom.ToFloat64(metrics.ProjectionGaps))

	// Rows after the gap are still written; only the watermark holds back.
	contract, err := query.NewQueryService(db, nil).GetPayContract(context.Background(), tokenAddr)
	require.NoError(t, err)
	require.Equal(t, int64(2), contract.AsOfSequence)
}

func TestProjectionWorker_ResumeAfterSync(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	_, all := runCore(t)
	in := make(chan core.CoreOutput, 64)
	for out := range all {
		if out.Envelope.Sequence > 3 {
			in <- out
		}
	}
	close(in)

	w := projection.NewProjectionWorker(db, in, nil, zerolog.Nop())
	w.Resume(3)
	require.NoError(t, w.Run(context.Background()))

	seq, gapped := w.Watermark()
	require.False(t, gapped)
	require.Equal(t, int64(5), seq)
}
