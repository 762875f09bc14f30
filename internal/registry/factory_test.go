package registry_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"StreamPay/internal/errors"
	"StreamPay/internal/ledger"
	fpmath "StreamPay/internal/math"
	"StreamPay/internal/registry"
	"StreamPay/internal/token"
)

var (
	owner   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	payer   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	payee   = common.HexToAddress("0x0000000000000000000000000000000000000003")
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	dai     = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	unknown = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func newRegistry(t *testing.T) (*token.Bank, *registry.Factory) {
	t.Helper()
	bank := token.NewBank()
	require.NoError(t, bank.Register(usdc, "USDC", 6))
	require.NoError(t, bank.Register(dai, "DAI", 18))
	addr := registry.FactoryAddress(registry.DefaultDeployer, common.Hash{})
	return bank, registry.NewFactory(addr, owner, bank)
}

func TestPredictAddressIsDeterministic(t *testing.T) {
	factory := registry.FactoryAddress(registry.DefaultDeployer, common.Hash{})
	require.Equal(t, registry.PredictAddress(factory, usdc), registry.PredictAddress(factory, usdc))
	require.NotEqual(t, registry.PredictAddress(factory, usdc), registry.PredictAddress(factory, dai))

	other := registry.FactoryAddress(registry.DefaultDeployer, common.BytesToHash([]byte{1}))
	require.NotEqual(t, factory, other)
	require.NotEqual(t, registry.PredictAddress(factory, usdc), registry.PredictAddress(other, usdc))
}

func TestCreatePayContract(t *testing.T) {
	_, f := newRegistry(t)

	predicted, exists := f.GetPayContractByToken(usdc)
	require.False(t, exists)
	require.Equal(t, common.Address{}, f.PayContracts(usdc))

	created, err := f.CreatePayContract(usdc)
	require.NoError(t, err)
	require.Equal(t, usdc, created.Token)
	require.Equal(t, predicted, created.Contract)
	require.Equal(t, 0, created.Index)

	got, exists := f.GetPayContractByToken(usdc)
	require.True(t, exists)
	require.Equal(t, predicted, got)
	require.Equal(t, predicted, f.PayContracts(usdc))

	l, err := f.Ledger(usdc)
	require.NoError(t, err)
	require.Equal(t, owner, l.Owner())
	require.Equal(t, "100000000000000", l.DecimalsDivisor().Dec())
}

func TestCreatePayContract_Rejects(t *testing.T) {
	bank, f := newRegistry(t)

	_, err := f.CreatePayContract(usdc)
	require.NoError(t, err)

	_, err = f.CreatePayContract(usdc)
	require.True(t, errors.ErrDuplicate.Is(err), "got %v", err)

	_, err = f.CreatePayContract(unknown)
	require.True(t, errors.ErrInvalidArgument.Is(err), "got %v", err)

	wide := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	require.NoError(t, bank.Register(wide, "WIDE", 24))
	_, err = f.CreatePayContract(wide)
	require.Error(t, err)
	require.Equal(t, 1, f.PayContractsArrayLength())
}

func TestPayContractsArray(t *testing.T) {
	_, f := newRegistry(t)

	_, err := f.CreatePayContract(dai)
	require.NoError(t, err)
	second, err := f.CreatePayContract(usdc)
	require.NoError(t, err)
	require.Equal(t, 1, second.Index)

	require.Equal(t, 2, f.PayContractsArrayLength())
	first, err := f.PayContractsArray(0)
	require.NoError(t, err)
	require.Equal(t, f.PayContracts(dai), first)
	last, err := f.PayContractsArray(1)
	require.NoError(t, err)
	require.Equal(t, second.Contract, last)

	_, err = f.PayContractsArray(2)
	require.True(t, errors.ErrNotFound.Is(err))
	_, err = f.PayContractsArray(-1)
	require.True(t, errors.ErrNotFound.Is(err))

	ledgers := f.Ledgers()
	require.Len(t, ledgers, 2)
	require.Equal(t, dai, ledgers[0].Token().Address())
}

func TestExportRestore(t *testing.T) {
	bank, f := newRegistry(t)
	_, err := f.CreatePayContract(usdc)
	require.NoError(t, err)

	l, err := f.Ledger(usdc)
	require.NoError(t, err)
	require.NoError(t, bank.Mint(usdc, payer, uint256.NewInt(1_000_000_000)))
	require.NoError(t, bank.Approve(usdc, payer, l.Address(), fpmath.MaxUint256))
	_, err = l.DepositAndCreate(ledger.Call{Sender: payer, Time: 1_700_000_000}, uint256.NewInt(1_000_000_000), payee, uint256.NewInt(1_000_000))
	require.NoError(t, err)

	snap := f.Export()
	require.Len(t, snap.Ledgers, 1)

	restored := registry.NewFactory(f.Address(), owner, bank)
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, snap, restored.Export())

	rl, err := restored.Ledger(usdc)
	require.NoError(t, err)
	require.Equal(t, 1, rl.StreamCount())
	require.Equal(t, l.GetPayerBalance(payer, 1_700_000_100).String(), rl.GetPayerBalance(payer, 1_700_000_100).String())
}

func TestRestore_RejectsForeignSnapshot(t *testing.T) {
	bank, f := newRegistry(t)
	_, err := f.CreatePayContract(usdc)
	require.NoError(t, err)
	snap := f.Export()

	elsewhere := registry.NewFactory(registry.FactoryAddress(registry.DefaultDeployer, common.BytesToHash([]byte{9})), owner, bank)
	require.True(t, errors.ErrInvalidArgument.Is(elsewhere.Restore(snap)))

	snap.Ledgers[0].Address = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	require.True(t, errors.ErrInvalidState.Is(f.Restore(snap)))
}
