package registry

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// LedgerCodeHash stands in for the init code hash of a ledger instance.
	LedgerCodeHash = crypto.Keccak256Hash([]byte("StreamPay/StreamLedger/v1"))

	// FactoryCodeHash stands in for the init code hash of the registry.
	FactoryCodeHash = crypto.Keccak256Hash([]byte("StreamPay/Registry/v1"))

	// DefaultDeployer is the well-known deterministic deployment proxy.
	DefaultDeployer = common.HexToAddress("0x4e59b44847b379578588920ca78fbf26c0b4956c")
)

// PredictAddress returns where the registry at factory places the ledger
// for token. The salt is the token address left-padded to 32 bytes, so the
// result depends on nothing but the two addresses.
func PredictAddress(factory, token common.Address) common.Address {
	salt := common.BytesToHash(token.Bytes())
	return crypto.CreateAddress2(factory, salt, LedgerCodeHash.Bytes())
}

// FactoryAddress returns where deployer places a registry with salt.
func FactoryAddress(deployer common.Address, salt common.Hash) common.Address {
	return crypto.CreateAddress2(deployer, salt, FactoryCodeHash.Bytes())
}
