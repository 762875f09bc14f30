package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token is the external token a ledger accounts for. Amounts are in the
// token's native decimals. A non-nil error from a transfer aborts the
// enclosing ledger operation.
type Token interface {
	Address() common.Address
	Decimals() uint8

	// Transfer moves amount from holder to to. The ledger only calls it
	// with its own address as holder.
	Transfer(holder, to common.Address, amount *uint256.Int) error

	// TransferFrom moves amount from from to to on behalf of spender,
	// consuming spender's allowance.
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error

	BalanceOf(account common.Address) *uint256.Int
}
