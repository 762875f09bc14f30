package math

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"StreamPay/internal/errors"
)

// InternalDecimals is the fixed precision every ledger computes in,
// independent of the token's own decimals.
const InternalDecimals = 20

// RateBits bounds a payer's aggregate per-second rate. The remaining 40 bits
// of a 256-bit word hold elapsed seconds, so rate*elapsed never wraps.
const RateBits = 216

var (
	// MaxTotalPaidPerSec is the largest aggregate rate a payer may stream.
	MaxTotalPaidPerSec = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), RateBits), uint256.NewInt(1))

	// MaxUint256 is the largest representable amount, used as the
	// unlimited allowance marker.
	MaxUint256 = new(uint256.Int).SetAllOne()
)

// Normalizer converts amounts between a token's native precision and the
// internal 20-decimal precision.
type Normalizer struct {
	decimals uint8
	divisor  uint256.Int
}

// NewNormalizer builds a normalizer for a token with the given decimals.
// Tokens with more than InternalDecimals decimals are rejected.
func NewNormalizer(decimals uint8) (Normalizer, error) {
	if decimals > InternalDecimals {
		return Normalizer{}, errors.ErrInvalidArgument.Newf("token decimals %d exceed internal precision %d", decimals, InternalDecimals)
	}
	var n Normalizer
	n.decimals = decimals
	n.divisor.Exp(uint256.NewInt(10), uint256.NewInt(uint64(InternalDecimals-decimals)))
	return n, nil
}

// Decimals returns the token's native decimals.
func (n Normalizer) Decimals() uint8 {
	return n.decimals
}

// Divisor returns 10^(20-decimals).
func (n Normalizer) Divisor() *uint256.Int {
	return n.divisor.Clone()
}

// ToInternal scales a native amount up to internal precision.
func (n Normalizer) ToInternal(native *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(native, &n.divisor)
	if overflow {
		return nil, errors.ErrOverflow.Newf("amount %s cannot be scaled to internal precision", native.Dec())
	}
	return out, nil
}

// ToNative scales an internal amount down to native precision, rounding
// towards zero.
func (n Normalizer) ToNative(internal *uint256.Int) *uint256.Int {
	return new(uint256.Int).Div(internal, &n.divisor)
}

// PerSecond returns the internal per-second rate that streams amount
// native units over period seconds.
func (n Normalizer) PerSecond(amount *uint256.Int, period uint64) (*uint256.Int, error) {
	if period == 0 {
		return nil, errors.ErrInvalidArgument.New("period must be positive")
	}
	scaled, err := n.ToInternal(amount)
	if err != nil {
		return nil, err
	}
	return scaled.Div(scaled, uint256.NewInt(period)), nil
}

// FormatInternal renders an internal-precision amount as a decimal string
// in whole token units.
func FormatInternal(v *big.Int) string {
	return decimal.NewFromBigInt(v, -InternalDecimals).String()
}

// FormatNative renders a native amount as a decimal string in whole token
// units.
func FormatNative(v *uint256.Int, decimals uint8) string {
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// ParseNative parses a human amount such as "1500.25" into native units.
// Amounts with more fractional digits than the token supports are rejected.
func ParseNative(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errors.ErrInvalidArgument.Newf("parse amount %q: %v", s, err)
	}
	if d.IsNegative() {
		return nil, errors.ErrInvalidArgument.Newf("amount %q is negative", s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, errors.ErrInvalidArgument.Newf("amount %q has more than %d decimals", s, decimals)
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, errors.ErrOverflow.Newf("amount %q does not fit 256 bits", s)
	}
	return out, nil
}
