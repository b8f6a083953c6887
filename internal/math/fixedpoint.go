// internal/math/fixedpoint.go
package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Precision constants. USD values and prices carry 30 decimals, USDG carries 18.
const (
	PriceDecimals = 30
	USDGDecimals  = 18
	BasisPoints   = 10_000
	MaxDecimals   = 77
)

var (
	// PricePrecision is 1e30, the scale of every USD value and price.
	PricePrecision = Pow10(PriceDecimals)
	// BasisPointsDivisor is 10000 as a uint256.
	BasisPointsDivisor = uint256.NewInt(BasisPoints)

	pow10Table = buildPow10Table()
)

// buildPow10Table runs as a var initializer so PricePrecision, which depends on
// it, sees a filled table.
func buildPow10Table() (t [MaxDecimals + 1]uint256.Int) {
	t[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i <= MaxDecimals; i++ {
		t[i].Mul(&t[i-1], ten)
	}
	return t
}

// Pow10 returns a fresh copy of 10^n.
func Pow10(n uint8) *uint256.Int {
	if int(n) > MaxDecimals {
		panic(fmt.Sprintf("FATAL: 10^%d does not fit in 256 bits", n))
	}
	return new(uint256.Int).Set(&pow10Table[n])
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// MulDiv computes floor(x*y/d) with a 512-bit intermediate. A zero divisor or an
// overflowing result means an amount escaped validation and is fatal.
func MulDiv(x, y, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		panic(fmt.Sprintf("FATAL: mulDiv by zero (%s * %s / 0)", x.Dec(), y.Dec()))
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		panic(fmt.Sprintf("FATAL: mulDiv overflow (%s * %s / %s)", x.Dec(), y.Dec(), d.Dec()))
	}
	return z
}

// ApplyBps returns amount * bps / 10000.
func ApplyBps(amount *uint256.Int, bps uint64) *uint256.Int {
	return MulDiv(amount, uint256.NewInt(bps), BasisPointsDivisor)
}

// AfterBps returns amount * (10000 - bps) / 10000. bps must not exceed 10000.
func AfterBps(amount *uint256.Int, bps uint64) *uint256.Int {
	if bps > BasisPoints {
		bps = BasisPoints
	}
	return MulDiv(amount, uint256.NewInt(BasisPoints-bps), BasisPointsDivisor)
}

// AdjustDecimals rescales amount from one decimal base to another.
func AdjustDecimals(amount *uint256.Int, from, to uint8) *uint256.Int {
	if from == to {
		return new(uint256.Int).Set(amount)
	}
	return MulDiv(amount, Pow10(to), Pow10(from))
}

// AbsDiff returns |a - b| and whether a > b.
func AbsDiff(a, b *uint256.Int) (*uint256.Int, bool) {
	if a.Gt(b) {
		return new(uint256.Int).Sub(a, b), true
	}
	return new(uint256.Int).Sub(b, a), false
}

// SubFloor returns a - b, or zero when b > a.
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// Max returns a copy of the larger operand.
func Max(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// ParseUnits converts a human decimal string ("1.5") into an integer scaled by 10^decimals.
// Negative values and digits beyond the requested precision are rejected.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse amount %q: negative", s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("parse amount %q: more than %d decimals", s, decimals)
	}
	z, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse amount %q: overflows 256 bits", s)
	}
	return z, nil
}

// MustParseUnits is ParseUnits for constants and fixtures.
func MustParseUnits(s string, decimals uint8) *uint256.Int {
	z, err := ParseUnits(s, decimals)
	if err != nil {
		panic(err)
	}
	return z
}

// USD parses a dollar amount into 1e30 fixed point.
func USD(s string) *uint256.Int {
	return MustParseUnits(s, PriceDecimals)
}

// ToDecimal converts a scaled integer back into a decimal.
func ToDecimal(x *uint256.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals))
}

// FormatUnits renders a scaled integer as a decimal string.
func FormatUnits(x *uint256.Int, decimals uint8) string {
	return ToDecimal(x, decimals).String()
}

// FormatSigned renders a two's complement value as a signed decimal string.
func FormatSigned(x *uint256.Int, decimals uint8) string {
	if x.Sign() < 0 {
		abs := new(uint256.Int).Abs(x)
		return "-" + FormatUnits(abs, decimals)
	}
	return FormatUnits(x, decimals)
}

// FromDec parses a base-10 integer string such as those produced by Dec().
func FromDec(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse integer %q: %w", s, err)
	}
	return z, nil
}
