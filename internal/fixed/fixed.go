// Package fixed implements the engine's 20-decimal fixed-point arithmetic.
//
// Values are unsigned 128-bit integers carried in uint256.Int so that every
// product has a full 256-bit intermediate; raw oracle prices wider than u128
// (the U192 case) are handled by DivisorDecimals before they ever reach pool
// math. All operations are checked: overflow, division by zero, and invalid
// exponents return typed errors, never saturate.
package fixed

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
)

// MaxDecimals bounds every decimal scale in the engine.
const MaxDecimals = 20

var (
	// Unit is 10^20, the 20-decimal fixed-point unit for USD values and factors.
	Unit = Pow10(MaxDecimals)

	// MaxU128 is the largest storable value.
	MaxU128 = maxU128()

	zero = uint256.NewInt(0)
	one  = uint256.NewInt(1)
	ten  = uint256.NewInt(10)
)

func maxU128() *uint256.Int {
	m := new(uint256.Int).Lsh(one, 128)
	return m.Sub(m, one)
}

// Pow10 returns 10^n. n may exceed MaxDecimals for intermediate scaling, but
// must stay below the 256-bit range (n <= 77).
func Pow10(n uint8) *uint256.Int {
	r := uint256.NewInt(1)
	for i := uint8(0); i < n; i++ {
		r.Mul(r, ten)
	}
	return r
}

// FitsU128 reports whether v is storable.
func FitsU128(v *uint256.Int) bool {
	return v.BitLen() <= 128
}

// Add returns a+b, failing when the sum leaves u128 range.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	s, carry := new(uint256.Int).AddOverflow(a, b)
	if carry || !FitsU128(s) {
		return nil, errs.E(errs.KindOverflow, "add %s + %s", a.Dec(), b.Dec())
	}
	return s, nil
}

// Sub returns a-b, failing when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	if b.Gt(a) {
		return nil, errs.E(errs.KindOverflow, "sub %s - %s underflows", a.Dec(), b.Dec())
	}
	return new(uint256.Int).Sub(a, b), nil
}

// Mul returns a*b, failing when the product leaves u128 range.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	p, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow || !FitsU128(p) {
		return nil, errs.E(errs.KindOverflow, "mul %s * %s", a.Dec(), b.Dec())
	}
	return p, nil
}

// MulDivFloor returns floor(a*b/d) with a 512-bit intermediate.
func MulDivFloor(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, errs.E(errs.KindDividedByZero, "mul-div %s * %s / 0", a.Dec(), b.Dec())
	}
	q, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow || !FitsU128(q) {
		return nil, errs.E(errs.KindOverflow, "mul-div %s * %s / %s", a.Dec(), b.Dec(), d.Dec())
	}
	return q, nil
}

// MulDivCeil returns ceil(a*b/d) with a 512-bit intermediate.
func MulDivCeil(a, b, d *uint256.Int) (*uint256.Int, error) {
	q, err := MulDivFloor(a, b, d)
	if err != nil {
		return nil, err
	}
	// a*b fits 256 bits whenever both operands fit u128.
	p, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, errs.E(errs.KindOverflow, "mul-div-ceil %s * %s", a.Dec(), b.Dec())
	}
	r := new(uint256.Int).Mod(p, d)
	if !r.IsZero() {
		return Add(q, one)
	}
	return q, nil
}

// DivRoundUp returns (u - p + 1) / p rounding semantics for negative amounts:
// ceil(u/p). Used where value losses must round against the user.
func DivRoundUp(u, p *uint256.Int) (*uint256.Int, error) {
	if p.IsZero() {
		return nil, errs.E(errs.KindDividedByZero, "div-round-up %s / 0", u.Dec())
	}
	if u.IsZero() {
		return new(uint256.Int), nil
	}
	n := new(uint256.Int).Sub(u, one)
	q := n.Div(n, p)
	return Add(q, one)
}

// ApplyFactor returns floor(amount * factor / Unit); the conventional way a
// 20-decimal factor scales an amount or USD value.
func ApplyFactor(amount, factor *uint256.Int) (*uint256.Int, error) {
	return MulDivFloor(amount, factor, Unit)
}

// ApplyFactorCeil rounds the scaled amount up instead.
func ApplyFactorCeil(amount, factor *uint256.Int) (*uint256.Int, error) {
	return MulDivCeil(amount, factor, Unit)
}

// Pow raises a 20-decimal fixed base to a 20-decimal fixed exponent. Only
// whole exponents are supported (exponent must be a multiple of Unit); every
// configured impact and borrowing exponent is whole. Fractional exponents
// fail with PowComputation.
func Pow(base, exponent *uint256.Int) (*uint256.Int, error) {
	rem := new(uint256.Int).Mod(exponent, Unit)
	if !rem.IsZero() {
		return nil, errs.E(errs.KindPowComputation, "fractional exponent %s", exponent.Dec())
	}
	e := new(uint256.Int).Div(exponent, Unit)
	if !e.IsUint64() || e.Uint64() > 32 {
		return nil, errs.E(errs.KindPowComputation, "exponent %s out of range", exponent.Dec())
	}
	n := e.Uint64()
	if n == 0 {
		return new(uint256.Int).Set(Unit), nil
	}
	result := new(uint256.Int).Set(base)
	for i := uint64(1); i < n; i++ {
		next, err := MulDivFloor(result, base, Unit)
		if err != nil {
			return nil, errs.Wrap(errs.KindPowComputation, err)
		}
		result = next
	}
	return result, nil
}

// DivisorDecimals returns the smallest d such that n / 10^d fits in u128.
// Raw Chainlink report prices can exceed u128 before divisor scaling.
func DivisorDecimals(n *uint256.Int) uint8 {
	d := uint8(0)
	v := new(uint256.Int).Set(n)
	for !FitsU128(v) {
		v.Div(v, ten)
		d++
	}
	return d
}

// Clone copies v; callers mutate pool state through deltas, never in place.
func Clone(v *uint256.Int) *uint256.Int {
	return new(uint256.Int).Set(v)
}
