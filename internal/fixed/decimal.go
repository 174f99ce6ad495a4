package fixed

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
)

// Decimal is a scaled integer: Value / 10^Decimals. The storage form of a
// validated oracle price before it is expanded into per-unit terms.
type Decimal struct {
	Value    *uint256.Int
	Decimals uint8
}

// NewDecimal validates and builds a Decimal.
func NewDecimal(value *uint256.Int, decimals uint8) (Decimal, error) {
	if decimals > MaxDecimals {
		return Decimal{}, errs.E(errs.KindConvert, "decimals %d > %d", decimals, MaxDecimals)
	}
	if !FitsU128(value) {
		return Decimal{}, errs.E(errs.KindOverflow, "decimal value %s exceeds u128", value.Dec())
	}
	return Decimal{Value: Clone(value), Decimals: decimals}, nil
}

// DecimalFromUint64 builds a Decimal from a small constant.
func DecimalFromUint64(value uint64, decimals uint8) Decimal {
	d, _ := NewDecimal(uint256.NewInt(value), decimals)
	return d
}

// IsZero reports whether the decimal is zero.
func (d Decimal) IsZero() bool { return d.Value == nil || d.Value.IsZero() }

// Cmp aligns both decimals to the larger scale and compares losslessly.
func (d Decimal) Cmp(o Decimal) (int, error) {
	a, b := Clone(d.Value), Clone(o.Value)
	if d.Decimals < o.Decimals {
		scaled, overflow := new(uint256.Int).MulOverflow(a, Pow10(o.Decimals-d.Decimals))
		if overflow {
			return 0, errs.E(errs.KindOverflow, "decimal align")
		}
		a = scaled
	} else if o.Decimals < d.Decimals {
		scaled, overflow := new(uint256.Int).MulOverflow(b, Pow10(d.Decimals-o.Decimals))
		if overflow {
			return 0, errs.E(errs.KindOverflow, "decimal align")
		}
		b = scaled
	}
	return a.Cmp(b), nil
}

// UnitValue expands the decimal into 20-decimal USD per minimal token unit:
// value * 10^(MaxDecimals - Decimals - tokenDecimals). Multiplying a raw
// token amount by the result yields a 20-decimal USD value. Fails when the
// decimal is too precise for the token (Decimals + tokenDecimals > 20).
func (d Decimal) UnitValue(tokenDecimals uint8) (*uint256.Int, error) {
	if uint32(d.Decimals)+uint32(tokenDecimals) > MaxDecimals {
		return nil, errs.E(errs.KindConvert,
			"price decimals %d + token decimals %d exceed %d", d.Decimals, tokenDecimals, MaxDecimals)
	}
	shift := MaxDecimals - d.Decimals - tokenDecimals
	return Mul(d.Value, Pow10(shift))
}

// Price is a validated min/max pair in unit form (20-decimal USD per minimal
// token unit). Min <= Max always holds after construction.
type Price struct {
	Min *uint256.Int
	Max *uint256.Int
}

// NewPrice validates and builds a unit price.
func NewPrice(min, max *uint256.Int) (Price, error) {
	if min.Gt(max) {
		return Price{}, errs.E(errs.KindInvalidPrices, "min %s > max %s", min.Dec(), max.Dec())
	}
	if min.IsZero() {
		return Price{}, errs.E(errs.KindInvalidPrices, "zero price")
	}
	return Price{Min: Clone(min), Max: Clone(max)}, nil
}

// Pick returns max when maximize is set, min otherwise.
func (p Price) Pick(maximize bool) *uint256.Int {
	if maximize {
		return p.Max
	}
	return p.Min
}

// PickForSide returns the execution-price base: longs trade against the max
// price, shorts against the min.
func (p Price) PickForSide(isLong bool) *uint256.Int {
	return p.Pick(isLong)
}

// Mid returns (min+max)/2. The sum of two u128 values cannot overflow u256.
func (p Price) Mid() *uint256.Int {
	s := new(uint256.Int).Add(p.Min, p.Max)
	return s.Div(s, uint256.NewInt(2))
}
