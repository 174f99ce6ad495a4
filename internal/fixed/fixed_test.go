package fixed_test

import (
	"testing"

	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
)

// ============================================================================
// Checked arithmetic
// ============================================================================

func TestAdd_OverflowAtU128Boundary(t *testing.T) {
	got, err := fixed.Add(fixed.MaxU128, uint256.NewInt(0))
	if err != nil {
		t.Fatalf("add at boundary: %v", err)
	}
	if !got.Eq(fixed.MaxU128) {
		t.Errorf("got %s, want MaxU128", got.Dec())
	}
	if _, err := fixed.Add(fixed.MaxU128, uint256.NewInt(1)); !errs.Is(err, errs.KindOverflow) {
		t.Errorf("want Overflow, got %v", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	got, err := fixed.Sub(uint256.NewInt(7), uint256.NewInt(7))
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("7-7 = %s, want 0", got.Dec())
	}
	if _, err := fixed.Sub(uint256.NewInt(7), uint256.NewInt(8)); !errs.Is(err, errs.KindOverflow) {
		t.Errorf("want Overflow, got %v", err)
	}
}

func TestMul_OverflowLeavesU128(t *testing.T) {
	// MaxU128 * 2 fits in 256 bits but not in storable range.
	if _, err := fixed.Mul(fixed.MaxU128, uint256.NewInt(2)); !errs.Is(err, errs.KindOverflow) {
		t.Errorf("want Overflow, got %v", err)
	}
	got, err := fixed.Mul(uint256.NewInt(1_000_003), uint256.NewInt(1_000_033))
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	if want := uint256.NewInt(1_000_036_000_099); !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// MaxU128 * MaxU128 is far wider than u128; the quotient still fits.
	got, err := fixed.MulDivFloor(fixed.MaxU128, fixed.MaxU128, fixed.MaxU128)
	if err != nil {
		t.Fatalf("mul-div: %v", err)
	}
	if !got.Eq(fixed.MaxU128) {
		t.Errorf("got %s, want MaxU128", got.Dec())
	}
	if _, err := fixed.MulDivFloor(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0)); !errs.Is(err, errs.KindDividedByZero) {
		t.Errorf("want DividedByZero, got %v", err)
	}
}

func TestMulDivCeil_RoundsRemaindersUp(t *testing.T) {
	exact, err := fixed.MulDivCeil(uint256.NewInt(10), uint256.NewInt(3), uint256.NewInt(5))
	if err != nil {
		t.Fatalf("ceil exact: %v", err)
	}
	if want := uint256.NewInt(6); !exact.Eq(want) {
		t.Errorf("10*3/5 = %s, want %s", exact.Dec(), want.Dec())
	}
	up, err := fixed.MulDivCeil(uint256.NewInt(10), uint256.NewInt(3), uint256.NewInt(7))
	if err != nil {
		t.Fatalf("ceil: %v", err)
	}
	if want := uint256.NewInt(5); !up.Eq(want) {
		t.Errorf("ceil(10*3/7) = %s, want %s", up.Dec(), want.Dec())
	}
	floor, err := fixed.MulDivFloor(uint256.NewInt(10), uint256.NewInt(3), uint256.NewInt(7))
	if err != nil {
		t.Fatalf("floor: %v", err)
	}
	if want := uint256.NewInt(4); !floor.Eq(want) {
		t.Errorf("floor(10*3/7) = %s, want %s", floor.Dec(), want.Dec())
	}
}

func TestDivRoundUp(t *testing.T) {
	cases := []struct {
		u, p, want uint64
	}{
		{12, 4, 3},  // exact division stays exact
		{13, 4, 4},  // any remainder rounds away from zero
		{1, 100, 1}, // sub-unit losses still cost one token
		{0, 4, 0},   // zero numerator stays zero, not one
	}
	for _, c := range cases {
		got, err := fixed.DivRoundUp(uint256.NewInt(c.u), uint256.NewInt(c.p))
		if err != nil {
			t.Fatalf("div-round-up %d/%d: %v", c.u, c.p, err)
		}
		if !got.Eq(uint256.NewInt(c.want)) {
			t.Errorf("ceil(%d/%d) = %s, want %d", c.u, c.p, got.Dec(), c.want)
		}
	}
	if _, err := fixed.DivRoundUp(uint256.NewInt(5), uint256.NewInt(0)); !errs.Is(err, errs.KindDividedByZero) {
		t.Errorf("want DividedByZero, got %v", err)
	}
}

// ============================================================================
// Factors and exponents
// ============================================================================

func TestApplyFactor(t *testing.T) {
	half := new(uint256.Int).Div(fixed.Unit, uint256.NewInt(2))
	got, err := fixed.ApplyFactor(uint256.NewInt(1001), half)
	if err != nil {
		t.Fatalf("apply factor: %v", err)
	}
	if want := uint256.NewInt(500); !got.Eq(want) {
		t.Errorf("floor(1001/2) = %s, want %s", got.Dec(), want.Dec())
	}
	ceil, err := fixed.ApplyFactorCeil(uint256.NewInt(1001), half)
	if err != nil {
		t.Fatalf("apply factor ceil: %v", err)
	}
	if want := uint256.NewInt(501); !ceil.Eq(want) {
		t.Errorf("ceil(1001/2) = %s, want %s", ceil.Dec(), want.Dec())
	}
}

func TestPow_WholeExponents(t *testing.T) {
	three := new(uint256.Int).Mul(uint256.NewInt(3), fixed.Unit)
	squared, err := fixed.Pow(three, new(uint256.Int).Mul(uint256.NewInt(2), fixed.Unit))
	if err != nil {
		t.Fatalf("pow: %v", err)
	}
	if want := new(uint256.Int).Mul(uint256.NewInt(9), fixed.Unit); !squared.Eq(want) {
		t.Errorf("3^2 = %s, want %s", squared.Dec(), want.Dec())
	}

	identity, err := fixed.Pow(three, fixed.Unit)
	if err != nil {
		t.Fatalf("pow: %v", err)
	}
	if !identity.Eq(three) {
		t.Errorf("3^1 = %s, want 3", identity.Dec())
	}

	unit, err := fixed.Pow(three, new(uint256.Int))
	if err != nil {
		t.Fatalf("pow: %v", err)
	}
	if !unit.Eq(fixed.Unit) {
		t.Errorf("3^0 = %s, want 1", unit.Dec())
	}
}

func TestPow_RejectsFractionalAndHugeExponents(t *testing.T) {
	base := new(uint256.Int).Mul(uint256.NewInt(2), fixed.Unit)
	fractional := new(uint256.Int).Div(fixed.Unit, uint256.NewInt(2))
	if _, err := fixed.Pow(base, fractional); !errs.Is(err, errs.KindPowComputation) {
		t.Errorf("fractional exponent: want PowComputation, got %v", err)
	}
	huge := new(uint256.Int).Mul(uint256.NewInt(33), fixed.Unit)
	if _, err := fixed.Pow(base, huge); !errs.Is(err, errs.KindPowComputation) {
		t.Errorf("exponent 33: want PowComputation, got %v", err)
	}
}

// ============================================================================
// Divisor scaling
// ============================================================================

func TestDivisorDecimals(t *testing.T) {
	if d := fixed.DivisorDecimals(fixed.MaxU128); d != 0 {
		t.Errorf("MaxU128 needs %d divisor decimals, want 0", d)
	}
	over := new(uint256.Int).Mul(fixed.MaxU128, uint256.NewInt(10))
	if d := fixed.DivisorDecimals(over); d != 1 {
		t.Errorf("10*MaxU128 needs %d divisor decimals, want 1", d)
	}
	scaled := new(uint256.Int).Div(over, fixed.Pow10(1))
	if !fixed.FitsU128(scaled) {
		t.Error("value still too wide after divisor scaling")
	}
}

func TestClone_DetachesFromSource(t *testing.T) {
	src := uint256.NewInt(42)
	cp := fixed.Clone(src)
	src.SetUint64(7)
	if !cp.Eq(uint256.NewInt(42)) {
		t.Errorf("clone = %s, want 42", cp.Dec())
	}
}
