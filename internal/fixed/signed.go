package fixed

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
)

// Signed is the signed counterpart of the unsigned u128 value: a magnitude
// plus a sign bit. Zero is always non-negative.
type Signed struct {
	abs uint256.Int
	neg bool
}

// NewSigned builds a signed value from a magnitude and sign.
func NewSigned(abs *uint256.Int, negative bool) *Signed {
	s := &Signed{neg: negative && !abs.IsZero()}
	s.abs.Set(abs)
	return s
}

// SignedZero returns a zero signed value.
func SignedZero() *Signed { return &Signed{} }

// SignedFromUint64 builds a signed value from a small constant.
func SignedFromUint64(v uint64, negative bool) *Signed {
	return NewSigned(uint256.NewInt(v), negative)
}

// Abs returns a copy of the magnitude.
func (s *Signed) Abs() *uint256.Int { return new(uint256.Int).Set(&s.abs) }

// IsNegative reports the sign. Zero is never negative.
func (s *Signed) IsNegative() bool { return s.neg }

// IsZero reports whether the value is zero.
func (s *Signed) IsZero() bool { return s.abs.IsZero() }

// Neg returns -s.
func (s *Signed) Neg() *Signed {
	return NewSigned(s.Abs(), !s.neg)
}

// Clone copies s.
func (s *Signed) Clone() *Signed {
	return NewSigned(s.Abs(), s.neg)
}

// Add returns s+o, failing when the magnitude leaves u128 range.
func (s *Signed) Add(o *Signed) (*Signed, error) {
	if s.neg == o.neg {
		sum, err := Add(&s.abs, &o.abs)
		if err != nil {
			return nil, err
		}
		return NewSigned(sum, s.neg), nil
	}
	// Opposite signs: subtract the smaller magnitude from the larger.
	if s.abs.Cmp(&o.abs) >= 0 {
		d := new(uint256.Int).Sub(&s.abs, &o.abs)
		return NewSigned(d, s.neg), nil
	}
	d := new(uint256.Int).Sub(&o.abs, &s.abs)
	return NewSigned(d, o.neg), nil
}

// Sub returns s-o.
func (s *Signed) Sub(o *Signed) (*Signed, error) {
	return s.Add(o.Neg())
}

// Cmp returns -1, 0, or 1 as s is less than, equal to, or greater than o.
func (s *Signed) Cmp(o *Signed) int {
	if s.neg != o.neg {
		if s.IsZero() && o.IsZero() {
			return 0
		}
		if s.neg {
			return -1
		}
		return 1
	}
	c := s.abs.Cmp(&o.abs)
	if s.neg {
		return -c
	}
	return c
}

// ToUnsigned converts to an unsigned value, failing on negative input.
func (s *Signed) ToUnsigned() (*uint256.Int, error) {
	if s.neg {
		return nil, errs.E(errs.KindConvert, "negative value %s", s.String())
	}
	return s.Abs(), nil
}

// MulDivFloor returns floor(s*b/d) keeping s's sign on the magnitude. For
// negative results the magnitude is rounded up so the signed value rounds
// toward negative infinity (user-adverse).
func (s *Signed) MulDivFloor(b, d *uint256.Int) (*Signed, error) {
	if s.neg {
		m, err := MulDivCeil(&s.abs, b, d)
		if err != nil {
			return nil, err
		}
		return NewSigned(m, true), nil
	}
	m, err := MulDivFloor(&s.abs, b, d)
	if err != nil {
		return nil, err
	}
	return NewSigned(m, false), nil
}

// ApplyToUnsigned adds the signed delta to an unsigned amount, failing on
// overflow or when the delta would drive the amount negative.
func (s *Signed) ApplyToUnsigned(amount *uint256.Int) (*uint256.Int, error) {
	if s.neg {
		return Sub(amount, &s.abs)
	}
	return Add(amount, &s.abs)
}

func (s *Signed) String() string {
	if s.neg {
		return "-" + s.abs.Dec()
	}
	return s.abs.Dec()
}
