package num

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Int is a signed fixed-point value: a sign plus an unsigned magnitude. It is
// kept normalized so zero is never negative, which makes IsNegative and Cmp
// safe to use as predicates.
type Int struct {
	neg bool
	abs Uint
}

// ZeroInt returns the signed zero.
func ZeroInt() Int { return Int{} }

// PosInt returns +v.
func PosInt(v Uint) Int { return Int{abs: v} }

// NegInt returns -v (normalized, so NegInt(0) is zero).
func NegInt(v Uint) Int {
	if v.IsZero() {
		return Int{}
	}
	return Int{neg: true, abs: v}
}

// IntFromInt64 returns an Int holding v.
func IntFromInt64(v int64) Int {
	if v < 0 {
		return NegInt(NewUint(uint64(-v)))
	}
	return PosInt(NewUint(uint64(v)))
}

func (i Int) IsZero() bool     { return i.abs.IsZero() }
func (i Int) IsNegative() bool { return i.neg }
func (i Int) IsPositive() bool { return !i.neg && !i.abs.IsZero() }

// Abs returns the magnitude.
func (i Int) Abs() Uint { return i.abs }

// Neg returns -i.
func (i Int) Neg() Int {
	if i.abs.IsZero() {
		return Int{}
	}
	return Int{neg: !i.neg, abs: i.abs}
}

// Cmp returns -1, 0 or 1 comparing i against j.
func (i Int) Cmp(j Int) int {
	switch {
	case i.neg && !j.neg:
		return -1
	case !i.neg && j.neg:
		return 1
	case i.neg:
		return j.abs.Cmp(i.abs)
	default:
		return i.abs.Cmp(j.abs)
	}
}

// Add returns i+j.
func (i Int) Add(j Int) (Int, error) {
	if i.neg == j.neg {
		sum, err := i.abs.Add(j.abs)
		if err != nil {
			return Int{}, err
		}
		if i.neg {
			return NegInt(sum), nil
		}
		return PosInt(sum), nil
	}
	// opposite signs: subtract the smaller magnitude from the larger
	if i.abs.Cmp(j.abs) >= 0 {
		d, err := i.abs.Sub(j.abs)
		if err != nil {
			return Int{}, err
		}
		if i.neg {
			return NegInt(d), nil
		}
		return PosInt(d), nil
	}
	d, err := j.abs.Sub(i.abs)
	if err != nil {
		return Int{}, err
	}
	if j.neg {
		return NegInt(d), nil
	}
	return PosInt(d), nil
}

// Sub returns i-j.
func (i Int) Sub(j Int) (Int, error) {
	return i.Add(j.Neg())
}

// Mul returns i*j.
func (i Int) Mul(j Int) (Int, error) {
	p, err := i.abs.Mul(j.abs)
	if err != nil {
		return Int{}, err
	}
	if i.neg != j.neg {
		return NegInt(p), nil
	}
	return PosInt(p), nil
}

// Div returns i/j, truncating toward zero.
func (i Int) Div(j Int) (Int, error) {
	q, err := i.abs.Div(j.abs)
	if err != nil {
		return Int{}, err
	}
	if i.neg != j.neg {
		return NegInt(q), nil
	}
	return PosInt(q), nil
}

// MulUint scales the magnitude by an unsigned factor.
func (i Int) MulUint(u Uint) (Int, error) {
	return i.Mul(PosInt(u))
}

// DivUint divides the magnitude by an unsigned divisor.
func (i Int) DivUint(u Uint) (Int, error) {
	return i.Div(PosInt(u))
}

func (i Int) String() string {
	if i.neg {
		return "-" + i.abs.String()
	}
	return i.abs.String()
}

// Decimal renders i shifted right by scale digits.
func (i Int) Decimal(scale int32) decimal.Decimal {
	d := i.abs.Decimal(scale)
	if i.neg {
		return d.Neg()
	}
	return d
}

func (i Int) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.String() + `"`), nil
}

func (i *Int) UnmarshalJSON(b []byte) error {
	if len(b) >= 2 && b[0] == '"' {
		b = b[1 : len(b)-1]
	}
	s := string(b)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	v, err := UintFromString(s)
	if err != nil {
		return fmt.Errorf("parse signed amount: %w", err)
	}
	if neg {
		*i = NegInt(v)
	} else {
		*i = PosInt(v)
	}
	return nil
}
