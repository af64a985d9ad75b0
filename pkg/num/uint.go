// Package num provides the fixed-point arithmetic used throughout the margin
// engine. Amounts (collateral, notional, prices, ratios) are unsigned integers
// scaled by the engine's configured decimals; position sizes and PnL use the
// signed Int type built on top.
package num

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrOverflow     = errors.New("arithmetic overflow")
	ErrDivideByZero = errors.New("divide by zero")
)

// Uint is an unsigned fixed-point amount. The zero value is usable and equals
// zero. All checked operations return ErrOverflow or ErrDivideByZero instead
// of wrapping or panicking.
type Uint struct {
	i uint256.Int
}

// ZeroUint returns the zero amount.
func ZeroUint() Uint { return Uint{} }

// NewUint returns a Uint holding v.
func NewUint(v uint64) Uint {
	var u Uint
	u.i.SetUint64(v)
	return u
}

// UintFromString parses a base-10 unsigned integer string.
func UintFromString(s string) (Uint, error) {
	var u Uint
	if err := u.i.SetFromDecimal(s); err != nil {
		return Uint{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return u, nil
}

// MustUint parses s or panics. Intended for constants and tests.
func MustUint(s string) Uint {
	u, err := UintFromString(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Pow10 returns 10^n, e.g. the decimals scale for an n-decimal market.
func Pow10(n uint8) Uint {
	ten := NewUint(10)
	out := NewUint(1)
	for i := uint8(0); i < n; i++ {
		out.i.Mul(&out.i, &ten.i)
	}
	return out
}

func (u Uint) IsZero() bool     { return u.i.IsZero() }
func (u Uint) Cmp(v Uint) int   { return u.i.Cmp(&v.i) }
func (u Uint) LT(v Uint) bool   { return u.Cmp(v) < 0 }
func (u Uint) LTE(v Uint) bool  { return u.Cmp(v) <= 0 }
func (u Uint) GT(v Uint) bool   { return u.Cmp(v) > 0 }
func (u Uint) GTE(v Uint) bool  { return u.Cmp(v) >= 0 }
func (u Uint) String() string   { return u.i.Dec() }
func (u Uint) Uint64() uint64   { return u.i.Uint64() }

// Add returns u+v or ErrOverflow.
func (u Uint) Add(v Uint) (Uint, error) {
	var out Uint
	if _, carry := out.i.AddOverflow(&u.i, &v.i); carry {
		return Uint{}, ErrOverflow
	}
	return out, nil
}

// Sub returns u-v or ErrOverflow on underflow.
func (u Uint) Sub(v Uint) (Uint, error) {
	var out Uint
	if _, borrow := out.i.SubOverflow(&u.i, &v.i); borrow {
		return Uint{}, ErrOverflow
	}
	return out, nil
}

// SaturatingSub returns u-v, clamped at zero.
func (u Uint) SaturatingSub(v Uint) Uint {
	if u.Cmp(v) <= 0 {
		return Uint{}
	}
	out, _ := u.Sub(v)
	return out
}

// Mul returns u*v or ErrOverflow.
func (u Uint) Mul(v Uint) (Uint, error) {
	var out Uint
	if _, overflow := out.i.MulOverflow(&u.i, &v.i); overflow {
		return Uint{}, ErrOverflow
	}
	return out, nil
}

// Div returns u/v or ErrDivideByZero.
func (u Uint) Div(v Uint) (Uint, error) {
	if v.IsZero() {
		return Uint{}, ErrDivideByZero
	}
	var out Uint
	out.i.Div(&u.i, &v.i)
	return out, nil
}

// MulDiv returns a*b/c with the intermediate product held at full width.
func MulDiv(a, b, c Uint) (Uint, error) {
	p, err := a.Mul(b)
	if err != nil {
		return Uint{}, err
	}
	return p.Div(c)
}

// AbsDiff returns |u-v|.
func (u Uint) AbsDiff(v Uint) Uint {
	var out Uint
	if u.Cmp(v) >= 0 {
		out.i.Sub(&u.i, &v.i)
	} else {
		out.i.Sub(&v.i, &u.i)
	}
	return out
}

// Min returns the smaller of u and v.
func (u Uint) Min(v Uint) Uint {
	if u.Cmp(v) <= 0 {
		return u
	}
	return v
}

// Bytes32 returns the big-endian 32-byte encoding, used for ordered store keys.
func (u Uint) Bytes32() [32]byte {
	return u.i.Bytes32()
}

// UintFromBytes32 decodes a big-endian 32-byte key segment.
func UintFromBytes32(b []byte) Uint {
	var u Uint
	u.i.SetBytes(b)
	return u
}

// Decimal renders u as a decimal shifted right by scale digits, for display.
func (u Uint) Decimal(scale int32) decimal.Decimal {
	d := decimal.NewFromBigInt(u.i.ToBig(), 0)
	return d.Shift(-scale)
}

// MarshalJSON encodes the amount as a decimal string, never as a JSON number,
// so 128-bit values round-trip through any JSON reader.
func (u Uint) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.i.Dec() + `"`), nil
}

func (u *Uint) UnmarshalJSON(b []byte) error {
	if len(b) >= 2 && b[0] == '"' {
		b = b[1 : len(b)-1]
	}
	v, err := UintFromString(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// CheckedUint64 narrows to uint64, guarding against silent truncation.
func (u Uint) CheckedUint64() (uint64, error) {
	if !u.i.IsUint64() {
		return 0, ErrOverflow
	}
	return u.i.Uint64(), nil
}
