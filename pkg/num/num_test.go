package num

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestUintCheckedArithmetic(t *testing.T) {
	a := NewUint(600)
	b := NewUint(40)

	sum, err := a.Add(b)
	require.NoError(t, err)
	require.Equal(t, "640", sum.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	require.Equal(t, "560", diff.String())

	_, err = b.Sub(a)
	require.ErrorIs(t, err, ErrOverflow)
	require.True(t, b.SaturatingSub(a).IsZero())

	_, err = a.Div(ZeroUint())
	require.ErrorIs(t, err, ErrDivideByZero)
}

func TestUintOverflow(t *testing.T) {
	max := MustUint("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	_, err := max.Add(NewUint(1))
	require.ErrorIs(t, err, ErrOverflow)
	_, err = max.Mul(NewUint(2))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestMulDiv(t *testing.T) {
	// 60 * 10e6 / 1e6 with everything scaled by 1e6
	decimals := Pow10(6)
	margin := NewUint(60_000_000)
	leverage := NewUint(10_000_000)

	notional, err := MulDiv(margin, leverage, decimals)
	require.NoError(t, err)
	require.Equal(t, "600000000", notional.String())

	// intermediate product exceeds 64 bits but not 256
	big := Pow10(30)
	out, err := MulDiv(big, big, Pow10(30))
	require.NoError(t, err)
	require.Equal(t, big.String(), out.String())
}

func TestUintAbsDiffMin(t *testing.T) {
	a, b := NewUint(7), NewUint(10)
	require.Equal(t, "3", a.AbsDiff(b).String())
	require.Equal(t, "3", b.AbsDiff(a).String())
	require.Equal(t, "7", a.Min(b).String())
}

func TestUintJSONRoundTrip(t *testing.T) {
	v := MustUint("340282366920938463463374607431768211456") // 2^128
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `"340282366920938463463374607431768211456"`, string(raw))

	var back Uint
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Zero(t, v.Cmp(back))

	var bad Uint
	require.Error(t, json.Unmarshal([]byte(`"-1"`), &bad))
}

func TestUintBytes32Ordering(t *testing.T) {
	// big-endian padding keeps numeric order under lexicographic comparison
	small := NewUint(5).Bytes32()
	large := NewUint(1 << 40).Bytes32()
	require.Equal(t, -1, compareBytes(small[:], large[:]))

	back := UintFromBytes32(large[:])
	require.Equal(t, uint64(1<<40), back.Uint64())
}

func compareBytes(a, b []byte) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

func TestIntSignedArithmetic(t *testing.T) {
	pos := PosInt(NewUint(100))
	neg := NegInt(NewUint(60))

	sum, err := pos.Add(neg)
	require.NoError(t, err)
	require.Equal(t, "40", sum.String())

	diff, err := neg.Sub(pos)
	require.NoError(t, err)
	require.Equal(t, "-160", diff.String())
	require.True(t, diff.IsNegative())

	prod, err := neg.Mul(IntFromInt64(-2))
	require.NoError(t, err)
	require.Equal(t, "120", prod.String())

	quot, err := IntFromInt64(-7).Div(IntFromInt64(2))
	require.NoError(t, err)
	require.Equal(t, "-3", quot.String()) // truncates toward zero
}

func TestIntZeroNormalization(t *testing.T) {
	z := NegInt(ZeroUint())
	require.True(t, z.IsZero())
	require.False(t, z.IsNegative())
	require.Equal(t, "0", z.String())

	sum, err := PosInt(NewUint(5)).Add(NegInt(NewUint(5)))
	require.NoError(t, err)
	require.False(t, sum.IsNegative())
}

func TestIntCmp(t *testing.T) {
	cases := []struct {
		a, b Int
		want int
	}{
		{IntFromInt64(-5), IntFromInt64(3), -1},
		{IntFromInt64(3), IntFromInt64(-5), 1},
		{IntFromInt64(-5), IntFromInt64(-3), -1},
		{IntFromInt64(4), IntFromInt64(4), 0},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.a.Cmp(c.b), "%s vs %s", c.a.String(), c.b.String())
	}
}

func TestIntJSONRoundTrip(t *testing.T) {
	v := IntFromInt64(-123456)
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `"-123456"`, string(raw))

	var back Int
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Zero(t, v.Cmp(back))
}
