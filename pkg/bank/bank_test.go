package bank

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/margined/perp/pkg/num"
)

func TestLedgerTransfer(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	require.NoError(t, l.Mint("alice", num.NewUint(100)))

	require.NoError(t, l.Transfer(ctx, "alice", "bob", num.NewUint(40)))

	a, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "60", a.String())

	b, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "40", b.String())

	// zero transfers are a no-op even between unknown accounts
	require.NoError(t, l.Transfer(ctx, "nobody", "bob", num.ZeroUint()))
}

func TestLedgerOverdraftFailsWhole(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	require.NoError(t, l.Mint("alice", num.NewUint(10)))

	err := l.Transfer(ctx, "alice", "bob", num.NewUint(11))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	a, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "10", a.String())
	b, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	require.True(t, b.IsZero())
}
