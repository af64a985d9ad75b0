package engine

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/margined/perp/pkg/num"
)

func newTestStore(t *testing.T) *store {
	t.Helper()
	return newStore(memdb.New())
}

func testPosition(id uint64, trader string, side Side, entryPrice uint64) *Position {
	size := num.PosInt(num.NewUint(1_000_000))
	if side == Sell {
		size = size.Neg()
	}
	return &Position{
		ID:         id,
		Market:     "eth-usdc",
		Pair:       "ETH/USDC",
		Trader:     trader,
		Side:       side,
		Direction:  sideToDirection(side),
		Size:       size,
		Margin:     num.NewUint(60_000_000),
		Notional:   num.NewUint(600_000_000),
		EntryPrice: num.NewUint(entryPrice),
		TakeProfit: num.NewUint(30_000_000),
	}
}

func TestStorePositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	p := testPosition(1, "alice", Buy, 16_000_000)
	require.NoError(t, s.writePosition(p))

	got, err := s.readPosition(marketKey("eth-usdc"), 1)
	require.NoError(t, err)
	require.Equal(t, p.Trader, got.Trader)
	require.Zero(t, p.Size.Cmp(got.Size))
	require.Zero(t, p.Margin.Cmp(got.Margin))

	_, err = s.readPosition(marketKey("eth-usdc"), 99)
	require.ErrorIs(t, err, ErrPositionNotFound)
	_, err = s.readPosition(marketKey("btc-usdc"), 1)
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestStoreTraderIndex(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.writePosition(testPosition(1, "alice", Buy, 10)))
	require.NoError(t, s.writePosition(testPosition(2, "bob", Sell, 10)))
	require.NoError(t, s.writePosition(testPosition(3, "alice", Sell, 10)))

	mk := marketKey("eth-usdc")
	got, err := s.listPositionsByIndex(idxTrader, mk, traderKey("alice"), queryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].ID)
	require.Equal(t, uint64(3), got[1].ID)

	sells, err := s.listPositionsByIndex(idxSide, mk, []byte{byte(Sell)}, queryOptions{})
	require.NoError(t, err)
	require.Len(t, sells, 2)
}

func TestStorePriceIndexFollowsEntryPrice(t *testing.T) {
	s := newTestStore(t)
	p := testPosition(1, "alice", Buy, 16_000_000)
	require.NoError(t, s.writePosition(p))

	mk := marketKey("eth-usdc")
	oldPrice := num.NewUint(16_000_000).Bytes32()
	got, err := s.listPositionsByIndex(idxPrice, mk, oldPrice[:], queryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	p.EntryPrice = num.NewUint(20_000_000)
	require.NoError(t, s.writePosition(p))

	got, err = s.listPositionsByIndex(idxPrice, mk, oldPrice[:], queryOptions{})
	require.NoError(t, err)
	require.Empty(t, got)

	newPrice := num.NewUint(20_000_000).Bytes32()
	got, err = s.listPositionsByIndex(idxPrice, mk, newPrice[:], queryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestStorePagination(t *testing.T) {
	s := newTestStore(t)
	for id := uint64(1); id <= 25; id++ {
		require.NoError(t, s.writePosition(testPosition(id, "alice", Buy, 10)))
	}
	mk := marketKey("eth-usdc")

	got, err := s.listPositions(mk, queryOptions{})
	require.NoError(t, err)
	require.Len(t, got, defaultQueryLimit)
	require.Equal(t, uint64(1), got[0].ID)

	after := uint64(10)
	got, err = s.listPositions(mk, queryOptions{StartAfter: &after, Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, uint64(11), got[0].ID)

	got, err = s.listPositions(mk, queryOptions{Limit: 3, Descending: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, uint64(25), got[0].ID)

	got, err = s.listPositions(mk, queryOptions{Limit: maxQueryLimit + 50})
	require.NoError(t, err)
	require.Len(t, got, 25)
}

func TestStorePositionIDCounter(t *testing.T) {
	s := newTestStore(t)

	last, err := s.lastPositionID()
	require.NoError(t, err)
	require.Zero(t, last)

	id, err := s.nextPositionID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	id, err = s.nextPositionID()
	require.NoError(t, err)
	require.Equal(t, uint64(2), id)

	last, err = s.lastPositionID()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}

func TestStoreTmpSwapSingleSlot(t *testing.T) {
	s := newTestStore(t)

	_, err := s.readTmpSwap()
	require.ErrorIs(t, err, ErrNoPendingSwap)

	info := &swapInfo{Kind: ReplyIncreasePosition, PositionID: 1, Market: "eth-usdc", Trader: "alice"}
	require.NoError(t, s.stageTmpSwap(info))

	err = s.stageTmpSwap(&swapInfo{Kind: ReplyClosePosition, PositionID: 2, Market: "eth-usdc"})
	require.ErrorIs(t, err, ErrSwapPending)

	got, err := s.readTmpSwap()
	require.NoError(t, err)
	require.Equal(t, ReplyIncreasePosition, got.Kind)
	require.Equal(t, uint64(1), got.PositionID)

	require.NoError(t, s.dropTmpSwap())
	_, err = s.readTmpSwap()
	require.ErrorIs(t, err, ErrNoPendingSwap)
}

func TestStorePremiumFractions(t *testing.T) {
	s := newTestStore(t)

	info, err := s.readMarketInfo("eth-usdc")
	require.NoError(t, err)
	require.True(t, info.latestPremiumFraction().IsZero())

	require.NoError(t, s.appendPremiumFraction("eth-usdc", num.IntFromInt64(250)))
	require.NoError(t, s.appendPremiumFraction("eth-usdc", num.IntFromInt64(-100)))

	info, err = s.readMarketInfo("eth-usdc")
	require.NoError(t, err)
	require.Len(t, info.CumulativePremiumFractions, 2)
	require.Equal(t, "-100", info.latestPremiumFraction().String())
}
