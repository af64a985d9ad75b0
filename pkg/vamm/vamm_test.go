package vamm

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/margined/perp/pkg/engine"
	"github.com/margined/perp/pkg/num"
)

var decimals = num.Pow10(6)

func testLogger() log.Logger {
	level, _ := log.ToLevel("warn")
	return log.NewTestLogger(level)
}

func fixedOracle(price uint64) Oracle {
	return OracleFunc(func(context.Context) (num.Uint, error) {
		return num.NewUint(price), nil
	})
}

func newTestAMM(t *testing.T) *AMM {
	t.Helper()
	a, err := New(Config{
		Name:         "eth-usdc",
		BaseAsset:    "ETH",
		QuoteAsset:   "USDC",
		Decimals:     decimals,
		QuoteReserve: num.NewUint(1_000_000_000), // 1000
		BaseReserve:  num.NewUint(100_000_000),   // 100
		TollRatio:    num.NewUint(10_000),        // 1%
		SpreadRatio:  num.NewUint(5_000),         // 0.5%
		TwapWindow:   15 * time.Minute,
	}, fixedOracle(10_000_000), testLogger())
	require.NoError(t, err)
	return a
}

// drain pops the queued replies for assertions.
type collector struct {
	swaps   []engine.SwapReply
	funding []num.Int
}

func (c *collector) HandleSwapReply(_ context.Context, r engine.SwapReply) error {
	c.swaps = append(c.swaps, r)
	return nil
}

func (c *collector) HandleFundingReply(_ context.Context, _ string, p num.Int) error {
	c.funding = append(c.funding, p)
	return nil
}

func TestSpotPrice(t *testing.T) {
	a := newTestAMM(t)
	spot, err := a.SpotPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10000000", spot.String())
}

func TestSwapInputMovesCurve(t *testing.T) {
	a := newTestAMM(t)
	ctx := context.Background()
	sink := &collector{}

	// 600 quote in at k = 1000*100: base out 100 - 100000/1600 = 37.5
	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:   engine.AddToAmm,
		PositionID:  1,
		QuoteAmount: num.NewUint(600_000_000),
	}))
	require.NoError(t, a.Flush(ctx, sink))
	require.Len(t, sink.swaps, 1)
	require.NoError(t, sink.swaps[0].Err)
	require.Equal(t, "37500000", sink.swaps[0].BaseDelta.String())

	spot, err := a.SpotPrice(ctx)
	require.NoError(t, err)
	require.Equal(t, "25600000", spot.String()) // 1600/62.5
}

func TestSwapRoundTripConservesValue(t *testing.T) {
	a := newTestAMM(t)
	ctx := context.Background()
	sink := &collector{}

	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:   engine.AddToAmm,
		PositionID:  1,
		QuoteAmount: num.NewUint(600_000_000),
	}))
	require.NoError(t, a.SwapOutput(ctx, engine.SwapOutputRequest{
		Direction:  engine.AddToAmm,
		PositionID: 1,
		BaseAmount: num.NewUint(37_500_000),
	}))
	require.NoError(t, a.Flush(ctx, sink))
	require.Len(t, sink.swaps, 2)
	require.NoError(t, sink.swaps[1].Err)
	require.Equal(t, "600000000", sink.swaps[1].QuoteDelta.String())

	spot, err := a.SpotPrice(ctx)
	require.NoError(t, err)
	require.Equal(t, "10000000", spot.String())
}

func TestSwapInputSlippageLimit(t *testing.T) {
	a := newTestAMM(t)
	ctx := context.Background()
	sink := &collector{}

	// demanding at least 40 base for 600 quote cannot fill
	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:      engine.AddToAmm,
		PositionID:     7,
		QuoteAmount:    num.NewUint(600_000_000),
		BaseAssetLimit: num.NewUint(40_000_000),
	}))
	require.NoError(t, a.Flush(ctx, sink))
	require.Len(t, sink.swaps, 1)
	require.Error(t, sink.swaps[0].Err)

	// the failed swap must not have moved the reserves
	spot, err := a.SpotPrice(ctx)
	require.NoError(t, err)
	require.Equal(t, "10000000", spot.String())

	// a reachable minimum fills
	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:      engine.AddToAmm,
		PositionID:     7,
		QuoteAmount:    num.NewUint(600_000_000),
		BaseAssetLimit: num.NewUint(37_000_000),
	}))
	require.NoError(t, a.Flush(ctx, sink))
	require.Len(t, sink.swaps, 2)
	require.NoError(t, sink.swaps[1].Err)
	require.Equal(t, "37500000", sink.swaps[1].BaseDelta.String())
}

func TestSwapInputShortSlippageCeiling(t *testing.T) {
	a := newTestAMM(t)
	ctx := context.Background()
	sink := &collector{}

	// 600 quote out: base in 100000/400 - 100 = 150, bounded above
	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:      engine.RemoveFromAmm,
		PositionID:     8,
		QuoteAmount:    num.NewUint(600_000_000),
		BaseAssetLimit: num.NewUint(140_000_000),
	}))
	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:      engine.RemoveFromAmm,
		PositionID:     8,
		QuoteAmount:    num.NewUint(600_000_000),
		BaseAssetLimit: num.NewUint(160_000_000),
	}))
	require.NoError(t, a.Flush(ctx, sink))
	require.Len(t, sink.swaps, 2)
	require.Error(t, sink.swaps[0].Err)
	require.NoError(t, sink.swaps[1].Err)
	require.Equal(t, "150000000", sink.swaps[1].BaseDelta.String())
}

func TestSwapDrainReserveRejected(t *testing.T) {
	a := newTestAMM(t)
	ctx := context.Background()
	sink := &collector{}

	require.NoError(t, a.SwapOutput(ctx, engine.SwapOutputRequest{
		Direction:  engine.RemoveFromAmm,
		PositionID: 2,
		BaseAmount: num.NewUint(100_000_000), // the whole base reserve
	}))
	require.NoError(t, a.Flush(ctx, sink))
	require.Len(t, sink.swaps, 1)
	require.Error(t, sink.swaps[0].Err)
}

func TestInputPriceDoesNotMoveCurve(t *testing.T) {
	a := newTestAMM(t)
	ctx := context.Background()

	price, err := a.InputPrice(ctx, engine.AddToAmm, num.NewUint(600_000_000))
	require.NoError(t, err)
	require.Equal(t, "16000000", price.String()) // 600/37.5

	spot, err := a.SpotPrice(ctx)
	require.NoError(t, err)
	require.Equal(t, "10000000", spot.String())
}

func TestCalcFee(t *testing.T) {
	a := newTestAMM(t)
	spread, toll, err := a.CalcFee(context.Background(), num.NewUint(600_000_000))
	require.NoError(t, err)
	require.Equal(t, "3000000", spread.String())
	require.Equal(t, "6000000", toll.String())
}

func TestIsOverSpreadLimit(t *testing.T) {
	a := newTestAMM(t)
	a.cfg.SpreadLimitRatio = num.NewUint(100_000) // 10%
	ctx := context.Background()

	over, err := a.IsOverSpreadLimit(ctx)
	require.NoError(t, err)
	require.False(t, over)

	// push spot well past the oracle
	sink := &collector{}
	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:   engine.AddToAmm,
		PositionID:  1,
		QuoteAmount: num.NewUint(600_000_000),
	}))
	require.NoError(t, a.Flush(ctx, sink))

	over, err = a.IsOverSpreadLimit(ctx)
	require.NoError(t, err)
	require.True(t, over)
}

func TestFluctuationLimitBlocksLargeSwaps(t *testing.T) {
	a := newTestAMM(t)
	ctx := context.Background()
	sink := &collector{}

	// a zero ratio disables the limit entirely
	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:   engine.AddToAmm,
		PositionID:  3,
		QuoteAmount: num.NewUint(600_000_000),
	}))
	require.NoError(t, a.SwapOutput(ctx, engine.SwapOutputRequest{
		Direction:  engine.AddToAmm,
		PositionID: 3,
		BaseAmount: num.NewUint(37_500_000),
	}))
	require.NoError(t, a.Flush(ctx, sink))
	require.Len(t, sink.swaps, 2)
	require.NoError(t, sink.swaps[0].Err)
	require.NoError(t, sink.swaps[1].Err)
	sink.swaps = nil

	a.cfg.FluctuationLimitRatio = num.NewUint(100_000) // 10% per swap

	over, err := a.IsOverFluctuationLimit(ctx, engine.RemoveFromAmm, num.NewUint(20_000_000))
	require.NoError(t, err)
	require.True(t, over)

	over, err = a.IsOverFluctuationLimit(ctx, engine.RemoveFromAmm, num.NewUint(2_000_000))
	require.NoError(t, err)
	require.False(t, over)

	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:   engine.AddToAmm,
		PositionID:  3,
		QuoteAmount: num.NewUint(600_000_000),
	}))
	require.NoError(t, a.Flush(ctx, sink))
	require.Error(t, sink.swaps[0].Err)

	// the override used by partial closes bypasses the limit
	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:            engine.AddToAmm,
		PositionID:           3,
		QuoteAmount:          num.NewUint(600_000_000),
		CanExceedFluctuation: true,
	}))
	require.NoError(t, a.Flush(ctx, sink))
	require.NoError(t, sink.swaps[1].Err)
}

func TestTwapWeightsSnapshots(t *testing.T) {
	a := newTestAMM(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }
	a.history = []snapshot{{quote: a.quote, base: a.base, at: now}}

	// swap halfway through the window: half at 10.0, half at 25.6
	now = now.Add(15 * time.Minute / 2)
	sink := &collector{}
	require.NoError(t, a.SwapInput(ctx, engine.SwapInputRequest{
		Direction:   engine.AddToAmm,
		PositionID:  1,
		QuoteAmount: num.NewUint(600_000_000),
	}))
	require.NoError(t, a.Flush(ctx, sink))

	now = now.Add(15 * time.Minute / 2)
	twap, err := a.SpotTwap(ctx)
	require.NoError(t, err)
	require.Equal(t, "17800000", twap.String())

	// far past the window only the latest price remains
	now = now.Add(time.Hour)
	twap, err = a.SpotTwap(ctx)
	require.NoError(t, err)
	require.Equal(t, "25600000", twap.String())
}

func TestSettleFundingPremium(t *testing.T) {
	a, err := New(Config{
		Name:          "eth-usdc",
		BaseAsset:     "ETH",
		QuoteAsset:    "USDC",
		Decimals:      decimals,
		QuoteReserve:  num.NewUint(1_200_000_000),
		BaseReserve:   num.NewUint(100_000_000), // mark 12.0
		FundingPeriod: time.Hour,
		TwapWindow:    15 * time.Minute,
	}, fixedOracle(10_000_000), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	sink := &collector{}
	require.NoError(t, a.SettleFunding(ctx))
	require.NoError(t, a.Flush(ctx, sink))
	require.Len(t, sink.funding, 1)
	// (12 - 10) * 1h / 24h
	require.Equal(t, "83333", sink.funding[0].String())
}

func TestDirectory(t *testing.T) {
	d := NewDirectory()
	a := newTestAMM(t)
	ctx := context.Background()

	require.NoError(t, d.Add(a))
	require.Error(t, d.Add(a))

	ok, err := d.IsMarket(ctx, "eth-usdc")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = d.IsMarket(ctx, "doge-usdc")
	require.NoError(t, err)
	require.False(t, ok)

	gw, err := d.Gateway("eth-usdc")
	require.NoError(t, err)
	require.NotNil(t, gw)

	_, err = d.Gateway("doge-usdc")
	require.Error(t, err)

	names, err := d.AllMarkets(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"eth-usdc"}, names)
}
