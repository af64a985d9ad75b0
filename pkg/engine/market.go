package engine

import (
	"context"

	"github.com/margined/perp/pkg/num"
)

// MarketConfig is the subset of a market's own configuration the engine
// consults when opening positions.
type MarketConfig struct {
	BaseAsset  string
	QuoteAsset string
	Decimals   num.Uint
}

// SwapInputRequest asks the market to swap an exact quote amount into base.
type SwapInputRequest struct {
	Direction            Direction
	PositionID           uint64
	QuoteAmount          num.Uint
	BaseAssetLimit       num.Uint
	CanExceedFluctuation bool
}

// SwapOutputRequest asks the market to swap an exact base amount into quote.
type SwapOutputRequest struct {
	Direction       Direction
	PositionID      uint64
	BaseAmount      num.Uint
	QuoteAssetLimit num.Uint
}

// Market is the engine's boundary to one external price-quoting market. The
// query methods are synchronous and never suspend. The three commands are
// asynchronous: they acknowledge submission and the market later delivers the
// result to the engine's HandleSwapReply / HandleFundingReply, which is the
// only suspension point in the engine (see swapInfo).
type Market interface {
	Config(ctx context.Context) (MarketConfig, error)
	SpotPrice(ctx context.Context) (num.Uint, error)
	OraclePrice(ctx context.Context) (num.Uint, error)
	// InputPrice quotes the average entry price for swapping quoteAmount in
	// the given direction, without moving the market.
	InputPrice(ctx context.Context, dir Direction, quoteAmount num.Uint) (num.Uint, error)
	// OutputAmount quotes the quote-asset proceeds of swapping baseAmount.
	OutputAmount(ctx context.Context, dir Direction, baseAmount num.Uint) (num.Uint, error)
	// OutputTwap is OutputAmount re-quoted against the market's TWAP.
	OutputTwap(ctx context.Context, dir Direction, baseAmount num.Uint) (num.Uint, error)
	CalcFee(ctx context.Context, notional num.Uint) (spreadFee, tollFee num.Uint, err error)
	IsOverSpreadLimit(ctx context.Context) (bool, error)
	IsOverFluctuationLimit(ctx context.Context, dir Direction, size num.Uint) (bool, error)

	SwapInput(ctx context.Context, req SwapInputRequest) error
	SwapOutput(ctx context.Context, req SwapOutputRequest) error
	SettleFunding(ctx context.Context) error
}

// Registry is the insurance-fund registry's view of approved markets. The
// engine consults it but never mutates it.
type Registry interface {
	IsMarket(ctx context.Context, market string) (bool, error)
	AllMarkets(ctx context.Context) ([]string, error)
}

// Gateways resolves an approved market identity to its gateway handle.
type Gateways interface {
	Gateway(market string) (Market, error)
}

// Bank is the asset-transfer mechanism: pull-transfers from traders into the
// engine and push-transfers out. Implementations cover native balance
// assertion or delegated token transfers; the engine only sees accounts and
// amounts.
type Bank interface {
	Balance(ctx context.Context, account string) (num.Uint, error)
	Transfer(ctx context.Context, from, to string, amount num.Uint) error
}
