package engine

import (
	"context"
	"fmt"

	"github.com/margined/perp/pkg/num"
)

// positionNotionalUnrealizedPnl re-quotes the position's base exposure under
// the chosen price source and derives the signed PnL against the recorded
// open notional: a long gains when the re-quoted notional rises, a short when
// it falls.
func (e *Engine) positionNotionalUnrealizedPnl(ctx context.Context, mkt Market, cfg *Config, p *Position, mode PnlCalcOption) (PnlResponse, error) {
	if p.IsZero() {
		return PnlResponse{}, nil
	}
	base := p.Size.Abs()

	var (
		notional num.Uint
		err      error
	)
	switch mode {
	case PnlTwap:
		notional, err = mkt.OutputTwap(ctx, p.Direction, base)
	case PnlOracle:
		var price num.Uint
		if price, err = mkt.OraclePrice(ctx); err == nil {
			notional, err = num.MulDiv(base, price, cfg.Decimals)
		}
	default:
		notional, err = mkt.OutputAmount(ctx, p.Direction, base)
	}
	if err != nil {
		return PnlResponse{}, fmt.Errorf("re-quote position notional (%s): %w", mode, err)
	}

	pnl, err := num.PosInt(notional).Sub(num.PosInt(p.Notional))
	if err != nil {
		return PnlResponse{}, err
	}
	if p.Size.IsNegative() {
		pnl = pnl.Neg()
	}
	return PnlResponse{PositionNotional: notional, UnrealizedPnl: pnl}, nil
}

// preferredPnl evaluates the position under spot and TWAP and keeps the quote
// with the smaller PnL magnitude, the choice least favorable to the trader
// for solvency checks: profits are understated and anti-manipulation TWAP
// caps a spot spike.
func (e *Engine) preferredPnl(ctx context.Context, mkt Market, cfg *Config, p *Position) (PnlResponse, error) {
	spot, err := e.positionNotionalUnrealizedPnl(ctx, mkt, cfg, p, PnlSpotPrice)
	if err != nil {
		return PnlResponse{}, err
	}
	twap, err := e.positionNotionalUnrealizedPnl(ctx, mkt, cfg, p, PnlTwap)
	if err != nil {
		return PnlResponse{}, err
	}
	if spot.UnrealizedPnl.Abs().GT(twap.UnrealizedPnl.Abs()) {
		return twap, nil
	}
	return spot, nil
}

// calcFundingPayment is the signed margin adjustment owed since the position
// last settled against the cumulative premium series: longs pay when the
// premium grew, shorts the mirror.
func calcFundingPayment(p *Position, latestPremium num.Int, decimals num.Uint) (num.Int, error) {
	if p.IsZero() {
		return num.ZeroInt(), nil
	}
	delta, err := latestPremium.Sub(p.LastPremium)
	if err != nil {
		return num.ZeroInt(), err
	}
	owed, err := delta.Mul(p.Size)
	if err != nil {
		return num.ZeroInt(), err
	}
	owed, err = owed.DivUint(decimals)
	if err != nil {
		return num.ZeroInt(), err
	}
	return owed.Neg(), nil
}

// remainMarginWithFunding folds the pending funding payment and a signed
// margin delta (PnL, withdrawal) into the position's margin. A negative
// result clamps to zero and reports the shortfall as bad debt.
func (e *Engine) remainMarginWithFunding(p *Position, latestPremium num.Int, marginDelta num.Int, decimals num.Uint) (RemainMargin, error) {
	funding, err := calcFundingPayment(p, latestPremium, decimals)
	if err != nil {
		return RemainMargin{}, err
	}
	signed, err := funding.Add(marginDelta)
	if err != nil {
		return RemainMargin{}, err
	}
	signed, err = signed.Add(num.PosInt(p.Margin))
	if err != nil {
		return RemainMargin{}, err
	}

	out := RemainMargin{FundingPayment: funding, LatestPremium: latestPremium}
	if signed.IsNegative() {
		out.BadDebt = signed.Abs()
	} else {
		out.Margin = signed.Abs()
	}
	return out, nil
}

// latestPremiumFraction reads the market's cumulative premium cursor.
func (e *Engine) latestPremiumFraction(market string) (num.Int, error) {
	info, err := e.store.readMarketInfo(market)
	if err != nil {
		return num.ZeroInt(), err
	}
	return info.latestPremiumFraction(), nil
}

// marginRatioOf computes the solvency ratio of a position against the given
// PnL quote: (margin after funding - bad debt) * decimals / notional. A zero
// position carries no risk and has ratio zero by definition.
func (e *Engine) marginRatioOf(p *Position, quote PnlResponse, latestPremium num.Int, cfg *Config) (num.Int, error) {
	if p.IsZero() {
		return num.ZeroInt(), nil
	}
	remain, err := e.remainMarginWithFunding(p, latestPremium, quote.UnrealizedPnl, cfg.Decimals)
	if err != nil {
		return num.ZeroInt(), err
	}
	net, err := num.PosInt(remain.Margin).Sub(num.PosInt(remain.BadDebt))
	if err != nil {
		return num.ZeroInt(), err
	}
	scaled, err := net.MulUint(cfg.Decimals)
	if err != nil {
		return num.ZeroInt(), err
	}
	return scaled.DivUint(quote.PositionNotional)
}
