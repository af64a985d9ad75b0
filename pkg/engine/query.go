package engine

import (
	"context"

	"github.com/margined/perp/pkg/num"
)

// QueryOptions is the public pagination envelope for list queries. StartAfter
// is an exclusive position-id cursor.
type QueryOptions struct {
	StartAfter *uint64
	Limit      int
	Descending bool
}

func (o QueryOptions) internal() queryOptions {
	return queryOptions{StartAfter: o.StartAfter, Limit: o.Limit, Descending: o.Descending}
}

// Position returns one position by market and id. Closed positions remain
// addressable with zeroed exposure.
func (e *Engine) Position(ctx context.Context, market string, positionID uint64) (*Position, error) {
	return e.store.readPosition(marketKey(market), positionID)
}

// Positions lists a market's positions, optionally narrowed to one trader,
// one side or one entry price, paginated by position id.
func (e *Engine) Positions(ctx context.Context, market string, filter PositionFilter, side *Side, o QueryOptions) ([]*Position, error) {
	mk := marketKey(market)
	switch {
	case filter.Trader != "":
		return e.store.listPositionsByIndex(idxTrader, mk, traderKey(filter.Trader), o.internal())
	case side != nil:
		return e.store.listPositionsByIndex(idxSide, mk, []byte{byte(*side)}, o.internal())
	case filter.Price != nil:
		price := filter.Price.Bytes32()
		return e.store.listPositionsByIndex(idxPrice, mk, price[:], o.internal())
	default:
		return e.store.listPositions(mk, o.internal())
	}
}

// AllTraderPositions lists every position a trader holds across all
// registered markets, in registry order.
func (e *Engine) AllTraderPositions(ctx context.Context, trader string, o QueryOptions) ([]*Position, error) {
	markets, err := e.registry.AllMarkets(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Position
	opts := o.internal()
	max := opts.limit()
	for _, market := range markets {
		positions, err := e.store.listPositionsByIndex(idxTrader, marketKey(market), traderKey(trader), opts)
		if err != nil {
			return nil, err
		}
		out = append(out, positions...)
		if len(out) >= max {
			return out[:max], nil
		}
	}
	return out, nil
}

// PositionWithFundingPayment returns the position with pending funding folded
// into its margin, as a caller would see it after the next settlement touch.
func (e *Engine) PositionWithFundingPayment(ctx context.Context, market string, positionID uint64) (*Position, error) {
	cfg, err := e.store.readConfig()
	if err != nil {
		return nil, err
	}
	p, err := e.store.readPosition(marketKey(market), positionID)
	if err != nil {
		return nil, err
	}
	latest, err := e.latestPremiumFraction(market)
	if err != nil {
		return nil, err
	}
	remain, err := e.remainMarginWithFunding(p, latest, num.ZeroInt(), cfg.Decimals)
	if err != nil {
		return nil, err
	}
	p.Margin = remain.Margin
	p.LastPremium = remain.LatestPremium
	return p, nil
}

// TraderBalanceWithFunding sums the funding-adjusted margin across all of a
// trader's positions on a market.
func (e *Engine) TraderBalanceWithFunding(ctx context.Context, market, trader string) (num.Uint, error) {
	cfg, err := e.store.readConfig()
	if err != nil {
		return num.ZeroUint(), err
	}
	latest, err := e.latestPremiumFraction(market)
	if err != nil {
		return num.ZeroUint(), err
	}
	positions, err := e.store.listPositionsByIndex(idxTrader, marketKey(market), traderKey(trader),
		queryOptions{Limit: maxQueryLimit})
	if err != nil {
		return num.ZeroUint(), err
	}
	total := num.ZeroUint()
	for _, p := range positions {
		remain, err := e.remainMarginWithFunding(p, latest, num.ZeroInt(), cfg.Decimals)
		if err != nil {
			return num.ZeroUint(), err
		}
		if total, err = total.Add(remain.Margin); err != nil {
			return num.ZeroUint(), err
		}
	}
	return total, nil
}

// MarginRatio computes the position's margin ratio under the worst-of
// spot/TWAP quote, the same basis the liquidation check uses.
func (e *Engine) MarginRatio(ctx context.Context, market string, positionID uint64) (num.Int, error) {
	cfg, err := e.store.readConfig()
	if err != nil {
		return num.ZeroInt(), err
	}
	mkt, err := e.gateway(ctx, market)
	if err != nil {
		return num.ZeroInt(), err
	}
	p, err := e.store.readPosition(marketKey(market), positionID)
	if err != nil {
		return num.ZeroInt(), err
	}
	if p.IsZero() {
		return num.ZeroInt(), nil
	}
	latest, err := e.latestPremiumFraction(market)
	if err != nil {
		return num.ZeroInt(), err
	}
	quote, err := e.preferredPnl(ctx, mkt, cfg, p)
	if err != nil {
		return num.ZeroInt(), err
	}
	return e.marginRatioOf(p, quote, latest, cfg)
}

// FreeCollateral is the margin a trader can withdraw without tripping the
// initial margin requirement: funding-adjusted margin, haircut by unrealized
// losses, minus the initial margin the open notional reserves.
func (e *Engine) FreeCollateral(ctx context.Context, market string, positionID uint64) (num.Int, error) {
	cfg, err := e.store.readConfig()
	if err != nil {
		return num.ZeroInt(), err
	}
	mkt, err := e.gateway(ctx, market)
	if err != nil {
		return num.ZeroInt(), err
	}
	p, err := e.store.readPosition(marketKey(market), positionID)
	if err != nil {
		return num.ZeroInt(), err
	}
	latest, err := e.latestPremiumFraction(market)
	if err != nil {
		return num.ZeroInt(), err
	}
	return e.freeCollateralOf(ctx, mkt, cfg, p, latest)
}

// freeCollateralOf implements the withdrawal headroom shared by the query and
// WithdrawMargin. Losses are counted, gains are not: the collateral base is
// min(margin, margin+pnl).
func (e *Engine) freeCollateralOf(ctx context.Context, mkt Market, cfg *Config, p *Position, latest num.Int) (num.Int, error) {
	if p.IsZero() {
		return num.ZeroInt(), nil
	}
	quote, err := e.preferredPnl(ctx, mkt, cfg, p)
	if err != nil {
		return num.ZeroInt(), err
	}
	remain, err := e.remainMarginWithFunding(p, latest, num.ZeroInt(), cfg.Decimals)
	if err != nil {
		return num.ZeroInt(), err
	}

	margin := num.PosInt(remain.Margin)
	withPnl, err := margin.Add(quote.UnrealizedPnl)
	if err != nil {
		return num.ZeroInt(), err
	}
	collateral := margin
	if withPnl.Cmp(margin) < 0 {
		collateral = withPnl
	}

	// longs reserve against the recorded open notional, shorts against the
	// re-quoted one
	notional := p.Notional
	if p.Size.IsNegative() {
		notional = quote.PositionNotional
	}
	reserved, err := num.MulDiv(notional, cfg.InitialMarginRatio, cfg.Decimals)
	if err != nil {
		return num.ZeroInt(), err
	}
	return collateral.Sub(num.PosInt(reserved))
}

// UnrealizedPnl re-quotes the position under the chosen price source.
func (e *Engine) UnrealizedPnl(ctx context.Context, market string, positionID uint64, mode PnlCalcOption) (PnlResponse, error) {
	cfg, err := e.store.readConfig()
	if err != nil {
		return PnlResponse{}, err
	}
	mkt, err := e.gateway(ctx, market)
	if err != nil {
		return PnlResponse{}, err
	}
	p, err := e.store.readPosition(marketKey(market), positionID)
	if err != nil {
		return PnlResponse{}, err
	}
	return e.positionNotionalUnrealizedPnl(ctx, mkt, cfg, p, mode)
}

// CumulativePremiumFraction returns the market's latest premium cursor.
func (e *Engine) CumulativePremiumFraction(ctx context.Context, market string) (num.Int, error) {
	return e.latestPremiumFraction(market)
}

// LastPositionID returns the most recently allocated position id, zero when
// none have been opened.
func (e *Engine) LastPositionID(ctx context.Context) (uint64, error) {
	return e.store.lastPositionID()
}
