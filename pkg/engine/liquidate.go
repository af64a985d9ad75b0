package engine

import (
	"context"
	"fmt"

	"github.com/margined/perp/pkg/num"
)

// Liquidate checks the position's margin ratio against the maintenance
// threshold and, if breached, stages a full or partial liquidation swap. The
// caller is recorded so the settlement can route the liquidation fee.
//
// When the market trades over its spread limit against the oracle, the
// oracle-based margin ratio is substituted if it is kinder to the trader, so
// a momentary vAMM dislocation alone cannot trigger liquidations.
func (e *Engine) Liquidate(ctx context.Context, liquidator, market string, positionID uint64, quoteAssetLimit num.Uint) error {
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	mkt, err := e.gateway(ctx, market)
	if err != nil {
		return err
	}
	p, err := e.store.readPosition(marketKey(market), positionID)
	if err != nil {
		return err
	}
	if p.IsZero() {
		return ErrPositionZero
	}

	latest, err := e.latestPremiumFraction(market)
	if err != nil {
		return err
	}
	quote, err := e.preferredPnl(ctx, mkt, cfg, p)
	if err != nil {
		return err
	}
	ratio, err := e.marginRatioOf(p, quote, latest, cfg)
	if err != nil {
		return err
	}

	overSpread, err := mkt.IsOverSpreadLimit(ctx)
	if err != nil {
		return fmt.Errorf("query spread limit: %w", err)
	}
	if overSpread {
		oracleQuote, err := e.positionNotionalUnrealizedPnl(ctx, mkt, cfg, p, PnlOracle)
		if err != nil {
			return err
		}
		oracleRatio, err := e.marginRatioOf(p, oracleQuote, latest, cfg)
		if err != nil {
			return err
		}
		if oracleRatio.Cmp(ratio) > 0 {
			ratio = oracleRatio
		}
	}

	if ratio.Cmp(num.PosInt(cfg.MaintenanceMarginRatio)) > 0 {
		return ErrPositionNotLiquidatable
	}

	if err := e.store.stageLiquidator(liquidator); err != nil {
		return err
	}

	// still above the liquidation fee ratio: only a slice of the position
	// needs to go to restore the margin
	partial := ratio.Cmp(num.PosInt(cfg.LiquidationFee)) > 0 &&
		!cfg.PartialLiquidationRatio.IsZero() &&
		cfg.PartialLiquidationRatio.LT(cfg.Decimals)

	if partial {
		if err := e.partialLiquidation(ctx, mkt, cfg, p, quoteAssetLimit); err != nil {
			e.store.takeLiquidator()
			return err
		}
	} else {
		if err := e.requestFullClose(ctx, mkt, p, quoteAssetLimit, ReplyLiquidate); err != nil {
			e.store.takeLiquidator()
			return err
		}
	}

	e.log.Info("liquidation requested",
		"positionID", positionID, "market", market, "liquidator", liquidator,
		"marginRatio", ratio.String(), "partial", partial)
	return nil
}

// partialLiquidation closes partial_liquidation_ratio of the position. The
// partial size is re-quoted through the market; if rounding pushes its
// notional past the whole position's notional the swap runs by exact
// notional instead of exact size so the fill cannot overshoot.
func (e *Engine) partialLiquidation(ctx context.Context, mkt Market, cfg *Config, p *Position, quoteAssetLimit num.Uint) error {
	partialSize, err := num.MulDiv(p.Size.Abs(), cfg.PartialLiquidationRatio, cfg.Decimals)
	if err != nil {
		return err
	}
	partialNotional, err := num.MulDiv(p.Notional, cfg.PartialLiquidationRatio, cfg.Decimals)
	if err != nil {
		return err
	}
	quote, err := e.positionNotionalUnrealizedPnl(ctx, mkt, cfg, p, PnlSpotPrice)
	if err != nil {
		return err
	}

	side := positionToSide(p.Size)
	if err := e.store.stageTmpSwap(&swapInfo{
		Kind:             ReplyPartialLiquidate,
		PositionID:       p.ID,
		Market:           p.Market,
		Pair:             p.Pair,
		Trader:           p.Trader,
		Side:             side,
		MarginAmount:     partialSize,
		OpenNotional:     partialNotional,
		PositionNotional: quote.PositionNotional,
		UnrealizedPnl:    quote.UnrealizedPnl,
		TakeProfit:       p.TakeProfit,
		StopLoss:         p.StopLoss,
	}); err != nil {
		return err
	}

	baseDir := AddToAmm
	if p.Size.IsNegative() {
		baseDir = RemoveFromAmm
	}
	requoted, err := mkt.OutputAmount(ctx, baseDir, partialSize)
	if err != nil {
		_ = e.store.dropTmpSwap()
		return fmt.Errorf("quote partial liquidation: %w", err)
	}

	if requoted.GT(p.Notional) {
		err = mkt.SwapInput(ctx, SwapInputRequest{
			Direction:            sideToDirection(side),
			PositionID:           p.ID,
			QuoteAmount:          partialNotional,
			CanExceedFluctuation: true,
		})
	} else {
		// the caller's limit covers the whole position; only a slice trades
		scaledLimit, serr := num.MulDiv(quoteAssetLimit, cfg.PartialLiquidationRatio, cfg.Decimals)
		if serr != nil {
			_ = e.store.dropTmpSwap()
			return serr
		}
		err = mkt.SwapOutput(ctx, SwapOutputRequest{
			Direction:       sideToDirection(side),
			PositionID:      p.ID,
			BaseAmount:      partialSize,
			QuoteAssetLimit: scaledLimit,
		})
	}
	if err != nil {
		_ = e.store.dropTmpSwap()
		return fmt.Errorf("%w: %v", ErrExternalCall, err)
	}
	return nil
}
