package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/margined/perp/pkg/events"
	"github.com/margined/perp/pkg/num"
)

// HandleSwapReply is the finalize phase of every mutating swap. It consumes
// the staged continuation record and commits the operation it began, or
// unwinds the staging on a failed fill. The whole lifecycle is serialized
// through the single tmp-swap slot, so exactly one reply can be in flight.
func (e *Engine) HandleSwapReply(ctx context.Context, reply SwapReply) error {
	info, err := e.store.readTmpSwap()
	if err != nil {
		return err
	}
	if info.Market != reply.Market || info.PositionID != reply.PositionID {
		return fmt.Errorf("%w: staged %s #%d, got %s #%d",
			ErrReplyMismatch, info.Market, info.PositionID, reply.Market, reply.PositionID)
	}
	if err := e.store.dropTmpSwap(); err != nil {
		return err
	}

	if reply.Err != nil {
		if info.Kind == ReplyLiquidate || info.Kind == ReplyPartialLiquidate {
			e.store.takeLiquidator()
		}
		e.metrics.failedSwaps.Inc()
		e.log.Warn("swap failed",
			"kind", info.Kind.String(), "positionID", info.PositionID,
			"market", info.Market, "err", reply.Err)
		return fmt.Errorf("%w: %v", ErrExternalCall, reply.Err)
	}

	switch info.Kind {
	case ReplyIncreasePosition:
		err = e.finalizeOpen(ctx, info, reply)
	case ReplyClosePosition:
		err = e.finalizeClose(ctx, info, reply)
	case ReplyPartialClosePosition:
		err = e.finalizePartialClose(ctx, info, reply)
	case ReplyLiquidate:
		err = e.finalizeLiquidation(ctx, info, reply)
	case ReplyPartialLiquidate:
		err = e.finalizePartialLiquidation(ctx, info, reply)
	default:
		err = fmt.Errorf("%w: unexpected staged kind %s", ErrReplyMismatch, info.Kind)
	}
	return err
}

// finalizeOpen commits a new position from its opening fill: margin pulled
// from the trader, fees charged on the open notional, and the same-block
// restriction armed so the position cannot be closed in the height that
// opened it.
func (e *Engine) finalizeOpen(ctx context.Context, info *swapInfo, reply SwapReply) error {
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	st, err := e.store.readState()
	if err != nil {
		return err
	}
	latest, err := e.latestPremiumFraction(info.Market)
	if err != nil {
		return err
	}

	if err := e.bank.Transfer(ctx, info.Trader, e.addr, info.MarginAmount); err != nil {
		return fmt.Errorf("pull margin: %w", err)
	}
	mkt, err := e.gateway(ctx, info.Market)
	if err != nil {
		return err
	}
	if _, err := e.transferFees(ctx, mkt, cfg, info.Trader, info.OpenNotional); err != nil {
		return err
	}

	size := num.PosInt(reply.BaseDelta)
	if info.Side == Sell {
		size = size.Neg()
	}
	entryPrice, err := num.MulDiv(info.OpenNotional, cfg.Decimals, reply.BaseDelta)
	if err != nil {
		return err
	}

	p := &Position{
		ID:          info.PositionID,
		Market:      info.Market,
		Pair:        info.Pair,
		Trader:      info.Trader,
		Side:        info.Side,
		Direction:   sideToDirection(info.Side),
		Size:        size,
		Margin:      info.MarginAmount,
		Notional:    info.OpenNotional,
		EntryPrice:  entryPrice,
		TakeProfit:  info.TakeProfit,
		StopLoss:    info.StopLoss,
		LastPremium: latest,
		BlockHeight: e.height(),
	}
	if err := e.store.writePosition(p); err != nil {
		return err
	}

	if st.OpenInterestNotional, err = st.OpenInterestNotional.Add(info.OpenNotional); err != nil {
		return err
	}
	if err := e.store.writeState(st); err != nil {
		return err
	}
	if err := e.store.setRestrictionHeight(info.Market, e.height()); err != nil {
		return err
	}

	e.metrics.positionsOpened.Inc()
	e.metrics.openInterest.Set(mustFloat(st.OpenInterestNotional))
	e.events.PositionChanged(e.positionEvent("open", p))
	e.log.Info("position opened",
		"positionID", p.ID, "market", p.Market, "trader", p.Trader,
		"size", p.Size.String(), "entryPrice", p.EntryPrice.String())
	return nil
}

// finalizeClose settles a full close: the exit fill realizes the PnL against
// the recorded open notional, funding is folded in, fees are charged on the
// exit notional, and whatever margin remains is paid back to the trader.
func (e *Engine) finalizeClose(ctx context.Context, info *swapInfo, reply SwapReply) error {
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	st, err := e.store.readState()
	if err != nil {
		return err
	}
	p, err := e.store.readPosition(marketKey(info.Market), info.PositionID)
	if err != nil {
		return err
	}
	latest, err := e.latestPremiumFraction(info.Market)
	if err != nil {
		return err
	}

	pnl, err := realizedPnl(p.Size, reply.QuoteDelta, p.Notional)
	if err != nil {
		return err
	}
	remain, err := e.remainMarginWithFunding(p, latest, pnl, cfg.Decimals)
	if err != nil {
		return err
	}

	mkt, err := e.gateway(ctx, info.Market)
	if err != nil {
		return err
	}
	spread, toll, err := mkt.CalcFee(ctx, reply.QuoteDelta)
	if err != nil {
		return fmt.Errorf("calculate market fees: %w", err)
	}
	fees, err := spread.Add(toll)
	if err != nil {
		return err
	}

	// fees come out of the payout; a payout smaller than the fees is bad debt
	payout := remain.Margin.SaturatingSub(fees)
	feeShortfall := fees.SaturatingSub(remain.Margin)
	badDebt, err := remain.BadDebt.Add(feeShortfall)
	if err != nil {
		return err
	}

	if err := e.payFees(ctx, cfg, st, spread, toll); err != nil {
		return err
	}
	if err := e.withdraw(ctx, cfg, st, p.Trader, payout); err != nil {
		return err
	}
	if !badDebt.IsZero() {
		if st.BadDebt, err = st.BadDebt.Add(badDebt); err != nil {
			return err
		}
		e.metrics.badDebt.Add(mustFloat(badDebt))
	}

	st.OpenInterestNotional = st.OpenInterestNotional.SaturatingSub(p.Notional)
	if err := e.store.writeState(st); err != nil {
		return err
	}
	if err := e.zeroPosition(p, latest); err != nil {
		return err
	}

	e.metrics.positionsClosed.Inc()
	e.metrics.openInterest.Set(mustFloat(st.OpenInterestNotional))
	e.events.PositionChanged(e.positionEvent("close", p))
	e.log.Info("position closed",
		"positionID", p.ID, "market", p.Market, "trader", p.Trader,
		"pnl", pnl.String(), "payout", payout.String(), "badDebt", badDebt.String())
	return nil
}

// finalizePartialClose shrinks the position by the filled base amount,
// realizing a proportional share of the unrealized PnL quoted at initiate
// time and recomputing the open notional from what remains.
func (e *Engine) finalizePartialClose(ctx context.Context, info *swapInfo, reply SwapReply) error {
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	st, err := e.store.readState()
	if err != nil {
		return err
	}
	p, err := e.store.readPosition(marketKey(info.Market), info.PositionID)
	if err != nil {
		return err
	}
	latest, err := e.latestPremiumFraction(info.Market)
	if err != nil {
		return err
	}

	next, realized, err := e.shrinkPosition(p, info, reply, latest, cfg)
	if err != nil {
		return err
	}

	mkt, err := e.gateway(ctx, info.Market)
	if err != nil {
		return err
	}
	spread, toll, err := mkt.CalcFee(ctx, reply.QuoteDelta)
	if err != nil {
		return fmt.Errorf("calculate market fees: %w", err)
	}
	fees, err := spread.Add(toll)
	if err != nil {
		return err
	}
	next.Margin = next.Margin.SaturatingSub(fees)
	if err := e.payFees(ctx, cfg, st, spread, toll); err != nil {
		return err
	}

	st.OpenInterestNotional = st.OpenInterestNotional.SaturatingSub(reply.QuoteDelta)
	if err := e.store.writeState(st); err != nil {
		return err
	}
	if err := e.store.writePosition(next); err != nil {
		return err
	}
	if err := e.store.setRestrictionHeight(info.Market, e.height()); err != nil {
		return err
	}

	e.metrics.openInterest.Set(mustFloat(st.OpenInterestNotional))
	e.events.PositionChanged(e.positionEvent("partial_close", next))
	e.log.Info("position partially closed",
		"positionID", next.ID, "market", next.Market, "trader", next.Trader,
		"closedBase", reply.BaseDelta.String(), "realizedPnl", realized.String(),
		"remainingSize", next.Size.String())
	return nil
}

// finalizeLiquidation settles a full liquidation: the liquidation fee is
// carved out of the exit notional, half paid to the liquidator, and whatever
// margin survives after fees goes to the insurance fund. The trader receives
// nothing.
func (e *Engine) finalizeLiquidation(ctx context.Context, info *swapInfo, reply SwapReply) error {
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	st, err := e.store.readState()
	if err != nil {
		return err
	}
	p, err := e.store.readPosition(marketKey(info.Market), info.PositionID)
	if err != nil {
		return err
	}
	latest, err := e.latestPremiumFraction(info.Market)
	if err != nil {
		return err
	}
	liquidator, err := e.store.takeLiquidator()
	if err != nil {
		return err
	}

	pnl, err := realizedPnl(p.Size, reply.QuoteDelta, p.Notional)
	if err != nil {
		return err
	}
	remain, err := e.remainMarginWithFunding(p, latest, pnl, cfg.Decimals)
	if err != nil {
		return err
	}

	totalFee, err := num.MulDiv(reply.QuoteDelta, cfg.LiquidationFee, cfg.Decimals)
	if err != nil {
		return err
	}
	feeToLiquidator, err := totalFee.Div(num.NewUint(2))
	if err != nil {
		return err
	}
	feeToInsurance := totalFee.SaturatingSub(feeToLiquidator)

	// the fee has first claim on the remaining margin; any shortfall is bad
	// debt the insurance fund absorbs through the payout path
	surplus := remain.Margin.SaturatingSub(totalFee)
	feeShortfall := totalFee.SaturatingSub(remain.Margin)
	badDebt, err := remain.BadDebt.Add(feeShortfall)
	if err != nil {
		return err
	}

	if err := e.withdraw(ctx, cfg, st, liquidator, feeToLiquidator); err != nil {
		return err
	}
	if insurancePay, err := feeToInsurance.Add(surplus); err != nil {
		return err
	} else if err := e.withdraw(ctx, cfg, st, cfg.InsuranceFund, insurancePay); err != nil {
		return err
	}
	if !badDebt.IsZero() {
		if st.BadDebt, err = st.BadDebt.Add(badDebt); err != nil {
			return err
		}
		e.metrics.badDebt.Add(mustFloat(badDebt))
	}

	st.OpenInterestNotional = st.OpenInterestNotional.SaturatingSub(p.Notional)
	if err := e.store.writeState(st); err != nil {
		return err
	}
	if err := e.zeroPosition(p, latest); err != nil {
		return err
	}
	if err := e.store.setRestrictionHeight(info.Market, e.height()); err != nil {
		return err
	}

	e.metrics.liquidations.Inc()
	e.metrics.openInterest.Set(mustFloat(st.OpenInterestNotional))
	e.events.Liquidated(events.LiquidationEvent{
		Market:     p.Market,
		PositionID: p.ID,
		Trader:     p.Trader,
		Liquidator: liquidator,
		Fee:        totalFee.String(),
		BadDebt:    badDebt.String(),
		Timestamp:  time.Now().UTC(),
	})
	e.log.Info("position liquidated",
		"positionID", p.ID, "market", p.Market, "trader", p.Trader,
		"liquidator", liquidator, "fee", totalFee.String(), "badDebt", badDebt.String())
	return nil
}

// finalizePartialLiquidation shrinks the position like a partial close, then
// charges the liquidation fee on the closed notional out of the remaining
// margin, splitting it between the liquidator and the insurance fund.
func (e *Engine) finalizePartialLiquidation(ctx context.Context, info *swapInfo, reply SwapReply) error {
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	st, err := e.store.readState()
	if err != nil {
		return err
	}
	p, err := e.store.readPosition(marketKey(info.Market), info.PositionID)
	if err != nil {
		return err
	}
	latest, err := e.latestPremiumFraction(info.Market)
	if err != nil {
		return err
	}
	liquidator, err := e.store.takeLiquidator()
	if err != nil {
		return err
	}

	next, realized, err := e.shrinkPosition(p, info, reply, latest, cfg)
	if err != nil {
		return err
	}

	totalFee, err := num.MulDiv(reply.QuoteDelta, cfg.LiquidationFee, cfg.Decimals)
	if err != nil {
		return err
	}
	feeToLiquidator, err := totalFee.Div(num.NewUint(2))
	if err != nil {
		return err
	}
	feeToInsurance := totalFee.SaturatingSub(feeToLiquidator)

	next.Margin = next.Margin.SaturatingSub(totalFee)
	if err := e.withdraw(ctx, cfg, st, liquidator, feeToLiquidator); err != nil {
		return err
	}
	if err := e.withdraw(ctx, cfg, st, cfg.InsuranceFund, feeToInsurance); err != nil {
		return err
	}

	st.OpenInterestNotional = st.OpenInterestNotional.SaturatingSub(reply.QuoteDelta)
	if err := e.store.writeState(st); err != nil {
		return err
	}
	if err := e.store.writePosition(next); err != nil {
		return err
	}
	if err := e.store.setRestrictionHeight(info.Market, e.height()); err != nil {
		return err
	}

	e.metrics.partialLiquidations.Inc()
	e.metrics.openInterest.Set(mustFloat(st.OpenInterestNotional))
	e.events.Liquidated(events.LiquidationEvent{
		Market:     next.Market,
		PositionID: next.ID,
		Trader:     next.Trader,
		Liquidator: liquidator,
		Partial:    true,
		Fee:        totalFee.String(),
		BadDebt:    "0",
		Timestamp:  time.Now().UTC(),
	})
	e.log.Info("position partially liquidated",
		"positionID", next.ID, "market", next.Market, "trader", next.Trader,
		"liquidator", liquidator, "realizedPnl", realized.String(),
		"remainingSize", next.Size.String())
	return nil
}

// realizedPnl is the signed PnL a close fill realizes against the recorded
// open notional: a long banks exit minus entry, a short the mirror.
func realizedPnl(size num.Int, exitNotional, openNotional num.Uint) (num.Int, error) {
	pnl, err := num.PosInt(exitNotional).Sub(num.PosInt(openNotional))
	if err != nil {
		return num.ZeroInt(), err
	}
	if size.IsNegative() {
		pnl = pnl.Neg()
	}
	return pnl, nil
}

// shrinkPosition applies a partial close fill to the position: the filled
// base shrinks the size, a proportional share of the initiate-time unrealized
// PnL is realized into margin, and the open notional is recomputed so the
// remaining exposure carries the unrealized remainder.
func (e *Engine) shrinkPosition(p *Position, info *swapInfo, reply SwapReply, latest num.Int, cfg *Config) (*Position, num.Int, error) {
	realized, err := info.UnrealizedPnl.MulUint(reply.BaseDelta)
	if err != nil {
		return nil, num.ZeroInt(), err
	}
	if realized, err = realized.DivUint(p.Size.Abs()); err != nil {
		return nil, num.ZeroInt(), err
	}
	unrealizedAfter, err := info.UnrealizedPnl.Sub(realized)
	if err != nil {
		return nil, num.ZeroInt(), err
	}

	remain, err := e.remainMarginWithFunding(p, latest, realized, cfg.Decimals)
	if err != nil {
		return nil, num.ZeroInt(), err
	}

	closed := num.PosInt(reply.BaseDelta)
	if p.Size.IsNegative() {
		closed = closed.Neg()
	}
	newSize, err := p.Size.Sub(closed)
	if err != nil {
		return nil, num.ZeroInt(), err
	}

	// remaining open notional: re-quoted notional net of the fill, minus
	// (long) or plus (short) the PnL still unrealized
	remainingNotional := num.PosInt(info.PositionNotional.SaturatingSub(reply.QuoteDelta))
	var newNotional num.Int
	if p.Size.IsNegative() {
		newNotional, err = remainingNotional.Add(unrealizedAfter)
	} else {
		newNotional, err = remainingNotional.Sub(unrealizedAfter)
	}
	if err != nil {
		return nil, num.ZeroInt(), err
	}
	if newNotional.IsNegative() {
		newNotional = num.ZeroInt()
	}

	next := *p
	next.Size = newSize
	next.Margin = remain.Margin
	next.Notional = newNotional.Abs()
	next.LastPremium = remain.LatestPremium
	next.BlockHeight = e.height()
	if !newSize.IsZero() && !reply.BaseDelta.IsZero() {
		if next.EntryPrice, err = num.MulDiv(next.Notional, cfg.Decimals, newSize.Abs()); err != nil {
			return nil, num.ZeroInt(), err
		}
	}
	return &next, realized, nil
}

// payFees routes already-computed fee amounts from the engine's own balance:
// spread to the insurance fund, toll to the fee pool. Used on close paths
// where fees come out of held margin rather than the trader's wallet.
func (e *Engine) payFees(ctx context.Context, cfg *Config, st *State, spread, toll num.Uint) error {
	if !spread.IsZero() {
		if err := e.withdraw(ctx, cfg, st, cfg.InsuranceFund, spread); err != nil {
			return fmt.Errorf("pay spread fee: %w", err)
		}
	}
	if !toll.IsZero() {
		if err := e.withdraw(ctx, cfg, st, cfg.FeePool, toll); err != nil {
			return fmt.Errorf("pay toll fee: %w", err)
		}
	}
	return nil
}

// zeroPosition commits the closed form of a position, keeping it addressable
// by id with all exposure fields zeroed.
func (e *Engine) zeroPosition(p *Position, latest num.Int) error {
	p.Size = num.ZeroInt()
	p.Margin = num.ZeroUint()
	p.Notional = num.ZeroUint()
	p.TakeProfit = num.ZeroUint()
	p.StopLoss = num.ZeroUint()
	p.LastPremium = latest
	p.BlockHeight = e.height()
	return e.store.writePosition(p)
}
