package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/margined/perp/pkg/events"
	"github.com/margined/perp/pkg/num"
)

// OpenPositionParams carries the trader's open request.
type OpenPositionParams struct {
	Market         string
	Side           Side
	MarginAmount   num.Uint
	Leverage       num.Uint // decimals-scaled, 1x == Decimals
	TakeProfit     num.Uint
	StopLoss       num.Uint // zero means unset
	BaseAssetLimit num.Uint
}

// OpenPosition validates the request, allocates a position id, stages the
// continuation record and asks the market for the opening swap. Nothing is
// committed to the position store until the swap reply is finalized; the
// returned id identifies the position the reply will fill.
func (e *Engine) OpenPosition(ctx context.Context, trader string, p OpenPositionParams) (uint64, error) {
	if err := e.requireNotPaused(); err != nil {
		return 0, err
	}
	cfg, err := e.store.readConfig()
	if err != nil {
		return 0, err
	}
	mkt, err := e.gateway(ctx, p.Market)
	if err != nil {
		return 0, err
	}
	if err := e.requireNotRestricted(p.Market); err != nil {
		return 0, err
	}
	if err := requireNonZero("margin amount", p.MarginAmount); err != nil {
		return 0, err
	}
	if err := requireNonZero("leverage", p.Leverage); err != nil {
		return 0, err
	}
	if err := requireNonZero("take profit", p.TakeProfit); err != nil {
		return 0, err
	}
	if p.Leverage.LT(cfg.Decimals) {
		return 0, ErrLeverageTooLow
	}

	openNotional, err := num.MulDiv(p.MarginAmount, p.Leverage, cfg.Decimals)
	if err != nil {
		return 0, err
	}

	entryPrice, err := mkt.InputPrice(ctx, sideToDirection(p.Side), openNotional)
	if err != nil {
		return 0, fmt.Errorf("quote entry price: %w", err)
	}
	if err := validateTpSl(p.Side, entryPrice, p.TakeProfit, p.StopLoss, true); err != nil {
		return 0, err
	}

	// margin ratio implied by the leverage: decimals^2 / leverage
	impliedRatio, err := num.MulDiv(cfg.Decimals, cfg.Decimals, p.Leverage)
	if err != nil {
		return 0, err
	}
	if impliedRatio.LT(cfg.InitialMarginRatio) {
		return 0, ErrInsufficientMargin
	}

	mktCfg, err := mkt.Config(ctx)
	if err != nil {
		return 0, fmt.Errorf("query market config: %w", err)
	}

	positionID, err := e.store.nextPositionID()
	if err != nil {
		return 0, err
	}

	if err := e.store.stageTmpSwap(&swapInfo{
		Kind:         ReplyIncreasePosition,
		PositionID:   positionID,
		Market:       p.Market,
		Pair:         mktCfg.BaseAsset + "/" + mktCfg.QuoteAsset,
		Trader:       trader,
		Side:         p.Side,
		MarginAmount: p.MarginAmount,
		Leverage:     p.Leverage,
		OpenNotional: openNotional,
		TakeProfit:   p.TakeProfit,
		StopLoss:     p.StopLoss,
	}); err != nil {
		return 0, err
	}

	if err := mkt.SwapInput(ctx, SwapInputRequest{
		Direction:      sideToDirection(p.Side),
		PositionID:     positionID,
		QuoteAmount:    openNotional,
		BaseAssetLimit: p.BaseAssetLimit,
	}); err != nil {
		_ = e.store.dropTmpSwap()
		return 0, fmt.Errorf("%w: %v", ErrExternalCall, err)
	}

	e.log.Info("open position requested",
		"positionID", positionID, "market", p.Market, "trader", trader,
		"side", p.Side.String(), "margin", p.MarginAmount.String(),
		"leverage", p.Leverage.String(), "notional", openNotional.String())
	return positionID, nil
}

// validateTpSl enforces the side-dependent ordering of take-profit and
// stop-loss around the entry price. requireTp distinguishes open (TP is
// mandatory) from partial updates.
func validateTpSl(side Side, entryPrice, takeProfit, stopLoss num.Uint, requireTp bool) error {
	switch side {
	case Buy:
		if requireTp || !takeProfit.IsZero() {
			if takeProfit.LTE(entryPrice) {
				return ErrTakeProfitTooLow
			}
		}
		if !stopLoss.IsZero() && stopLoss.GT(entryPrice) {
			return ErrStopLossTooHigh
		}
	case Sell:
		if requireTp || !takeProfit.IsZero() {
			if takeProfit.GTE(entryPrice) {
				return ErrTakeProfitTooHigh
			}
		}
		if !stopLoss.IsZero() && stopLoss.LT(entryPrice) {
			return ErrStopLossTooLow
		}
	}
	return nil
}

// UpdateTakeProfitStopLoss rewrites one or both trigger prices on an open
// position. Pure store mutation; no market call.
func (e *Engine) UpdateTakeProfitStopLoss(ctx context.Context, trader, market string, positionID uint64, takeProfit, stopLoss num.Uint) error {
	if err := e.requireNotPaused(); err != nil {
		return err
	}
	p, err := e.store.readPosition(marketKey(market), positionID)
	if err != nil {
		return err
	}
	if p.IsZero() {
		return ErrPositionZero
	}
	if p.Trader != trader {
		return ErrUnauthorized
	}
	if takeProfit.IsZero() && stopLoss.IsZero() {
		return ErrTpSlNotSet
	}
	if err := validateTpSl(p.Side, p.EntryPrice, takeProfit, stopLoss, false); err != nil {
		return err
	}
	if !takeProfit.IsZero() {
		p.TakeProfit = takeProfit
	}
	if !stopLoss.IsZero() {
		p.StopLoss = stopLoss
	}
	if err := e.store.writePosition(p); err != nil {
		return err
	}
	e.events.PositionChanged(e.positionEvent("update_tp_sl", p))
	return nil
}

// ClosePosition requests a full close, or a partial close when the market
// reports the full size would breach its fluctuation limit and partial
// closes are enabled (partial_liquidation_ratio < 1).
func (e *Engine) ClosePosition(ctx context.Context, trader, market string, positionID uint64, quoteAssetLimit num.Uint) error {
	p, err := e.store.readPosition(marketKey(market), positionID)
	if err != nil {
		return err
	}
	if p.Trader != trader {
		return ErrUnauthorized
	}
	if err := e.requireNotPaused(); err != nil {
		return err
	}
	if p.IsZero() {
		return ErrPositionZero
	}
	if err := e.requireNotRestricted(market); err != nil {
		return err
	}
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	mkt, err := e.gateway(ctx, market)
	if err != nil {
		return err
	}

	overLimit, err := mkt.IsOverFluctuationLimit(ctx, RemoveFromAmm, p.Size.Abs())
	if err != nil {
		return fmt.Errorf("query fluctuation limit: %w", err)
	}

	if overLimit && cfg.PartialLiquidationRatio.LT(cfg.Decimals) {
		return e.partialClose(ctx, mkt, cfg, p)
	}
	return e.requestFullClose(ctx, mkt, p, quoteAssetLimit, ReplyClosePosition)
}

// partialClose stages a fluctuation-capped close of partial_liquidation_ratio
// of the size, swapped by exact notional so it may exceed the limit.
func (e *Engine) partialClose(ctx context.Context, mkt Market, cfg *Config, p *Position) error {
	partialSize, err := num.MulDiv(p.Size.Abs(), cfg.PartialLiquidationRatio, cfg.Decimals)
	if err != nil {
		return err
	}
	// closing a long pushes base into the market, closing a short pulls it out
	baseDir := AddToAmm
	if p.Size.IsNegative() {
		baseDir = RemoveFromAmm
	}
	partialNotional, err := mkt.OutputAmount(ctx, baseDir, partialSize)
	if err != nil {
		return fmt.Errorf("quote partial close notional: %w", err)
	}
	quote, err := e.positionNotionalUnrealizedPnl(ctx, mkt, cfg, p, PnlSpotPrice)
	if err != nil {
		return err
	}

	side := positionToSide(p.Size)
	if err := e.store.stageTmpSwap(&swapInfo{
		Kind:             ReplyPartialClosePosition,
		PositionID:       p.ID,
		Market:           p.Market,
		Pair:             p.Pair,
		Trader:           p.Trader,
		Side:             side,
		MarginAmount:     p.Size.Abs(),
		Leverage:         cfg.Decimals,
		OpenNotional:     partialNotional,
		PositionNotional: quote.PositionNotional,
		UnrealizedPnl:    quote.UnrealizedPnl,
		TakeProfit:       p.TakeProfit,
		StopLoss:         p.StopLoss,
	}); err != nil {
		return err
	}

	if err := mkt.SwapInput(ctx, SwapInputRequest{
		Direction:            sideToDirection(side),
		PositionID:           p.ID,
		QuoteAmount:          partialNotional,
		CanExceedFluctuation: true,
	}); err != nil {
		_ = e.store.dropTmpSwap()
		return fmt.Errorf("%w: %v", ErrExternalCall, err)
	}
	e.metrics.partialCloses.Inc()
	return nil
}

// requestFullClose stages the continuation and asks for a size-exact swap
// bounded by quoteAssetLimit. Shared by close, TP/SL trigger and full
// liquidation, distinguished by kind.
func (e *Engine) requestFullClose(ctx context.Context, mkt Market, p *Position, quoteAssetLimit num.Uint, kind ReplyKind) error {
	side := directionToSide(p.Direction)
	if err := e.store.stageTmpSwap(&swapInfo{
		Kind:         kind,
		PositionID:   p.ID,
		Market:       p.Market,
		Pair:         p.Pair,
		Trader:       p.Trader,
		Side:         side,
		MarginAmount: p.Size.Abs(),
		OpenNotional: p.Notional,
		TakeProfit:   p.TakeProfit,
		StopLoss:     p.StopLoss,
	}); err != nil {
		return err
	}
	if err := mkt.SwapOutput(ctx, SwapOutputRequest{
		Direction:       sideToDirection(side),
		PositionID:      p.ID,
		BaseAmount:      p.Size.Abs(),
		QuoteAssetLimit: quoteAssetLimit,
	}); err != nil {
		_ = e.store.dropTmpSwap()
		return fmt.Errorf("%w: %v", ErrExternalCall, err)
	}
	return nil
}

// TriggerTakeProfitStopLoss closes a position whose spot price has crossed,
// or come within the configured spread of, its take-profit or stop-loss.
// Callable by anyone; keepers race to trigger and the position owner needs no
// say. Fails with ErrTpSlNotReached when neither trigger condition holds.
func (e *Engine) TriggerTakeProfitStopLoss(ctx context.Context, market string, positionID uint64, quoteAssetLimit num.Uint) error {
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

	spot, err := mkt.SpotPrice(ctx)
	if err != nil {
		return fmt.Errorf("query spot price: %w", err)
	}
	tpSpread, err := num.MulDiv(p.TakeProfit, cfg.TpSlSpread, cfg.Decimals)
	if err != nil {
		return err
	}
	slSpread, err := num.MulDiv(p.StopLoss, cfg.TpSlSpread, cfg.Decimals)
	if err != nil {
		return err
	}

	action, ok := tpSlTriggered(p.Side, spot, p.TakeProfit, p.StopLoss, tpSpread, slSpread)
	if !ok {
		return ErrTpSlNotReached
	}
	if err := e.requestFullClose(ctx, mkt, p, quoteAssetLimit, ReplyClosePosition); err != nil {
		return err
	}
	e.log.Info("tp/sl trigger requested",
		"action", action, "positionID", positionID, "market", market, "spot", spot.String())
	return nil
}

// tpSlTriggered evaluates the side-dependent trigger conditions: the spot
// price crossed the trigger level, or sits within its spread band. The
// stop-loss band only arms when a stop-loss is set.
func tpSlTriggered(side Side, spot, takeProfit, stopLoss, tpSpread, slSpread num.Uint) (string, bool) {
	switch side {
	case Buy:
		if spot.GT(takeProfit) || takeProfit.AbsDiff(spot).LTE(tpSpread) {
			return "trigger_take_profit", true
		}
		if stopLoss.GT(spot) || (!stopLoss.IsZero() && spot.AbsDiff(stopLoss).LTE(slSpread)) {
			return "trigger_stop_loss", true
		}
	case Sell:
		if takeProfit.GT(spot) || spot.AbsDiff(takeProfit).LTE(tpSpread) {
			return "trigger_take_profit", true
		}
		if (!stopLoss.IsZero() && spot.GT(stopLoss)) || (!stopLoss.IsZero() && stopLoss.AbsDiff(spot).LTE(slSpread)) {
			return "trigger_stop_loss", true
		}
	}
	return "", false
}

// DepositMargin pulls collateral from the trader and adds it to the
// position's margin. Funding is not folded in here; it settles lazily on the
// next margin-affecting read.
func (e *Engine) DepositMargin(ctx context.Context, trader, market string, positionID uint64, amount num.Uint) error {
	if err := e.requireNotPaused(); err != nil {
		return err
	}
	if err := requireNonZero("deposit amount", amount); err != nil {
		return err
	}
	p, err := e.store.readPosition(marketKey(market), positionID)
	if err != nil {
		return err
	}
	if p.Trader != trader {
		return ErrUnauthorized
	}
	if err := e.bank.Transfer(ctx, trader, e.addr, amount); err != nil {
		return fmt.Errorf("pull deposit: %w", err)
	}
	if p.Margin, err = p.Margin.Add(amount); err != nil {
		return err
	}
	if err := e.store.writePosition(p); err != nil {
		return err
	}
	e.events.PositionChanged(e.positionEvent("deposit", p))
	e.log.Info("margin deposited",
		"positionID", positionID, "trader", trader, "amount", amount.String())
	return nil
}

// WithdrawMargin releases free collateral back to the trader. The withdrawal
// is rejected outright if folding it into margin-after-funding would create
// bad debt, and again if it exceeds the position's free collateral.
func (e *Engine) WithdrawMargin(ctx context.Context, trader, market string, positionID uint64, amount num.Uint) error {
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	mkt, err := e.gateway(ctx, market)
	if err != nil {
		return err
	}
	st, err := e.store.readState()
	if err != nil {
		return err
	}
	if st.Pause {
		return ErrPaused
	}
	if err := requireNonZero("withdrawal amount", amount); err != nil {
		return err
	}
	p, err := e.store.readPosition(marketKey(market), positionID)
	if err != nil {
		return err
	}
	if p.Trader != trader {
		return ErrUnauthorized
	}

	latest, err := e.latestPremiumFraction(market)
	if err != nil {
		return err
	}
	remain, err := e.remainMarginWithFunding(p, latest, num.NegInt(amount), cfg.Decimals)
	if err != nil {
		return err
	}
	if !remain.BadDebt.IsZero() {
		return ErrBadDebt
	}

	free, err := e.freeCollateralOf(ctx, mkt, cfg, p, latest)
	if err != nil {
		return err
	}
	afterWithdrawal, err := free.Sub(num.PosInt(amount))
	if err != nil {
		return err
	}
	if afterWithdrawal.IsNegative() {
		return ErrInsufficientCollateral
	}

	if err := e.withdraw(ctx, cfg, st, trader, amount); err != nil {
		return err
	}

	p.Margin = remain.Margin
	p.LastPremium = remain.LatestPremium
	if err := e.store.writePosition(p); err != nil {
		return err
	}
	if err := e.store.writeState(st); err != nil {
		return err
	}
	e.events.PositionChanged(e.positionEvent("withdraw", p))
	e.log.Info("margin withdrawn",
		"positionID", positionID, "trader", trader, "amount", amount.String())
	return nil
}

func (e *Engine) positionEvent(action string, p *Position) events.PositionEvent {
	return events.PositionEvent{
		Action:     action,
		Market:     p.Market,
		Pair:       p.Pair,
		PositionID: p.ID,
		Trader:     p.Trader,
		Side:       p.Side.String(),
		Size:       p.Size.String(),
		Margin:     p.Margin.String(),
		Notional:   p.Notional.String(),
		EntryPrice: p.EntryPrice.String(),
		Timestamp:  time.Now().UTC(),
	}
}
