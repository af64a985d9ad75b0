package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/margined/perp/pkg/events"
	"github.com/margined/perp/pkg/num"
)

// PayFunding asks the market to settle its funding interval. The resulting
// premium fraction arrives through HandleFundingReply; a staged record keeps
// concurrent settlements and swaps from interleaving.
func (e *Engine) PayFunding(ctx context.Context, market string) error {
	if err := e.requireNotPaused(); err != nil {
		return err
	}
	mkt, err := e.gateway(ctx, market)
	if err != nil {
		return err
	}
	if err := e.store.stageTmpSwap(&swapInfo{
		Kind:   ReplyPayFunding,
		Market: market,
	}); err != nil {
		return err
	}
	if err := mkt.SettleFunding(ctx); err != nil {
		_ = e.store.dropTmpSwap()
		return fmt.Errorf("%w: %v", ErrExternalCall, err)
	}
	return nil
}

// HandleFundingReply appends the settled premium fraction to the market's
// cumulative series. Positions do not settle here; each folds the premium
// delta in lazily the next time its margin is touched.
func (e *Engine) HandleFundingReply(ctx context.Context, market string, premiumFraction num.Int) error {
	info, err := e.store.readTmpSwap()
	if err != nil {
		return err
	}
	if info.Kind != ReplyPayFunding || info.Market != market {
		return ErrReplyMismatch
	}
	if err := e.store.dropTmpSwap(); err != nil {
		return err
	}
	if err := e.store.appendPremiumFraction(market, premiumFraction); err != nil {
		return err
	}
	e.metrics.fundingSettlements.Inc()
	e.events.FundingPaid(events.FundingEvent{
		Market:          market,
		PremiumFraction: premiumFraction.String(),
		Timestamp:       time.Now().UTC(),
	})
	e.log.Info("funding settled", "market", market, "premiumFraction", premiumFraction.String())
	return nil
}
