// Package vamm is a virtual constant-product market: a price curve with no
// physical liquidity. Swaps move the reserves, the reserves quote the price,
// and fills are delivered to the engine as queued replies so the initiate and
// finalize phases of a position change never share a call stack.
package vamm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/margined/perp/pkg/engine"
	"github.com/margined/perp/pkg/num"
)

// Oracle supplies the external index price for the pair.
type Oracle interface {
	Price(ctx context.Context) (num.Uint, error)
}

// OracleFunc adapts a bare function to Oracle.
type OracleFunc func(ctx context.Context) (num.Uint, error)

func (f OracleFunc) Price(ctx context.Context) (num.Uint, error) { return f(ctx) }

// Sink receives the market's asynchronous results. *engine.Engine satisfies
// it.
type Sink interface {
	HandleSwapReply(ctx context.Context, reply engine.SwapReply) error
	HandleFundingReply(ctx context.Context, market string, premiumFraction num.Int) error
}

// Config fixes a market's curve and limits at construction.
type Config struct {
	Name                  string
	BaseAsset             string
	QuoteAsset            string
	Decimals              num.Uint
	QuoteReserve          num.Uint
	BaseReserve           num.Uint
	TollRatio             num.Uint // fee to the fee pool
	SpreadRatio           num.Uint // fee to the insurance fund
	FluctuationLimitRatio num.Uint // max price move per swap, zero disables
	SpreadLimitRatio      num.Uint // max divergence from oracle, zero disables
	FundingPeriod         time.Duration
	TwapWindow            time.Duration
}

func (c Config) validate() error {
	if c.Name == "" || c.BaseAsset == "" || c.QuoteAsset == "" {
		return fmt.Errorf("vamm: name and assets are required")
	}
	if c.Decimals.IsZero() {
		return fmt.Errorf("vamm: decimals must be non-zero")
	}
	if c.QuoteReserve.IsZero() || c.BaseReserve.IsZero() {
		return fmt.Errorf("vamm: reserves must be non-zero")
	}
	if c.TwapWindow <= 0 {
		return fmt.Errorf("vamm: twap window must be positive")
	}
	return nil
}

// snapshot is one reserve observation, appended after every swap.
type snapshot struct {
	quote num.Uint
	base  num.Uint
	at    time.Time
}

// AMM is one virtual market. All methods are safe for concurrent use; the
// reply queue preserves swap order.
type AMM struct {
	mu      sync.Mutex
	cfg     Config
	log     log.Logger
	oracle  Oracle
	now     func() time.Time
	quote   num.Uint
	base    num.Uint
	history []snapshot

	replies     []engine.SwapReply
	fundingDue  []num.Int
	lastFunding time.Time
}

// New builds a market at its initial reserves.
func New(cfg Config, oracle Oracle, logger log.Logger) (*AMM, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if oracle == nil {
		return nil, fmt.Errorf("vamm: oracle is required")
	}
	a := &AMM{
		cfg:    cfg,
		log:    logger,
		oracle: oracle,
		now:    time.Now,
		quote:  cfg.QuoteReserve,
		base:   cfg.BaseReserve,
	}
	a.history = []snapshot{{quote: a.quote, base: a.base, at: a.now()}}
	a.lastFunding = a.now()
	return a, nil
}

// Name returns the market identity the engine addresses this AMM by.
func (a *AMM) Name() string { return a.cfg.Name }

func (a *AMM) Config(ctx context.Context) (engine.MarketConfig, error) {
	return engine.MarketConfig{
		BaseAsset:  a.cfg.BaseAsset,
		QuoteAsset: a.cfg.QuoteAsset,
		Decimals:   a.cfg.Decimals,
	}, nil
}

// SpotPrice is quoteReserve/baseReserve at the configured scale.
func (a *AMM) SpotPrice(ctx context.Context) (num.Uint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return spotOf(a.quote, a.base, a.cfg.Decimals)
}

func spotOf(quote, base, decimals num.Uint) (num.Uint, error) {
	return num.MulDiv(quote, decimals, base)
}

func (a *AMM) OraclePrice(ctx context.Context) (num.Uint, error) {
	return a.oracle.Price(ctx)
}

// InputPrice quotes the average fill price of swapping quoteAmount, without
// committing the swap.
func (a *AMM) InputPrice(ctx context.Context, dir engine.Direction, quoteAmount num.Uint) (num.Uint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	baseOut, err := inputAmount(a.quote, a.base, dir, quoteAmount)
	if err != nil {
		return num.ZeroUint(), err
	}
	if baseOut.IsZero() {
		return num.ZeroUint(), fmt.Errorf("vamm: swap of %s yields no base", quoteAmount.String())
	}
	return num.MulDiv(quoteAmount, a.cfg.Decimals, baseOut)
}

// OutputAmount quotes the quote proceeds of swapping baseAmount at the
// current reserves.
func (a *AMM) OutputAmount(ctx context.Context, dir engine.Direction, baseAmount num.Uint) (num.Uint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return outputAmount(a.quote, a.base, dir, baseAmount)
}

// OutputTwap quotes baseAmount against each reserve snapshot inside the TWAP
// window and time-weights the results.
func (a *AMM) OutputTwap(ctx context.Context, dir engine.Direction, baseAmount num.Uint) (num.Uint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.twapLocked(func(s snapshot) (num.Uint, error) {
		return outputAmount(s.quote, s.base, dir, baseAmount)
	})
}

// inputAmount is the base-asset delta of swapping an exact quote amount:
// AddToAmm pays quote in and takes base out, RemoveFromAmm the reverse.
func inputAmount(quote, base num.Uint, dir engine.Direction, quoteAmount num.Uint) (num.Uint, error) {
	return swapDelta(quote, base, dir == engine.AddToAmm, quoteAmount)
}

// outputAmount is the quote-asset delta of swapping an exact base amount:
// AddToAmm pays base in and takes quote out, RemoveFromAmm the reverse.
func outputAmount(quote, base num.Uint, dir engine.Direction, baseAmount num.Uint) (num.Uint, error) {
	return swapDelta(base, quote, dir == engine.AddToAmm, baseAmount)
}

// swapDelta solves the constant product for the counter-asset delta when
// `amount` of the driving asset is added (add=true) or removed from its
// reserve.
func swapDelta(drive, counter num.Uint, add bool, amount num.Uint) (num.Uint, error) {
	if amount.IsZero() {
		return num.ZeroUint(), nil
	}
	k, err := drive.Mul(counter)
	if err != nil {
		return num.ZeroUint(), err
	}
	var next num.Uint
	if add {
		if next, err = drive.Add(amount); err != nil {
			return num.ZeroUint(), err
		}
	} else {
		if next, err = drive.Sub(amount); err != nil {
			return num.ZeroUint(), fmt.Errorf("vamm: swap drains reserve: %w", err)
		}
		if next.IsZero() {
			return num.ZeroUint(), fmt.Errorf("vamm: swap drains reserve")
		}
	}
	after, err := k.Div(next)
	if err != nil {
		return num.ZeroUint(), err
	}
	return counter.AbsDiff(after), nil
}

// CalcFee splits the configured spread and toll ratios over a notional.
func (a *AMM) CalcFee(ctx context.Context, notional num.Uint) (num.Uint, num.Uint, error) {
	spread, err := num.MulDiv(notional, a.cfg.SpreadRatio, a.cfg.Decimals)
	if err != nil {
		return num.ZeroUint(), num.ZeroUint(), err
	}
	toll, err := num.MulDiv(notional, a.cfg.TollRatio, a.cfg.Decimals)
	if err != nil {
		return num.ZeroUint(), num.ZeroUint(), err
	}
	return spread, toll, nil
}

// IsOverSpreadLimit reports whether spot has diverged from the oracle past
// the configured ratio.
func (a *AMM) IsOverSpreadLimit(ctx context.Context) (bool, error) {
	if a.cfg.SpreadLimitRatio.IsZero() {
		return false, nil
	}
	oracle, err := a.oracle.Price(ctx)
	if err != nil {
		return false, fmt.Errorf("vamm: oracle price: %w", err)
	}
	if oracle.IsZero() {
		return false, nil
	}
	spot, err := a.SpotPrice(ctx)
	if err != nil {
		return false, err
	}
	divergence, err := num.MulDiv(spot.AbsDiff(oracle), a.cfg.Decimals, oracle)
	if err != nil {
		return false, err
	}
	return divergence.GT(a.cfg.SpreadLimitRatio), nil
}

// IsOverFluctuationLimit reports whether swapping `size` base would move the
// price past the per-swap fluctuation ratio, measured from the last snapshot.
func (a *AMM) IsOverFluctuationLimit(ctx context.Context, dir engine.Direction, size num.Uint) (bool, error) {
	if a.cfg.FluctuationLimitRatio.IsZero() {
		return false, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	quoteDelta, err := outputAmount(a.quote, a.base, dir, size)
	if err != nil {
		return false, err
	}
	nextQuote, nextBase, err := applySwapBase(a.quote, a.base, dir, size, quoteDelta)
	if err != nil {
		return false, err
	}
	return a.fluctuationExceededLocked(nextQuote, nextBase)
}

func (a *AMM) fluctuationExceededLocked(nextQuote, nextBase num.Uint) (bool, error) {
	// Zero ratio disables the limit.
	if a.cfg.FluctuationLimitRatio.IsZero() {
		return false, nil
	}
	ref := a.history[len(a.history)-1]
	refPrice, err := spotOf(ref.quote, ref.base, a.cfg.Decimals)
	if err != nil {
		return false, err
	}
	nextPrice, err := spotOf(nextQuote, nextBase, a.cfg.Decimals)
	if err != nil {
		return false, err
	}
	if refPrice.IsZero() {
		return false, nil
	}
	move, err := num.MulDiv(nextPrice.AbsDiff(refPrice), a.cfg.Decimals, refPrice)
	if err != nil {
		return false, err
	}
	return move.GT(a.cfg.FluctuationLimitRatio), nil
}

// applySwapBase moves the reserves for a base-driven swap.
func applySwapBase(quote, base num.Uint, dir engine.Direction, baseAmount, quoteDelta num.Uint) (num.Uint, num.Uint, error) {
	if dir == engine.AddToAmm {
		nb, err := base.Add(baseAmount)
		if err != nil {
			return num.ZeroUint(), num.ZeroUint(), err
		}
		nq, err := quote.Sub(quoteDelta)
		if err != nil {
			return num.ZeroUint(), num.ZeroUint(), err
		}
		return nq, nb, nil
	}
	nb, err := base.Sub(baseAmount)
	if err != nil {
		return num.ZeroUint(), num.ZeroUint(), err
	}
	nq, err := quote.Add(quoteDelta)
	if err != nil {
		return num.ZeroUint(), num.ZeroUint(), err
	}
	return nq, nb, nil
}

// applySwapQuote moves the reserves for a quote-driven swap.
func applySwapQuote(quote, base num.Uint, dir engine.Direction, quoteAmount, baseDelta num.Uint) (num.Uint, num.Uint, error) {
	if dir == engine.AddToAmm {
		nq, err := quote.Add(quoteAmount)
		if err != nil {
			return num.ZeroUint(), num.ZeroUint(), err
		}
		nb, err := base.Sub(baseDelta)
		if err != nil {
			return num.ZeroUint(), num.ZeroUint(), err
		}
		return nq, nb, nil
	}
	nq, err := quote.Sub(quoteAmount)
	if err != nil {
		return num.ZeroUint(), num.ZeroUint(), err
	}
	nb, err := base.Add(baseDelta)
	if err != nil {
		return num.ZeroUint(), num.ZeroUint(), err
	}
	return nq, nb, nil
}

// SwapInput executes an exact-quote swap and queues its reply. The fill is
// rejected into the reply, never as a synchronous error, once basic argument
// checks pass.
func (a *AMM) SwapInput(ctx context.Context, req engine.SwapInputRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	reply := engine.SwapReply{Market: a.cfg.Name, PositionID: req.PositionID, QuoteDelta: req.QuoteAmount}
	baseDelta, err := inputAmount(a.quote, a.base, req.Direction, req.QuoteAmount)
	if err == nil && !req.BaseAssetLimit.IsZero() {
		// AddToAmm pays quote for base: the base received must reach the
		// limit. RemoveFromAmm gives up base: it must not exceed it.
		err = checkSlippage(req.Direction != engine.AddToAmm, baseDelta, req.BaseAssetLimit)
	}
	var nq, nb num.Uint
	if err == nil {
		if nq, nb, err = applySwapQuote(a.quote, a.base, req.Direction, req.QuoteAmount, baseDelta); err == nil && !req.CanExceedFluctuation {
			var over bool
			if over, err = a.fluctuationExceededLocked(nq, nb); err == nil && over {
				err = fmt.Errorf("vamm: fluctuation limit exceeded")
			}
		}
	}

	if err != nil {
		reply.Err = err
	} else {
		reply.BaseDelta = baseDelta
		a.commitLocked(nq, nb)
	}
	a.replies = append(a.replies, reply)
	return nil
}

// SwapOutput executes an exact-base swap and queues its reply.
func (a *AMM) SwapOutput(ctx context.Context, req engine.SwapOutputRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	reply := engine.SwapReply{Market: a.cfg.Name, PositionID: req.PositionID, BaseDelta: req.BaseAmount}
	quoteDelta, err := outputAmount(a.quote, a.base, req.Direction, req.BaseAmount)
	if err == nil && !req.QuoteAssetLimit.IsZero() {
		// AddToAmm sells base: the quote proceeds must reach the limit.
		// RemoveFromAmm buys base back: the quote paid must not exceed it.
		err = checkSlippage(req.Direction != engine.AddToAmm, quoteDelta, req.QuoteAssetLimit)
	}
	var nq, nb num.Uint
	if err == nil {
		nq, nb, err = applySwapBase(a.quote, a.base, req.Direction, req.BaseAmount, quoteDelta)
	}

	if err != nil {
		reply.Err = err
	} else {
		reply.QuoteDelta = quoteDelta
		a.commitLocked(nq, nb)
	}
	a.replies = append(a.replies, reply)
	return nil
}

// checkSlippage enforces a fill bound: ceilinged when the amount is paid,
// floored when it is received.
func checkSlippage(ceiling bool, amount, limit num.Uint) error {
	if ceiling && amount.GT(limit) {
		return fmt.Errorf("vamm: fill %s exceeds limit %s", amount.String(), limit.String())
	}
	if !ceiling && amount.LT(limit) {
		return fmt.Errorf("vamm: fill %s below limit %s", amount.String(), limit.String())
	}
	return nil
}

func (a *AMM) commitLocked(quote, base num.Uint) {
	a.quote = quote
	a.base = base
	a.history = append(a.history, snapshot{quote: quote, base: base, at: a.now()})
	a.pruneLocked()
}

// pruneLocked drops snapshots older than the TWAP window, always keeping one
// observation at or before the window edge.
func (a *AMM) pruneLocked() {
	cutoff := a.now().Add(-a.cfg.TwapWindow)
	first := 0
	for i, s := range a.history {
		if !s.at.After(cutoff) {
			first = i
		}
	}
	if first > 0 {
		a.history = a.history[first:]
	}
}

// twapLocked time-weights fn over the snapshots inside the TWAP window.
func (a *AMM) twapLocked(fn func(snapshot) (num.Uint, error)) (num.Uint, error) {
	nowT := a.now()
	cutoff := nowT.Add(-a.cfg.TwapWindow)

	weighted := num.ZeroUint()
	total := num.ZeroUint()
	end := nowT
	for i := len(a.history) - 1; i >= 0; i-- {
		s := a.history[i]
		start := s.at
		if start.Before(cutoff) {
			start = cutoff
		}
		span := end.Sub(start)
		if span > 0 {
			v, err := fn(s)
			if err != nil {
				return num.ZeroUint(), err
			}
			w := num.NewUint(uint64(span / time.Millisecond))
			wv, err := v.Mul(w)
			if err != nil {
				return num.ZeroUint(), err
			}
			if weighted, err = weighted.Add(wv); err != nil {
				return num.ZeroUint(), err
			}
			if total, err = total.Add(w); err != nil {
				return num.ZeroUint(), err
			}
		}
		if !s.at.After(cutoff) {
			break
		}
		end = s.at
	}
	if total.IsZero() {
		return fn(a.history[len(a.history)-1])
	}
	return weighted.Div(total)
}

// SpotTwap is the time-weighted spot price over the TWAP window.
func (a *AMM) SpotTwap(ctx context.Context) (num.Uint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.twapLocked(func(s snapshot) (num.Uint, error) {
		return spotOf(s.quote, s.base, a.cfg.Decimals)
	})
}

// SettleFunding computes the period's premium fraction, the mark/index TWAP
// gap prorated by funding period over a day, and queues it for delivery.
func (a *AMM) SettleFunding(ctx context.Context) error {
	oracle, err := a.oracle.Price(ctx)
	if err != nil {
		return fmt.Errorf("vamm: oracle price: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	mark, err := a.twapLocked(func(s snapshot) (num.Uint, error) {
		return spotOf(s.quote, s.base, a.cfg.Decimals)
	})
	if err != nil {
		return err
	}

	gap, err := num.PosInt(mark).Sub(num.PosInt(oracle))
	if err != nil {
		return err
	}
	period := a.cfg.FundingPeriod
	if period <= 0 {
		period = time.Hour
	}
	premium, err := gap.MulUint(num.NewUint(uint64(period / time.Second)))
	if err != nil {
		return err
	}
	if premium, err = premium.DivUint(num.NewUint(uint64(24 * time.Hour / time.Second))); err != nil {
		return err
	}

	a.fundingDue = append(a.fundingDue, premium)
	a.lastFunding = a.now()
	a.log.Info("funding premium computed",
		"market", a.cfg.Name, "mark", mark.String(), "index", oracle.String(),
		"premiumFraction", premium.String())
	return nil
}

// Flush delivers every queued swap and funding result to the sink in
// submission order. The host drives this after each initiate call, giving the
// engine its finalize phase on a fresh stack.
func (a *AMM) Flush(ctx context.Context, sink Sink) error {
	a.mu.Lock()
	replies := a.replies
	funding := a.fundingDue
	a.replies = nil
	a.fundingDue = nil
	a.mu.Unlock()

	for _, r := range replies {
		if err := sink.HandleSwapReply(ctx, r); err != nil {
			return fmt.Errorf("vamm: deliver swap reply for position %d: %w", r.PositionID, err)
		}
	}
	for _, p := range funding {
		if err := sink.HandleFundingReply(ctx, a.cfg.Name, p); err != nil {
			return fmt.Errorf("vamm: deliver funding reply: %w", err)
		}
	}
	return nil
}
