package engine

import (
	"fmt"

	"github.com/margined/perp/pkg/num"
)

// Side is the trader-facing side of a position.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Direction is the market-facing mirror of Side: a buy adds quote asset to
// the market, a sell removes it. The canonical representation of exposure is
// the signed position size; Side and Direction are derived at the boundary.
type Direction uint8

const (
	AddToAmm Direction = iota
	RemoveFromAmm
)

func (d Direction) String() string {
	if d == RemoveFromAmm {
		return "remove_from_amm"
	}
	return "add_to_amm"
}

func sideToDirection(s Side) Direction {
	if s == Buy {
		return AddToAmm
	}
	return RemoveFromAmm
}

func directionToSide(d Direction) Side {
	if d == AddToAmm {
		return Buy
	}
	return Sell
}

// positionToSide derives the closing side for a signed size: closing a long
// sells, closing a short buys.
func positionToSide(size num.Int) Side {
	if size.IsNegative() {
		return Buy
	}
	return Sell
}

// PnlCalcOption selects the price source used to re-quote a position.
type PnlCalcOption uint8

const (
	PnlSpotPrice PnlCalcOption = iota
	PnlTwap
	PnlOracle
)

func (o PnlCalcOption) String() string {
	switch o {
	case PnlTwap:
		return "twap"
	case PnlOracle:
		return "oracle"
	default:
		return "spot"
	}
}

// Position is a trader's open exposure on one market. A closed position is
// fully zeroed but never deleted; it stays addressable by id.
type Position struct {
	ID          uint64    `json:"id"`
	Market      string    `json:"market"`
	Pair        string    `json:"pair"`
	Trader      string    `json:"trader"`
	Side        Side      `json:"side"`
	Direction   Direction `json:"direction"`
	Size        num.Int   `json:"size"`
	Margin      num.Uint  `json:"margin"`
	Notional    num.Uint  `json:"notional"`
	EntryPrice  num.Uint  `json:"entry_price"`
	TakeProfit  num.Uint  `json:"take_profit"`
	StopLoss    num.Uint  `json:"stop_loss"` // zero means unset
	LastPremium num.Int   `json:"last_premium_fraction"`
	BlockHeight uint64    `json:"block_height"`
}

// IsZero reports whether the position is closed. The store keeps the
// size==0 <=> notional==0 <=> margin==0 invariant at every commit.
func (p *Position) IsZero() bool { return p.Size.IsZero() }

// Config is the engine's admin-mutable configuration. It is an explicit
// record persisted in the store, never ambient state.
type Config struct {
	Owner                   string   `json:"owner"`
	Pauser                  string   `json:"pauser"`
	InsuranceFund           string   `json:"insurance_fund"`
	FeePool                 string   `json:"fee_pool"`
	EligibleCollateral      string   `json:"eligible_collateral"`
	Decimals                num.Uint `json:"decimals"`
	InitialMarginRatio      num.Uint `json:"initial_margin_ratio"`
	MaintenanceMarginRatio  num.Uint `json:"maintenance_margin_ratio"`
	PartialLiquidationRatio num.Uint `json:"partial_liquidation_ratio"`
	TpSlSpread              num.Uint `json:"tp_sl_spread"`
	LiquidationFee          num.Uint `json:"liquidation_fee"`
}

// validate checks the ratio bounds that must hold on every config write.
func (c *Config) validate() error {
	if c.Decimals.IsZero() {
		return fmt.Errorf("%w: decimals must be non-zero", ErrInvalidInput)
	}
	for _, r := range []struct {
		name  string
		ratio num.Uint
	}{
		{"initial_margin_ratio", c.InitialMarginRatio},
		{"maintenance_margin_ratio", c.MaintenanceMarginRatio},
		{"partial_liquidation_ratio", c.PartialLiquidationRatio},
		{"tp_sl_spread", c.TpSlSpread},
		{"liquidation_fee", c.LiquidationFee},
	} {
		if r.ratio.GT(c.Decimals) {
			return fmt.Errorf("%w: %s exceeds 1.0", ErrInvalidInput, r.name)
		}
	}
	if c.InitialMarginRatio.LTE(c.MaintenanceMarginRatio) {
		return fmt.Errorf("%w: initial margin ratio must exceed maintenance margin ratio", ErrInvalidInput)
	}
	return nil
}

// ConfigUpdate carries optional field-wise changes applied by UpdateConfig.
type ConfigUpdate struct {
	Owner                   *string
	InsuranceFund           *string
	FeePool                 *string
	InitialMarginRatio      *num.Uint
	MaintenanceMarginRatio  *num.Uint
	PartialLiquidationRatio *num.Uint
	TpSlSpread              *num.Uint
	LiquidationFee          *num.Uint
}

// State is the engine's global mutable state.
type State struct {
	Pause                bool     `json:"pause"`
	OpenInterestNotional num.Uint `json:"open_interest_notional"`
	BadDebt              num.Uint `json:"bad_debt"`
}

// marketInfo is the per-market record: the cumulative premium-fraction series
// appended by funding settlement and the restriction-window height guarding
// same-block open+close.
type marketInfo struct {
	CumulativePremiumFractions []num.Int `json:"cumulative_premium_fractions"`
	LastRestrictionHeight      uint64    `json:"last_restriction_height"`
}

func (m *marketInfo) latestPremiumFraction() num.Int {
	if n := len(m.CumulativePremiumFractions); n > 0 {
		return m.CumulativePremiumFractions[n-1]
	}
	return num.ZeroInt()
}

// ReplyKind tags a staged continuation record with the operation that
// requested the swap, so the finalize phase dispatches without call-stack
// state surviving the external call.
type ReplyKind uint8

const (
	ReplyIncreasePosition ReplyKind = iota + 1
	ReplyClosePosition
	ReplyPartialClosePosition
	ReplyLiquidate
	ReplyPartialLiquidate
	ReplyPayFunding
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyIncreasePosition:
		return "increase_position"
	case ReplyClosePosition:
		return "close_position"
	case ReplyPartialClosePosition:
		return "partial_close_position"
	case ReplyLiquidate:
		return "liquidate"
	case ReplyPartialLiquidate:
		return "partial_liquidate"
	case ReplyPayFunding:
		return "pay_funding"
	default:
		return "unknown"
	}
}

// swapInfo is the continuation record staged between the initiate and
// finalize phases of a mutating swap. Exactly one may be outstanding; it is
// deleted once consumed.
type swapInfo struct {
	Kind             ReplyKind `json:"kind"`
	PositionID       uint64    `json:"position_id"`
	Market           string    `json:"market"`
	Pair             string    `json:"pair"`
	Trader           string    `json:"trader"`
	Side             Side      `json:"side"`
	MarginAmount     num.Uint  `json:"margin_amount"`
	Leverage         num.Uint  `json:"leverage"`
	OpenNotional     num.Uint  `json:"open_notional"`
	PositionNotional num.Uint  `json:"position_notional"`
	UnrealizedPnl    num.Int   `json:"unrealized_pnl"`
	TakeProfit       num.Uint  `json:"take_profit"`
	StopLoss         num.Uint  `json:"stop_loss"`
}

// SwapReply is the market gateway's asynchronous answer to a SwapInput or
// SwapOutput command. QuoteDelta and BaseDelta are the actual fill amounts;
// Err carries the market's rejection, in which case the deltas are zero.
type SwapReply struct {
	Market     string
	PositionID uint64
	QuoteDelta num.Uint
	BaseDelta  num.Uint
	Err        error
}

// RemainMargin is the outcome of folding funding and a PnL delta into a
// position's margin. A negative result is clamped to zero with the shortfall
// reported as bad debt.
type RemainMargin struct {
	Margin         num.Uint
	BadDebt        num.Uint
	FundingPayment num.Int
	LatestPremium  num.Int
}

// PositionFilter narrows a positions-by-market query.
type PositionFilter struct {
	Trader string
	Price  *num.Uint
}

// PnlResponse pairs a re-quoted notional with the signed PnL it implies.
type PnlResponse struct {
	PositionNotional num.Uint `json:"position_notional"`
	UnrealizedPnl    num.Int  `json:"unrealized_pnl"`
}
