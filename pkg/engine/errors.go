package engine

import "errors"

// Engine errors. All are terminal for the originating call; the host rolls
// back any staged writes and surfaces the message. Bad debt is the one
// shortfall absorbed rather than surfaced (see withdraw).
var (
	ErrUnauthorized            = errors.New("unauthorized")
	ErrInvalidInput            = errors.New("invalid input")
	ErrPaused                  = errors.New("engine is paused")
	ErrNotPaused               = errors.New("engine is not paused")
	ErrMarketNotApproved       = errors.New("market is not approved")
	ErrRestrictedWindow        = errors.New("market is in restricted mode")
	ErrInsufficientMargin      = errors.New("additional margin required")
	ErrInsufficientCollateral  = errors.New("insufficient collateral")
	ErrBadDebt                 = errors.New("margin withdrawal would introduce bad debt")
	ErrPositionNotFound        = errors.New("position not found")
	ErrPositionZero            = errors.New("position is zero")
	ErrPositionNotLiquidatable = errors.New("position is overcollateralized")
	ErrTpSlNotReached          = errors.New("take-profit/stop-loss price has not been reached")
	ErrTpSlNotSet              = errors.New("neither take profit nor stop loss is set")
	ErrSwapPending             = errors.New("a swap is already outstanding for this call")
	ErrNoPendingSwap           = errors.New("no swap continuation is staged")
	ErrReplyMismatch           = errors.New("swap reply does not match the staged continuation")
	ErrExternalCall            = errors.New("external market call failed")
	ErrLeverageTooLow          = errors.New("leverage must be at least 1")
	ErrTakeProfitTooLow        = errors.New("take-profit price is too low")
	ErrTakeProfitTooHigh       = errors.New("take-profit price is too high")
	ErrStopLossTooLow          = errors.New("stop-loss price is too low")
	ErrStopLossTooHigh         = errors.New("stop-loss price is too high")
)
