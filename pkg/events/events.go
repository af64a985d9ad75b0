// Package events carries the engine's outbound event stream. The engine
// publishes through the Publisher interface; the NATS implementation fans the
// events out to subscribers and the no-op implementation keeps standalone and
// test configurations free of a broker.
package events

import (
	"time"
)

// PositionEvent describes a committed position mutation.
type PositionEvent struct {
	Action     string    `json:"action"` // open, close, partial_close, deposit, withdraw, update_tp_sl
	Market     string    `json:"market"`
	Pair       string    `json:"pair"`
	PositionID uint64    `json:"position_id"`
	Trader     string    `json:"trader"`
	Side       string    `json:"side"`
	Size       string    `json:"size"`
	Margin     string    `json:"margin"`
	Notional   string    `json:"notional"`
	EntryPrice string    `json:"entry_price"`
	Timestamp  time.Time `json:"timestamp"`
}

// LiquidationEvent describes a committed full or partial liquidation.
type LiquidationEvent struct {
	Market     string    `json:"market"`
	PositionID uint64    `json:"position_id"`
	Trader     string    `json:"trader"`
	Liquidator string    `json:"liquidator"`
	Partial    bool      `json:"partial"`
	Fee        string    `json:"fee"`
	BadDebt    string    `json:"bad_debt"`
	Timestamp  time.Time `json:"timestamp"`
}

// FundingEvent describes a settled funding period.
type FundingEvent struct {
	Market          string    `json:"market"`
	PremiumFraction string    `json:"premium_fraction"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher receives engine events after the corresponding store commit.
// Publish failures are the publisher's problem; the engine never unwinds a
// committed mutation because an event could not be delivered.
type Publisher interface {
	PositionChanged(PositionEvent)
	Liquidated(LiquidationEvent)
	FundingPaid(FundingEvent)
	Close() error
}

// Noop discards all events.
type Noop struct{}

func (Noop) PositionChanged(PositionEvent)  {}
func (Noop) Liquidated(LiquidationEvent)    {}
func (Noop) FundingPaid(FundingEvent)       {}
func (Noop) Close() error                   { return nil }

// Multi fans every event out to each publisher in order.
type Multi []Publisher

func (m Multi) PositionChanged(e PositionEvent) {
	for _, p := range m {
		p.PositionChanged(e)
	}
}

func (m Multi) Liquidated(e LiquidationEvent) {
	for _, p := range m {
		p.Liquidated(e)
	}
}

func (m Multi) FundingPaid(e FundingEvent) {
	for _, p := range m {
		p.FundingPaid(e)
	}
}

func (m Multi) Close() error {
	var err error
	for _, p := range m {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
