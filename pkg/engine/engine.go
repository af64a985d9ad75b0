// Package engine implements the position lifecycle and risk engine for
// leveraged perpetual futures: margin and leverage validation, open, modify
// and close flows driven by simulated swaps against an external price-quoting
// market, full and partial liquidation, take-profit/stop-loss triggering,
// funding accrual, and the two-phase continuation protocol that finalizes a
// position mutation once the market's asynchronous swap result arrives.
package engine

import (
	"context"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/margined/perp/pkg/events"
	"github.com/margined/perp/pkg/num"
)

// Params wires an Engine. DB, Log, Registry, Gateways, Bank, Height and
// EngineAddr are required; Events defaults to a no-op publisher and Metrics
// to no registration.
type Params struct {
	DB         database.Database
	Log        log.Logger
	Registry   Registry
	Gateways   Gateways
	Bank       Bank
	Events     events.Publisher
	Metrics    prometheus.Registerer
	EngineAddr string
	// Height reports the current block height of the hosting environment;
	// it drives the restriction window and position timestamps.
	Height func() uint64
	// InitialConfig seeds the config record when the store is empty.
	InitialConfig *Config
}

// Engine is the single writer over positions, global state and config. The
// host serializes top-level calls; the engine holds no locks of its own and
// relies on that single-writer discipline (see HandleSwapReply for the one
// suspension point).
type Engine struct {
	store    *store
	log      log.Logger
	registry Registry
	gateways Gateways
	bank     Bank
	events   events.Publisher
	metrics  *engineMetrics
	addr     string
	height   func() uint64
}

func New(p Params) (*Engine, error) {
	if p.DB == nil || p.Log == nil || p.Registry == nil || p.Gateways == nil || p.Bank == nil {
		return nil, fmt.Errorf("%w: missing engine dependency", ErrInvalidInput)
	}
	if p.Height == nil {
		return nil, fmt.Errorf("%w: missing height source", ErrInvalidInput)
	}
	if p.Events == nil {
		p.Events = events.Noop{}
	}

	e := &Engine{
		store:    newStore(p.DB),
		log:      p.Log,
		registry: p.Registry,
		gateways: p.Gateways,
		bank:     p.Bank,
		events:   p.Events,
		metrics:  newEngineMetrics(p.Metrics),
		addr:     p.EngineAddr,
		height:   p.Height,
	}

	if _, err := e.store.readConfig(); err != nil {
		if p.InitialConfig == nil {
			return nil, fmt.Errorf("no stored config and no initial config supplied: %w", err)
		}
		if err := p.InitialConfig.validate(); err != nil {
			return nil, err
		}
		if err := e.store.writeConfig(p.InitialConfig); err != nil {
			return nil, err
		}
		if err := e.store.writeState(&State{}); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Config returns the stored engine configuration.
func (e *Engine) Config() (*Config, error) { return e.store.readConfig() }

// State returns global state: pause flag, open interest and bad debt.
func (e *Engine) State() (*State, error) { return e.store.readState() }

// UpdateConfig applies field-wise changes. Owner only; ratio bounds and the
// initial > maintenance invariant are enforced on every update.
func (e *Engine) UpdateConfig(ctx context.Context, sender string, u ConfigUpdate) error {
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	if sender != cfg.Owner {
		return ErrUnauthorized
	}
	if u.Owner != nil {
		cfg.Owner = *u.Owner
	}
	if u.InsuranceFund != nil {
		cfg.InsuranceFund = *u.InsuranceFund
	}
	if u.FeePool != nil {
		cfg.FeePool = *u.FeePool
	}
	if u.InitialMarginRatio != nil {
		cfg.InitialMarginRatio = *u.InitialMarginRatio
	}
	if u.MaintenanceMarginRatio != nil {
		cfg.MaintenanceMarginRatio = *u.MaintenanceMarginRatio
	}
	if u.PartialLiquidationRatio != nil {
		cfg.PartialLiquidationRatio = *u.PartialLiquidationRatio
	}
	if u.TpSlSpread != nil {
		cfg.TpSlSpread = *u.TpSlSpread
	}
	if u.LiquidationFee != nil {
		cfg.LiquidationFee = *u.LiquidationFee
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := e.store.writeConfig(cfg); err != nil {
		return err
	}
	e.log.Info("config updated", "owner", cfg.Owner)
	return nil
}

// SetPause flips the pause flag. Pauser only.
func (e *Engine) SetPause(ctx context.Context, sender string, pause bool) error {
	cfg, err := e.store.readConfig()
	if err != nil {
		return err
	}
	if sender != cfg.Pauser && sender != cfg.Owner {
		return ErrUnauthorized
	}
	st, err := e.store.readState()
	if err != nil {
		return err
	}
	if st.Pause == pause {
		if pause {
			return ErrPaused
		}
		return ErrNotPaused
	}
	st.Pause = pause
	if err := e.store.writeState(st); err != nil {
		return err
	}
	e.log.Info("pause flag changed", "pause", pause)
	return nil
}

// gateway resolves an approved market to its handle, rejecting unknown ones.
func (e *Engine) gateway(ctx context.Context, market string) (Market, error) {
	ok, err := e.registry.IsMarket(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("consult market registry: %w", err)
	}
	if !ok {
		return nil, ErrMarketNotApproved
	}
	return e.gateways.Gateway(market)
}

func (e *Engine) requireNotPaused() error {
	st, err := e.store.readState()
	if err != nil {
		return err
	}
	if st.Pause {
		return ErrPaused
	}
	return nil
}

// requireNotRestricted blocks a second open/close on the market within the
// same block, the guard against same-block open+close price manipulation.
func (e *Engine) requireNotRestricted(market string) error {
	info, err := e.store.readMarketInfo(market)
	if err != nil {
		return err
	}
	if info.LastRestrictionHeight == e.height() && info.LastRestrictionHeight != 0 {
		return ErrRestrictedWindow
	}
	return nil
}

func requireNonZero(name string, v num.Uint) error {
	if v.IsZero() {
		return fmt.Errorf("%w: %s must be non-zero", ErrInvalidInput, name)
	}
	return nil
}

// withdraw pays amount to receiver from the engine's own balance, topping up
// from the insurance fund when short. The shortfall is absorbed as bad debt
// rather than failing the payout.
func (e *Engine) withdraw(ctx context.Context, cfg *Config, st *State, receiver string, amount num.Uint) error {
	if amount.IsZero() {
		return nil
	}
	balance, err := e.bank.Balance(ctx, e.addr)
	if err != nil {
		return fmt.Errorf("query engine balance: %w", err)
	}
	if balance.LT(amount) {
		shortfall, err := amount.Sub(balance)
		if err != nil {
			return err
		}
		if err := e.bank.Transfer(ctx, cfg.InsuranceFund, e.addr, shortfall); err != nil {
			return fmt.Errorf("draw insurance fund shortfall: %w", err)
		}
		if st.BadDebt, err = st.BadDebt.Add(shortfall); err != nil {
			return err
		}
		e.metrics.badDebt.Add(mustFloat(shortfall))
		e.log.Warn("payout shortfall drawn from insurance fund",
			"receiver", receiver, "amount", amount.String(), "shortfall", shortfall.String())
	}
	if err := e.bank.Transfer(ctx, e.addr, receiver, amount); err != nil {
		return fmt.Errorf("pay out collateral: %w", err)
	}
	return nil
}

// transferFees charges the market's toll and spread fees on notional to the
// trader: spread to the insurance fund, toll to the fee pool. Returns the
// total charged.
func (e *Engine) transferFees(ctx context.Context, mkt Market, cfg *Config, trader string, notional num.Uint) (num.Uint, error) {
	spread, toll, err := mkt.CalcFee(ctx, notional)
	if err != nil {
		return num.ZeroUint(), fmt.Errorf("calculate market fees: %w", err)
	}
	if !spread.IsZero() {
		if err := e.bank.Transfer(ctx, trader, cfg.InsuranceFund, spread); err != nil {
			return num.ZeroUint(), fmt.Errorf("transfer spread fee: %w", err)
		}
	}
	if !toll.IsZero() {
		if err := e.bank.Transfer(ctx, trader, cfg.FeePool, toll); err != nil {
			return num.ZeroUint(), fmt.Errorf("transfer toll fee: %w", err)
		}
	}
	return spread.Add(toll)
}

func mustFloat(u num.Uint) float64 {
	f, _ := u.Decimal(0).Float64()
	return f
}
