// perpd runs the margin engine against in-process virtual markets, serving
// queries over HTTP and streaming position events over websockets and NATS.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/margined/perp/pkg/api"
	"github.com/margined/perp/pkg/bank"
	"github.com/margined/perp/pkg/engine"
	"github.com/margined/perp/pkg/events"
	"github.com/margined/perp/pkg/num"
	"github.com/margined/perp/pkg/vamm"
)

const engineAccount = "margin-engine"

func main() {
	configPath := flag.String("config", "perpd.yaml", "path to the yaml configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "perpd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := log.NewLogger("perpd")

	var db database.Database
	if cfg.DataDir == "" {
		db = memdb.New()
		logger.Warn("no dataDir configured, state is in-memory only")
	} else {
		if db, err = badgerdb.New(cfg.DataDir, nil, "", nil); err != nil {
			return fmt.Errorf("open database: %w", err)
		}
	}
	defer db.Close()

	engCfg, err := buildEngineConfig(cfg.Engine)
	if err != nil {
		return err
	}

	ledger := bank.NewLedger()
	for _, acct := range cfg.Genesis {
		balance, err := amount("genesis balance", acct.Balance)
		if err != nil {
			return err
		}
		if err := ledger.Mint(acct.Account, balance); err != nil {
			return err
		}
	}

	directory := vamm.NewDirectory()
	for _, mc := range cfg.Markets {
		a, err := buildMarket(mc, engCfg.Decimals, logger)
		if err != nil {
			return err
		}
		if err := directory.Add(a); err != nil {
			return err
		}
	}

	var height atomic.Uint64
	height.Store(1)

	hub := api.NewHub(logger)
	publisher := events.Multi{hub}
	if cfg.NATSURL != "" {
		natsPub, err := events.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		publisher = append(publisher, natsPub)
	}

	registry := prometheus.NewRegistry()
	eng, err := engine.New(engine.Params{
		DB:            db,
		Log:           logger,
		Registry:      directory,
		Gateways:      directory,
		Bank:          ledger,
		Events:        publisher,
		Metrics:       registry,
		EngineAddr:    engineAccount,
		Height:        height.Load,
		InitialConfig: engCfg,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{Addr: cfg.APIAddr, Gatherer: registry}, eng, directory, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	go blockLoop(ctx, cfg.BlockTime, &height, directory, eng, logger)
	go fundingLoop(ctx, cfg.Markets, eng, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "err", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("publisher close", "err", err)
	}
	return nil
}

// blockLoop advances the engine height and delivers queued market replies
// each tick, playing the host chain's block cadence.
func blockLoop(ctx context.Context, blockTime time.Duration, height *atomic.Uint64, directory *vamm.Directory, eng *engine.Engine, logger log.Logger) {
	ticker := time.NewTicker(blockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := directory.FlushAll(ctx, eng); err != nil {
				logger.Warn("flush market replies", "err", err)
			}
			height.Add(1)
		}
	}
}

// fundingLoop triggers each market's funding settlement on its own period.
func fundingLoop(ctx context.Context, markets []marketConfig, eng *engine.Engine, logger log.Logger) {
	for _, mc := range markets {
		period := mc.FundingPeriod
		if period <= 0 {
			period = time.Hour
		}
		go func(market string, period time.Duration) {
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := eng.PayFunding(ctx, market); err != nil {
						logger.Warn("funding settlement", "market", market, "err", err)
					}
				}
			}
		}(mc.Name, period)
	}
}

func buildEngineConfig(ec engineConfig) (*engine.Config, error) {
	out := &engine.Config{
		Owner:              ec.Owner,
		Pauser:             ec.Pauser,
		InsuranceFund:      ec.InsuranceFund,
		FeePool:            ec.FeePool,
		EligibleCollateral: ec.EligibleCollateral,
	}
	for _, f := range []struct {
		name string
		dst  *num.Uint
		src  string
	}{
		{"engine.decimals", &out.Decimals, ec.Decimals},
		{"engine.initialMarginRatio", &out.InitialMarginRatio, ec.InitialMarginRatio},
		{"engine.maintenanceMarginRatio", &out.MaintenanceMarginRatio, ec.MaintenanceMarginRatio},
		{"engine.partialLiquidationRatio", &out.PartialLiquidationRatio, ec.PartialLiquidationRatio},
		{"engine.tpSlSpread", &out.TpSlSpread, ec.TpSlSpread},
		{"engine.liquidationFee", &out.LiquidationFee, ec.LiquidationFee},
	} {
		v, err := amount(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return out, nil
}

func buildMarket(mc marketConfig, decimals num.Uint, logger log.Logger) (*vamm.AMM, error) {
	vc := vamm.Config{
		Name:          mc.Name,
		BaseAsset:     mc.BaseAsset,
		QuoteAsset:    mc.QuoteAsset,
		Decimals:      decimals,
		FundingPeriod: mc.FundingPeriod,
		TwapWindow:    mc.TwapWindow,
	}
	if vc.TwapWindow <= 0 {
		vc.TwapWindow = 15 * time.Minute
	}
	for _, f := range []struct {
		name string
		dst  *num.Uint
		src  string
	}{
		{"market.quoteReserve", &vc.QuoteReserve, mc.QuoteReserve},
		{"market.baseReserve", &vc.BaseReserve, mc.BaseReserve},
		{"market.tollRatio", &vc.TollRatio, mc.TollRatio},
		{"market.spreadRatio", &vc.SpreadRatio, mc.SpreadRatio},
		{"market.fluctuationLimitRatio", &vc.FluctuationLimitRatio, mc.FluctuationLimitRatio},
		{"market.spreadLimitRatio", &vc.SpreadLimitRatio, mc.SpreadLimitRatio},
	} {
		v, err := amount(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	oraclePrice, err := amount("market.oraclePrice", mc.OraclePrice)
	if err != nil {
		return nil, err
	}
	oracle := vamm.OracleFunc(func(context.Context) (num.Uint, error) {
		return oraclePrice, nil
	})
	return vamm.New(vc, oracle, logger)
}
