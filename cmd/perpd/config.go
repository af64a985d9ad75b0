package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/margined/perp/pkg/num"
)

// fileConfig is the daemon's yaml configuration.
type fileConfig struct {
	LogLevel string `yaml:"logLevel"`
	DataDir  string `yaml:"dataDir"` // empty runs in memory
	APIAddr  string `yaml:"apiAddr"`
	NATSURL  string `yaml:"natsUrl"` // empty disables publishing

	// BlockTime is the tick that advances the engine height used by the
	// same-block restriction window.
	BlockTime time.Duration `yaml:"blockTime"`

	Engine  engineConfig    `yaml:"engine"`
	Markets []marketConfig  `yaml:"markets"`
	Genesis []accountConfig `yaml:"genesis"`
}

type engineConfig struct {
	Owner                   string `yaml:"owner"`
	Pauser                  string `yaml:"pauser"`
	InsuranceFund           string `yaml:"insuranceFund"`
	FeePool                 string `yaml:"feePool"`
	EligibleCollateral      string `yaml:"eligibleCollateral"`
	Decimals                string `yaml:"decimals"`
	InitialMarginRatio      string `yaml:"initialMarginRatio"`
	MaintenanceMarginRatio  string `yaml:"maintenanceMarginRatio"`
	PartialLiquidationRatio string `yaml:"partialLiquidationRatio"`
	TpSlSpread              string `yaml:"tpSlSpread"`
	LiquidationFee          string `yaml:"liquidationFee"`
}

type marketConfig struct {
	Name                  string        `yaml:"name"`
	BaseAsset             string        `yaml:"baseAsset"`
	QuoteAsset            string        `yaml:"quoteAsset"`
	QuoteReserve          string        `yaml:"quoteReserve"`
	BaseReserve           string        `yaml:"baseReserve"`
	TollRatio             string        `yaml:"tollRatio"`
	SpreadRatio           string        `yaml:"spreadRatio"`
	FluctuationLimitRatio string        `yaml:"fluctuationLimitRatio"`
	SpreadLimitRatio      string        `yaml:"spreadLimitRatio"`
	OraclePrice           string        `yaml:"oraclePrice"`
	FundingPeriod         time.Duration `yaml:"fundingPeriod"`
	TwapWindow            time.Duration `yaml:"twapWindow"`
}

type accountConfig struct {
	Account string `yaml:"account"`
	Balance string `yaml:"balance"`
}

func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &fileConfig{
		LogLevel:  "info",
		APIAddr:   ":8080",
		BlockTime: time.Second,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Markets) == 0 {
		return nil, fmt.Errorf("config: at least one market is required")
	}
	return cfg, nil
}

// amount parses a decimal-string field, treating empty as zero.
func amount(field, v string) (num.Uint, error) {
	if v == "" {
		return num.ZeroUint(), nil
	}
	u, err := num.UintFromString(v)
	if err != nil {
		return num.ZeroUint(), fmt.Errorf("config: %s: %w", field, err)
	}
	return u, nil
}
