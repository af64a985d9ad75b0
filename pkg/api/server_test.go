package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/margined/perp/pkg/api"
	"github.com/margined/perp/pkg/bank"
	"github.com/margined/perp/pkg/engine"
	"github.com/margined/perp/pkg/num"
	"github.com/margined/perp/pkg/vamm"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine, *vamm.Directory) {
	t.Helper()
	level, _ := log.ToLevel("warn")
	logger := log.NewTestLogger(level)
	decimals := num.Pow10(6)

	amm, err := vamm.New(vamm.Config{
		Name:         "eth-usdc",
		BaseAsset:    "ETH",
		QuoteAsset:   "USDC",
		Decimals:     decimals,
		QuoteReserve: num.NewUint(1_000_000_000),
		BaseReserve:  num.NewUint(100_000_000),
		TwapWindow:   15 * time.Minute,
	}, vamm.OracleFunc(func(context.Context) (num.Uint, error) {
		return num.NewUint(10_000_000), nil
	}), logger)
	require.NoError(t, err)

	dir := vamm.NewDirectory()
	require.NoError(t, dir.Add(amm))

	ledger := bank.NewLedger()
	require.NoError(t, ledger.Mint("alice", num.NewUint(1_000_000_000)))

	eng, err := engine.New(engine.Params{
		DB:         memdb.New(),
		Log:        logger,
		Registry:   dir,
		Gateways:   dir,
		Bank:       ledger,
		EngineAddr: "margin-engine",
		Height:     func() uint64 { return 1 },
		InitialConfig: &engine.Config{
			Owner:                  "owner",
			Pauser:                 "pauser",
			InsuranceFund:          "insurance",
			FeePool:                "feepool",
			EligibleCollateral:     "usdc",
			Decimals:               decimals,
			InitialMarginRatio:     num.NewUint(50_000),
			MaintenanceMarginRatio: num.NewUint(25_000),
			TpSlSpread:             num.NewUint(5_000),
			LiquidationFee:         num.NewUint(10_000),
		},
	})
	require.NoError(t, err)

	srv := api.NewServer(api.Config{Addr: ":0"}, eng, dir, api.NewHub(logger), logger)
	ts := httptest.NewServer(serverHandler(srv))
	t.Cleanup(ts.Close)
	return ts, eng, dir
}

// serverHandler rebuilds the mux the Server would listen with, minus the
// listener, so httptest can drive it.
func serverHandler(s *api.Server) http.Handler { return s.Handler() }

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestConfigAndStateEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var cfg engine.Config
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/config", &cfg))
	require.Equal(t, "owner", cfg.Owner)
	require.Equal(t, "50000", cfg.InitialMarginRatio.String())

	var st engine.State
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/state", &st))
	require.False(t, st.Pause)
}

func TestMarketsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body struct {
		Markets []string `json:"markets"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/markets", &body))
	require.Equal(t, []string{"eth-usdc"}, body.Markets)
}

func TestPositionEndpoints(t *testing.T) {
	ts, eng, dir := newTestServer(t)
	ctx := context.Background()

	id, err := eng.OpenPosition(ctx, "alice", engine.OpenPositionParams{
		Market:       "eth-usdc",
		Side:         engine.Buy,
		MarginAmount: num.NewUint(60_000_000),
		Leverage:     num.NewUint(10_000_000),
		TakeProfit:   num.NewUint(30_000_000),
	})
	require.NoError(t, err)
	require.NoError(t, dir.FlushAll(ctx, eng))

	var p engine.Position
	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/v1/markets/eth-usdc/positions/1", &p))
	require.Equal(t, id, p.ID)
	require.Equal(t, "alice", p.Trader)
	require.Equal(t, "37500000", p.Size.String())

	var list struct {
		Positions []engine.Position `json:"positions"`
	}
	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/v1/markets/eth-usdc/positions?trader=alice", &list))
	require.Len(t, list.Positions, 1)

	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/v1/markets/eth-usdc/positions?side=sell", &list))
	require.Empty(t, list.Positions)

	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/v1/traders/alice/positions", &list))
	require.Len(t, list.Positions, 1)
	require.Equal(t, "eth-usdc", list.Positions[0].Market)

	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/v1/traders/nobody/positions", &list))
	require.Empty(t, list.Positions)

	var ratio map[string]string
	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/v1/markets/eth-usdc/positions/1/margin-ratio", &ratio))
	require.NotEmpty(t, ratio["margin_ratio"])

	require.Equal(t, http.StatusNotFound,
		getJSON(t, ts.URL+"/v1/markets/eth-usdc/positions/99", nil))
	require.Equal(t, http.StatusBadRequest,
		getJSON(t, ts.URL+"/v1/markets/eth-usdc/positions/not-a-number", nil))
	require.Equal(t, http.StatusBadRequest,
		getJSON(t, ts.URL+"/v1/markets/eth-usdc/positions?side=sideways", nil))
}

func TestPnlEndpoint(t *testing.T) {
	ts, eng, dir := newTestServer(t)
	ctx := context.Background()

	_, err := eng.OpenPosition(ctx, "alice", engine.OpenPositionParams{
		Market:       "eth-usdc",
		Side:         engine.Buy,
		MarginAmount: num.NewUint(60_000_000),
		Leverage:     num.NewUint(10_000_000),
		TakeProfit:   num.NewUint(30_000_000),
	})
	require.NoError(t, err)
	require.NoError(t, dir.FlushAll(ctx, eng))

	var pnl engine.PnlResponse
	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/v1/markets/eth-usdc/positions/1/pnl?mode=oracle", &pnl))
	require.Equal(t, "375000000", pnl.PositionNotional.String())

	require.Equal(t, http.StatusBadRequest,
		getJSON(t, ts.URL+"/v1/markets/eth-usdc/positions/1/pnl?mode=vibes", nil))
}
