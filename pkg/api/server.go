// Package api serves the engine's query surface over HTTP and streams its
// events over websockets. Mutating operations stay off this surface; they
// belong to the host that drives the engine and its markets.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/margined/perp/pkg/engine"
	"github.com/margined/perp/pkg/num"
)

// Server exposes one engine instance.
type Server struct {
	engine   *engine.Engine
	registry engine.Registry
	log      log.Logger
	hub      *Hub
	upgrader websocket.Upgrader
	http     *http.Server
}

// Config sets the listen address and the prometheus gatherer backing
// /metrics; Gatherer may be nil to disable the endpoint.
type Config struct {
	Addr     string
	Gatherer prometheus.Gatherer
}

func NewServer(cfg Config, eng *engine.Engine, registry engine.Registry, hub *Hub, logger log.Logger) *Server {
	s := &Server{
		engine:   eng,
		registry: registry,
		log:      logger,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/config", s.handleConfig)
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/markets", s.handleMarkets)
	mux.HandleFunc("GET /v1/markets/{market}/positions", s.handlePositions)
	mux.HandleFunc("GET /v1/traders/{trader}/positions", s.handleTraderPositions)
	mux.HandleFunc("GET /v1/markets/{market}/positions/{id}", s.handlePosition)
	mux.HandleFunc("GET /v1/markets/{market}/positions/{id}/margin-ratio", s.handleMarginRatio)
	mux.HandleFunc("GET /v1/markets/{market}/positions/{id}/free-collateral", s.handleFreeCollateral)
	mux.HandleFunc("GET /v1/markets/{market}/positions/{id}/pnl", s.handlePnl)
	mux.HandleFunc("GET /v1/markets/{market}/funding", s.handleFunding)
	mux.HandleFunc("GET /ws", s.handleWS)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests and embedding hosts.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("api listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrPositionNotFound),
		errors.Is(err, engine.ErrMarketNotApproved):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.Config()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.State()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.registry.AllMarkets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"markets": markets})
}

func parseID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(r.PathValue("id"), 10, 64)
}

func parseQueryOptions(q url.Values) (engine.QueryOptions, error) {
	opts := engine.QueryOptions{Descending: q.Get("order") == "desc"}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("invalid limit")
		}
		opts.Limit = n
	}
	if v := q.Get("start_after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid start_after")
		}
		opts.StartAfter = &n
	}
	return opts, nil
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts, err := parseQueryOptions(q)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	filter := engine.PositionFilter{Trader: q.Get("trader")}
	var side *engine.Side
	switch q.Get("side") {
	case "buy":
		v := engine.Buy
		side = &v
	case "sell":
		v := engine.Sell
		side = &v
	case "":
	default:
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid side"})
		return
	}
	if v := q.Get("entry_price"); v != "" {
		price, err := num.UintFromString(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid entry_price"})
			return
		}
		filter.Price = &price
	}

	positions, err := s.engine.Positions(r.Context(), r.PathValue("market"), filter, side, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleTraderPositions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQueryOptions(r.URL.Query())
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	positions, err := s.engine.AllTraderPositions(r.Context(), r.PathValue("trader"), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid position id"})
		return
	}
	var p *engine.Position
	if r.URL.Query().Get("funding") == "true" {
		p, err = s.engine.PositionWithFundingPayment(r.Context(), r.PathValue("market"), id)
	} else {
		p, err = s.engine.Position(r.Context(), r.PathValue("market"), id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMarginRatio(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid position id"})
		return
	}
	ratio, err := s.engine.MarginRatio(r.Context(), r.PathValue("market"), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"margin_ratio": ratio.String()})
}

func (s *Server) handleFreeCollateral(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid position id"})
		return
	}
	free, err := s.engine.FreeCollateral(r.Context(), r.PathValue("market"), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"free_collateral": free.String()})
}

func (s *Server) handlePnl(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid position id"})
		return
	}
	mode := engine.PnlSpotPrice
	switch r.URL.Query().Get("mode") {
	case "twap":
		mode = engine.PnlTwap
	case "oracle":
		mode = engine.PnlOracle
	case "", "spot":
	default:
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid pnl mode"})
		return
	}
	pnl, err := s.engine.UnrealizedPnl(r.Context(), r.PathValue("market"), id, mode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pnl)
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request) {
	premium, err := s.engine.CumulativePremiumFraction(r.Context(), r.PathValue("market"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"cumulative_premium_fraction": premium.String()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "err", err)
		return
	}
	c := s.hub.add(conn)
	s.log.Debug("websocket client connected", "remote", conn.RemoteAddr().String())

	// reads are drained only to detect disconnects
	go func() {
		defer s.hub.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
