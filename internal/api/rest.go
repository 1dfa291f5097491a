// Package api implements the JSON REST surface: /health, /api/v1/symbols,
// /api/v1/ticker, /api/v1/orders, /api/v1/balance, /api/v1/position, and
// /api/v1/prices.
//
// Grounded on original_source's rest_api.py: session identified via the
// X-Session-ID header (default "rest-session" when absent), the same
// RateLimiter/latency-strategy instances the /ws surface uses guarding
// every handler, and decimals always serialized as strings to avoid float
// precision loss (the source's DecimalEncoder). /api/v1/prices is not in
// the source's own create_rest_routes, but the client's Reconciler calls
// exactly this endpoint, so it is supplemented here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rishav/exchange-sim/internal/account"
	"github.com/rishav/exchange-sim/internal/faults"
	"github.com/rishav/exchange-sim/internal/marketdata"
	"github.com/rishav/exchange-sim/internal/matching"
	"github.com/rishav/exchange-sim/internal/orders"
	"github.com/rishav/exchange-sim/internal/ratelimit"
)

const defaultSessionID = "rest-session"

// Server holds the collaborators REST handlers dispatch into.
type Server struct {
	Engine     *matching.Engine
	Accounts   *account.Manager
	MarketData *marketdata.Generator
	RateLimiter *ratelimit.Limiter
	Injector   *faults.Injector
	BaseCurrency, QuoteCurrency map[string]string

	log zerolog.Logger
}

// NewServer creates a REST server.
func NewServer(engine *matching.Engine, accounts *account.Manager, md *marketdata.Generator, rl *ratelimit.Limiter, inj *faults.Injector, log zerolog.Logger) *Server {
	return &Server{
		Engine:        engine,
		Accounts:      accounts,
		MarketData:    md,
		RateLimiter:   rl,
		Injector:      inj,
		BaseCurrency:  make(map[string]string),
		QuoteCurrency: make(map[string]string),
		log:           log.With().Str("component", "rest").Logger(),
	}
}

// RegisterSymbol records the base/quote split for a symbol.
func (s *Server) RegisterSymbol(symbol, base, quote string) {
	s.BaseCurrency[symbol] = base
	s.QuoteCurrency[symbol] = quote
}

// Routes registers every handler on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.wrap(s.handleHealth))
	mux.HandleFunc("/api/v1/symbols", s.wrap(s.handleSymbols))
	mux.HandleFunc("/api/v1/ticker", s.wrap(s.handleTicker))
	mux.HandleFunc("/api/v1/orders", s.wrap(s.handleOrders))
	mux.HandleFunc("/api/v1/orders/", s.wrap(s.handleOrderByID))
	mux.HandleFunc("/api/v1/balance", s.wrap(s.handleBalance))
	mux.HandleFunc("/api/v1/position", s.wrap(s.handlePosition))
	mux.HandleFunc("/api/v1/prices", s.wrap(s.handlePrices))
}

// wrap applies the session-id default, rate limiting, and the inbound fault
// chain (latency) uniformly before every handler, mirroring rest_api.py's
// RateLimiter wrapper plus _apply_inbound_latency. Responses are written
// directly; the outbound chain is not applied to REST replies.
func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get("X-Session-ID")
		if sessionID == "" {
			sessionID = defaultSessionID
		}

		if s.RateLimiter != nil {
			decision := s.RateLimiter.Check(sessionID)
			if !decision.Allowed {
				if decision.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				}
				body := map[string]any{
					"error":           decision.Reason,
					"violation_count": s.RateLimiter.ViolationCount(sessionID),
				}
				if decision.RetryAfter > 0 {
					body["retry_after"] = decision.RetryAfter
				}
				writeJSON(w, http.StatusTooManyRequests, body)
				return
			}
		}

		if s.Injector != nil && s.Injector.Enabled() {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if _, err := s.Injector.InjectInbound(ctx, nil, &faults.Context{SessionID: sessionID, Direction: "inbound"}); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "inbound latency simulation interrupted"})
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionIDKey{}, sessionID)
		h(w, r.WithContext(ctx))
	}
}

type sessionIDKey struct{}

func sessionFrom(r *http.Request) string {
	if v, ok := r.Context().Value(sessionIDKey{}).(string); ok {
		return v
	}
	return defaultSessionID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"symbols": s.Engine.Symbols()})
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}
	price, ok := s.MarketData.Price(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown symbol"})
		return
	}
	writeJSON(w, http.StatusOK, tickerResponse{Symbol: symbol, Price: price.String()})
}

type placeOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"order_type"`
	TimeInForce   string `json:"time_in_force,omitempty"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

func orderJSON(o *orders.Order) map[string]any {
	m := map[string]any{
		"order_id":         o.ID,
		"symbol":            o.Symbol,
		"side":              o.Side.String(),
		"order_type":        o.Type.String(),
		"time_in_force":     o.TimeInForce.String(),
		"quantity":          o.Quantity.String(),
		"filled_quantity":   o.FilledQty.String(),
		"status":            o.Status.String(),
		"client_order_id":   o.ClientOrderID,
	}
	if o.Type == orders.OrderTypeLimit {
		m["price"] = o.Price.String()
	}
	if o.Status == orders.OrderStatusRejected {
		m["reject_reason"] = o.RejectReason
	}
	return m
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFrom(r)

	switch r.Method {
	case http.MethodPost:
		var req placeOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		side, err := orders.ParseSide(req.Side)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		orderType, err := orders.ParseOrderType(req.Type)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		tif, err := orders.ParseTimeInForce(req.TimeInForce)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		quantity, err := decimal.NewFromString(req.Quantity)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid quantity"})
			return
		}
		var price decimal.Decimal
		if orderType == orders.OrderTypeLimit {
			price, err = decimal.NewFromString(req.Price)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid price"})
				return
			}
		}

		order, _, err := s.Engine.Place(matching.PlaceRequest{
			SessionID:     sessionID,
			Symbol:        req.Symbol,
			Side:          side,
			Type:          orderType,
			TimeInForce:   tif,
			Price:         price,
			Quantity:      quantity,
			ClientOrderID: req.ClientOrderID,
		})
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, orderJSON(order))

	case http.MethodGet:
		symbol := r.URL.Query().Get("symbol")
		openOnly := r.URL.Query().Get("open_only") == "true"
		list := s.Engine.ListOrders(sessionID, symbol, openOnly)
		out := make([]map[string]any, 0, len(list))
		for _, o := range list {
			out = append(out, orderJSON(o))
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": out})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFrom(r)
	orderID := r.URL.Path[len("/api/v1/orders/"):]
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order id is required"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := s.Engine.GetOrder(sessionID, orderID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, orderJSON(order))

	case http.MethodDelete:
		order, err := s.Engine.Cancel(sessionID, orderID)
		if err != nil {
			writeJSON(w, cancelErrorStatus(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, orderJSON(order))

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// cancelErrorStatus maps Engine.Cancel's sentinel errors to the status code
// spec.md §6 names for DELETE /api/v1/orders/{id}: unknown, already-terminal
// or no-longer-resting orders are 404, everything else (wrong session) is 400.
func cancelErrorStatus(err error) int {
	switch {
	case errors.Is(err, matching.ErrOrderNotFound), errors.Is(err, matching.ErrTerminalOrder), errors.Is(err, matching.ErrOrderNotResting):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFrom(r)
	acct := s.Accounts.GetOrCreate(sessionID)
	balances, _ := acct.Snapshot()
	out := make(map[string]string, len(balances))
	for cur, amt := range balances {
		out[cur] = amt.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": out})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFrom(r)
	symbol := r.URL.Query().Get("symbol")
	acct := s.Accounts.GetOrCreate(sessionID)
	_, positions := acct.Snapshot()
	pos, ok := positions[symbol]
	if !ok {
		pos = orders.Position{Symbol: symbol}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":         pos.Symbol,
		"asset":          s.BaseCurrency[symbol],
		"quantity":       pos.Quantity.String(),
		"average_price":  pos.AveragePrice.String(),
		"realized_pnl":   pos.RealizedPnL.String(),
		"unrealized_pnl": pos.UnrealizedPnL.String(),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}

	var start, end int64
	if v := r.URL.Query().Get("start"); v != "" {
		start, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("end"); v != "" {
		end, _ = strconv.ParseInt(v, 10, 64)
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	points, ok := s.MarketData.History(symbol, start, end, limit)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown symbol"})
		return
	}

	out := make([]map[string]any, 0, len(points))
	for _, p := range points {
		out = append(out, map[string]any{
			"timestamp":  p.Timestamp,
			"price":      p.Price.String(),
			"bid":        p.Bid.String(),
			"ask":        p.Ask.String(),
			"volume_24h": p.Volume24h.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "prices": out})
}
