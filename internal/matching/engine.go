// Package matching implements the order matching engine: price-time
// priority execution against a per-symbol order book, plus the balance and
// time-in-force rules from the exchange simulator.
//
// Architecture: one order book per symbol, each guarded by its own mutex so
// unrelated symbols never contend. This is the concurrency model spec.md §5
// asks for ("a per-symbol lock or a single actor per symbol") and keeps the
// teacher's original single-writer intuition (internal/disruptor) without
// forcing every symbol through one global sequencer.
package matching

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rishav/exchange-sim/internal/account"
	"github.com/rishav/exchange-sim/internal/orderbook"
	"github.com/rishav/exchange-sim/internal/orders"
	"github.com/rishav/exchange-sim/internal/risk"
)

// Sentinel errors returned by Cancel/GetOrder so callers (REST, WS) can map
// them to the right status code without string-matching.
var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrWrongSession   = errors.New("order does not belong to session")
	ErrTerminalOrder  = errors.New("order is already in a terminal state")
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrOrderNotResting = errors.New("order is not resting in the book")
)

// symbolBook pairs an order book with the mutex that serializes access to it.
type symbolBook struct {
	mu   sync.Mutex
	book *orderbook.OrderBook
	base string
	quote string
	lastPrice decimal.Decimal
}

// Engine is the order matching engine.
type Engine struct {
	symbolsMu sync.RWMutex
	symbols   map[string]*symbolBook

	ordersMu sync.RWMutex
	orders   map[string]*orders.Order // all orders, across symbols, by ID

	accounts *account.Manager
	risk     *risk.Checker

	sequenceNum uint64

	log zerolog.Logger
}

// NewEngine creates a matching engine backed by the given account manager.
// Pre-trade risk checks run with risk.DefaultConfig(); use SetRiskChecker to
// override.
func NewEngine(accounts *account.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		symbols:  make(map[string]*symbolBook),
		orders:   make(map[string]*orders.Order),
		accounts: accounts,
		risk:     risk.NewChecker(risk.DefaultConfig()),
		log:      log.With().Str("component", "matching").Logger(),
	}
}

// SetRiskChecker replaces the engine's pre-trade risk checker.
func (e *Engine) SetRiskChecker(c *risk.Checker) {
	e.risk = c
}

// AddSymbol registers a tradable symbol. base/quote name the two legs of the
// pair (e.g. "BTC-USD" -> base "BTC", quote "USD") so fills can settle cash
// against the right currency in the account ledger.
func (e *Engine) AddSymbol(symbol, base, quote string) {
	e.symbolsMu.Lock()
	defer e.symbolsMu.Unlock()
	if _, exists := e.symbols[symbol]; exists {
		return
	}
	e.symbols[symbol] = &symbolBook{
		book:  orderbook.NewOrderBook(symbol),
		base:  base,
		quote: quote,
	}
}

// Symbols returns all tradable symbols.
func (e *Engine) Symbols() []string {
	e.symbolsMu.RLock()
	defer e.symbolsMu.RUnlock()
	out := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		out = append(out, s)
	}
	return out
}

func (e *Engine) lookupSymbol(symbol string) *symbolBook {
	e.symbolsMu.RLock()
	defer e.symbolsMu.RUnlock()
	return e.symbols[symbol]
}

func (e *Engine) nextSequence() uint64 {
	return atomic.AddUint64(&e.sequenceNum, 1)
}

// PlaceRequest describes an inbound order before it has been assigned book
// bookkeeping fields.
type PlaceRequest struct {
	SessionID     string
	Symbol        string
	Side          orders.Side
	Type          orders.OrderType
	TimeInForce   orders.TimeInForce
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

// Place validates and submits an order. For a known symbol it always returns
// a non-nil order (even rejected ones carry their id and status) plus the
// fills generated, which is empty for REJECTED and for resting LIMIT orders
// with no match. An unknown symbol returns a nil order and an error.
func (e *Engine) Place(req PlaceRequest) (*orders.Order, []orders.Fill, error) {
	sb := e.lookupSymbol(req.Symbol)
	if sb == nil {
		return nil, nil, fmt.Errorf("unknown symbol: %s", req.Symbol)
	}

	now := time.Now().UTC()
	order := &orders.Order{
		ID:            orders.NewOrderID(),
		SessionID:     req.SessionID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		FilledQty:     decimal.Zero,
		Status:        orders.OrderStatusPending,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if !order.Quantity.IsPositive() {
		order.Reject("quantity must be positive")
		e.track(order)
		return order, nil, nil
	}
	if order.Type == orders.OrderTypeLimit && !order.Price.IsPositive() {
		order.Reject("limit price must be positive")
		e.track(order)
		return order, nil, nil
	}

	if e.risk != nil {
		if result := e.risk.Check(order); !result.Passed {
			order.Reject(result.Reason)
			e.track(order)
			return order, nil, nil
		}
	}

	// Balance check preserved exactly as the source models it: only BUY
	// LIMIT orders are checked against quote currency. SELL orders and
	// MARKET orders of either side are not validated against any balance
	// or existing position before being accepted.
	if order.Side == orders.SideBuy && order.Type == orders.OrderTypeLimit {
		acct := e.accounts.GetOrCreate(req.SessionID)
		required := order.Price.Mul(order.Quantity)
		if acct.Balance(sb.quote).LessThan(required) {
			order.Reject("insufficient balance")
			e.track(order)
			return order, nil, nil
		}
	}

	order.Status = orders.OrderStatusOpen

	sb.mu.Lock()
	fills, rejectedForFOK := e.matchLocked(order, sb)
	if !rejectedForFOK {
		e.settleRemainder(order, sb)
	}
	sb.mu.Unlock()

	for _, f := range fills {
		e.settleFill(f, sb)
	}

	e.track(order)
	return order, fills, nil
}

// matchLocked attempts to match order against the book. Must be called with
// sb.mu held. The second return value is true only when a FOK order could
// not be filled entirely and was rejected with zero fills applied - the
// all-or-nothing guarantee the source's comment admits it never enforced.
func (e *Engine) matchLocked(order *orders.Order, sb *symbolBook) ([]orders.Fill, bool) {
	if order.TimeInForce == orders.TimeInForceFOK {
		if !e.canFillEntirelyLocked(order, sb) {
			order.Reject("fill or kill: insufficient liquidity to fill entirely")
			return nil, true
		}
	}

	var fills []orders.Fill

	var getLevel func() *orderbook.PriceLevel
	var priceOK func(decimal.Decimal) bool

	if order.Side == orders.SideBuy {
		getLevel = sb.book.GetBestAsk
		priceOK = func(bookPrice decimal.Decimal) bool {
			return order.Type == orders.OrderTypeMarket || bookPrice.LessThanOrEqual(order.Price)
		}
	} else {
		getLevel = sb.book.GetBestBid
		priceOK = func(bookPrice decimal.Decimal) bool {
			return order.Type == orders.OrderTypeMarket || bookPrice.GreaterThanOrEqual(order.Price)
		}
	}

	for order.RemainingQty().IsPositive() {
		level := getLevel()
		if level == nil {
			break
		}
		if !priceOK(level.Price) {
			break
		}

		for node := level.Head(); node != nil && order.RemainingQty().IsPositive(); {
			maker := node.Order
			next := node.Next()

			fillQty := decimal.Min(order.RemainingQty(), maker.RemainingQty())
			ts := time.Now().UTC()

			takerFill := orders.Fill{
				FillID:    orders.NewFillID(),
				OrderID:   order.ID,
				SessionID: order.SessionID,
				Symbol:    order.Symbol,
				Side:      order.Side,
				Price:     level.Price,
				Quantity:  fillQty,
				Timestamp: ts,
				IsMaker:   false,
			}
			makerFill := orders.Fill{
				FillID:    orders.NewFillID(),
				OrderID:   maker.ID,
				SessionID: maker.SessionID,
				Symbol:    maker.Symbol,
				Side:      maker.Side,
				Price:     level.Price,
				Quantity:  fillQty,
				Timestamp: ts,
				IsMaker:   true,
			}

			order.Fill(fillQty)
			if err := sb.book.ApplyFill(maker.ID, fillQty); err != nil {
				e.log.Error().Err(err).Str("order_id", maker.ID).Msg("apply fill to resting order")
			}

			fills = append(fills, takerFill, makerFill)
			sb.lastPrice = level.Price

			node = next
		}
	}

	return fills, false
}

// canFillEntirelyLocked reports whether order's full quantity is available
// at acceptable prices, without mutating book state.
func (e *Engine) canFillEntirelyLocked(order *orders.Order, sb *symbolBook) bool {
	remaining := order.Quantity

	var levels []*orderbook.PriceLevel
	if order.Side == orders.SideBuy {
		levels = sb.book.GetAskDepth(0)
	} else {
		levels = sb.book.GetBidDepth(0)
	}

	for _, level := range levels {
		ok := order.Type == orders.OrderTypeMarket
		if !ok {
			if order.Side == orders.SideBuy {
				ok = level.Price.LessThanOrEqual(order.Price)
			} else {
				ok = level.Price.GreaterThanOrEqual(order.Price)
			}
		}
		if !ok {
			break
		}
		if level.TotalQty.GreaterThanOrEqual(remaining) {
			return true
		}
		remaining = remaining.Sub(level.TotalQty)
	}

	return remaining.LessThanOrEqual(decimal.Zero)
}

// settleRemainder applies time-in-force rules to whatever quantity is left
// after matching.
func (e *Engine) settleRemainder(order *orders.Order, sb *symbolBook) {
	remaining := order.RemainingQty()
	if !remaining.IsPositive() {
		return
	}

	switch {
	case order.Type == orders.OrderTypeMarket:
		order.Cancel()
	case order.TimeInForce == orders.TimeInForceIOC:
		order.Cancel()
	case order.TimeInForce == orders.TimeInForceFOK:
		// Unreachable in practice: FOK either fills entirely in matchLocked
		// or is rejected up front. Guard kept for defense in depth.
		order.Cancel()
	default: // GTC limit order rests in the book
		order.Status = orders.OrderStatusOpen
		if err := sb.book.AddOrder(order); err != nil {
			e.log.Error().Err(err).Str("order_id", order.ID).Msg("add resting order")
		}
	}
}

// settleFill applies a fill's cash and position effects to both sides'
// accounts.
func (e *Engine) settleFill(f orders.Fill, sb *symbolBook) {
	acct := e.accounts.GetOrCreate(f.SessionID)
	acct.ApplyFill(f, sb.base, sb.quote)
	if e.risk != nil {
		e.risk.UpdatePosition(f.SessionID, f.Symbol, f.Side, f.Quantity)
		e.risk.SetReferencePrice(f.Symbol, f.Price)
	}
}

func (e *Engine) track(o *orders.Order) {
	e.ordersMu.Lock()
	e.orders[o.ID] = o
	e.ordersMu.Unlock()
}

// Cancel cancels a resting order, scoped to the session that owns it.
func (e *Engine) Cancel(sessionID, orderID string) (*orders.Order, error) {
	e.ordersMu.RLock()
	order, ok := e.orders[orderID]
	e.ordersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.SessionID != sessionID {
		return nil, fmt.Errorf("%w: order %s belongs to a different session", ErrWrongSession, orderID)
	}
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: order %s is already %s", ErrTerminalOrder, orderID, order.Status)
	}

	sb := e.lookupSymbol(order.Symbol)
	if sb == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, order.Symbol)
	}

	sb.mu.Lock()
	removed := sb.book.CancelOrder(orderID)
	sb.mu.Unlock()

	if removed == nil {
		return nil, fmt.Errorf("%w: order %s", ErrOrderNotResting, orderID)
	}
	order.Cancel()
	return order, nil
}

// GetOrder retrieves an order by id, scoped to the owning session.
func (e *Engine) GetOrder(sessionID, orderID string) (*orders.Order, error) {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	order, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.SessionID != sessionID {
		return nil, fmt.Errorf("%w: order %s belongs to a different session", ErrWrongSession, orderID)
	}
	return order, nil
}

// ListOrders returns all orders for a session, optionally filtered by symbol
// and open-only.
func (e *Engine) ListOrders(sessionID, symbol string, openOnly bool) []*orders.Order {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()

	out := make([]*orders.Order, 0)
	for _, o := range e.orders {
		if o.SessionID != sessionID {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if openOnly && !o.IsActive() {
			continue
		}
		out = append(out, o)
	}
	return out
}

// LastPrice returns the last traded price for a symbol, or zero if none yet.
func (e *Engine) LastPrice(symbol string) decimal.Decimal {
	sb := e.lookupSymbol(symbol)
	if sb == nil {
		return decimal.Zero
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.lastPrice
}

// OrderBook returns the order book for a symbol, or nil if unknown.
func (e *Engine) OrderBook(symbol string) *orderbook.OrderBook {
	sb := e.lookupSymbol(symbol)
	if sb == nil {
		return nil
	}
	return sb.book
}
