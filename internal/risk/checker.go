// Package risk implements the pre-trade risk checks that run before an
// order reaches the matching engine: order size limits, a price band
// around the last traded price, and a per-session position limit.
//
// Checks run before an order touches the book, so they only ever read and
// update their own bookkeeping - never the order book itself - and can run
// without holding any symbol's lock.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rishav/exchange-sim/internal/orders"
)

// CheckResult is the outcome of a pre-trade risk check.
type CheckResult struct {
	Passed    bool
	Reason    string
	ChecksRun []string
}

// Config configures the risk checker's limits. A zero value for any limit
// means "unlimited" for that check.
type Config struct {
	MaxOrderQuantity decimal.Decimal
	MaxOrderValue    decimal.Decimal
	MaxPositionSize  decimal.Decimal
	PriceBandPercent decimal.Decimal // e.g. 0.10 = 10% from the reference price
	SymbolLimits     map[string]decimal.Decimal
}

// DefaultConfig returns generous limits wide enough not to interfere with
// the simulator's default scenarios, matching the simulator's other
// defaults rather than a real exchange's tighter production values.
func DefaultConfig() Config {
	return Config{
		MaxOrderQuantity: decimal.NewFromInt(100000),
		MaxOrderValue:    decimal.NewFromInt(10000000),
		MaxPositionSize:  decimal.NewFromInt(1000000),
		PriceBandPercent: decimal.NewFromFloat(0.20),
		SymbolLimits:     map[string]decimal.Decimal{},
	}
}

// Checker performs pre-trade risk checks and tracks the per-session,
// per-symbol position used by the position-limit check.
type Checker struct {
	config Config

	mu              sync.RWMutex
	positions       map[string]map[string]decimal.Decimal // session -> symbol -> position
	referencePrices map[string]decimal.Decimal             // symbol -> last traded price
}

// NewChecker creates a risk checker.
func NewChecker(config Config) *Checker {
	return &Checker{
		config:          config,
		positions:       make(map[string]map[string]decimal.Decimal),
		referencePrices: make(map[string]decimal.Decimal),
	}
}

// Check runs every applicable risk check against order, short-circuiting on
// the first failure.
func (c *Checker) Check(order *orders.Order) CheckResult {
	result := CheckResult{Passed: true, ChecksRun: make([]string, 0, 4)}

	result.ChecksRun = append(result.ChecksRun, "order_quantity")
	if c.config.MaxOrderQuantity.IsPositive() && order.Quantity.GreaterThan(c.config.MaxOrderQuantity) {
		return CheckResult{
			Passed:    false,
			Reason:    fmt.Sprintf("order quantity %s exceeds max %s", order.Quantity, c.config.MaxOrderQuantity),
			ChecksRun: result.ChecksRun,
		}
	}

	if order.Type == orders.OrderTypeLimit && order.Price.IsPositive() {
		result.ChecksRun = append(result.ChecksRun, "order_value")
		value := order.Price.Mul(order.Quantity)
		if c.config.MaxOrderValue.IsPositive() && value.GreaterThan(c.config.MaxOrderValue) {
			return CheckResult{
				Passed:    false,
				Reason:    fmt.Sprintf("order value %s exceeds max %s", value, c.config.MaxOrderValue),
				ChecksRun: result.ChecksRun,
			}
		}

		result.ChecksRun = append(result.ChecksRun, "price_band")
		if !c.checkPriceBand(order) {
			ref := c.GetReferencePrice(order.Symbol)
			return CheckResult{
				Passed:    false,
				Reason:    fmt.Sprintf("price %s outside band around reference %s (%s%%)", order.Price, ref, c.config.PriceBandPercent.Mul(decimal.NewFromInt(100))),
				ChecksRun: result.ChecksRun,
			}
		}
	}

	result.ChecksRun = append(result.ChecksRun, "position_limit")
	if !c.checkPositionLimit(order) {
		current := c.GetPosition(order.SessionID, order.Symbol)
		return CheckResult{
			Passed:    false,
			Reason:    fmt.Sprintf("would exceed position limit (current: %s, order: %s)", current, order.Quantity),
			ChecksRun: result.ChecksRun,
		}
	}

	return result
}

func (c *Checker) checkPriceBand(order *orders.Order) bool {
	c.mu.RLock()
	ref, exists := c.referencePrices[order.Symbol]
	c.mu.RUnlock()

	if !exists || ref.IsZero() {
		return true
	}

	band := ref.Mul(c.config.PriceBandPercent)
	low := ref.Sub(band)
	high := ref.Add(band)
	return order.Price.GreaterThanOrEqual(low) && order.Price.LessThanOrEqual(high)
}

func (c *Checker) checkPositionLimit(order *orders.Order) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	current := decimal.Zero
	if bySymbol, ok := c.positions[order.SessionID]; ok {
		current = bySymbol[order.Symbol]
	}

	projected := current.Add(order.Quantity)
	if order.Side == orders.SideSell {
		projected = current.Sub(order.Quantity)
	}

	limit := c.config.MaxPositionSize
	if symLimit, ok := c.config.SymbolLimits[order.Symbol]; ok {
		limit = symLimit
	}
	if !limit.IsPositive() {
		return true
	}

	return projected.Abs().LessThanOrEqual(limit)
}

// UpdatePosition applies a fill's effect on a session's tracked position.
func (c *Checker) UpdatePosition(sessionID, symbol string, side orders.Side, quantity decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.positions[sessionID] == nil {
		c.positions[sessionID] = make(map[string]decimal.Decimal)
	}
	if side == orders.SideBuy {
		c.positions[sessionID][symbol] = c.positions[sessionID][symbol].Add(quantity)
	} else {
		c.positions[sessionID][symbol] = c.positions[sessionID][symbol].Sub(quantity)
	}
}

// SetReferencePrice records the last traded price for symbol, used by the
// price-band check. Called after each trade.
func (c *Checker) SetReferencePrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.referencePrices[symbol] = price
}

// GetReferencePrice returns the current reference price for symbol.
func (c *Checker) GetReferencePrice(symbol string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.referencePrices[symbol]
}

// GetPosition returns a session's tracked position in symbol.
func (c *Checker) GetPosition(sessionID, symbol string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if bySymbol, ok := c.positions[sessionID]; ok {
		return bySymbol[symbol]
	}
	return decimal.Zero
}
