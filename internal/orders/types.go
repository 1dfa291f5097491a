// Package orders defines the core order, fill, and position types shared by
// the matching engine, the account manager, and the wire-level message
// layer.
//
// Prices and quantities use shopspring/decimal rather than a fixed-point
// int64 scheme: the simulator prices across wildly different tick sizes
// (fractional BTC quantities, four-decimal FX-style quotes) and decimal
// keeps that exact without per-symbol scale bookkeeping.
package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents the side of an order (buy or sell).
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide parses the wire representation of a side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("unknown side: %q", s)
	}
}

// OrderType represents the type of order and its execution semantics.
type OrderType int

const (
	// OrderTypeLimit rests in the book until filled or cancelled. Only
	// executes at the specified price or better.
	OrderTypeLimit OrderType = iota

	// OrderTypeMarket executes immediately at the best available price.
	// No price protection - will fill at whatever price is available.
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderType parses the wire representation of an order type.
func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "LIMIT":
		return OrderTypeLimit, nil
	case "MARKET":
		return OrderTypeMarket, nil
	default:
		return 0, fmt.Errorf("unknown order type: %q", s)
	}
}

// TimeInForce controls how long an order lives against the book.
type TimeInForce int

const (
	// TimeInForceGTC rests until cancelled.
	TimeInForceGTC TimeInForce = iota

	// TimeInForceIOC fills what it can immediately, cancels the remainder.
	TimeInForceIOC

	// TimeInForceFOK fills completely immediately or is rejected entirely.
	TimeInForceFOK
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceGTC:
		return "GTC"
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	default:
		return "UNKNOWN"
	}
}

// ParseTimeInForce parses the wire representation of a time-in-force value.
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch s {
	case "", "GTC":
		return TimeInForceGTC, nil
	case "IOC":
		return TimeInForceIOC, nil
	case "FOK":
		return TimeInForceFOK, nil
	default:
		return 0, fmt.Errorf("unknown time in force: %q", s)
	}
}

// OrderStatus represents the current state of an order.
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusOpen
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusOpen:
		return "OPEN"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderStatus parses the wire representation of an order status.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "PENDING":
		return OrderStatusPending, nil
	case "OPEN":
		return OrderStatusOpen, nil
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled, nil
	case "FILLED":
		return OrderStatusFilled, nil
	case "CANCELLED":
		return OrderStatusCancelled, nil
	case "REJECTED":
		return OrderStatusRejected, nil
	default:
		return 0, fmt.Errorf("unknown order status: %q", s)
	}
}

// IsTerminal reports whether the status is absorbing: FILLED, CANCELLED, or
// REJECTED orders never transition again.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Order is a single order in the matching engine.
type Order struct {
	ID            string
	SessionID     string
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal // zero value for MARKET orders
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	Status        OrderStatus
	TimeInForce   TimeInForce
	ClientOrderID string
	RejectReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrderID generates a fresh opaque order identifier.
func NewOrderID() string {
	return uuid.NewString()
}

// RemainingQty returns the unfilled quantity of the order.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// IsFilled reports whether the order has been completely filled.
func (o *Order) IsFilled() bool {
	return o.FilledQty.GreaterThanOrEqual(o.Quantity)
}

// IsActive reports whether the order can still be matched or rests in the
// book.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// Fill applies a partial or complete execution to the order, updating
// FilledQty, Status and UpdatedAt.
func (o *Order) Fill(qty decimal.Decimal) {
	o.FilledQty = o.FilledQty.Add(qty)
	o.UpdatedAt = time.Now().UTC()
	if o.IsFilled() {
		o.Status = OrderStatusFilled
	} else if o.FilledQty.IsPositive() {
		o.Status = OrderStatusPartiallyFilled
	}
}

// Cancel transitions the order to CANCELLED.
func (o *Order) Cancel() {
	o.Status = OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
}

// Reject transitions the order to REJECTED, recording why.
func (o *Order) Reject(reason string) {
	o.Status = OrderStatusRejected
	o.RejectReason = reason
	o.UpdatedAt = time.Now().UTC()
}

func (o *Order) String() string {
	return fmt.Sprintf("Order{ID:%s, %s %s %s@%s, Filled:%s, Status:%s}",
		o.ID, o.Side, o.Symbol, o.Quantity, o.Price, o.FilledQty, o.Status)
}

// Fill represents a single execution between a taker and a maker order.
// The matching engine emits one Fill per side of a match so each owning
// account observes its own leg.
type Fill struct {
	FillID    string
	OrderID   string
	SessionID string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
	IsMaker   bool
}

// NewFillID generates a fresh opaque fill identifier.
func NewFillID() string {
	return uuid.NewString()
}

// Position is per (session, symbol) exposure.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal // signed: positive long, negative short
	AveragePrice  decimal.Decimal // non-negative
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// UpdateOnFill applies a fill to the position using the signed-quantity
// weighted-average-price rule from the spec: realize P&L on the closing
// portion of a reducing fill, then reprice the average on any remaining
// increase or flip.
func (p *Position) UpdateOnFill(f Fill) {
	delta := f.Quantity
	if f.Side == SideSell {
		delta = f.Quantity.Neg()
	}

	oldQty := p.Quantity
	if (oldQty.IsPositive() && delta.IsNegative()) || (oldQty.IsNegative() && delta.IsPositive()) {
		closingQty := decimal.Min(delta.Abs(), oldQty.Abs())
		sign := decimal.NewFromInt(1)
		if oldQty.IsNegative() {
			sign = decimal.NewFromInt(-1)
		}
		p.RealizedPnL = p.RealizedPnL.Add(closingQty.Mul(f.Price.Sub(p.AveragePrice)).Mul(sign))
	}

	newQty := oldQty.Add(delta)

	grows := (oldQty.GreaterThanOrEqual(decimal.Zero) && newQty.GreaterThan(oldQty)) ||
		(oldQty.LessThanOrEqual(decimal.Zero) && newQty.LessThan(oldQty)) ||
		oldQty.Mul(newQty).IsNegative()

	if grows && !newQty.IsZero() {
		if oldQty.Mul(newQty).LessThanOrEqual(decimal.Zero) {
			// Flipping sign or opening a fresh position.
			p.AveragePrice = f.Price
		} else {
			totalValue := oldQty.Abs().Mul(p.AveragePrice).Add(delta.Abs().Mul(f.Price))
			p.AveragePrice = totalValue.Div(newQty.Abs())
		}
	}

	p.Quantity = newQty
}

// UnrealizedPnLAt computes unrealized P&L at the given mark price without
// mutating the position.
func (p *Position) UnrealizedPnLAt(mark decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return p.Quantity.Mul(mark.Sub(p.AveragePrice))
}
