package orderbook

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rishav/exchange-sim/internal/orders"
)

// OrderBook maintains the buy (bid) and sell (ask) sides of the market.
//
// Architecture:
//
//	                    OrderBook
//	                        │
//	       ┌────────────────┴────────────────┐
//	       │                                 │
//	    Bids (RBTree)                   Asks (RBTree)
//	    descending=true                 descending=false
//	       │                                 │
//	    PriceLevel                       PriceLevel
//	    (sorted high→low)                (sorted low→high)
//	       │                                 │
//	    OrderQueue                       OrderQueue
//	    (FIFO linked list)               (FIFO linked list)
//
// Key Design Decisions:
//
// 1. Two Red-Black Trees: One for bids (highest first), one for asks (lowest first)
//   - O(1) access to best bid/ask via cached min/max pointers
//   - O(log P) insert/delete where P = number of price levels
//
// 2. Order ID Map: Hash map from order ID to OrderNode
//   - O(1) cancel by order ID (no search required)
//
// 3. Price-Time Priority: Implemented via:
//   - Red-black tree for price priority (best price first)
//   - FIFO queue at each price level for time priority (first order first)
type OrderBook struct {
	symbol string
	bids   *RBTree                // Buy orders, sorted by price descending
	asks   *RBTree                // Sell orders, sorted by price ascending
	orders map[string]*OrderNode  // Order ID -> Node for O(1) cancel
}

// NewOrderBook creates a new order book for the given symbol.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   NewRBTree(true),  // descending: true (highest price first)
		asks:   NewRBTree(false), // descending: false (lowest price first)
		orders: make(map[string]*OrderNode),
	}
}

// Symbol returns the symbol this order book is for.
func (ob *OrderBook) Symbol() string {
	return ob.symbol
}

// AddOrder adds an order to the appropriate side of the book.
// Returns an error if the order already exists.
// Time complexity: O(log P) where P = number of price levels
func (ob *OrderBook) AddOrder(order *orders.Order) error {
	if _, exists := ob.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}

	tree := ob.getTree(order.Side)

	level := tree.Get(order.Price)
	if level == nil {
		level = NewPriceLevel(order.Price)
		tree.Insert(level)
	}

	node := level.Append(order)
	ob.orders[order.ID] = node

	return nil
}

// CancelOrder removes an order from the book.
// Returns the cancelled order, or nil if not found.
func (ob *OrderBook) CancelOrder(orderID string) *orders.Order {
	node, exists := ob.orders[orderID]
	if !exists {
		return nil
	}

	order := node.Order
	level := node.level
	tree := ob.getTree(order.Side)

	level.Remove(node)
	delete(ob.orders, orderID)

	if level.IsEmpty() {
		tree.Delete(level.Price)
	}

	return order
}

// GetOrder retrieves an order by ID.
func (ob *OrderBook) GetOrder(orderID string) *orders.Order {
	node, exists := ob.orders[orderID]
	if !exists {
		return nil
	}
	return node.Order
}

// GetBestBid returns the highest bid price level, or nil if no bids.
func (ob *OrderBook) GetBestBid() *PriceLevel {
	return ob.bids.Min()
}

// GetBestAsk returns the lowest ask price level, or nil if no asks.
func (ob *OrderBook) GetBestAsk() *PriceLevel {
	return ob.asks.Min()
}

// GetSpread returns the difference between best ask and best bid.
// Returns zero if either side is empty.
func (ob *OrderBook) GetSpread() decimal.Decimal {
	bestBid := ob.GetBestBid()
	bestAsk := ob.GetBestAsk()
	if bestBid == nil || bestAsk == nil {
		return decimal.Zero
	}
	return bestAsk.Price.Sub(bestBid.Price)
}

// GetMidPrice returns the midpoint between best bid and ask.
// Returns zero if either side is empty.
func (ob *OrderBook) GetMidPrice() decimal.Decimal {
	bestBid := ob.GetBestBid()
	bestAsk := ob.GetBestAsk()
	if bestBid == nil || bestAsk == nil {
		return decimal.Zero
	}
	return bestBid.Price.Add(bestAsk.Price).Div(decimal.NewFromInt(2))
}

// BidLevels returns the number of distinct bid price levels.
func (ob *OrderBook) BidLevels() int {
	return ob.bids.Size()
}

// AskLevels returns the number of distinct ask price levels.
func (ob *OrderBook) AskLevels() int {
	return ob.asks.Size()
}

// TotalOrders returns the total number of orders in the book.
func (ob *OrderBook) TotalOrders() int {
	return len(ob.orders)
}

// GetBidDepth returns the top N bid price levels.
// If levels <= 0, returns all levels.
func (ob *OrderBook) GetBidDepth(levels int) []*PriceLevel {
	return ob.getDepth(ob.bids, levels)
}

// GetAskDepth returns the top N ask price levels.
// If levels <= 0, returns all levels.
func (ob *OrderBook) GetAskDepth(levels int) []*PriceLevel {
	return ob.getDepth(ob.asks, levels)
}

func (ob *OrderBook) getDepth(tree *RBTree, maxLevels int) []*PriceLevel {
	result := make([]*PriceLevel, 0)
	count := 0

	tree.ForEach(func(level *PriceLevel) bool {
		result = append(result, level)
		count++
		if maxLevels > 0 && count >= maxLevels {
			return false
		}
		return true
	})

	return result
}

// ApplyFill reduces an order's resting quantity in the book after a fill,
// removing it entirely once fully filled.
func (ob *OrderBook) ApplyFill(orderID string, fillQty decimal.Decimal) error {
	node, exists := ob.orders[orderID]
	if !exists {
		return fmt.Errorf("order %s not found", orderID)
	}

	order := node.Order
	order.Fill(fillQty)
	node.level.UpdateQuantity(fillQty.Neg())

	if order.IsFilled() {
		ob.CancelOrder(orderID)
	}

	return nil
}

// getTree returns the appropriate tree for the given side.
func (ob *OrderBook) getTree(side orders.Side) *RBTree {
	if side == orders.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// String returns a human-readable representation of the order book.
func (ob *OrderBook) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== %s Order Book ===\n", ob.symbol))

	asks := ob.GetAskDepth(5)
	sb.WriteString("ASKS:\n")
	for i := len(asks) - 1; i >= 0; i-- {
		level := asks[i]
		sb.WriteString(fmt.Sprintf("  %s: %s (%d orders)\n",
			level.Price, level.TotalQty, level.Count()))
	}

	spread := ob.GetSpread()
	if spread.IsPositive() {
		sb.WriteString(fmt.Sprintf("--- Spread: %s ---\n", spread))
	} else {
		sb.WriteString("--- No Spread ---\n")
	}

	bids := ob.GetBidDepth(5)
	sb.WriteString("BIDS:\n")
	for _, level := range bids {
		sb.WriteString(fmt.Sprintf("  %s: %s (%d orders)\n",
			level.Price, level.TotalQty, level.Count()))
	}

	return sb.String()
}
