// Package messages defines the newline-delimited JSON wire protocol used by
// the /ws streaming surface.
//
// Grounded on original_source's models/messages.py (the MessageType/Channel
// enums and message payload shapes) and message_router.py (parse/route/
// serialize plus the three error codes).
package messages

import "encoding/json"

// MessageType identifies the kind of a wire message.
type MessageType string

const (
	// Client -> server
	TypePlaceOrder  MessageType = "PLACE_ORDER"
	TypeCancelOrder MessageType = "CANCEL_ORDER"
	TypeGetOrder    MessageType = "GET_ORDER"
	TypeGetOrders   MessageType = "GET_ORDERS"
	TypeGetBalance  MessageType = "GET_BALANCE"
	TypeGetPosition MessageType = "GET_POSITION"
	TypeSubscribe   MessageType = "SUBSCRIBE"
	TypeUnsubscribe MessageType = "UNSUBSCRIBE"
	TypePing        MessageType = "PING"

	// Server -> client
	TypeOrderAck       MessageType = "ORDER_ACK"
	TypeOrderFill      MessageType = "ORDER_FILL"
	TypeOrderCancel    MessageType = "ORDER_CANCEL"
	TypeOrderReject    MessageType = "ORDER_REJECT"
	TypeBalanceUpdate  MessageType = "BALANCE_UPDATE"
	TypePositionUpdate MessageType = "POSITION_UPDATE"
	TypeMarketData     MessageType = "MARKET_DATA"
	TypeOrderbookUpdate MessageType = "ORDERBOOK_UPDATE"
	TypeTrade          MessageType = "TRADE"
	TypePong           MessageType = "PONG"
	TypeError          MessageType = "ERROR"
	// TypeOrdersList is a supplemented reply kind: the source's
	// GET_ORDERS handler was an explicit NOT_IMPLEMENTED placeholder
	// whose own comment says this "would typically return a custom
	// message type with a list of orders".
	TypeOrdersList MessageType = "ORDERS_LIST"
)

// Channel identifies a subscribable market-data stream.
type Channel string

const (
	ChannelTrades      Channel = "TRADES"
	ChannelTicker      Channel = "TICKER"
	ChannelOrderbook   Channel = "ORDERBOOK"
	ChannelOrderbookL2 Channel = "ORDERBOOK_L2"
)

// ChannelKey builds the "<CHANNEL>:<SYMBOL>" subscription key.
func ChannelKey(channel Channel, symbol string) string {
	return string(channel) + ":" + symbol
}

// Envelope is the outer shape of every frame on the wire.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Error codes returned in ErrorPayload.Code.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrNoHandler      = "NO_HANDLER"
	ErrHandlerError   = "HANDLER_ERROR"
)

// ErrorPayload is the payload of a TypeError envelope.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// PlaceOrderPayload is the payload of a TypePlaceOrder envelope.
type PlaceOrderPayload struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"order_type"`
	TimeInForce   string `json:"time_in_force,omitempty"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// CancelOrderPayload is the payload of a TypeCancelOrder envelope.
type CancelOrderPayload struct {
	OrderID string `json:"order_id"`
}

// GetOrderPayload is the payload of a TypeGetOrder envelope.
type GetOrderPayload struct {
	OrderID string `json:"order_id"`
}

// GetOrdersPayload is the payload of a TypeGetOrders envelope.
type GetOrdersPayload struct {
	Symbol   string `json:"symbol,omitempty"`
	OpenOnly bool   `json:"open_only,omitempty"`
}

// GetBalancePayload is the (empty) payload of a TypeGetBalance envelope.
type GetBalancePayload struct{}

// GetPositionPayload is the payload of a TypeGetPosition envelope.
type GetPositionPayload struct {
	Symbol string `json:"symbol,omitempty"`
}

// SubscribePayload is the payload of Subscribe/Unsubscribe envelopes.
type SubscribePayload struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// OrderPayload describes an order in ACK/CANCEL/REJECT/LIST replies.
type OrderPayload struct {
	OrderID       string `json:"order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"order_type"`
	TimeInForce   string `json:"time_in_force"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
	FilledQty     string `json:"filled_quantity"`
	Status        string `json:"status"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	RejectReason  string `json:"reject_reason,omitempty"`
}

// OrdersListPayload is the payload of a TypeOrdersList reply.
type OrdersListPayload struct {
	Orders []OrderPayload `json:"orders"`
}

// FillPayload describes one execution in an ORDER_FILL reply.
type FillPayload struct {
	FillID   string `json:"fill_id"`
	OrderID  string `json:"order_id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	IsMaker  bool   `json:"is_maker"`
}

// BalanceUpdatePayload is the payload of a BALANCE_UPDATE reply.
type BalanceUpdatePayload struct {
	Balances map[string]string `json:"balances"`
}

// PositionUpdatePayload is the payload of a POSITION_UPDATE reply.
type PositionUpdatePayload struct {
	Symbol        string `json:"symbol"`
	Quantity      string `json:"quantity"`
	AveragePrice  string `json:"average_price"`
	RealizedPnL   string `json:"realized_pnl"`
	UnrealizedPnL string `json:"unrealized_pnl"`
}

// MarketDataPayload is the payload of a MARKET_DATA (ticker) reply.
type MarketDataPayload struct {
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	High       string `json:"high"`
	Low        string `json:"low"`
	Volume     string `json:"volume"`
	SequenceID uint64 `json:"sequence_id"`
}

// TradePayload is the payload of a TRADE reply.
type TradePayload struct {
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	SequenceID uint64 `json:"sequence_id"`
}

// OrderbookUpdatePayload is the payload of an ORDERBOOK_UPDATE reply.
type OrderbookUpdatePayload struct {
	Symbol string            `json:"symbol"`
	Bids   []OrderbookLevel  `json:"bids"`
	Asks   []OrderbookLevel  `json:"asks"`
}

// OrderbookLevel is one price/quantity pair in a depth snapshot.
type OrderbookLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Orders   int    `json:"orders"`
}

// PongPayload echoes the PING's request id so the heartbeat manager can
// match replies to outstanding pings.
type PongPayload struct {
	RequestID string `json:"request_id"`
}
