package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rishav/exchange-sim/internal/account"
	"github.com/rishav/exchange-sim/internal/marketdata"
	"github.com/rishav/exchange-sim/internal/matching"
	"github.com/rishav/exchange-sim/internal/messages"
	"github.com/rishav/exchange-sim/internal/orders"
	"github.com/rishav/exchange-sim/internal/session"
)

// Handlers holds the collaborators inbound message handlers dispatch into,
// and registers itself against a messages.Router.
type Handlers struct {
	Engine    *matching.Engine
	Accounts  *account.Manager
	Sessions  *session.Manager
	MarketData *marketdata.Generator
	BaseCurrency, QuoteCurrency map[string]string // symbol -> currency
}

// New creates a Handlers bundle.
func New(engine *matching.Engine, accounts *account.Manager, sessions *session.Manager, md *marketdata.Generator) *Handlers {
	return &Handlers{
		Engine:     engine,
		Accounts:   accounts,
		Sessions:   sessions,
		MarketData: md,
		BaseCurrency:  make(map[string]string),
		QuoteCurrency: make(map[string]string),
	}
}

// RegisterSymbol records the base/quote currency split for a symbol so
// balance/position replies can be labeled correctly.
func (h *Handlers) RegisterSymbol(symbol, base, quote string) {
	h.BaseCurrency[symbol] = base
	h.QuoteCurrency[symbol] = quote
}

// Register binds every inbound message type to its handler.
func (h *Handlers) Register(r *messages.Router) {
	r.Register(messages.TypePlaceOrder, h.handlePlaceOrder)
	r.Register(messages.TypeCancelOrder, h.handleCancelOrder)
	r.Register(messages.TypeGetOrder, h.handleGetOrder)
	r.Register(messages.TypeGetOrders, h.handleGetOrders)
	r.Register(messages.TypeGetBalance, h.handleGetBalance)
	r.Register(messages.TypeGetPosition, h.handleGetPosition)
	r.Register(messages.TypeSubscribe, h.handleSubscribe)
	r.Register(messages.TypeUnsubscribe, h.handleUnsubscribe)
	r.Register(messages.TypePing, h.handlePing)
}

func orderToPayload(o *orders.Order) messages.OrderPayload {
	p := messages.OrderPayload{
		OrderID:       o.ID,
		Symbol:        o.Symbol,
		Side:          o.Side.String(),
		Type:          o.Type.String(),
		TimeInForce:   o.TimeInForce.String(),
		Quantity:      o.Quantity.String(),
		FilledQty:     o.FilledQty.String(),
		Status:        o.Status.String(),
		ClientOrderID: o.ClientOrderID,
	}
	if o.Type == orders.OrderTypeLimit {
		p.Price = o.Price.String()
	}
	return p
}

func (h *Handlers) handlePlaceOrder(sessionID string, env messages.Envelope) ([]messages.Envelope, error) {
	var payload messages.PlaceOrderPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		return nil, err
	}

	side, err := orders.ParseSide(payload.Side)
	if err != nil {
		return nil, err
	}
	orderType, err := orders.ParseOrderType(payload.Type)
	if err != nil {
		return nil, err
	}
	tif, err := orders.ParseTimeInForce(payload.TimeInForce)
	if err != nil {
		return nil, err
	}
	quantity, err := decimal.NewFromString(payload.Quantity)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity: %w", err)
	}

	var price decimal.Decimal
	if orderType == orders.OrderTypeLimit {
		price, err = decimal.NewFromString(payload.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid price: %w", err)
		}
	}

	order, fills, err := h.Engine.Place(matching.PlaceRequest{
		SessionID:     sessionID,
		Symbol:        payload.Symbol,
		Side:          side,
		Type:          orderType,
		TimeInForce:   tif,
		Price:         price,
		Quantity:      quantity,
		ClientOrderID: payload.ClientOrderID,
	})
	if err != nil {
		return nil, err
	}

	replies := make([]messages.Envelope, 0, 1+len(fills))

	if order.Status == orders.OrderStatusRejected {
		op := orderToPayload(order)
		op.RejectReason = order.RejectReason
		replies = append(replies, messages.MustPayload(messages.TypeOrderReject, env.RequestID, op))
		return replies, nil
	}

	replies = append(replies, messages.MustPayload(messages.TypeOrderAck, env.RequestID, orderToPayload(order)))

	for _, f := range fills {
		if f.SessionID != sessionID {
			continue // the counterparty's leg is delivered to their own session below
		}
		replies = append(replies, messages.MustPayload(messages.TypeOrderFill, "", fillPayload(f)))
	}

	// Deliver the resting counterparty's own fill leg directly to their
	// session, since it didn't originate this request/reply round trip.
	for _, f := range fills {
		if f.SessionID == sessionID {
			continue
		}
		h.pushFill(f)
	}

	if order.Status == orders.OrderStatusCancelled {
		replies = append(replies, messages.MustPayload(messages.TypeOrderCancel, "", orderToPayload(order)))
	}

	h.pushBalanceAndPosition(sessionID, payload.Symbol)
	for _, f := range fills {
		if f.SessionID != sessionID {
			h.pushBalanceAndPosition(f.SessionID, payload.Symbol)
		}
	}

	return replies, nil
}

func fillPayload(f orders.Fill) messages.FillPayload {
	return messages.FillPayload{
		FillID:   f.FillID,
		OrderID:  f.OrderID,
		Symbol:   f.Symbol,
		Side:     f.Side.String(),
		Price:    f.Price.String(),
		Quantity: f.Quantity.String(),
		IsMaker:  f.IsMaker,
	}
}

// pushFill sends a fill notification directly to its owning session,
// outside the request/reply cycle that originated the trade.
func (h *Handlers) pushFill(f orders.Fill) {
	env := messages.MustPayload(messages.TypeOrderFill, "", fillPayload(f))
	// deliver serializes the envelope and writes it straight to the session
	// through Sessions.SendTo; the outbound fault chain is not applied.
	h.deliver(f.SessionID, env)
}

func (h *Handlers) pushBalanceAndPosition(sessionID, symbol string) {
	acct := h.Accounts.Get(sessionID)
	if acct == nil {
		return
	}
	balances, positions := acct.Snapshot()

	balPayload := messages.BalanceUpdatePayload{Balances: make(map[string]string, len(balances))}
	for cur, amt := range balances {
		balPayload.Balances[cur] = amt.String()
	}
	h.deliver(sessionID, messages.MustPayload(messages.TypeBalanceUpdate, "", balPayload))

	if pos, ok := positions[symbol]; ok {
		h.deliver(sessionID, messages.MustPayload(messages.TypePositionUpdate, "", messages.PositionUpdatePayload{
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity.String(),
			AveragePrice:  pos.AveragePrice.String(),
			RealizedPnL:   pos.RealizedPnL.String(),
			UnrealizedPnL: pos.UnrealizedPnL.String(),
		}))
	}
}

// deliver serializes and pushes an out-of-band envelope to a session. A
// session that is no longer connected silently drops it, matching
// send_to_session's "gone" contract.
func (h *Handlers) deliver(sessionID string, env messages.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.Sessions.SendTo(sessionID, frame)
}

func (h *Handlers) handleCancelOrder(sessionID string, env messages.Envelope) ([]messages.Envelope, error) {
	var payload messages.CancelOrderPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		return nil, err
	}

	order, err := h.Engine.Cancel(sessionID, payload.OrderID)
	if err != nil {
		return nil, err
	}
	return []messages.Envelope{messages.MustPayload(messages.TypeOrderCancel, env.RequestID, orderToPayload(order))}, nil
}

func (h *Handlers) handleGetOrder(sessionID string, env messages.Envelope) ([]messages.Envelope, error) {
	var payload messages.GetOrderPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		return nil, err
	}
	order, err := h.Engine.GetOrder(sessionID, payload.OrderID)
	if err != nil {
		return nil, err
	}
	return []messages.Envelope{messages.MustPayload(messages.TypeOrderAck, env.RequestID, orderToPayload(order))}, nil
}

func (h *Handlers) handleGetOrders(sessionID string, env messages.Envelope) ([]messages.Envelope, error) {
	var payload messages.GetOrdersPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		return nil, err
	}
	list := h.Engine.ListOrders(sessionID, payload.Symbol, payload.OpenOnly)
	out := make([]messages.OrderPayload, 0, len(list))
	for _, o := range list {
		out = append(out, orderToPayload(o))
	}
	return []messages.Envelope{messages.MustPayload(messages.TypeOrdersList, env.RequestID, messages.OrdersListPayload{Orders: out})}, nil
}

func (h *Handlers) handleGetBalance(sessionID string, env messages.Envelope) ([]messages.Envelope, error) {
	acct := h.Accounts.GetOrCreate(sessionID)
	balances, _ := acct.Snapshot()
	payload := messages.BalanceUpdatePayload{Balances: make(map[string]string, len(balances))}
	for cur, amt := range balances {
		payload.Balances[cur] = amt.String()
	}
	return []messages.Envelope{messages.MustPayload(messages.TypeBalanceUpdate, env.RequestID, payload)}, nil
}

func (h *Handlers) handleGetPosition(sessionID string, env messages.Envelope) ([]messages.Envelope, error) {
	var payload messages.GetPositionPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		return nil, err
	}
	acct := h.Accounts.GetOrCreate(sessionID)
	_, positions := acct.Snapshot()
	pos, ok := positions[payload.Symbol]
	if !ok {
		pos = orders.Position{Symbol: payload.Symbol}
	}
	return []messages.Envelope{messages.MustPayload(messages.TypePositionUpdate, env.RequestID, messages.PositionUpdatePayload{
		Symbol:        pos.Symbol,
		Quantity:      pos.Quantity.String(),
		AveragePrice:  pos.AveragePrice.String(),
		RealizedPnL:   pos.RealizedPnL.String(),
		UnrealizedPnL: pos.UnrealizedPnL.String(),
	})}, nil
}

func (h *Handlers) handleSubscribe(sessionID string, env messages.Envelope) ([]messages.Envelope, error) {
	var payload messages.SubscribePayload
	if err := unmarshalPayload(env, &payload); err != nil {
		return nil, err
	}
	key := messages.ChannelKey(messages.Channel(payload.Channel), payload.Symbol)
	h.Sessions.Subscribe(sessionID, key)
	return []messages.Envelope{messages.MustPayload(messages.TypeSubscribe, env.RequestID, payload)}, nil
}

func (h *Handlers) handleUnsubscribe(sessionID string, env messages.Envelope) ([]messages.Envelope, error) {
	var payload messages.SubscribePayload
	if err := unmarshalPayload(env, &payload); err != nil {
		return nil, err
	}
	key := messages.ChannelKey(messages.Channel(payload.Channel), payload.Symbol)
	h.Sessions.Unsubscribe(sessionID, key)
	return []messages.Envelope{messages.MustPayload(messages.TypeUnsubscribe, env.RequestID, payload)}, nil
}

func (h *Handlers) handlePing(sessionID string, env messages.Envelope) ([]messages.Envelope, error) {
	h.Sessions.Touch(sessionID)
	return []messages.Envelope{messages.MustPayload(messages.TypePong, env.RequestID, messages.PongPayload{RequestID: env.RequestID})}, nil
}

func unmarshalPayload(env messages.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", env.Type, err)
	}
	return nil
}
