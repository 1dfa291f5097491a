package wsserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/rishav/exchange-sim/internal/faults"
	"github.com/rishav/exchange-sim/internal/marketdata"
	"github.com/rishav/exchange-sim/internal/matching"
	"github.com/rishav/exchange-sim/internal/messages"
	"github.com/rishav/exchange-sim/internal/orderbook"
	"github.com/rishav/exchange-sim/internal/session"
)

// depthLevels is how many price levels an ORDERBOOK_UPDATE snapshot carries
// on each side.
const depthLevels = 10

// MarketDataBridge fans ticker/trade/depth updates out to every session
// subscribed to the matching TICKER:<symbol>, TRADES:<symbol>, or
// ORDERBOOK:<symbol> channel. One goroutine (Run) runs per registered
// symbol, matching the generator's one-state-machine-per-symbol shape.
//
// Each frame is serialized once, then passed through the outbound fault
// pipeline once per recipient session before delivery, so outbound
// strategies such as Silent and Duplicate apply the same way they do to
// request/reply traffic on the /ws connection itself. The rate limiter is
// not part of that pipeline: it only checks inbound requests, never these
// pushed frames.
type MarketDataBridge struct {
	publisher *marketdata.Publisher
	engine    *matching.Engine
	sessions  *session.Manager
	injector  *faults.Injector
	log       zerolog.Logger
}

// NewMarketDataBridge creates a bridge. engine supplies the depth snapshots
// broadcast on the ORDERBOOK channel after every trade. injector may be nil,
// in which case frames are broadcast unmodified.
func NewMarketDataBridge(publisher *marketdata.Publisher, engine *matching.Engine, sessions *session.Manager, injector *faults.Injector, log zerolog.Logger) *MarketDataBridge {
	return &MarketDataBridge{
		publisher: publisher,
		engine:    engine,
		sessions:  sessions,
		injector:  injector,
		log:       log.With().Str("component", "marketdata_bridge").Logger(),
	}
}

// Run subscribes to symbol's ticker and trade streams and broadcasts until
// ctx is cancelled.
func (b *MarketDataBridge) Run(ctx context.Context, symbol string) {
	tickers := b.publisher.SubscribeTicker(symbol)
	trades := b.publisher.SubscribeTrades(symbol)

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tickers:
			if !ok {
				return
			}
			b.broadcastTicker(ctx, t)
		case t, ok := <-trades:
			if !ok {
				return
			}
			b.broadcastTrade(ctx, t)
			b.broadcastOrderbook(ctx, symbol)
		}
	}
}

func (b *MarketDataBridge) broadcastTicker(ctx context.Context, t marketdata.Ticker) {
	env := messages.MustPayload(messages.TypeMarketData, "", messages.MarketDataPayload{
		Symbol:     t.Symbol,
		Price:      t.Price.String(),
		High:       t.High.String(),
		Low:        t.Low.String(),
		Volume:     t.Volume.String(),
		SequenceID: t.SequenceID,
	})
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	key := messages.ChannelKey(messages.ChannelTicker, t.Symbol)
	b.publishToChannel(ctx, key, messages.TypeMarketData, frame)
}

func (b *MarketDataBridge) broadcastTrade(ctx context.Context, t marketdata.TradeReport) {
	env := messages.MustPayload(messages.TypeTrade, "", messages.TradePayload{
		Symbol:     t.Symbol,
		Price:      t.Price.String(),
		Quantity:   t.Quantity.String(),
		SequenceID: t.SequenceID,
	})
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	key := messages.ChannelKey(messages.ChannelTrades, t.Symbol)
	b.publishToChannel(ctx, key, messages.TypeTrade, frame)
}

func (b *MarketDataBridge) broadcastOrderbook(ctx context.Context, symbol string) {
	book := b.engine.OrderBook(symbol)
	if book == nil {
		return
	}

	bids := book.GetBidDepth(depthLevels)
	asks := book.GetAskDepth(depthLevels)

	env := messages.MustPayload(messages.TypeOrderbookUpdate, "", messages.OrderbookUpdatePayload{
		Symbol: symbol,
		Bids:   levelsToPayload(bids),
		Asks:   levelsToPayload(asks),
	})
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	key := messages.ChannelKey(messages.ChannelOrderbook, symbol)
	b.publishToChannel(ctx, key, messages.TypeOrderbookUpdate, frame)
}

// publishToChannel serializes frame once, then runs a fresh pass through
// the outbound fault chain per recipient session - a Drop or Silent
// strategy can suppress delivery to one subscriber without affecting any
// other, matching spec.md's per-session outbound contract.
func (b *MarketDataBridge) publishToChannel(ctx context.Context, channelKey string, msgType messages.MessageType, frame []byte) {
	for _, sessionID := range b.sessions.SubscribedSessions(channelKey) {
		out := frame
		if b.injector != nil {
			ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
			fctx := &faults.Context{SessionID: sessionID, MessageType: string(msgType), Direction: "outbound"}
			next, err := b.injector.InjectOutbound(ictx, frame, fctx)
			cancel()
			if err != nil || next == nil {
				continue
			}
			out = next
		}
		b.sessions.SendTo(sessionID, out)
	}
}

func levelsToPayload(levels []*orderbook.PriceLevel) []messages.OrderbookLevel {
	out := make([]messages.OrderbookLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, messages.OrderbookLevel{
			Price:    l.Price.String(),
			Quantity: l.TotalQty.String(),
		})
	}
	return out
}
