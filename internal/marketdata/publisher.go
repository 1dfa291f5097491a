// Package marketdata generates and distributes synthetic price data.
//
// A Generator drives one stochastic PriceModel per symbol on a fixed tick
// interval, producing sequenced Ticker updates; it does not produce trades.
// Publisher fans tickers, and any TradeReport handed to PublishTrade, out
// to subscribers with the teacher's
// original non-blocking select/default broadcast pattern so one slow
// consumer can never stall the generator.
package marketdata

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Ticker is one price update for a symbol: current price plus the rolling
// session high/low/volume the spec's ticker payload carries.
type Ticker struct {
	Symbol       string
	Price        decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Volume       decimal.Decimal
	SequenceID   uint64
	Timestamp    int64 // unix nanos
}

// TradeReport represents one trade fed to the TRADES channel through
// PublishTrade. Nothing in this repository calls PublishTrade: neither the
// Generator nor the matching engine publishes trades.
type TradeReport struct {
	Symbol     string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	SequenceID uint64
	Timestamp  int64
}

// Publisher distributes ticker and trade updates to subscribers.
type Publisher struct {
	mu         sync.RWMutex
	tickerSubs map[string][]chan Ticker
	tradeSubs  map[string][]chan TradeReport
	bufferSize int
}

// NewPublisher creates a market data publisher.
func NewPublisher(bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Publisher{
		tickerSubs: make(map[string][]chan Ticker),
		tradeSubs:  make(map[string][]chan TradeReport),
		bufferSize: bufferSize,
	}
}

// SubscribeTicker subscribes to ticker updates for a symbol.
func (p *Publisher) SubscribeTicker(symbol string) <-chan Ticker {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Ticker, p.bufferSize)
	p.tickerSubs[symbol] = append(p.tickerSubs[symbol], ch)
	return ch
}

// SubscribeTrades subscribes to trade reports for a symbol.
func (p *Publisher) SubscribeTrades(symbol string) <-chan TradeReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan TradeReport, p.bufferSize)
	p.tradeSubs[symbol] = append(p.tradeSubs[symbol], ch)
	return ch
}

// PublishTicker sends a ticker update to subscribers of its symbol.
// Non-blocking: drops the update for any subscriber whose channel is full.
func (p *Publisher) PublishTicker(t Ticker) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.tickerSubs[t.Symbol] {
		select {
		case ch <- t:
		default:
		}
	}
}

// PublishTrade sends a trade report to subscribers of its symbol.
func (p *Publisher) PublishTrade(t TradeReport) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.tradeSubs[t.Symbol] {
		select {
		case ch <- t:
		default:
		}
	}
}

// Close closes every subscription channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, subs := range p.tickerSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, subs := range p.tradeSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
}
