package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// HistoryPoint is a single archived tick, used to answer GET /api/v1/prices
// and to back-fill a client's reconciliation after a silent-connection gap.
type HistoryPoint struct {
	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp int64
}

// tickerSpreadFactor is the synthetic bid/ask spread applied around the
// mid price (0.01% of price), matching original_source's generator.
var tickerSpreadFactor = decimal.NewFromFloat(0.0001)

// symbolState holds one symbol's live price, rolling session stats, and
// bounded price history.
type symbolState struct {
	mu         sync.RWMutex
	price      decimal.Decimal
	high       decimal.Decimal
	low        decimal.Decimal
	volume     decimal.Decimal
	sequenceID uint64
	model      PriceModel
	history    []HistoryPoint // ring buffer, oldest first once full
	historyCap int
	historyPos int
	historyLen int
}

func newSymbolState(initial decimal.Decimal, model PriceModel, historyCap int) *symbolState {
	if historyCap <= 0 {
		historyCap = 10000
	}
	return &symbolState{
		price:      initial,
		high:       initial,
		low:        initial,
		volume:     decimal.Zero,
		model:      model,
		history:    make([]HistoryPoint, historyCap),
		historyCap: historyCap,
	}
}

func (s *symbolState) record(p HistoryPoint) {
	s.history[s.historyPos] = p
	s.historyPos = (s.historyPos + 1) % s.historyCap
	if s.historyLen < s.historyCap {
		s.historyLen++
	}
}

// Snapshot returns history points between start and end (unix nanos
// inclusive), newest last, capped to limit entries (0 = no cap).
func (s *symbolState) snapshot(start, end int64, limit int) []HistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]HistoryPoint, 0, s.historyLen)
	// Walk oldest-to-newest.
	firstIdx := 0
	if s.historyLen == s.historyCap {
		firstIdx = s.historyPos
	}
	for i := 0; i < s.historyLen; i++ {
		idx := (firstIdx + i) % s.historyCap
		p := s.history[idx]
		if start > 0 && p.Timestamp < start {
			continue
		}
		if end > 0 && p.Timestamp > end {
			continue
		}
		out = append(out, p)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Generator drives the stochastic price process for every configured
// symbol and publishes one ticker update per symbol on each tick.
type Generator struct {
	tickInterval time.Duration
	publisher    *Publisher
	rng          *rand.Rand
	rngMu        sync.Mutex

	mu      sync.RWMutex
	symbols map[string]*symbolState

	log zerolog.Logger
}

// NewGenerator creates a market data generator. tickInterval is the wall
// clock period between ticks for every symbol.
func NewGenerator(tickInterval time.Duration, publisher *Publisher, seed int64, log zerolog.Logger) *Generator {
	return &Generator{
		tickInterval: tickInterval,
		publisher:    publisher,
		rng:          rand.New(rand.NewSource(seed)),
		symbols:      make(map[string]*symbolState),
		log:          log.With().Str("component", "marketdata").Logger(),
	}
}

// AddSymbol registers a symbol with its initial price and price model.
func (g *Generator) AddSymbol(symbol string, initial decimal.Decimal, model PriceModel, historyCap int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.symbols[symbol] = newSymbolState(initial, model, historyCap)
}

func (g *Generator) normal() float64 {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.NormFloat64()
}

// Price returns the current price for a symbol.
func (g *Generator) Price(symbol string) (decimal.Decimal, bool) {
	g.mu.RLock()
	s, ok := g.symbols[symbol]
	g.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price, true
}

// History returns archived ticks for a symbol within [start, end], newest
// last, capped at limit (0 = unbounded).
func (g *Generator) History(symbol string, start, end int64, limit int) ([]HistoryPoint, bool) {
	g.mu.RLock()
	s, ok := g.symbols[symbol]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.snapshot(start, end, limit), true
}

// RecordTrade folds an executed trade's quantity into a symbol's rolling
// session volume and re-marks the last price so the next synthetic tick
// continues from the traded level rather than drifting independently.
func (g *Generator) RecordTrade(symbol string, price, quantity decimal.Decimal) {
	g.mu.RLock()
	s, ok := g.symbols[symbol]
	g.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.volume = s.volume.Add(quantity)
	s.price = price
	if price.GreaterThan(s.high) {
		s.high = price
	}
	if price.LessThan(s.low) {
		s.low = price
	}
	s.mu.Unlock()
}

// Run drives ticks on tickInterval until ctx is cancelled. Uses a
// drift-corrected ticker (time.NewTicker) so a slow tick doesn't
// accumulate lag across a long-running session.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

func (g *Generator) tick() {
	g.mu.RLock()
	symbols := make([]string, 0, len(g.symbols))
	for s := range g.symbols {
		symbols = append(symbols, s)
	}
	g.mu.RUnlock()

	for _, symbol := range symbols {
		g.tickSymbol(symbol)
	}
}

func (g *Generator) tickSymbol(symbol string) {
	g.mu.RLock()
	s := g.symbols[symbol]
	g.mu.RUnlock()
	if s == nil {
		return
	}

	z := g.normal()

	s.mu.Lock()
	next := s.model.Next(s.price, g.tickInterval.Seconds(), z)
	s.price = next
	if next.GreaterThan(s.high) {
		s.high = next
	}
	if next.LessThan(s.low) {
		s.low = next
	}
	s.sequenceID++
	seq := s.sequenceID
	now := time.Now().UTC()
	spread := next.Mul(tickerSpreadFactor)
	half := spread.Div(decimal.NewFromInt(2))
	s.record(HistoryPoint{
		Price:     next,
		Bid:       next.Sub(half),
		Ask:       next.Add(half),
		Volume24h: s.volume,
		Timestamp: now.UnixNano(),
	})
	high, low, volume := s.high, s.low, s.volume
	s.mu.Unlock()

	g.publisher.PublishTicker(Ticker{
		Symbol:     symbol,
		Price:      next,
		High:       high,
		Low:        low,
		Volume:     volume,
		SequenceID: seq,
		Timestamp:  now.UnixNano(),
	})
}
