// Package tests provides end-to-end integration tests that walk through the
// exchange simulator's literal scenarios: matching, balance rejection,
// fault injection, and rate-limiter escalation.
//
// Run with: go test -v ./tests/...
package tests

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rishav/exchange-sim/internal/account"
	"github.com/rishav/exchange-sim/internal/clientnet"
	"github.com/rishav/exchange-sim/internal/faults"
	"github.com/rishav/exchange-sim/internal/marketdata"
	"github.com/rishav/exchange-sim/internal/matching"
	"github.com/rishav/exchange-sim/internal/messages"
	"github.com/rishav/exchange-sim/internal/orders"
	"github.com/rishav/exchange-sim/internal/ratelimit"
	"github.com/rishav/exchange-sim/internal/session"
	"github.com/rishav/exchange-sim/internal/wsserver"
)

func repeat(s string, n int) string {
	result := ""
	for i := 0; i < n; i++ {
		result += s
	}
	return result
}

func newTestEngine(t *testing.T, defaultBalance decimal.Decimal) (*matching.Engine, *account.Manager) {
	t.Helper()
	accounts := account.NewManager(defaultBalance, "USD")
	engine := matching.NewEngine(accounts, zerolog.Nop())
	engine.AddSymbol("BTC-USD", "BTC", "USD")
	return engine, accounts
}

// TEST 1: resting sell meets an equal-sized resting buy, both fill exactly.
func TestScenario_ExactMatch(t *testing.T) {
	fmt.Println()
	fmt.Println(repeat("=", 70))
	fmt.Println("SCENARIO 1: A sells, B buys, both fill exactly")
	fmt.Println(repeat("=", 70))

	engine, _ := newTestEngine(t, decimal.NewFromInt(100000))

	sell, fills, err := engine.Place(matching.PlaceRequest{
		SessionID: "A", Symbol: "BTC-USD", Side: orders.SideSell, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Empty(t, fills)
	fmt.Printf("  A posts SELL LIMIT 1.0 @ 50000, status=%s\n", sell.Status)

	buy, fills, err := engine.Place(matching.PlaceRequest{
		SessionID: "B", Symbol: "BTC-USD", Side: orders.SideBuy, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	fmt.Printf("  B posts BUY LIMIT 1.0 @ 50000 -> %d fill legs\n", len(fills))

	require.Len(t, fills, 2)
	require.Equal(t, orders.OrderStatusFilled, buy.Status)

	reloadedSell, err := engine.GetOrder("A", sell.ID)
	require.NoError(t, err)
	require.Equal(t, orders.OrderStatusFilled, reloadedSell.Status)

	require.True(t, engine.LastPrice("BTC-USD").Equal(decimal.NewFromInt(50000)))
	require.Nil(t, engine.OrderBook("BTC-USD").GetBestBid())
	require.Nil(t, engine.OrderBook("BTC-USD").GetBestAsk())

	fmt.Println("  [PASS] both orders FILLED, last_price=50000, book empty")
}

// TEST 2: a larger buy partially fills against a smaller resting sell.
func TestScenario_PartialFill(t *testing.T) {
	fmt.Println()
	fmt.Println(repeat("=", 70))
	fmt.Println("SCENARIO 2: oversized buy partially fills, rests for the remainder")
	fmt.Println(repeat("=", 70))

	engine, _ := newTestEngine(t, decimal.NewFromInt(1000000))

	buy, _, err := engine.Place(matching.PlaceRequest{
		SessionID: "A", Symbol: "BTC-USD", Side: orders.SideBuy, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	fmt.Printf("  A posts BUY LIMIT 2.0 @ 50000, status=%s\n", buy.Status)

	sell, fills, err := engine.Place(matching.PlaceRequest{
		SessionID: "B", Symbol: "BTC-USD", Side: orders.SideSell, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	fmt.Printf("  B posts SELL LIMIT 1.0 @ 50000 -> %d fill legs\n", len(fills))

	require.Equal(t, orders.OrderStatusFilled, sell.Status)

	reloadedBuy, err := engine.GetOrder("A", buy.ID)
	require.NoError(t, err)
	require.Equal(t, orders.OrderStatusPartiallyFilled, reloadedBuy.Status)
	require.True(t, reloadedBuy.FilledQty.Equal(decimal.NewFromInt(1)))
	require.True(t, reloadedBuy.RemainingQty().Equal(decimal.NewFromInt(1)))

	bestBid := engine.OrderBook("BTC-USD").GetBestBid()
	require.NotNil(t, bestBid)
	require.True(t, bestBid.Price.Equal(decimal.NewFromInt(50000)))

	fmt.Println("  [PASS] A PARTIALLY_FILLED (filled=1.0, remaining=1.0), still resting at 50000")
}

// TEST 3: a buy that would spend more than the session's balance is rejected.
func TestScenario_InsufficientBalance(t *testing.T) {
	fmt.Println()
	fmt.Println(repeat("=", 70))
	fmt.Println("SCENARIO 3: BUY LIMIT exceeding balance is rejected")
	fmt.Println(repeat("=", 70))

	engine, accounts := newTestEngine(t, decimal.NewFromInt(1000))

	before := accounts.GetOrCreate("C")
	beforeBalances, _ := before.Snapshot()

	order, fills, err := engine.Place(matching.PlaceRequest{
		SessionID: "C", Symbol: "BTC-USD", Side: orders.SideBuy, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(2000), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Empty(t, fills)
	require.Equal(t, orders.OrderStatusRejected, order.Status)
	fmt.Printf("  C posts BUY LIMIT 1.0 @ 2000 (needs 2000, has 1000) -> rejected: %s\n", order.RejectReason)

	// The same notional at exactly the available balance succeeds.
	ok, fills, err := engine.Place(matching.PlaceRequest{
		SessionID: "C", Symbol: "BTC-USD", Side: orders.SideBuy, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(1000), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.NotEqual(t, orders.OrderStatusRejected, ok.Status)
	_ = fills

	afterBalances, _ := before.Snapshot()
	require.True(t, afterBalances["USD"].Equal(beforeBalances["USD"]), "balance must be untouched by a resting (unfilled) order")

	fmt.Println("  [PASS] rejected order leaves balance unchanged; boundary order at exactly the balance is accepted")
}

// TEST 4: FOK that cannot fill entirely leaves no trace; IOC with no match cancels immediately.
func TestScenario_TimeInForceBoundaries(t *testing.T) {
	fmt.Println()
	fmt.Println(repeat("=", 70))
	fmt.Println("SCENARIO 4: FOK all-or-nothing and IOC no-match boundaries")
	fmt.Println(repeat("=", 70))

	engine, _ := newTestEngine(t, decimal.NewFromInt(1000000))

	_, _, err := engine.Place(matching.PlaceRequest{
		SessionID: "MM", Symbol: "BTC-USD", Side: orders.SideSell, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	fok, fills, err := engine.Place(matching.PlaceRequest{
		SessionID: "A", Symbol: "BTC-USD", Side: orders.SideBuy, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceFOK, Price: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	require.Empty(t, fills)
	require.Equal(t, orders.OrderStatusRejected, fok.Status)
	fmt.Printf("  FOK BUY 5.0 against 1.0 available -> REJECTED (%s), zero fills\n", fok.RejectReason)

	bestAsk := engine.OrderBook("BTC-USD").GetBestAsk()
	require.NotNil(t, bestAsk)
	require.True(t, bestAsk.TotalQty.Equal(decimal.NewFromInt(1)), "the resting sell must be untouched by the rejected FOK")

	ioc, fills, err := engine.Place(matching.PlaceRequest{
		SessionID: "B", Symbol: "BTC-USD", Side: orders.SideBuy, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceIOC, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Empty(t, fills)
	require.Equal(t, orders.OrderStatusCancelled, ioc.Status)
	fmt.Println("  IOC BUY 1.0 @ 100 (below the ask) -> CANCELLED, zero fills")

	fmt.Println("  [PASS] FOK leaves no trace on rejection, IOC with zero matches cancels immediately")
}

// fakeSender is a session.Sender that records every frame handed to it,
// standing in for a *websocket.Conn in tests that exercise the session
// manager and market-data bridge without an actual socket.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// TEST 5: Drop(p=1.0) outbound silences every frame delivered through the
// market-data bridge while the server's internal state keeps advancing -
// the fault chain only ever touches the wire, never the matching engine
// underneath it.
func TestScenario_DropOutboundDoesNotStallTheServer(t *testing.T) {
	fmt.Println()
	fmt.Println(repeat("=", 70))
	fmt.Println("SCENARIO 5: Drop(p=1.0) outbound hides frames, server state still advances")
	fmt.Println(repeat("=", 70))

	sessions := session.NewManager(zerolog.Nop())
	sender := &fakeSender{}
	sessions.Add("A", sender)
	sessions.Subscribe("A", messages.ChannelKey(messages.ChannelTicker, "BTC-USD"))

	injector := faults.NewInjector(nil, []faults.Strategy{faults.NewDropStrategy(1.0)})
	publisher := marketdata.NewPublisher(100)
	engine, _ := newTestEngine(t, decimal.NewFromInt(1000000))
	bridge := wsserver.NewMarketDataBridge(publisher, engine, sessions, injector, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx, "BTC-USD")

	for i := 0; i < 5; i++ {
		publisher.PublishTicker(marketdata.Ticker{Symbol: "BTC-USD", Price: decimal.NewFromInt(51000), SequenceID: uint64(i + 1)})
	}
	time.Sleep(50 * time.Millisecond)

	fmt.Printf("  sent 5 ticker frames through Drop(p=1.0): %d delivered to the subscribed session\n", sender.count())
	require.Zero(t, sender.count())

	_, _, err := engine.Place(matching.PlaceRequest{
		SessionID: "A", Symbol: "BTC-USD", Side: orders.SideSell, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(51000), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	_, _, err = engine.Place(matching.PlaceRequest{
		SessionID: "B", Symbol: "BTC-USD", Side: orders.SideBuy, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(51000), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.True(t, engine.LastPrice("BTC-USD").Equal(decimal.NewFromInt(51000)))

	fmt.Println("  [PASS] zero frames delivered to the session, but last_price still moved - REST would reveal it")
}

// TEST 6: Silent(after_N=2) cuts off PONG too, so a client heartbeat must
// declare the connection unhealthy rather than waiting forever.
func TestScenario_SilentConnectionTripsHeartbeat(t *testing.T) {
	fmt.Println()
	fmt.Println(repeat("=", 70))
	fmt.Println("SCENARIO 6: Silent(after_N=2) starves the heartbeat's PONG")
	fmt.Println(repeat("=", 70))

	sessions := session.NewManager(zerolog.Nop())
	sender := &fakeSender{}
	sessions.Add("A", sender)
	sessions.Subscribe("A", messages.ChannelKey(messages.ChannelTicker, "BTC-USD"))

	injector := faults.NewInjector(nil, []faults.Strategy{faults.NewSilentStrategy(2)})
	publisher := marketdata.NewPublisher(100)
	engine, _ := newTestEngine(t, decimal.NewFromInt(1000000))
	bridge := wsserver.NewMarketDataBridge(publisher, engine, sessions, injector, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx, "BTC-USD")

	for i := 0; i < 4; i++ {
		publisher.PublishTicker(marketdata.Ticker{Symbol: "BTC-USD", Price: decimal.NewFromInt(51000), SequenceID: uint64(i + 1)})
		time.Sleep(10 * time.Millisecond)
	}

	fmt.Printf("  4 frames through Silent(after_N=2): %d delivered to the subscribed session\n", sender.count())
	require.Equal(t, 2, sender.count())

	unhealthy := make(chan struct{}, 1)
	// Each PING is answered with a PONG that goes back out through the same
	// outbound chain; session A is already past after_N, so Silent drops it.
	var hb *clientnet.Heartbeat
	hb = clientnet.NewHeartbeat(15*time.Millisecond, 40*time.Millisecond,
		func(env messages.Envelope) error {
			pong := messages.MustPayload(messages.TypePong, env.RequestID, messages.PongPayload{RequestID: env.RequestID})
			frame, err := messages.NewRouter().Serialize(pong)
			if err != nil {
				return err
			}
			out, err := injector.InjectOutbound(context.Background(), frame, &faults.Context{SessionID: "A", Direction: "outbound"})
			if err != nil {
				return err
			}
			if out != nil {
				hb.HandlePong(env.RequestID)
			}
			return nil
		},
		func(healthy bool) {
			if !healthy {
				select {
				case unhealthy <- struct{}{}:
				default:
				}
			}
		})

	hbCtx, hbCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer hbCancel()
	hb.Start(hbCtx)
	defer hb.Stop()

	select {
	case <-unhealthy:
	case <-time.After(150 * time.Millisecond):
		t.Fatal("heartbeat never went unhealthy despite no PONGs")
	}

	fmt.Println("  [PASS] the (K+1)th outbound frame onward is silenced - a heartbeat with no PONG within timeout goes unhealthy")
}

// TEST 7: the server-side escalating-ban rate limiter - baseline_rps=2,
// wait_period bumps on the first violation, the second escalates, the
// third bans permanently.
func TestScenario_RateLimiterEscalation(t *testing.T) {
	fmt.Println()
	fmt.Println(repeat("=", 70))
	fmt.Println("SCENARIO 7: rate limiter escalates wait -> temp ban -> permanent ban")
	fmt.Println(repeat("=", 70))

	limiter := ratelimit.New(2, 10*time.Second, 60*time.Second, 60*time.Second, nil)

	d1 := limiter.Check("S")
	d2 := limiter.Check("S")
	d3 := limiter.Check("S")
	require.True(t, d1.Allowed)
	require.True(t, d2.Allowed)
	require.False(t, d3.Allowed)
	require.Equal(t, 10, d3.RetryAfter)
	fmt.Printf("  first violation: allowed=%v,%v then rejected with retry_after=%ds\n", d1.Allowed, d2.Allowed, d3.RetryAfter)

	require.Equal(t, 1, limiter.ViolationCount("S"))

	// Second and third violations, on a limiter with short bans so the test
	// does not sit out a 10s wait. Both earlier requests stay inside the 1s
	// window, so the first request after each ban expires is a violation.
	fast := ratelimit.New(2, 20*time.Millisecond, 40*time.Millisecond, 60*time.Second, nil)
	require.True(t, fast.Check("S").Allowed)
	require.True(t, fast.Check("S").Allowed)
	require.False(t, fast.Check("S").Allowed)
	time.Sleep(30 * time.Millisecond)
	second := fast.Check("S")
	require.False(t, second.Allowed)
	require.Equal(t, 2, fast.ViolationCount("S"))
	time.Sleep(50 * time.Millisecond)
	third := fast.Check("S")
	require.False(t, third.Allowed)
	require.Zero(t, third.RetryAfter)
	require.Equal(t, 3, fast.ViolationCount("S"))
	require.False(t, fast.Check("S").Allowed)
	fmt.Printf("  second violation: %q; third violation: %q\n", second.Reason, third.Reason)

	fmt.Println("  [PASS] baseline window enforced; violations escalate wait -> temporary ban -> permanent ban")
}

func TestSequenceTracker_GapDetection(t *testing.T) {
	fmt.Println()
	fmt.Println(repeat("=", 70))
	fmt.Println("PROPERTY: sequence tracker gap detection")
	fmt.Println(repeat("=", 70))

	tracker := clientnet.NewSequenceTracker()
	for _, seq := range []uint64{1, 2, 3, 4} {
		gap := tracker.Update("TICKER", "BTC-USD", seq)
		require.Nil(t, gap, "no gap expected at seq %d", seq)
	}
	fmt.Println("  [1,2,3,4] -> no gaps")

	tracker2 := clientnet.NewSequenceTracker()
	tracker2.Update("TICKER", "BTC-USD", 1)
	tracker2.Update("TICKER", "BTC-USD", 2)
	gap := tracker2.Update("TICKER", "BTC-USD", 4)
	require.NotNil(t, gap)
	require.Equal(t, uint64(3), gap.StartSeq)
	require.Equal(t, uint64(3), gap.EndSeq)
	fmt.Printf("  [1,2,4] -> gap [%d,%d]\n", gap.StartSeq, gap.EndSeq)

	tracker3 := clientnet.NewSequenceTracker()
	tracker3.Update("TICKER", "BTC-USD", 1)
	gap2 := tracker3.Update("TICKER", "BTC-USD", 3)
	require.NotNil(t, gap2)
	require.Equal(t, uint64(2), gap2.StartSeq)
	stale := tracker3.Update("TICKER", "BTC-USD", 2)
	require.Nil(t, stale, "a stale, already-passed sequence id must be ignored, not treated as a new gap")
	fmt.Printf("  [1,3,2] -> gap [%d,%d] then 2 ignored as stale\n", gap2.StartSeq, gap2.EndSeq)

	fmt.Println("  [PASS] sequence tracker properties hold")
}

func TestInvariant_PlaceThenCancelRestoresBookDepth(t *testing.T) {
	engine, _ := newTestEngine(t, decimal.NewFromInt(1000000))

	before := engine.OrderBook("BTC-USD").BidLevels()

	order, _, err := engine.Place(matching.PlaceRequest{
		SessionID: "A", Symbol: "BTC-USD", Side: orders.SideBuy, Type: orders.OrderTypeLimit,
		TimeInForce: orders.TimeInForceGTC, Price: decimal.NewFromInt(40000), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	_, err = engine.Cancel("A", order.ID)
	require.NoError(t, err)

	after := engine.OrderBook("BTC-USD").BidLevels()
	require.Equal(t, before, after, "cancel must restore pre-placement book depth")

	cancelled, err := engine.GetOrder("A", order.ID)
	require.NoError(t, err)
	require.Equal(t, orders.OrderStatusCancelled, cancelled.Status)
	require.False(t, strings.Contains(cancelled.String(), "FILLED"))
}
