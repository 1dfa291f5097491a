// Command client drives the exchange simulator from the command line: it
// can stream a symbol's ticker/trade channels over /ws, or run one of the
// canned end-to-end scenarios against the REST API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rishav/exchange-sim/internal/clientnet"
	"github.com/rishav/exchange-sim/internal/messages"
)

func main() {
	baseURL := flag.String("base-url", "http://localhost:8080", "exchange simulator base URL")
	sessionID := flag.String("session-id", "", "session id (default: a fresh random id)")
	symbol := flag.String("symbol", "", "subscribe and stream ticker/trades for this symbol")
	scenarios := flag.Bool("scenarios", false, "run the canned end-to-end scenarios against the REST API")
	flag.Parse()

	if *sessionID == "" {
		*sessionID = uuid.NewString()
	}

	switch {
	case *scenarios:
		runScenarios(*baseURL, *sessionID)
	case *symbol != "":
		streamSymbol(*baseURL, *sessionID, *symbol)
	default:
		fmt.Println(`exchange-sim client

Usage:
  client --base-url <url> --symbol BTC-USD   stream a symbol's ticker/trades
  client --base-url <url> --scenarios        run the canned REST scenarios`)
	}
}

func streamSymbol(baseURL, sessionID, symbol string) {
	log := zerolog.Nop()
	nm := clientnet.NewNetworkManager(baseURL, sessionID, clientnet.DefaultConfig(), log)

	nm.OnMessage = func(env messages.Envelope) {
		switch env.Type {
		case messages.TypeMarketData:
			var p messages.MarketDataPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				fmt.Printf("TICKER %s price=%s seq=%d\n", p.Symbol, p.Price, p.SequenceID)
			}
		case messages.TypeTrade:
			var p messages.TradePayload
			if json.Unmarshal(env.Payload, &p) == nil {
				fmt.Printf("TRADE  %s price=%s qty=%s seq=%d\n", p.Symbol, p.Price, p.Quantity, p.SequenceID)
			}
		case messages.TypeError:
			var p messages.ErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				fmt.Printf("ERROR  %s: %s\n", p.Code, p.Message)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := nm.ConnectWS(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer nm.DisconnectWS()

	sub := messages.MustPayload(messages.TypeSubscribe, "", messages.SubscribePayload{Channel: string(messages.ChannelTicker), Symbol: symbol})
	_ = nm.Send(sub)
	subTrades := messages.MustPayload(messages.TypeSubscribe, "", messages.SubscribePayload{Channel: string(messages.ChannelTrades), Symbol: symbol})
	_ = nm.Send(subTrades)

	fmt.Printf("subscribed to %s, streaming until interrupted...\n", symbol)
	_ = nm.ReceiveLoop(ctx)
}

func runScenarios(baseURL, sessionID string) {
	fmt.Println("=== exchange simulator scenario run ===")

	fmt.Println("\n1. Symbols available:")
	printJSON(getJSON(baseURL, "/api/v1/symbols", sessionID))

	fmt.Println("\n2. Market maker posts resting liquidity:")
	placeOrder(baseURL, sessionID, "BTC-USD", "BUY", "LIMIT", "GTC", "49000", "0.5")
	placeOrder(baseURL, sessionID, "BTC-USD", "SELL", "LIMIT", "GTC", "51000", "0.5")

	fmt.Println("\n3. Order book ticker:")
	printJSON(getJSON(baseURL, "/api/v1/ticker?symbol=BTC-USD", sessionID))

	fmt.Println("\n4. Taker crosses the spread with a market order:")
	printJSON(placeOrder(baseURL, sessionID, "BTC-USD", "BUY", "MARKET", "GTC", "", "0.1"))

	fmt.Println("\n5. Balance after trade:")
	printJSON(getJSON(baseURL, "/api/v1/balance", sessionID))

	fmt.Println("\n6. Position after trade:")
	printJSON(getJSON(baseURL, "/api/v1/position?symbol=BTC-USD", sessionID))

	fmt.Println("\n7. An IOC order that partially fills then cancels the remainder:")
	printJSON(placeOrder(baseURL, sessionID, "BTC-USD", "SELL", "LIMIT", "IOC", "49000", "10"))

	fmt.Println("\n8. An FOK order that cannot be filled entirely is rejected outright:")
	printJSON(placeOrder(baseURL, sessionID, "BTC-USD", "BUY", "LIMIT", "FOK", "60000", "1"))

	fmt.Println("\n=== scenario run complete ===")
}

func placeOrder(baseURL, sessionID, symbol, side, orderType, tif, price, qty string) map[string]any {
	body := map[string]any{
		"symbol":        symbol,
		"side":          side,
		"order_type":    orderType,
		"time_in_force": tif,
		"quantity":      qty,
	}
	if price != "" {
		body["price"] = price
	}

	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/v1/orders", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", sessionID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(respBody, &out)
	return out
}

func getJSON(baseURL, endpoint, sessionID string) map[string]any {
	req, _ := http.NewRequest(http.MethodGet, baseURL+endpoint, nil)
	req.Header.Set("X-Session-ID", sessionID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(body, &out)
	return out
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
