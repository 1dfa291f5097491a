// Command server runs the crypto exchange simulator: a price-time-priority
// matching engine, a stochastic market-data generator, a JSON REST API, and
// a newline-delimited-JSON /ws streaming surface, all behind an optional
// fault-injection pipeline and rate limiter.
//
// Architecture:
//
//	┌──────────────┐    ┌────────────────┐    ┌───────────────┐
//	│  REST / WS   │───▶│ faults.Injector │───▶│ messages.Router│
//	│  (API layer) │    │ ratelimit.Limiter│   │  + handlers    │
//	└──────────────┘    └────────────────┘    └───────┬───────┘
//	                                                    │
//	                                                    ▼
//	                                          ┌───────────────────┐
//	                                          │  matching.Engine   │
//	                                          │ (per-symbol books) │
//	                                          └─────────┬─────────┘
//	                                                    │
//	                         ┌──────────────────────────┴──────┐
//	                         ▼                                 ▼
//	              ┌────────────────────┐             ┌──────────────────┐
//	              │ account.Manager     │             │ marketdata.Generator│
//	              │ (balances/positions)│             │ (GBM / random walk) │
//	              └────────────────────┘             └──────────────────┘
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rishav/exchange-sim/internal/account"
	"github.com/rishav/exchange-sim/internal/api"
	"github.com/rishav/exchange-sim/internal/config"
	"github.com/rishav/exchange-sim/internal/faults"
	"github.com/rishav/exchange-sim/internal/handlers"
	"github.com/rishav/exchange-sim/internal/logging"
	"github.com/rishav/exchange-sim/internal/marketdata"
	"github.com/rishav/exchange-sim/internal/matching"
	"github.com/rishav/exchange-sim/internal/messages"
	"github.com/rishav/exchange-sim/internal/ratelimit"
	"github.com/rishav/exchange-sim/internal/session"
	"github.com/rishav/exchange-sim/internal/wsserver"
)

// Server bundles every collaborator the exchange simulator wires together.
type Server struct {
	cfg config.Config

	accounts   *account.Manager
	engine     *matching.Engine
	publisher  *marketdata.Publisher
	generator  *marketdata.Generator
	sessions   *session.Manager
	injector   *faults.Injector
	limiter    *ratelimit.Limiter
	router     *messages.Router
	handlers   *handlers.Handlers
	rest       *api.Server
	ws         *wsserver.Server

	httpServer *http.Server
	cancelBridges context.CancelFunc
}

func splitSymbol(symbol, fallbackQuote string) (base, quote string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' || symbol[i] == '/' {
			return symbol[:i], symbol[i+1:]
		}
	}
	return symbol, fallbackQuote
}

func buildPriceModel(cfg config.PricingModelConfig) marketdata.PriceModel {
	switch cfg.Type {
	case "random_walk":
		return &marketdata.RandomWalkModel{Sigma: cfg.Volatility}
	case "trend":
		return &marketdata.TrendModel{
			Inner:        &marketdata.RandomWalkModel{Sigma: cfg.Volatility},
			TrendPerTick: decimal.NewFromFloat(cfg.Drift),
		}
	default:
		return &marketdata.GBMModel{Mu: cfg.Drift, Sigma: cfg.Volatility}
	}
}

// NewServer wires every component per cfg.
func NewServer(cfg config.Config) *Server {
	log := logging.New("info")

	accounts := account.NewManager(decimal.NewFromFloat(cfg.Exchange.DefaultBalance), cfg.Exchange.QuoteCurrency)
	engine := matching.NewEngine(accounts, log)
	publisher := marketdata.NewPublisher(1000)
	generator := marketdata.NewGenerator(time.Duration(cfg.Exchange.TickIntervalMs)*time.Millisecond, publisher, 42, log)
	sessions := session.NewManager(log)

	injector := faults.NewInjector(buildInboundChain(cfg.Failures), buildOutboundChain(cfg.Failures))
	if !cfg.Failures.Enabled {
		injector.Disable()
	}

	limiter := ratelimit.New(
		cfg.Failures.RateLimitBaselineRPS,
		time.Duration(cfg.Failures.RateLimitWaitSeconds)*time.Second,
		time.Duration(cfg.Failures.RateLimitSecondBanSeconds)*time.Second,
		time.Duration(cfg.Failures.RateLimitViolationWindowSec)*time.Second,
		nil,
	)

	h := handlers.New(engine, accounts, sessions, generator)
	router := messages.NewRouter()
	h.Register(router)

	restServer := api.NewServer(engine, accounts, generator, limiter, injector, log)
	wsSrv := wsserver.NewServer(sessions, router, injector, limiter, h, log)

	for _, symbol := range cfg.Exchange.Symbols {
		base, quote := splitSymbol(symbol, cfg.Exchange.QuoteCurrency)
		engine.AddSymbol(symbol, base, quote)
		h.RegisterSymbol(symbol, base, quote)
		restServer.RegisterSymbol(symbol, base, quote)

		initial, ok := cfg.Exchange.InitialPrices[symbol]
		if !ok {
			initial = 100.0
		}
		modelCfg := cfg.Exchange.PricingModel
		if perSym, ok := cfg.Exchange.PricingModelBySym[symbol]; ok {
			modelCfg = perSym
		}
		generator.AddSymbol(symbol, decimal.NewFromFloat(initial), buildPriceModel(modelCfg), cfg.Exchange.PriceHistoryCap)
	}

	mux := http.NewServeMux()
	restServer.Routes(mux)
	mux.Handle("/ws", wsSrv)

	srv := &Server{
		cfg:        cfg,
		accounts:   accounts,
		engine:     engine,
		publisher:  publisher,
		generator:  generator,
		sessions:   sessions,
		injector:   injector,
		limiter:    limiter,
		router:     router,
		handlers:   h,
		rest:       restServer,
		ws:         wsSrv,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
	return srv
}

// buildInboundChain builds the inbound strategy order: Reorder -> Throttle
// -> Delay/Latency -> Drop. Silent has no inbound meaning (spec.md §4.6
// defines it purely in terms of suppressed outbound replies, including
// PONG) so it is never part of this chain.
func buildInboundChain(cfg config.FailuresConfig) []faults.Strategy {
	var chain []faults.Strategy

	if m, ok := cfg.Modes["reorder"]; ok && m.Enabled {
		chain = append(chain, faults.NewReorderStrategy(max(2, m.WindowSize)))
	}
	if m, ok := cfg.Modes["throttle"]; ok && m.Enabled {
		chain = append(chain, faults.NewThrottleStrategy(max(1, m.MaxRPS)))
	}
	chain = append(chain, faults.NewLatencyStrategyForMode(cfg.Latency.Mode))
	if m, ok := cfg.Modes["delay"]; ok && m.Enabled {
		chain = append(chain, faults.NewDelayStrategy(m.MinMs, m.MaxMs))
	}
	if m, ok := cfg.Modes["drop"]; ok && m.Enabled {
		chain = append(chain, faults.NewDropStrategy(m.Probability))
	}

	return chain
}

// buildOutboundChain builds the outbound strategy order: Duplicate ->
// Corrupt -> Delay/Latency -> Silent, per spec.md §4.6.
func buildOutboundChain(cfg config.FailuresConfig) []faults.Strategy {
	var chain []faults.Strategy

	if m, ok := cfg.Modes["duplicate"]; ok && m.Enabled {
		chain = append(chain, faults.NewDuplicateStrategy(m.Probability, max(1, m.MaxDuplicates)))
	}
	if m, ok := cfg.Modes["corrupt"]; ok && m.Enabled {
		chain = append(chain, faults.NewCorruptStrategy(m.Probability, m.CorruptionLevel))
	}
	chain = append(chain, faults.NewLatencyStrategyForMode(cfg.Latency.Mode))
	if m, ok := cfg.Modes["delay"]; ok && m.Enabled {
		chain = append(chain, faults.NewDelayStrategy(m.MinMs, m.MaxMs))
	}
	if m, ok := cfg.Modes["silent"]; ok && m.Enabled {
		chain = append(chain, faults.NewSilentStrategy(m.AfterN))
	}

	return chain
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start runs the market data generator and HTTP/WS server until shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBridges = cancel

	go s.generator.Run(ctx)

	for _, symbol := range s.cfg.Exchange.Symbols {
		bridge := wsserver.NewMarketDataBridge(s.publisher, s.engine, s.sessions, s.injector, logging.New("info"))
		go bridge.Run(ctx, symbol)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server: HTTP listener first, then the
// generator and market-data bridges, then every connected session.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if s.cancelBridges != nil {
		s.cancelBridges()
	}
	s.publisher.Close()
	s.sessions.CloseAll()
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	port := flag.Int("port", 0, "override server port")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	srv := NewServer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
