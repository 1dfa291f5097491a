package clientnet

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rishav/exchange-sim/internal/messages"
)

// Config configures a NetworkManager's timings, grounded on
// config.py's NetworkConfig defaults.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateLimitProactive         bool
	RateLimitInitialBackoff    time.Duration
	RateLimitMaxBackoff        time.Duration
	RateLimitBackoffMultiplier float64

	ReconciliationEnabled bool

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMultiplier   float64
}

// DefaultConfig returns the network manager's built-in defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:          60 * time.Second,
		HeartbeatTimeout:           10 * time.Second,
		RateLimitProactive:         true,
		RateLimitInitialBackoff:    time.Second,
		RateLimitMaxBackoff:        60 * time.Second,
		RateLimitBackoffMultiplier: 2.0,
		ReconciliationEnabled:      true,
		ReconnectInitialDelay:      time.Second,
		ReconnectMaxDelay:          30 * time.Second,
		ReconnectMultiplier:        2.0,
	}
}

// NetworkManager orchestrates the WebSocket connection, heartbeat, sequence
// tracking, and REST reconciliation for one client session, grounded on
// network_manager.py's NetworkManager.
type NetworkManager struct {
	BaseURL   string
	WSURL     string
	SessionID string
	Config    Config

	RateLimiter *RestRateLimiter
	Sequences   *SequenceTracker
	Reconciler  *Reconciler
	Heartbeat   *Heartbeat

	OnMessage          func(env messages.Envelope)
	OnConnectionChange func(connected bool)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	log zerolog.Logger
}

// NewNetworkManager builds a NetworkManager for sessionID against baseURL
// (e.g. "http://localhost:8080").
func NewNetworkManager(baseURL, sessionID string, cfg Config, log zerolog.Logger) *NetworkManager {
	rl := NewRestRateLimiter(cfg.RateLimitProactive, cfg.RateLimitInitialBackoff, cfg.RateLimitMaxBackoff, cfg.RateLimitBackoffMultiplier)
	nm := &NetworkManager{
		BaseURL:     baseURL,
		WSURL:       toWSURL(baseURL) + "/ws",
		SessionID:   sessionID,
		Config:      cfg,
		RateLimiter: rl,
		Sequences:   NewSequenceTracker(),
		Reconciler:  NewReconciler(baseURL, sessionID, rl),
		log:         log.With().Str("component", "clientnet").Logger(),
	}
	nm.Heartbeat = NewHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatTimeout, nm.sendEnvelope, nm.onHealthChange)
	return nm
}

func toWSURL(baseURL string) string {
	if strings.HasPrefix(baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(baseURL, "http://")
}

// ConnectWS dials the WebSocket endpoint and starts the heartbeat.
func (nm *NetworkManager) ConnectWS(ctx context.Context) error {
	url := nm.WSURL + "?session_id=" + nm.SessionID
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	nm.mu.Lock()
	nm.conn = conn
	nm.connected = true
	nm.mu.Unlock()

	nm.Heartbeat.Start(ctx)
	if nm.OnConnectionChange != nil {
		nm.OnConnectionChange(true)
	}
	return nil
}

// DisconnectWS closes the connection and stops the heartbeat.
func (nm *NetworkManager) DisconnectWS() {
	nm.Heartbeat.Stop()
	nm.mu.Lock()
	if nm.conn != nil {
		_ = nm.conn.Close()
	}
	nm.conn = nil
	nm.connected = false
	nm.mu.Unlock()
}

func (nm *NetworkManager) sendEnvelope(env messages.Envelope) error {
	nm.mu.Lock()
	conn := nm.conn
	nm.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Send marshals and sends an envelope, tracking SUBSCRIBE/UNSUBSCRIBE intent
// is left to the caller - this just does the write.
func (nm *NetworkManager) Send(env messages.Envelope) error {
	return nm.sendEnvelope(env)
}

// ReceiveLoop reads frames until ctx is cancelled or the connection drops,
// dispatching sequence tracking, reconciliation, and the caller's OnMessage
// callback per frame.
func (nm *NetworkManager) ReceiveLoop(ctx context.Context) error {
	for {
		nm.mu.Lock()
		conn := nm.conn
		nm.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("not connected")
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			nm.mu.Lock()
			nm.connected = false
			nm.mu.Unlock()
			if nm.OnConnectionChange != nil {
				nm.OnConnectionChange(false)
			}
			return err
		}

		var env messages.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			nm.log.Warn().Err(err).Msg("malformed frame from server")
			continue
		}

		nm.handleEnvelope(ctx, env)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (nm *NetworkManager) handleEnvelope(ctx context.Context, env messages.Envelope) {
	switch env.Type {
	case messages.TypePong:
		var payload messages.PongPayload
		if json.Unmarshal(env.Payload, &payload) == nil {
			nm.Heartbeat.HandlePong(payload.RequestID)
		}
	case messages.TypeMarketData:
		if nm.Config.ReconciliationEnabled {
			var payload messages.MarketDataPayload
			if json.Unmarshal(env.Payload, &payload) == nil {
				gap := nm.Sequences.Update("TICKER", payload.Symbol, payload.SequenceID)
				if gap != nil {
					go func() { _ = nm.Reconciler.ReconcileMarketData(ctx, payload.Symbol, *gap) }()
				}
			}
		}
	}

	if nm.OnMessage != nil {
		nm.OnMessage(env)
	}
}

func (nm *NetworkManager) onHealthChange(healthy bool) {
	if !healthy {
		nm.log.Warn().Msg("heartbeat unhealthy, connection considered degraded")
	}
}

// IsConnected reports whether the WebSocket connection is currently up.
func (nm *NetworkManager) IsConnected() bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.connected
}

// RunWithReconnect keeps the connection alive, reconnecting with
// exponential backoff and jitter whenever it drops, until ctx is cancelled.
func (nm *NetworkManager) RunWithReconnect(ctx context.Context) {
	delay := nm.Config.ReconnectInitialDelay

	for {
		if ctx.Err() != nil {
			return
		}

		if err := nm.ConnectWS(ctx); err != nil {
			nm.log.Error().Err(err).Dur("retry_in", delay).Msg("reconnect failed")
			if !sleepCtx(ctx, jitter(delay)) {
				return
			}
			delay = nextBackoff(delay, nm.Config.ReconnectMultiplier, nm.Config.ReconnectMaxDelay)
			continue
		}

		delay = nm.Config.ReconnectInitialDelay
		nm.Reconciler.ReconcileAll(ctx)

		err := nm.ReceiveLoop(ctx)
		nm.DisconnectWS()
		if ctx.Err() != nil {
			return
		}
		nm.log.Warn().Err(err).Dur("retry_in", delay).Msg("connection lost, reconnecting")
		if !sleepCtx(ctx, jitter(delay)) {
			return
		}
		delay = nextBackoff(delay, nm.Config.ReconnectMultiplier, nm.Config.ReconnectMaxDelay)
	}
}

func nextBackoff(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		next = max
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(math.Round(float64(d) * factor))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
