package clientnet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rishav/exchange-sim/internal/messages"
)

// Heartbeat drives periodic PING/PONG health monitoring over a WebSocket
// connection, matching heartbeat.py's interval/timeout/on_health_change
// contract.
type Heartbeat struct {
	Interval time.Duration
	Timeout  time.Duration
	OnHealthChange func(healthy bool)

	send func(env messages.Envelope) error

	mu            sync.Mutex
	pendingPings  map[string]time.Time
	healthy       bool
	cancel        context.CancelFunc
}

// NewHeartbeat creates a heartbeat manager. send is used to push PING
// envelopes out over the active connection.
func NewHeartbeat(interval, timeout time.Duration, send func(env messages.Envelope) error, onHealthChange func(bool)) *Heartbeat {
	return &Heartbeat{
		Interval:       interval,
		Timeout:        timeout,
		OnHealthChange: onHealthChange,
		send:           send,
		pendingPings:   make(map[string]time.Time),
		healthy:        true,
	}
}

// Start begins the heartbeat loop, stopping when ctx is cancelled or Stop is
// called.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	go h.loop(ctx)
}

// Stop ends the heartbeat loop and clears pending pings.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.pendingPings = make(map[string]time.Time)
	h.mu.Unlock()
}

// HandlePong clears a pending ping and restores health if it had lapsed.
func (h *Heartbeat) HandlePong(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pendingPings[requestID]; !ok {
		return
	}
	delete(h.pendingPings, requestID)
	if !h.healthy {
		h.healthy = true
		if h.OnHealthChange != nil {
			h.OnHealthChange(true)
		}
	}
}

// IsHealthy reports whether the last PING received a timely PONG.
func (h *Heartbeat) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *Heartbeat) loop(ctx context.Context) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ping(ctx)
		}
	}
}

func (h *Heartbeat) ping(ctx context.Context) {
	requestID := uuid.NewString()
	env := messages.MustPayload(messages.TypePing, requestID, struct{}{})

	h.mu.Lock()
	h.pendingPings[requestID] = time.Now()
	h.mu.Unlock()

	if err := h.send(env); err != nil {
		h.markUnhealthy()
		return
	}

	go h.checkTimeout(ctx, requestID)
}

func (h *Heartbeat) checkTimeout(ctx context.Context, requestID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(h.Timeout):
	}

	h.mu.Lock()
	_, stillPending := h.pendingPings[requestID]
	if stillPending {
		delete(h.pendingPings, requestID)
	}
	h.mu.Unlock()

	if stillPending {
		h.markUnhealthy()
	}
}

func (h *Heartbeat) markUnhealthy() {
	h.mu.Lock()
	wasHealthy := h.healthy
	h.healthy = false
	h.mu.Unlock()

	if wasHealthy && h.OnHealthChange != nil {
		h.OnHealthChange(false)
	}
}
