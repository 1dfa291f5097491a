// Package session tracks connected clients and their channel subscriptions.
//
// Grounded on original_source's connection_manager.py: a session registry
// keyed by opaque session id, a subscription set per session, and broadcast
// helpers that treat a failed send as "the peer is gone" without aborting
// delivery to anyone else.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sender abstracts the transport a session writes frames to - satisfied by
// a *websocket.Conn wrapper so the manager never imports gorilla directly.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

// State is the bookkeeping kept for one connected session.
type State struct {
	ID            string
	ConnectedAt   time.Time
	LastActivity  time.Time
	Subscriptions map[string]struct{}
}

type entry struct {
	mu     sync.Mutex
	sender Sender
	state  *State
}

// Manager is the connection/session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	log      zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*entry),
		log:      log.With().Str("component", "session").Logger(),
	}
}

// Add registers a new session with its transport.
func (m *Manager) Add(sessionID string, sender Sender) *State {
	now := time.Now().UTC()
	state := &State{
		ID:            sessionID,
		ConnectedAt:   now,
		LastActivity:  now,
		Subscriptions: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.sessions[sessionID] = &entry{sender: sender, state: state}
	m.mu.Unlock()

	return state
}

// Remove drops a session and closes its transport.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok && e.sender != nil {
		_ = e.sender.Close()
	}
}

// Touch refreshes a session's last-activity timestamp.
func (m *Manager) Touch(sessionID string) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.LastActivity = time.Now().UTC()
	e.mu.Unlock()
}

// State returns a session's bookkeeping, or nil if unknown.
func (m *Manager) State(sessionID string) *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return e.state
}

// Subscribe adds a channel key (e.g. "TICKER:BTC-USD") to a session.
func (m *Manager) Subscribe(sessionID, channelKey string) bool {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.state.Subscriptions[channelKey] = struct{}{}
	e.mu.Unlock()
	return true
}

// Unsubscribe removes a channel key from a session.
func (m *Manager) Unsubscribe(sessionID, channelKey string) bool {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	delete(e.state.Subscriptions, channelKey)
	e.mu.Unlock()
	return true
}

// SubscribedSessions returns every session id subscribed to channelKey.
func (m *Manager) SubscribedSessions(channelKey string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0)
	for id, e := range m.sessions {
		e.mu.Lock()
		_, ok := e.state.Subscriptions[channelKey]
		e.mu.Unlock()
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// SendTo sends a frame to a single session. Returns false if the session is
// unknown or the transport write failed - a failed write is treated as "the
// peer is gone", matching the source's send_to_session contract, not a
// reason to panic or propagate an error to callers broadcasting widely.
func (m *Manager) SendTo(sessionID string, frame []byte) bool {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	err := e.sender.Send(frame)
	e.mu.Unlock()

	if err != nil {
		m.log.Debug().Err(err).Str("session_id", sessionID).Msg("send failed, treating session as gone")
		return false
	}
	return true
}

// Broadcast sends a frame to every connected session except those in
// exclude. Returns the count of sessions that received it.
func (m *Manager) Broadcast(frame []byte, exclude map[string]struct{}) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if _, skip := exclude[id]; skip {
			continue
		}
		if m.SendTo(id, frame) {
			sent++
		}
	}
	return sent
}

// BroadcastToChannel sends a frame to every session subscribed to
// channelKey. Returns the count of sessions that received it.
func (m *Manager) BroadcastToChannel(channelKey string, frame []byte) int {
	sent := 0
	for _, id := range m.SubscribedSessions(channelKey) {
		if m.SendTo(id, frame) {
			sent++
		}
	}
	return sent
}

// Close closes and removes a single session.
func (m *Manager) Close(sessionID string) {
	m.Remove(sessionID)
}

// CloseAll closes and removes every session, used on server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Remove(id)
	}
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
