// Package account tracks per-session balances and positions.
//
// Grounded on original_source's engine/accounts.py: one Account per session,
// a balance ledger keyed by currency symbol, and a position ledger keyed by
// traded symbol. Manager is a get-or-create registry guarded by a
// single RWMutex, the same shape the teacher uses for its risk checker's
// per-account state in internal/risk/checker.go.
package account

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rishav/exchange-sim/internal/orders"
)

// Account holds one session's balances and positions.
type Account struct {
	mu        sync.RWMutex
	SessionID string
	Balances  map[string]decimal.Decimal
	Positions map[string]*orders.Position
}

func newAccount(sessionID string, defaultBalance decimal.Decimal, quoteCurrency string) *Account {
	return &Account{
		SessionID: sessionID,
		Balances:  map[string]decimal.Decimal{quoteCurrency: defaultBalance},
		Positions: make(map[string]*orders.Position),
	}
}

// Balance returns the balance for a currency, zero if untracked.
func (a *Account) Balance(currency string) decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if b, ok := a.Balances[currency]; ok {
		return b
	}
	return decimal.Zero
}

// Position returns the position for a symbol, creating an empty one if
// absent; the returned pointer is live and must not be retained across a
// lock boundary by callers outside this package.
func (a *Account) Position(symbol string) *orders.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positionLocked(symbol)
}

func (a *Account) positionLocked(symbol string) *orders.Position {
	p, ok := a.Positions[symbol]
	if !ok {
		p = &orders.Position{Symbol: symbol, Quantity: decimal.Zero, AveragePrice: decimal.Zero}
		a.Positions[symbol] = p
	}
	return p
}

// AdjustBalance adds delta (may be negative) to the given currency.
func (a *Account) AdjustBalance(currency string, delta decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Balances[currency] = a.Balances[currency].Add(delta)
}

// ApplyFill updates the position for the fill's symbol and settles cash
// against the account's balances using the fill's quote currency.
func (a *Account) ApplyFill(f orders.Fill, baseCurrency, quoteCurrency string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pos := a.positionLocked(f.Symbol)
	pos.UpdateOnFill(f)

	notional := f.Price.Mul(f.Quantity)
	if f.Side == orders.SideBuy {
		a.Balances[quoteCurrency] = a.Balances[quoteCurrency].Sub(notional)
		a.Balances[baseCurrency] = a.Balances[baseCurrency].Add(f.Quantity)
	} else {
		a.Balances[quoteCurrency] = a.Balances[quoteCurrency].Add(notional)
		a.Balances[baseCurrency] = a.Balances[baseCurrency].Sub(f.Quantity)
	}
}

// Snapshot returns copies of the balance and position maps, safe to read
// without holding the account's lock.
func (a *Account) Snapshot() (map[string]decimal.Decimal, map[string]orders.Position) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	balances := make(map[string]decimal.Decimal, len(a.Balances))
	for k, v := range a.Balances {
		balances[k] = v
	}
	positions := make(map[string]orders.Position, len(a.Positions))
	for k, v := range a.Positions {
		positions[k] = *v
	}
	return balances, positions
}

// Manager is a get-or-create registry of accounts, one per session.
type Manager struct {
	mu             sync.RWMutex
	accounts       map[string]*Account
	defaultBalance decimal.Decimal
	quoteCurrency  string
}

// NewManager creates an account manager. Every newly created account starts
// with defaultBalance of quoteCurrency and nothing else.
func NewManager(defaultBalance decimal.Decimal, quoteCurrency string) *Manager {
	return &Manager{
		accounts:       make(map[string]*Account),
		defaultBalance: defaultBalance,
		quoteCurrency:  quoteCurrency,
	}
}

// GetOrCreate returns the account for sessionID, creating it on first use.
func (m *Manager) GetOrCreate(sessionID string) *Account {
	m.mu.RLock()
	acc, ok := m.accounts[sessionID]
	m.mu.RUnlock()
	if ok {
		return acc
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[sessionID]; ok {
		return acc
	}
	acc = newAccount(sessionID, m.defaultBalance, m.quoteCurrency)
	m.accounts[sessionID] = acc
	return acc
}

// Get returns the account for sessionID, or nil if no account has been
// created for it yet.
func (m *Manager) Get(sessionID string) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[sessionID]
}

// Remove deletes a session's account entirely.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, sessionID)
}

// Count returns the number of tracked accounts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}
