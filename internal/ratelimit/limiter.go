// Package ratelimit implements the server-side escalating-ban rate limiter.
//
// Grounded exactly on original_source's failures/strategies.py
// RateLimitStrategy: a sliding 1-second window of request timestamps per
// session, with first/second/third violations escalating from a short wait
// to a longer temporary ban to a permanent ban. Not built on
// golang.org/x/time/rate - a token bucket doesn't have a shape for
// escalating bans, only for smoothing admission, so this is a from-scratch
// state machine guarded by a mutex, the same pattern the teacher uses for
// its per-account map in internal/risk/checker.go.
package ratelimit

import (
	"sync"
	"time"
)

// VolumeDetector reports whether the exchange is currently in a high-volume
// period and, if so, by how much admission should be scaled down.
type VolumeDetector interface {
	IsHighVolume() bool
	VolumeMultiplier() float64
}

// HardcodedVolumeDetector is a fixed, manually toggled volume signal -
// there is no real market-volume source in a simulator, so this is the only
// implementation, matching the source's own HardcodedVolumeDetector.
type HardcodedVolumeDetector struct {
	mu         sync.RWMutex
	highVolume bool
	multiplier float64
}

// NewHardcodedVolumeDetector creates a detector with the given multiplier
// applied only while high volume is toggled on.
func NewHardcodedVolumeDetector(multiplier float64) *HardcodedVolumeDetector {
	return &HardcodedVolumeDetector{multiplier: multiplier}
}

func (d *HardcodedVolumeDetector) IsHighVolume() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.highVolume
}

func (d *HardcodedVolumeDetector) VolumeMultiplier() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.highVolume {
		return d.multiplier
	}
	return 1.0
}

// SetHighVolume toggles the high-volume flag.
func (d *HardcodedVolumeDetector) SetHighVolume(high bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.highVolume = high
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter int // seconds; 0 when Allowed or when the ban is permanent
}

type sessionState struct {
	requests   []time.Time
	violations []time.Time
	banUntil   time.Time
	permaBan   bool
}

// Limiter is the escalating-ban sliding-window rate limiter.
type Limiter struct {
	mu sync.Mutex

	baselineRPS               int
	waitPeriod                time.Duration
	secondViolationBan        time.Duration
	violationWindow           time.Duration
	detector                  VolumeDetector

	sessions map[string]*sessionState

	rateLimitedCount int
}

// New creates a rate limiter. detector may be nil, in which case a detector
// that always reports normal volume is used.
func New(baselineRPS int, waitPeriod, secondViolationBan, violationWindow time.Duration, detector VolumeDetector) *Limiter {
	if detector == nil {
		detector = NewHardcodedVolumeDetector(1.0)
	}
	return &Limiter{
		baselineRPS:        baselineRPS,
		waitPeriod:         waitPeriod,
		secondViolationBan: secondViolationBan,
		violationWindow:    violationWindow,
		detector:           detector,
		sessions:           make(map[string]*sessionState),
	}
}

func (l *Limiter) currentLimit() int {
	mult := l.detector.VolumeMultiplier()
	limit := int(float64(l.baselineRPS) * mult)
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Check admits or rejects one request for sessionID, advancing the
// sliding window and violation state as a side effect.
func (l *Limiter) Check(sessionID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	st, ok := l.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		l.sessions[sessionID] = st
	}

	if st.permaBan {
		return Decision{Allowed: false, Reason: "account permanently banned due to repeated rate limit violations"}
	}

	if !st.banUntil.IsZero() {
		if st.banUntil.After(now) {
			retryAfter := int(st.banUntil.Sub(now).Seconds()) + 1
			return Decision{Allowed: false, Reason: "rate limit exceeded, account temporarily banned", RetryAfter: retryAfter}
		}
		st.banUntil = time.Time{}
	}

	limit := l.currentLimit()

	oneSecondAgo := now.Add(-time.Second)
	st.requests = trimBefore(st.requests, oneSecondAgo)

	if len(st.requests) >= limit {
		st.violations = append(st.violations, now)
		windowStart := now.Add(-l.violationWindow)
		st.violations = trimBefore(st.violations, windowStart)

		l.rateLimitedCount++

		switch {
		case len(st.violations) >= 3:
			st.permaBan = true
			return Decision{Allowed: false, Reason: "account permanently banned due to repeated rate limit violations"}
		case len(st.violations) >= 2:
			st.banUntil = now.Add(l.secondViolationBan)
			return Decision{Allowed: false, Reason: "rate limit exceeded, account temporarily banned", RetryAfter: int(l.secondViolationBan.Seconds())}
		default:
			st.banUntil = now.Add(l.waitPeriod)
			return Decision{Allowed: false, Reason: "rate limit exceeded", RetryAfter: int(l.waitPeriod.Seconds())}
		}
	}

	st.requests = append(st.requests, now)
	return Decision{Allowed: true}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

// ViolationCount returns how many violations are currently within the
// violation window for a session.
func (l *Limiter) ViolationCount(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.sessions[sessionID]
	if !ok {
		return 0
	}
	st.violations = trimBefore(st.violations, time.Now().Add(-l.violationWindow))
	return len(st.violations)
}

// Reset clears all session state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = make(map[string]*sessionState)
	l.rateLimitedCount = 0
}

// Stats returns aggregate counters for diagnostics.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	banned := 0
	permanent := 0
	for _, st := range l.sessions {
		if st.permaBan {
			permanent++
			banned++
		} else if !st.banUntil.IsZero() {
			banned++
		}
	}

	return map[string]any{
		"rate_limited_count": l.rateLimitedCount,
		"banned_sessions":    banned,
		"permanent_bans":     permanent,
	}
}
