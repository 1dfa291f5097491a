package faults

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DropStrategy randomly drops frames with a fixed probability.
type DropStrategy struct {
	mu          sync.Mutex
	Probability float64
	dropped     int
}

func NewDropStrategy(probability float64) *DropStrategy {
	return &DropStrategy{Probability: probability}
}

func (s *DropStrategy) Apply(_ context.Context, frame []byte, _ *Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rand.Float64() < s.Probability {
		s.dropped++
		return nil, nil
	}
	return frame, nil
}

func (s *DropStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = 0
}

func (s *DropStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"dropped_count": s.dropped}
}

// DelayStrategy adds a uniformly random delay to every frame.
type DelayStrategy struct {
	mu            sync.Mutex
	MinMs, MaxMs  int
	totalDelayMs  float64
	delayedCount  int
}

func NewDelayStrategy(minMs, maxMs int) *DelayStrategy {
	return &DelayStrategy{MinMs: minMs, MaxMs: maxMs}
}

func (s *DelayStrategy) Apply(ctx context.Context, frame []byte, _ *Context) ([]byte, error) {
	delayMs := float64(s.MinMs) + rand.Float64()*float64(s.MaxMs-s.MinMs)

	s.mu.Lock()
	s.totalDelayMs += delayMs
	s.delayedCount++
	s.mu.Unlock()

	select {
	case <-time.After(time.Duration(delayMs * float64(time.Millisecond))):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return frame, nil
}

func (s *DelayStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalDelayMs = 0
	s.delayedCount = 0
}

func (s *DelayStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := 0.0
	if s.delayedCount > 0 {
		avg = s.totalDelayMs / float64(s.delayedCount)
	}
	return map[string]any{
		"delayed_count":     s.delayedCount,
		"total_delay_ms":    s.totalDelayMs,
		"average_delay_ms":  avg,
	}
}

// DuplicateStrategy randomly queues extra copies of a frame to be replayed
// on subsequent calls, ahead of whatever frame is actually passed in then -
// this mirrors the source exactly: a replayed duplicate takes the place of
// the next real frame rather than being inserted alongside it.
type DuplicateStrategy struct {
	mu              sync.Mutex
	Probability     float64
	MaxDuplicates   int
	duplicatedCount int
	pending         [][]byte
}

func NewDuplicateStrategy(probability float64, maxDuplicates int) *DuplicateStrategy {
	return &DuplicateStrategy{Probability: probability, MaxDuplicates: maxDuplicates}
}

func (s *DuplicateStrategy) Apply(_ context.Context, frame []byte, _ *Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		return next, nil
	}

	if rand.Float64() < s.Probability {
		n := 1 + rand.Intn(s.MaxDuplicates)
		s.duplicatedCount += n
		for i := 0; i < n; i++ {
			s.pending = append(s.pending, frame)
		}
	}

	return frame, nil
}

func (s *DuplicateStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicatedCount = 0
	s.pending = nil
}

func (s *DuplicateStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"duplicated_count": s.duplicatedCount}
}

// ReorderStrategy buffers frames in a fixed-size window and emits a
// randomly chosen one once the window fills, holding frames until then.
type ReorderStrategy struct {
	mu             sync.Mutex
	WindowSize     int
	buffer         [][]byte
	reorderedCount int
}

func NewReorderStrategy(windowSize int) *ReorderStrategy {
	return &ReorderStrategy{WindowSize: windowSize}
}

func (s *ReorderStrategy) Apply(_ context.Context, frame []byte, _ *Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, frame)
	if len(s.buffer) < s.WindowSize {
		return nil, nil // held, nothing emitted yet
	}

	idx := rand.Intn(len(s.buffer))
	selected := s.buffer[idx]
	s.buffer = append(s.buffer[:idx], s.buffer[idx+1:]...)
	if idx != 0 {
		s.reorderedCount++
	}
	return selected, nil
}

// Flush drains and returns any frames still held in the window, oldest
// first. The buffer is empty afterward. Declared here so a clean server
// shutdown can decide to emit what's left rather than losing it silently;
// callers that prefer to discard on shutdown can simply not call Flush.
func (s *ReorderStrategy) Flush() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffer
	s.buffer = nil
	return out
}

func (s *ReorderStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = nil
	s.reorderedCount = 0
}

func (s *ReorderStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"reordered_count": s.reorderedCount,
		"buffered_count":  len(s.buffer),
	}
}

// CorruptStrategy randomly mutates a fraction of a frame's bytes.
type CorruptStrategy struct {
	mu              sync.Mutex
	Probability     float64
	CorruptionLevel float64
	corruptedCount  int
}

func NewCorruptStrategy(probability, corruptionLevel float64) *CorruptStrategy {
	return &CorruptStrategy{Probability: probability, CorruptionLevel: corruptionLevel}
}

func (s *CorruptStrategy) Apply(_ context.Context, frame []byte, _ *Context) ([]byte, error) {
	s.mu.Lock()
	roll := rand.Float64() < s.Probability
	if roll {
		s.corruptedCount++
	}
	s.mu.Unlock()

	if !roll || len(frame) == 0 {
		return frame, nil
	}

	out := make([]byte, len(frame))
	copy(out, frame)
	numCorruptions := int(float64(len(out)) * s.CorruptionLevel)
	if numCorruptions < 1 {
		numCorruptions = 1
	}
	for i := 0; i < numCorruptions; i++ {
		pos := rand.Intn(len(out))
		out[pos] = byte(33 + rand.Intn(126-33+1))
	}
	return out, nil
}

func (s *CorruptStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptedCount = 0
}

func (s *CorruptStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"corrupted_count": s.corruptedCount}
}

// ThrottleStrategy enforces a minimum inter-emission interval, sleeping out
// any frame that arrives sooner than that.
type ThrottleStrategy struct {
	mu              sync.Mutex
	MaxRPS          int
	minInterval     time.Duration
	lastEmission    time.Time
	throttledCount  int
}

func NewThrottleStrategy(maxRPS int) *ThrottleStrategy {
	return &ThrottleStrategy{
		MaxRPS:      maxRPS,
		minInterval: time.Second / time.Duration(maxRPS),
	}
}

func (s *ThrottleStrategy) Apply(ctx context.Context, frame []byte, _ *Context) ([]byte, error) {
	s.mu.Lock()
	now := time.Now()
	var wait time.Duration
	if !s.lastEmission.IsZero() {
		since := now.Sub(s.lastEmission)
		if since < s.minInterval {
			wait = s.minInterval - since
			s.throttledCount++
		}
	}
	s.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	s.lastEmission = time.Now()
	s.mu.Unlock()

	return frame, nil
}

func (s *ThrottleStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEmission = time.Time{}
	s.throttledCount = 0
}

func (s *ThrottleStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"throttled_count": s.throttledCount}
}

// SilentStrategy lets the first N frames for a session through, then drops
// everything for that session afterward - including PONG replies, which is
// what makes a "gone silent" connection distinct from a dropped one: the
// client's own heartbeat timeout, not a gap detector, is what notices.
//
// Not present in failures/strategies.py; built fresh from the documented
// contract (only config.py references Silent).
type SilentStrategy struct {
	mu      sync.Mutex
	AfterN  int
	counts  map[string]int
	dropped int
}

func NewSilentStrategy(afterN int) *SilentStrategy {
	return &SilentStrategy{AfterN: afterN, counts: make(map[string]int)}
}

func (s *SilentStrategy) Apply(_ context.Context, frame []byte, fctx *Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := ""
	if fctx != nil {
		sessionID = fctx.SessionID
	}

	n := s.counts[sessionID]
	if n >= s.AfterN {
		s.dropped++
		return nil, nil
	}
	s.counts[sessionID] = n + 1
	return frame, nil
}

func (s *SilentStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
	s.dropped = 0
}

func (s *SilentStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"dropped_count": s.dropped, "silenced_sessions": len(s.counts)}
}

// LatencyStrategy adds a log-normal microsecond delay to every frame, the
// two named modes following the source's LatencyConfig presets exactly:
// "stable" (mu=3.8, sigma=0.2) and "typical" (mu=5.0, sigma=0.3).
//
// Not present in failures/strategies.py; built fresh from the documented
// contract (only config.py references Latency).
type LatencyStrategy struct {
	mu          sync.Mutex
	Mu, Sigma   float64
	totalDelay  time.Duration
	count       int
}

func NewLatencyStrategy(mu, sigma float64) *LatencyStrategy {
	return &LatencyStrategy{Mu: mu, Sigma: sigma}
}

// NewLatencyStrategyForMode builds a LatencyStrategy from the source's named
// presets rather than raw mu/sigma.
func NewLatencyStrategyForMode(mode string) *LatencyStrategy {
	switch mode {
	case "stable":
		return NewLatencyStrategy(3.8, 0.2)
	default: // "typical" and anything unrecognized
		return NewLatencyStrategy(5.0, 0.3)
	}
}

func (s *LatencyStrategy) Apply(ctx context.Context, frame []byte, _ *Context) ([]byte, error) {
	// Log-normal draw in microseconds: exp(mu + sigma*Z).
	z := rand.NormFloat64()
	micros := math.Exp(s.Mu + s.Sigma*z)
	delay := time.Duration(micros * float64(time.Microsecond))

	s.mu.Lock()
	s.totalDelay += delay
	s.count++
	s.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return frame, nil
}

func (s *LatencyStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalDelay = 0
	s.count = 0
}

func (s *LatencyStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	avgMicros := 0.0
	if s.count > 0 {
		avgMicros = float64(s.totalDelay.Microseconds()) / float64(s.count)
	}
	return map[string]any{
		"delayed_count":          s.count,
		"average_delay_micros":  avgMicros,
	}
}
