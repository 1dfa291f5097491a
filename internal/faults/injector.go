package faults

import (
	"context"
	"sync"
	"sync/atomic"
)

// Injector chains inbound and outbound strategies and applies them in
// order, short-circuiting the first time a stage drops a frame.
//
// Grounded on failure_injector.py's FailureInjector, which holds two
// ordered lists (inbound/outbound) applied sequentially per frame.
type Injector struct {
	enabled  int32
	inbound  []Strategy
	outbound []Strategy
	mu       sync.RWMutex
}

// NewInjector builds an injector from explicit inbound/outbound chains. Each
// chain runs in exactly the order given; the server assembles its two
// (different) chains in cmd/server's buildInboundChain/buildOutboundChain.
func NewInjector(inbound, outbound []Strategy) *Injector {
	inj := &Injector{inbound: inbound, outbound: outbound}
	atomic.StoreInt32(&inj.enabled, 1)
	return inj
}

// Enable turns fault injection on.
func (inj *Injector) Enable() { atomic.StoreInt32(&inj.enabled, 1) }

// Disable turns fault injection off; frames pass through untouched.
func (inj *Injector) Disable() { atomic.StoreInt32(&inj.enabled, 0) }

// Enabled reports whether injection is currently active.
func (inj *Injector) Enabled() bool { return atomic.LoadInt32(&inj.enabled) == 1 }

// InjectInbound runs a frame through the inbound chain.
func (inj *Injector) InjectInbound(ctx context.Context, frame []byte, fctx *Context) ([]byte, error) {
	return inj.run(ctx, inj.inbound, frame, fctx)
}

// InjectOutbound runs a frame through the outbound chain.
func (inj *Injector) InjectOutbound(ctx context.Context, frame []byte, fctx *Context) ([]byte, error) {
	return inj.run(ctx, inj.outbound, frame, fctx)
}

func (inj *Injector) run(ctx context.Context, chain []Strategy, frame []byte, fctx *Context) ([]byte, error) {
	if !inj.Enabled() {
		return frame, nil
	}

	inj.mu.RLock()
	defer inj.mu.RUnlock()

	current := frame
	for _, stage := range chain {
		next, err := stage.Apply(ctx, current, fctx)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// Reset clears accumulated state on every stage in both chains.
func (inj *Injector) Reset() {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	for _, s := range inj.inbound {
		s.Reset()
	}
	for _, s := range inj.outbound {
		s.Reset()
	}
}

// Stats returns per-direction, per-stage statistics keyed by a label
// assigned at construction time via LabeledStrategy.
func (inj *Injector) Stats() map[string]any {
	inj.mu.RLock()
	defer inj.mu.RUnlock()

	out := map[string]any{
		"enabled":  inj.Enabled(),
		"inbound":  statsFor(inj.inbound),
		"outbound": statsFor(inj.outbound),
	}
	return out
}

func statsFor(chain []Strategy) []map[string]any {
	out := make([]map[string]any, 0, len(chain))
	for _, s := range chain {
		out = append(out, s.Stats())
	}
	return out
}
