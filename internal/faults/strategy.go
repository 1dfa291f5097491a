// Package faults implements the fault-injection pipeline: a chain of
// independent strategies applied, in order, to every inbound and outbound
// frame. Each strategy can pass a frame through unchanged, modify it, delay
// it, or drop it (nil short-circuits the chain).
//
// Grounded on original_source's failures/strategies.py and
// failure_injector.py. Silent and Latency have no implementation left in
// that module (only config.py references them) so they are built fresh
// here against the documented contract.
package faults

import (
	"context"
)

// Context carries the per-frame metadata strategies need to make decisions:
// which session the frame belongs to, what kind of message it is, and which
// direction it's travelling.
type Context struct {
	SessionID   string
	MessageType string
	Direction   string // "inbound" or "outbound"
	Metadata    map[string]any
}

// Strategy is one fault-injection stage.
type Strategy interface {
	// Apply transforms, delays, or drops a frame. A nil []byte return (with
	// nil error) means "drop this frame" - the chain stops there.
	Apply(ctx context.Context, frame []byte, fctx *Context) ([]byte, error)

	// Reset clears accumulated state (counts, buffers, bans).
	Reset()

	// Stats returns a snapshot of the strategy's counters for diagnostics.
	Stats() map[string]any
}
