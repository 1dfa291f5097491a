package messages

import (
	"encoding/json"
	"fmt"
)

// Handler processes one parsed envelope for a session and returns the reply
// envelope(s) to send back. Most handlers return exactly one; subscription
// acks and get-orders legitimately return a single list reply too, so the
// slice exists mainly for handlers that need to emit an ack plus a
// follow-up snapshot in one round trip.
type Handler func(sessionID string, env Envelope) ([]Envelope, error)

// Router parses inbound frames, dispatches them to a registered handler by
// message type, and serializes replies back to frames.
//
// Grounded on original_source's message_router.py: a MESSAGE_TYPE_MAP
// dispatch table and the exact three failure codes (INVALID_MESSAGE,
// NO_HANDLER, HANDLER_ERROR).
type Router struct {
	handlers map[MessageType]Handler
}

// NewRouter creates an empty router; register handlers with Register.
func NewRouter() *Router {
	return &Router{handlers: make(map[MessageType]Handler)}
}

// Register binds a handler to a message type.
func (r *Router) Register(t MessageType, h Handler) {
	r.handlers[t] = h
}

// Parse decodes a raw frame into an envelope.
func (r *Router) Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse message: %w", err)
	}
	return env, nil
}

// Route dispatches a parsed envelope to its handler, returning error
// envelopes (never a Go error) for malformed input or handler failures so
// callers can always serialize and send the result straight back.
func (r *Router) Route(sessionID string, env Envelope) []Envelope {
	if env.Type == "" {
		return []Envelope{errorEnvelope(env.RequestID, ErrInvalidMessage, "missing message type")}
	}

	handler, ok := r.handlers[env.Type]
	if !ok {
		return []Envelope{errorEnvelope(env.RequestID, ErrNoHandler, fmt.Sprintf("no handler for message type %q", env.Type))}
	}

	replies, err := handler(sessionID, env)
	if err != nil {
		payload, _ := json.Marshal(ErrorPayload{
			Code:    ErrHandlerError,
			Message: err.Error(),
			Details: map[string]any{"message_type": string(env.Type)},
		})
		return []Envelope{{Type: TypeError, RequestID: env.RequestID, Payload: payload}}
	}
	return replies
}

// Serialize encodes an envelope to a frame.
func (r *Router) Serialize(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func errorEnvelope(requestID, code, message string) Envelope {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Envelope{Type: TypeError, RequestID: requestID, Payload: payload}
}

// MustPayload marshals a typed payload into an envelope, panicking only on
// a programmer error (an unmarshalable payload type) - never on data the
// network could have supplied.
func MustPayload(t MessageType, requestID string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("messages: payload for %s does not marshal: %v", t, err))
	}
	return Envelope{Type: t, RequestID: requestID, Payload: raw}
}
