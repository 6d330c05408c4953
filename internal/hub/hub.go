// Package hub fans live call events out to websocket subscribers.
//
// A subscriber registers interest in one or more keys: a call key to follow
// a single call, or a client key to follow every call for a client. Each
// published event is delivered at most once per subscriber, even when the
// subscriber matches on both keys.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dhruvvootkuri/haven/internal/model"
)

// Event types carried in the envelope Type field.
const (
	EventConnected   = "connected"
	EventCallStarted = "call_started"
	EventTranscript  = "transcript"
	EventCallEnded   = "call_ended"
)

// ErrNoKeys is returned by Register when no subscription keys are given.
var ErrNoKeys = errors.New("hub: register requires at least one key")

// Envelope is the wire format for every hub event.
type Envelope struct {
	Type     string          `json:"type"`
	CallID   string          `json:"call_id,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// CallKey returns the subscription key for a single call.
func CallKey(callID uuid.UUID) string { return callID.String() }

// ClientKey returns the subscription key for all calls of a client.
func ClientKey(clientID uuid.UUID) string { return "client:" + clientID.String() }

// DefaultBufferSize is the per-subscriber channel buffer used by New.
const DefaultBufferSize = 64

// Hub is the in-process broadcast hub. Publishing never blocks: slow
// subscribers with a full buffer have the event dropped.
type Hub struct {
	logger  *slog.Logger
	bufSize int

	mu     sync.RWMutex
	keys   map[string]map[chan []byte]struct{}
	byChan map[chan []byte][]string
}

// New creates an empty hub with the default subscriber buffer.
func New(logger *slog.Logger) *Hub {
	return NewSize(logger, DefaultBufferSize)
}

// NewSize creates an empty hub whose subscriber channels buffer up to
// bufferSize events. Sizes below one fall back to the default.
func NewSize(logger *slog.Logger, bufferSize int) *Hub {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		logger:  logger,
		bufSize: bufferSize,
		keys:    make(map[string]map[chan []byte]struct{}),
		byChan:  make(map[chan []byte][]string),
	}
}

// Register subscribes to events for the given keys and returns the
// subscriber's event channel. The caller must call Unregister when done.
func (h *Hub) Register(keys ...string) (chan []byte, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	ch := make(chan []byte, h.bufSize) // Buffer to avoid blocking publishers.
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range keys {
		set, ok := h.keys[key]
		if !ok {
			set = make(map[chan []byte]struct{})
			h.keys[key] = set
		}
		set[ch] = struct{}{}
	}
	h.byChan[ch] = keys
	return ch, nil
}

// Unregister removes a subscriber channel and closes it. Key sets left
// empty are discarded. Unregistering an unknown channel is a no-op.
func (h *Hub) Unregister(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys, ok := h.byChan[ch]
	if !ok {
		return
	}
	delete(h.byChan, ch)
	for _, key := range keys {
		set := h.keys[key]
		delete(set, ch)
		if len(set) == 0 {
			delete(h.keys, key)
		}
	}
	close(ch)
}

// PublishTranscript broadcasts a transcript segment to everyone following
// the call or its client.
func (h *Hub) PublishTranscript(callID, clientID uuid.UUID, seg model.TranscriptSegment) {
	h.publish(callID, clientID, EventTranscript, seg)
}

// PublishEvent broadcasts a call lifecycle event. payload may be nil, in
// which case the envelope carries no data field.
func (h *Hub) PublishEvent(callID, clientID uuid.UUID, eventType string, payload any) {
	h.publish(callID, clientID, eventType, payload)
}

func (h *Hub) publish(callID, clientID uuid.UUID, eventType string, payload any) {
	env := Envelope{
		Type:     eventType,
		CallID:   callID.String(),
		ClientID: clientID.String(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.logger.Warn("hub: marshal payload", "type", eventType, "error", err)
			return
		}
		env.Data = data
	}
	msg, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("hub: marshal envelope", "type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	// Union of call and client followers, so a subscriber registered for
	// both keys still receives the event exactly once.
	targets := make(map[chan []byte]struct{})
	for ch := range h.keys[CallKey(callID)] {
		targets[ch] = struct{}{}
	}
	for ch := range h.keys[ClientKey(clientID)] {
		targets[ch] = struct{}{}
	}

	for ch := range targets {
		select {
		case ch <- msg:
		default:
			// Subscriber buffer full; drop this event for them.
		}
	}
}
