// Package registry holds in-memory session state for calls in
// progress.
//
// The registry is the sole owner of ActiveCall state: entries are
// copied in and out so no caller ever shares memory with the store. An
// entry exists iff the call is in progress; Remove is the only terminal
// transition. The registry also admits turns, enforcing at most one
// in-flight turn per call.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhruvvootkuri/haven/internal/model"
)

var (
	// ErrCallNotFound indicates the call id has no active entry.
	ErrCallNotFound = errors.New("registry: call not found")

	// ErrCallExists indicates an attempt to create a duplicate call id.
	ErrCallExists = errors.New("registry: call already exists")

	// ErrTurnInFlight indicates the call is already processing a turn.
	ErrTurnInFlight = errors.New("registry: turn already in flight")
)

// entry is the registry's owned state for one call. Guarded by the
// registry mutex and never handed out by reference.
type entry struct {
	call         model.ActiveCall
	turnInFlight bool
}

// Registry is the process-wide store of active calls keyed by call id.
type Registry struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{calls: make(map[uuid.UUID]*entry)}
}

// Create registers a new active call. Returns ErrCallExists when the
// call id is already present; an existing call is never silently
// overwritten.
func (r *Registry) Create(callID, clientID uuid.UUID, externalRef string) (model.ActiveCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[callID]; ok {
		return model.ActiveCall{}, ErrCallExists
	}

	e := &entry{call: model.ActiveCall{
		CallID:      callID,
		ClientID:    clientID,
		ExternalRef: externalRef,
		StartedAt:   time.Now(),
	}}
	r.calls[callID] = e
	return copyCall(e.call), nil
}

// Get returns a copy of the active call and whether it exists.
func (r *Registry) Get(callID uuid.UUID) (model.ActiveCall, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.calls[callID]
	if !ok {
		return model.ActiveCall{}, false
	}
	return copyCall(e.call), true
}

// AppendHistory appends one conversation message. Appending to an
// absent call is a silent no-op; callers that need an error signal
// check existence first.
func (r *Registry) AppendHistory(callID uuid.UUID, role model.ChatRole, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.calls[callID]
	if !ok {
		return
	}
	e.call.History = append(e.call.History, model.ChatMessage{Role: role, Content: content})
}

// AppendTranscript appends a segment stamped with the call's current
// turn index, then increments the index. A zero Timestamp is filled
// with the append time. The returned segment is the immutable stamped
// form; ok reports whether the call existed.
func (r *Registry) AppendTranscript(callID uuid.UUID, seg model.TranscriptSegment) (model.TranscriptSegment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.calls[callID]
	if !ok {
		return model.TranscriptSegment{}, false
	}

	seg.TurnIndex = e.call.TurnIndex
	if seg.Timestamp.IsZero() {
		seg.Timestamp = time.Now()
	}
	e.call.Segments = append(e.call.Segments, seg)
	e.call.TurnIndex++
	return seg, true
}

// Remove deletes the call. Removing an absent call is a no-op, which
// makes duplicate finalization attempts safe.
func (r *Registry) Remove(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
}

// FullTranscript renders the call's segments as "Speaker: text" lines
// joined by newline, in append order. An absent call yields "".
func (r *Registry) FullTranscript(callID uuid.UUID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.calls[callID]
	if !ok {
		return ""
	}

	var b strings.Builder
	for i, seg := range e.call.Segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(seg.Speaker.Display())
		b.WriteString(": ")
		b.WriteString(seg.Text)
	}
	return b.String()
}

// BeginTurn admits a turn for the call. At most one turn may be in
// flight per call: a concurrent second attempt gets ErrTurnInFlight
// instead of interleaving.
func (r *Registry) BeginTurn(callID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if e.turnInFlight {
		return ErrTurnInFlight
	}
	e.turnInFlight = true
	return nil
}

// EndTurn releases the call's turn slot. Safe on absent calls, so a
// turn that finalized (and removed) the call can still release.
func (r *Registry) EndTurn(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.calls[callID]; ok {
		e.turnInFlight = false
	}
}

// Count returns the number of active calls.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// ActiveCalls returns a snapshot of every active call, oldest first.
func (r *Registry) ActiveCalls() []model.ActiveCall {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ActiveCall, 0, len(r.calls))
	for _, e := range r.calls {
		out = append(out, copyCall(e.call))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].CallID.String() < out[j].CallID.String()
	})
	return out
}

// copyCall clones the slice headers so callers cannot reach registry
// state. Segment values are immutable once appended, so their inner
// slices are safe to share.
func copyCall(c model.ActiveCall) model.ActiveCall {
	out := c
	out.History = append([]model.ChatMessage(nil), c.History...)
	out.Segments = append([]model.TranscriptSegment(nil), c.Segments...)
	return out
}
