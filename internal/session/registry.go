package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	apperrors "github.com/dull-quay940/mcp-supervisor/internal/errors"
)

// Registry is the authoritative table of known sessions.
//
// A Registry is not safe for concurrent use. It is owned by the supervisor's
// event loop, and every mutation happens as a serialized step of that loop.
// Readers outside the loop receive copies.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Insert adds a new pending session. Ids are never reused.
func (r *Registry) Insert(s Session) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	if s.State == "" {
		s.State = StatePending
	}
	if s.State != StatePending {
		return fmt.Errorf("session %s must be inserted as %s, got %s", s.ID, StatePending, s.State)
	}
	stored := s.clone()
	r.sessions[s.ID] = &stored
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// List returns copies of every session, oldest first.
func (r *Registry) List() []Session {
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of sessions held, terminal ones included.
func (r *Registry) Len() int { return len(r.sessions) }

// CountActive returns the number of non-terminal sessions.
func (r *Registry) CountActive() int {
	n := 0
	for _, s := range r.sessions {
		if !s.State.Terminal() {
			n++
		}
	}
	return n
}

// CountByState tallies sessions per state.
func (r *Registry) CountByState() map[State]int {
	out := make(map[State]int)
	for _, s := range r.sessions {
		out[s.State]++
	}
	return out
}

// UpdateState moves a session along the state machine. Entering RUNNING
// stamps StartedAt; entering a terminal state stamps EndedAt and freezes the
// runtime telemetry.
func (r *Registry) UpdateState(id string, to State, at time.Time) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("update state of %s: %w", id, apperrors.ErrUnknownSession)
	}
	if !CanTransition(s.State, to) {
		return &TransitionError{SessionID: id, From: s.State, To: to}
	}
	s.State = to
	if to == StateRunning && s.StartedAt.IsZero() {
		s.StartedAt = at
	}
	if to.Terminal() {
		s.EndedAt = at
		s.Telemetry.Runtime = s.Runtime(at)
	}
	return nil
}

// SetHandle records the backend reference of a started session.
func (r *Registry) SetHandle(id string, kind backend.Kind, ref backend.Ref) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("set handle of %s: %w", id, apperrors.ErrUnknownSession)
	}
	s.Backend = kind
	s.Handle = ref
	return nil
}

// UpdateTelemetry applies fn to the session's telemetry.
func (r *Registry) UpdateTelemetry(id string, fn func(*Telemetry)) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("update telemetry of %s: %w", id, apperrors.ErrUnknownSession)
	}
	fn(&s.Telemetry)
	return nil
}

// UpdateOutcome applies fn to the session's outcome.
func (r *Registry) UpdateOutcome(id string, fn func(*Outcome)) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("update outcome of %s: %w", id, apperrors.ErrUnknownSession)
	}
	fn(&s.Outcome)
	return nil
}

// Remove deletes a session regardless of state. Used when a failed attempt is
// replaced by its retry.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// EvictOlderThan removes terminal sessions whose EndedAt lies strictly more
// than retention before now, and returns their ids.
func (r *Registry) EvictOlderThan(now time.Time, retention time.Duration) []string {
	var evicted []string
	for id, s := range r.sessions {
		if !s.State.Terminal() || !s.Ended() {
			continue
		}
		if now.Sub(s.EndedAt) > retention {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}
