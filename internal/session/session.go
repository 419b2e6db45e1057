// Package session owns the active collaboration sessions, one per entity.
//
// All state mutation for one session (participant list, cursor and
// selection updates, version bumps through its change authority, lock grants)
// happens under that session's mutex, and the resulting broadcasts are
// published before the mutex is released. That single serialization point is
// what guarantees the per-session total order: subscribers observe
// change:applied, lock and participant events in exactly the order they were
// committed. Operations on different sessions proceed in parallel.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabd/internal/changelog"
	"collabd/internal/lock"
	"collabd/internal/protocol"
	"collabd/internal/pubsub"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session: not found")

// ErrNotParticipant is returned when a user acts in a session they have not
// joined.
var ErrNotParticipant = errors.New("session: not a participant")

// Role is a participant's capability level.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
	RoleViewer    Role = "viewer"
)

// ParticipantStatus tracks a participant's activity level, driven by
// heartbeat and activity timeouts independent of the session as a whole.
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "active"
	ParticipantIdle         ParticipantStatus = "idle"
	ParticipantAway         ParticipantStatus = "away"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// Palette is the fixed set of participant colors. Colors are assigned by
// join order modulo the palette so they stay stable and visually distinct.
var Palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#9a6324",
}

// Participant is one user's membership in a session.
type Participant struct {
	UserID       string              `json:"user_id"`
	Name         string              `json:"name,omitempty"`
	Role         Role                `json:"role"`
	Status       ParticipantStatus   `json:"status"`
	Cursor       *protocol.Cursor    `json:"cursor,omitempty"`
	Selection    *protocol.Selection `json:"selection,omitempty"`
	Color        string              `json:"color"`
	JoinedAt     time.Time           `json:"joined_at"`
	LastActivity time.Time           `json:"last_activity"`
}

// Session is the live collaborative editing context for one entity.
type Session struct {
	mu sync.Mutex

	ID         string
	EntityType string
	EntityID   string

	participants []*Participant // join order
	joinSeq      int            // total joins ever, drives color assignment
	active       bool

	authority *changelog.Authority
	locks     *lock.Table
	router    *pubsub.Router
}

// Channel returns the pub/sub channel carrying this session's events.
func (s *Session) Channel() string {
	return "session." + s.ID
}

// SessionChannel returns the pub/sub channel for a session id.
func SessionChannel(sessionID string) string {
	return "session." + sessionID
}

// Authority exposes the session's version authority.
func (s *Session) Authority() *changelog.Authority {
	return s.authority
}

// Locks exposes the session's lock table.
func (s *Session) Locks() *lock.Table {
	return s.locks
}

// Version returns the current committed version.
func (s *Session) Version() uint64 {
	return s.authority.Version()
}

// Active reports whether the session has participants.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Participants returns a snapshot of the participant list in join order.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// Participant returns a snapshot of one participant, or nil.
func (s *Session) Participant(userID string) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(userID)
	if p == nil {
		return nil
	}
	snapshot := *p
	return &snapshot
}

// find returns the participant entry for a user. Caller holds s.mu.
func (s *Session) find(userID string) *Participant {
	for _, p := range s.participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// ParticipantEvent is the payload of participant_joined and participant_left.
type ParticipantEvent struct {
	SessionID   string      `json:"session_id"`
	EntityType  string      `json:"entity_type"`
	EntityID    string      `json:"entity_id"`
	Participant Participant `json:"participant"`
}

// CursorEvent is the payload of cursor:move broadcasts.
type CursorEvent struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Cursor    protocol.Cursor `json:"cursor"`
}

// SelectionEvent is the payload of selection:change broadcasts. A nil
// selection means it was cleared.
type SelectionEvent struct {
	SessionID string              `json:"session_id"`
	UserID    string              `json:"user_id"`
	Selection *protocol.Selection `json:"selection"`
}

// LockEvent is the payload of lock:acquired and lock:released broadcasts.
type LockEvent struct {
	SessionID string    `json:"session_id"`
	Lock      lock.Lock `json:"lock"`
	Reason    string    `json:"reason,omitempty"` // "released" or "expired"
}

// join adds or refreshes a participant. Caller holds s.mu.
// Returns the participant and whether this was a new membership.
func (s *Session) join(userID, name string) (*Participant, bool) {
	if p := s.find(userID); p != nil {
		// Re-joining is a no-op, not a duplicate.
		p.Status = ParticipantActive
		p.LastActivity = time.Now()
		return p, false
	}

	role := RoleEditor
	if s.joinSeq == 0 {
		role = RoleOwner
	}
	now := time.Now()
	p := &Participant{
		UserID:       userID,
		Name:         name,
		Role:         role,
		Status:       ParticipantActive,
		Color:        Palette[s.joinSeq%len(Palette)],
		JoinedAt:     now,
		LastActivity: now,
	}
	s.joinSeq++
	s.participants = append(s.participants, p)
	s.active = true
	return p, true
}

// leave removes a participant. Caller holds s.mu. Returns the removed entry
// and whether the session is now empty.
func (s *Session) leave(userID string) (*Participant, bool) {
	for i, p := range s.participants {
		if p.UserID == userID {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			if len(s.participants) == 0 {
				// Inactive, but the version counter is retained so a
				// rejoin continues from the same version.
				s.active = false
			}
			return p, !s.active
		}
	}
	return nil, false
}

// publish stamps and fans an event out on the session channel. Called under
// s.mu so events leave in commit order.
func (s *Session) publish(msgType, senderID string, payload any) {
	s.router.Publish(s.Channel(), protocol.NewEnvelope(msgType, payload).From(senderID))
}

// Snapshot is the session state sent to a joining client and exposed over
// the HTTP API.
type Snapshot struct {
	SessionID    string        `json:"session_id"`
	EntityType   string        `json:"entity_type"`
	EntityID     string        `json:"entity_id"`
	Version      uint64        `json:"version"`
	Active       bool          `json:"active"`
	Participants []Participant `json:"participants"`
	Locks        []lock.Lock   `json:"locks"`
}

// Snapshot captures the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	participants := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, *p)
	}
	active := s.active
	s.mu.Unlock()

	return Snapshot{
		SessionID:    s.ID,
		EntityType:   s.EntityType,
		EntityID:     s.EntityID,
		Version:      s.authority.Version(),
		Active:       active,
		Participants: participants,
		Locks:        s.locks.Held(),
	}
}

// newSession builds a session with a fresh authority and lock table.
func newSession(entityType, entityID string, router *pubsub.Router, policy changelog.Policy, lockTTL time.Duration) *Session {
	id := uuid.NewString()
	return &Session{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		authority:  changelog.NewAuthority(id, policy),
		locks:      lock.NewTable(id, lockTTL),
		router:     router,
	}
}

// AppliedEvent is the payload of change:applied broadcasts.
type AppliedEvent struct {
	SessionID string           `json:"session_id"`
	Change    changelog.Change `json:"change"`
	Version   uint64           `json:"version"`
	Digest    string           `json:"digest"`
}

// ConflictResolvedEvent is the payload of change:conflict_resolved.
type ConflictResolvedEvent struct {
	SessionID string             `json:"session_id"`
	Conflict  changelog.Conflict `json:"conflict"`
	Change    changelog.Change   `json:"change"`
	Value     json.RawMessage    `json:"resolved_value"`
}
