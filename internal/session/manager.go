package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"collabd/internal/changelog"
	"collabd/internal/lock"
	"collabd/internal/protocol"
	"collabd/internal/pubsub"
)

// Config controls session behavior.
type Config struct {
	// LockTTL is how long a lock lives without release.
	LockTTL time.Duration

	// IdleAfter moves a participant active -> idle without activity.
	IdleAfter time.Duration

	// AwayAfter moves a participant idle -> away without activity.
	AwayAfter time.Duration

	// SweepInterval drives lock expiry and participant status sweeps.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:       30 * time.Minute,
		IdleAfter:     60 * time.Second,
		AwayAfter:     5 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

type entityKey struct {
	entityType string
	entityID   string
}

// Manager owns the set of active collaboration sessions.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	router *pubsub.Router
	policy changelog.Policy

	byEntity map[entityKey]*Session
	byID     map[string]*Session

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a session manager publishing through the router.
func NewManager(cfg Config, router *pubsub.Router, policy changelog.Policy) *Manager {
	return &Manager{
		cfg:      cfg,
		router:   router,
		policy:   policy,
		byEntity: make(map[entityKey]*Session),
		byID:     make(map[string]*Session),
	}
}

// Start launches the background sweep loop for lock expiry and participant
// status transitions.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.sweepLoop(ctx)
}

// Stop halts the sweep loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Join returns the session for an entity, creating it on first join, and
// adds the user as a participant. Re-joining an already-present user is a
// no-op that returns the existing membership. New memberships broadcast
// session:participant_joined on the session channel.
func (m *Manager) Join(entityType, entityID, userID, name string) (*Session, Participant) {
	m.mu.Lock()
	key := entityKey{entityType, entityID}
	s, ok := m.byEntity[key]
	if !ok {
		s = newSession(entityType, entityID, m.router, m.policy, m.cfg.LockTTL)
		m.byEntity[key] = s
		m.byID[s.ID] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, added := s.join(userID, name)
	snapshot := *p
	if added {
		s.publish(protocol.TypeParticipantJoined, userID, ParticipantEvent{
			SessionID:   s.ID,
			EntityType:  s.EntityType,
			EntityID:    s.EntityID,
			Participant: snapshot,
		})
	}
	return s, snapshot
}

// Leave removes a participant, synchronously releasing every lock the user
// holds in that session, and broadcasts session:participant_left. Leaving a
// session the user is not in is a no-op.
func (m *Manager) Leave(sessionID, userID string) error {
	s := m.Get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	released := s.locks.ReleaseAllForUser(userID)
	for _, l := range released {
		s.publish(protocol.TypeLockReleased, userID, LockEvent{SessionID: s.ID, Lock: l, Reason: "released"})
	}

	p, _ := s.leave(userID)
	if p == nil {
		return nil
	}
	p.Status = ParticipantDisconnected
	s.publish(protocol.TypeParticipantLeft, userID, ParticipantEvent{
		SessionID:   s.ID,
		EntityType:  s.EntityType,
		EntityID:    s.EntityID,
		Participant: *p,
	})
	return nil
}

// DisconnectUser removes the user from every session they participate in.
// Called from the connection-close cascade.
func (m *Manager) DisconnectUser(userID string) {
	for _, s := range m.Sessions() {
		if s.Participant(userID) != nil {
			m.Leave(s.ID, userID) //nolint:errcheck // session known to exist
		}
	}
}

// UpdateCursor records a participant's cursor and broadcasts it. The sender
// is stamped on the envelope so consumers can avoid echoing it back.
func (m *Manager) UpdateCursor(sessionID, userID string, cursor protocol.Cursor) error {
	s := m.Get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(userID)
	if p == nil {
		return ErrNotParticipant
	}
	p.Cursor = &cursor
	p.LastActivity = time.Now()
	p.Status = ParticipantActive

	s.publish(protocol.TypeCursorMove, userID, CursorEvent{SessionID: s.ID, UserID: userID, Cursor: cursor})
	return nil
}

// UpdateSelection records a participant's selection (nil clears it) and
// broadcasts it.
func (m *Manager) UpdateSelection(sessionID, userID string, sel *protocol.Selection) error {
	s := m.Get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(userID)
	if p == nil {
		return ErrNotParticipant
	}
	p.Selection = sel
	p.LastActivity = time.Now()
	p.Status = ParticipantActive

	s.publish(protocol.TypeSelectionChange, userID, SelectionEvent{SessionID: s.ID, UserID: userID, Selection: sel})
	return nil
}

// Touch marks a participant as active now. Driven by heartbeats and any
// inbound activity.
func (m *Manager) Touch(sessionID, userID string) {
	s := m.Get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.find(userID); p != nil {
		p.LastActivity = time.Now()
		p.Status = ParticipantActive
	}
}

// Apply serializes a change proposal through the session's authority. An
// accepted change is broadcast as change:applied to every participant, the
// sender included, for acknowledgment. A conflict is returned to the caller
// for direct delivery to the proposer and is not broadcast.
func (m *Manager) Apply(sessionID, userID string, proposed changelog.Change) (*changelog.Change, *changelog.Conflict, error) {
	s := m.Get(sessionID)
	if s == nil {
		return nil, nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(userID)
	if p == nil {
		return nil, nil, ErrNotParticipant
	}
	p.LastActivity = time.Now()
	p.Status = ParticipantActive

	proposed.UserID = userID
	accepted, conflict, err := s.authority.Apply(proposed)
	if err != nil {
		return nil, nil, err
	}
	if conflict != nil {
		return nil, conflict, nil
	}

	s.publish(protocol.TypeChangeApplied, userID, AppliedEvent{
		SessionID: s.ID,
		Change:    *accepted,
		Version:   accepted.Version,
		Digest:    accepted.Digest,
	})
	return accepted, nil, nil
}

// ResolveConflict settles a surfaced conflict with the final value and
// broadcasts change:conflict_resolved carrying both original changes and the
// resolution, which every client must reconcile against. Only participants
// may commit a resolution into the session's log.
func (m *Manager) ResolveConflict(sessionID, userID, conflictID string, value json.RawMessage) (*changelog.Change, *changelog.Conflict, error) {
	s := m.Get(sessionID)
	if s == nil {
		return nil, nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(userID) == nil {
		return nil, nil, ErrNotParticipant
	}

	accepted, conflict, err := s.authority.Resolve(conflictID, userID, value)
	if err != nil {
		return nil, nil, err
	}

	s.publish(protocol.TypeConflictResolved, userID, ConflictResolvedEvent{
		SessionID: s.ID,
		Conflict:  *conflict,
		Change:    *accepted,
		Value:     value,
	})
	return accepted, conflict, nil
}

// AcquireLock grants a lock in the session and broadcasts lock:acquired.
// Contention surfaces as lock.ErrLockHeld, a declined acquisition rather
// than a failure.
func (m *Manager) AcquireLock(sessionID, userID, fieldPath string, typ lock.Type) (*lock.Lock, error) {
	s := m.Get(sessionID)
	if s == nil {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(userID) == nil {
		return nil, ErrNotParticipant
	}

	l, err := s.locks.Acquire(userID, fieldPath, typ)
	if err != nil {
		return nil, err
	}
	s.publish(protocol.TypeLockAcquired, userID, LockEvent{SessionID: s.ID, Lock: *l})
	return l, nil
}

// ReleaseLock releases a lock by id and broadcasts lock:released.
func (m *Manager) ReleaseLock(sessionID, userID, lockID string) error {
	s := m.Get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks.Release(lockID)
	if !ok {
		return fmt.Errorf("session: lock %s not found", lockID)
	}
	s.publish(protocol.TypeLockReleased, userID, LockEvent{SessionID: s.ID, Lock: *l, Reason: "released"})
	return nil
}

// Get returns a session by id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[sessionID]
}

// ForEntity returns the session for an entity, or nil.
func (m *Manager) ForEntity(entityType, entityID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byEntity[entityKey{entityType, entityID}]
}

// Sessions returns a snapshot of all sessions, active and inactive.
// Inactive sessions are retained so their version counters survive
// transient empty periods.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// sweepLoop expires locks and downgrades inactive participants.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep runs one pass over every session.
func (m *Manager) sweep(now time.Time) {
	for _, s := range m.Sessions() {
		s.mu.Lock()

		for _, l := range s.locks.Expire(now) {
			s.publish(protocol.TypeLockReleased, l.UserID, LockEvent{SessionID: s.ID, Lock: l, Reason: "expired"})
		}

		for _, p := range s.participants {
			since := now.Sub(p.LastActivity)
			switch {
			case p.Status == ParticipantActive && since > m.cfg.IdleAfter:
				p.Status = ParticipantIdle
			case p.Status == ParticipantIdle && since > m.cfg.AwayAfter:
				p.Status = ParticipantAway
			}
		}

		s.mu.Unlock()
	}
}
