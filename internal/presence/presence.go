// Package presence tracks live user status and location process-wide.
//
// One record exists per user with at least one live connection. Records are
// overwritten on every update and removed once the user's last connection is
// gone and the offline grace period has elapsed; the grace period covers fast
// reconnects without an offline/online flicker for other users.
//
// Typing indicators are ephemeral presence events: a typing:start arms a
// server-side expiry timer that emits typing:stop if the client does not
// refresh it, so a crashed client can never leave a stuck indicator.
package presence

import (
	"sync"
	"time"

	"collabd/internal/protocol"
	"collabd/internal/pubsub"
)

// Channel is the pub/sub channel carrying presence events.
const Channel = "presence"

// Status is a user's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusAway    Status = "away"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// Location is where in the product a user currently is.
type Location struct {
	Page       string `json:"page"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
}

// Record is the live presence state for one user.
type Record struct {
	UserID        string    `json:"user_id"`
	Name          string    `json:"name,omitempty"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	Location      *Location `json:"location,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
}

// TypingEvent is the payload of typing:start and typing:stop broadcasts.
type TypingEvent struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Field     string `json:"field"`
}

// Config controls presence behavior.
type Config struct {
	// OfflineGrace is how long a user with zero connections stays visible
	// before being marked offline and removed.
	OfflineGrace time.Duration

	// TypingTTL is how long a typing indicator lives without a refresh.
	TypingTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OfflineGrace: 10 * time.Second,
		TypingTTL:    5 * time.Second,
	}
}

type typingKey struct {
	channel string
	userID  string
	field   string
}

// Registry is the process-wide presence table.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	router *pubsub.Router

	records     map[string]*Record
	connections map[string]int // userID -> live connection count
	graceTimers map[string]*time.Timer
	typing      map[typingKey]*time.Timer
}

// NewRegistry creates a presence registry publishing through the router.
func NewRegistry(cfg Config, router *pubsub.Router) *Registry {
	return &Registry{
		cfg:         cfg,
		router:      router,
		records:     make(map[string]*Record),
		connections: make(map[string]int),
		graceTimers: make(map[string]*time.Timer),
		typing:      make(map[typingKey]*time.Timer),
	}
}

// ConnectionOpened records a live connection for a user. The first connection
// brings the user online and broadcasts presence:joined.
func (r *Registry) ConnectionOpened(userID, name string) {
	r.mu.Lock()

	if t, ok := r.graceTimers[userID]; ok {
		t.Stop()
		delete(r.graceTimers, userID)
	}

	r.connections[userID]++
	first := r.connections[userID] == 1

	rec, ok := r.records[userID]
	if !ok {
		rec = &Record{UserID: userID, Name: name, Status: StatusOnline}
		r.records[userID] = rec
	} else {
		first = false
	}
	rec.LastSeen = time.Now()
	if rec.Status == StatusOffline {
		rec.Status = StatusOnline
	}
	snapshot := *rec
	r.mu.Unlock()

	if first {
		r.router.Publish(Channel, protocol.NewEnvelope(protocol.TypePresenceJoined, snapshot).From(userID))
	}
}

// ConnectionClosed records a closed connection. When the last connection for
// a user is gone, a grace timer is armed; if it fires before a reconnect the
// user goes offline and presence:left is broadcast.
func (r *Registry) ConnectionClosed(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connections[userID] > 0 {
		r.connections[userID]--
	}
	if r.connections[userID] > 0 {
		return
	}
	delete(r.connections, userID)

	if t, ok := r.graceTimers[userID]; ok {
		t.Stop()
	}
	r.graceTimers[userID] = time.AfterFunc(r.cfg.OfflineGrace, func() {
		r.expire(userID)
	})
}

// expire removes a user whose grace period lapsed without a reconnect.
func (r *Registry) expire(userID string) {
	r.mu.Lock()
	if _, live := r.connections[userID]; live {
		r.mu.Unlock()
		return
	}
	rec, ok := r.records[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.Status = StatusOffline
	snapshot := *rec
	delete(r.records, userID)
	delete(r.graceTimers, userID)
	r.mu.Unlock()

	r.router.Publish(Channel, protocol.NewEnvelope(protocol.TypePresenceLeft, snapshot).From(userID))
}

// UpdateStatus overwrites a user's status and broadcasts the change.
func (r *Registry) UpdateStatus(userID string, status Status, message string) {
	r.mu.Lock()
	rec, ok := r.records[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.Status = status
	rec.StatusMessage = message
	rec.LastSeen = time.Now()
	snapshot := *rec
	r.mu.Unlock()

	r.router.Publish(Channel, protocol.NewEnvelope(protocol.TypePresenceChanged, snapshot).From(userID))
}

// UpdateLocation overwrites a user's location and broadcasts the change.
func (r *Registry) UpdateLocation(userID, page, entityType, entityID string) {
	r.mu.Lock()
	rec, ok := r.records[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.Location = &Location{Page: page, EntityType: entityType, EntityID: entityID}
	rec.LastSeen = time.Now()
	snapshot := *rec
	r.mu.Unlock()

	r.router.Publish(Channel, protocol.NewEnvelope(protocol.TypePresenceChanged, snapshot).From(userID))
}

// Get returns a snapshot of the live record for a user, or nil.
func (r *Registry) Get(userID string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[userID]
	if !ok {
		return nil
	}
	snapshot := *rec
	return &snapshot
}

// Online returns a snapshot of all live records.
func (r *Registry) Online() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// StartTyping broadcasts typing:start on the session channel and arms the
// expiry timer. Calling it again for the same (user, field) refreshes the
// timer without a duplicate broadcast.
func (r *Registry) StartTyping(sessionChannel, sessionID, userID, field string) {
	key := typingKey{channel: sessionChannel, userID: userID, field: field}

	r.mu.Lock()
	t, refreshing := r.typing[key]
	if refreshing {
		t.Reset(r.cfg.TypingTTL)
		r.mu.Unlock()
		return
	}
	r.typing[key] = time.AfterFunc(r.cfg.TypingTTL, func() {
		r.stopTyping(key, sessionID)
	})
	r.mu.Unlock()

	ev := TypingEvent{SessionID: sessionID, UserID: userID, Field: field}
	r.router.Publish(sessionChannel, protocol.NewEnvelope(protocol.TypeTypingStart, ev).From(userID))
}

// StopTyping cancels the indicator and broadcasts typing:stop.
func (r *Registry) StopTyping(sessionChannel, sessionID, userID, field string) {
	r.stopTyping(typingKey{channel: sessionChannel, userID: userID, field: field}, sessionID)
}

// StopAllTyping clears every indicator a user holds. Used on disconnect.
func (r *Registry) StopAllTyping(userID string) {
	r.mu.Lock()
	var keys []typingKey
	for key := range r.typing {
		if key.userID == userID {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.stopTyping(key, "")
	}
}

func (r *Registry) stopTyping(key typingKey, sessionID string) {
	r.mu.Lock()
	t, ok := r.typing[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.Stop()
	delete(r.typing, key)
	r.mu.Unlock()

	ev := TypingEvent{SessionID: sessionID, UserID: key.userID, Field: key.field}
	r.router.Publish(key.channel, protocol.NewEnvelope(protocol.TypeTypingStop, ev).From(key.userID))
}

// Shutdown stops all timers without broadcasting.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.graceTimers {
		t.Stop()
	}
	for _, t := range r.typing {
		t.Stop()
	}
	r.graceTimers = make(map[string]*time.Timer)
	r.typing = make(map[typingKey]*time.Timer)
}
