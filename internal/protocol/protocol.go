// Package protocol defines the wire protocol between collabd and its clients.
//
// Every frame on the websocket is a JSON envelope:
//
//	{"type": "...", "channel": "...", "payload": {...}, "sender_id": "...", "timestamp": "..."}
//
// Client-originated envelopes are validated against an embedded JSON Schema
// before dispatch; malformed frames are rejected back to the sender only and
// never broadcast. Server-originated broadcasts are idempotent under
// re-delivery: clients key state by ids, not by arrival count.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server message types.
const (
	TypePresenceUpdate   = "presence:update"
	TypePresenceLocation = "presence:location"
	TypeTypingStart      = "typing:start"
	TypeTypingStop       = "typing:stop"
	TypeSessionJoin      = "session:join"
	TypeSessionLeave     = "session:leave"
	TypeCursorMove       = "cursor:move"
	TypeSelectionChange  = "selection:change"
	TypeChangeApply      = "change:apply"
	TypeConflictResolve  = "conflict:resolve"
	TypeLockAcquire      = "lock:acquire"
	TypeLockRelease      = "lock:release"
	TypeCommentAdd       = "comment:add"
	TypeCommentResolve   = "comment:resolve"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeHeartbeat        = "heartbeat"
)

// Server to client message types.
const (
	TypePresenceJoined        = "presence:joined"
	TypePresenceLeft          = "presence:left"
	TypePresenceChanged       = "presence:changed"
	TypeSessionState          = "session:state"
	TypeParticipantJoined     = "session:participant_joined"
	TypeParticipantLeft       = "session:participant_left"
	TypeChangeApplied         = "change:applied"
	TypeChangeConflict        = "change:conflict"
	TypeConflictResolved      = "change:conflict_resolved"
	TypeLockAcquired          = "lock:acquired"
	TypeLockReleased          = "lock:released"
	TypeCommentAdded          = "comment:added"
	TypeCommentResolved       = "comment:resolved"
	TypeError                 = "error"
)

// Envelope is the framing carried on every websocket message.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope with the payload marshaled in place.
// Panics only on unmarshalable payloads, which is a programming error.
func NewEnvelope(msgType string, payload any) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", msgType, err))
	}
	return &Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}

// OnChannel returns a shallow copy of the envelope stamped with a channel.
func (e *Envelope) OnChannel(channel string) *Envelope {
	clone := *e
	clone.Channel = channel
	return &clone
}

// From returns a shallow copy of the envelope stamped with a sender.
func (e *Envelope) From(senderID string) *Envelope {
	clone := *e
	clone.SenderID = senderID
	return &clone
}

// Decode parses an envelope's payload into the given struct.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// ParseEnvelope deserializes a wire frame into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("protocol: parse envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("protocol: envelope missing type")
	}
	return &e, nil
}

// PresenceUpdate carries a user status change.
type PresenceUpdate struct {
	Status        string `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`
}

// PresenceLocation carries a user navigation event.
type PresenceLocation struct {
	Page       string `json:"page"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
}

// TypingStart arms the typing indicator for a field.
type TypingStart struct {
	SessionID string `json:"session_id"`
	Field     string `json:"field"`
}

// TypingStop clears the typing indicator.
type TypingStop struct {
	SessionID string `json:"session_id,omitempty"`
	Field     string `json:"field,omitempty"`
}

// SessionJoin asks to join the collaboration session for an entity.
type SessionJoin struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// SessionLeave leaves a session explicitly.
type SessionLeave struct {
	SessionID string `json:"session_id"`
}

// Cursor is a position within a field.
type Cursor struct {
	FieldPath string `json:"field_path"`
	Offset    int    `json:"offset"`
}

// Selection is a range within a field.
type Selection struct {
	FieldPath string `json:"field_path"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// CursorMove carries a participant cursor update.
type CursorMove struct {
	SessionID string `json:"session_id"`
	Cursor    Cursor `json:"cursor"`
}

// SelectionChange carries a participant selection update. A null selection
// clears it.
type SelectionChange struct {
	SessionID string     `json:"session_id"`
	Selection *Selection `json:"selection"`
}

// ChangeApply proposes an edit against a declared base version.
type ChangeApply struct {
	SessionID   string          `json:"session_id"`
	FieldPath   string          `json:"field_path"`
	ChangeType  string          `json:"change_type"`
	OldValue    json.RawMessage `json:"old_value,omitempty"`
	NewValue    json.RawMessage `json:"new_value"`
	Position    *int            `json:"position,omitempty"`
	Length      *int            `json:"length,omitempty"`
	BaseVersion uint64          `json:"base_version"`
}

// ConflictResolve settles a surfaced conflict with a final value.
type ConflictResolve struct {
	SessionID     string          `json:"session_id"`
	ConflictID    string          `json:"conflict_id"`
	ResolvedValue json.RawMessage `json:"resolved_value"`
}

// LockAcquire requests a lock on a field, or on the whole document when
// field_path is the document sentinel.
type LockAcquire struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	FieldPath  string `json:"field_path"`
	LockType   string `json:"lock_type,omitempty"`
}

// LockRelease releases a held lock.
type LockRelease struct {
	LockID string `json:"lock_id"`
}

// CommentAdd posts a comment, optionally anchored and optionally threaded.
type CommentAdd struct {
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	Content        string `json:"content"`
	FieldPath      string `json:"field_path,omitempty"`
	SelectionStart *int   `json:"selection_start,omitempty"`
	SelectionEnd   *int   `json:"selection_end,omitempty"`
	QuotedText     string `json:"quoted_text,omitempty"`
	ParentID       string `json:"parent_id,omitempty"`
}

// CommentResolve marks a comment resolved.
type CommentResolve struct {
	CommentID string `json:"comment_id"`
}

// Subscribe registers interest in a broadcast channel.
type Subscribe struct {
	Channel string `json:"channel"`
}

// Unsubscribe drops interest in a broadcast channel.
type Unsubscribe struct {
	Channel string `json:"channel"`
}

// ErrorPayload is sent to the offending sender only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"` // offending inbound type
}

// Error codes returned to clients.
const (
	CodeMalformed      = "malformed"
	CodeUnknownType    = "unknown_type"
	CodeUnknownSession = "unknown_session"
	CodeLockHeld       = "lock_held"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal"
)
