// Package lock implements field-scoped and whole-document locks with TTL
// expiry.
//
// At most one exclusive lock covers a field path at a time; shared locks
// coexist with each other; intent locks signal an upcoming edit without
// blocking anyone. Expiry is enforced server-side: an expired lock is never
// reported as held even before the sweep collects it, so an abandoned client
// cannot permanently block a field.
package lock

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DocumentPath is the sentinel field path claiming the whole document.
const DocumentPath = "*"

// ErrLockHeld is returned when an acquisition is excluded by a live lock.
// Lock contention is a declined acquisition, not a failure.
var ErrLockHeld = errors.New("lock: already held")

// Type is the lock mode.
type Type string

const (
	Exclusive Type = "exclusive"
	Shared    Type = "shared"
	Intent    Type = "intent"
)

// ValidType reports whether t names a known lock type.
func ValidType(t Type) bool {
	switch t {
	case Exclusive, Shared, Intent:
		return true
	}
	return false
}

// Lock is one granted claim.
type Lock struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	FieldPath  string    `json:"field_path"`
	Type       Type      `json:"lock_type"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l *Lock) expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Table holds the locks of one session.
type Table struct {
	mu        sync.Mutex
	sessionID string
	ttl       time.Duration
	byPath    map[string][]*Lock
	byID      map[string]*Lock
}

// NewTable creates a lock table for a session with the given TTL.
func NewTable(sessionID string, ttl time.Duration) *Table {
	return &Table{
		sessionID: sessionID,
		ttl:       ttl,
		byPath:    make(map[string][]*Lock),
		byID:      make(map[string]*Lock),
	}
}

// Acquire grants a lock on fieldPath, or ErrLockHeld when excluded.
//
// Exclusion rules: an exclusive acquisition is excluded by any live
// exclusive or shared lock covering the path (the path itself, the document
// sentinel, or, when acquiring the sentinel, any path at all). A shared
// acquisition is excluded only by a covering exclusive lock. Intent locks
// never exclude and are never excluded. A user re-acquiring a lock they
// already hold on the same path gets the held lock back with a fresh TTL.
func (t *Table) Acquire(userID, fieldPath string, typ Type) (*Lock, error) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	// A holder re-acquiring its own live lock refreshes the TTL instead of
	// being declined or granted a duplicate.
	for _, held := range t.byPath[fieldPath] {
		if held.UserID == userID && held.Type == typ && !held.expired(now) {
			held.ExpiresAt = now.Add(t.ttl)
			snapshot := *held
			return &snapshot, nil
		}
	}

	switch typ {
	case Exclusive:
		if t.covered(fieldPath, now, Exclusive, Shared) {
			return nil, ErrLockHeld
		}
	case Shared:
		if t.covered(fieldPath, now, Exclusive) {
			return nil, ErrLockHeld
		}
	case Intent:
		// Advisory only.
	default:
		return nil, errors.New("lock: unknown lock type")
	}

	l := &Lock{
		ID:         uuid.NewString(),
		SessionID:  t.sessionID,
		UserID:     userID,
		FieldPath:  fieldPath,
		Type:       typ,
		AcquiredAt: now,
		ExpiresAt:  now.Add(t.ttl),
	}
	t.byPath[fieldPath] = append(t.byPath[fieldPath], l)
	t.byID[l.ID] = l

	snapshot := *l
	return &snapshot, nil
}

// covered reports whether a live lock of one of the given types covers
// fieldPath. Caller holds t.mu.
func (t *Table) covered(fieldPath string, now time.Time, types ...Type) bool {
	match := func(locks []*Lock) bool {
		for _, l := range locks {
			if l.expired(now) {
				continue
			}
			for _, typ := range types {
				if l.Type == typ {
					return true
				}
			}
		}
		return false
	}

	if fieldPath == DocumentPath {
		for _, locks := range t.byPath {
			if match(locks) {
				return true
			}
		}
		return false
	}
	return match(t.byPath[fieldPath]) || match(t.byPath[DocumentPath])
}

// Release releases a lock by id. Releasing an unknown id returns false.
func (t *Table) Release(lockID string) (*Lock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.byID[lockID]
	if !ok {
		return nil, false
	}
	t.remove(l)
	snapshot := *l
	return &snapshot, true
}

// ReleaseAllForUser releases every lock a user holds. Used on disconnect and
// session leave; locks must never outlive their owner beyond the TTL.
func (t *Table) ReleaseAllForUser(userID string) []Lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []Lock
	for _, l := range t.byID {
		if l.UserID == userID {
			released = append(released, *l)
		}
	}
	for i := range released {
		t.remove(t.byID[released[i].ID])
	}
	return released
}

// Expire removes all locks past their TTL and returns them for broadcast.
func (t *Table) Expire(now time.Time) []Lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Lock
	for _, l := range t.byID {
		if l.expired(now) {
			expired = append(expired, *l)
		}
	}
	for i := range expired {
		t.remove(t.byID[expired[i].ID])
	}
	return expired
}

// remove deletes a lock from both indexes. Caller holds t.mu.
func (t *Table) remove(l *Lock) {
	delete(t.byID, l.ID)
	locks := t.byPath[l.FieldPath]
	for i, held := range locks {
		if held.ID == l.ID {
			t.byPath[l.FieldPath] = append(locks[:i], locks[i+1:]...)
			break
		}
	}
	if len(t.byPath[l.FieldPath]) == 0 {
		delete(t.byPath, l.FieldPath)
	}
}

// IsLocked reports whether a live exclusive or shared lock covers fieldPath.
// Expired locks are never reported, independent of the sweep.
func (t *Table) IsLocked(fieldPath string) bool {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.covered(fieldPath, now, Exclusive, Shared)
}

// Holder returns the user holding the first live exclusive lock covering
// fieldPath, or "" when none does.
func (t *Table) Holder(fieldPath string) string {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, path := range []string{fieldPath, DocumentPath} {
		for _, l := range t.byPath[path] {
			if l.Type == Exclusive && !l.expired(now) {
				return l.UserID
			}
		}
		if fieldPath == DocumentPath {
			break
		}
	}
	return ""
}

// Held returns a snapshot of all live locks.
func (t *Table) Held() []Lock {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Lock, 0, len(t.byID))
	for _, l := range t.byID {
		if !l.expired(now) {
			out = append(out, *l)
		}
	}
	return out
}
