// Package changelog implements the per-session change log and version
// authority.
//
// The authority is the single writer for a session's version counter: every
// proposal for one session is serialized through the authority's lock, no
// matter how many connections it arrives from. Accepted changes get the next
// version with no gaps and no duplicates; every participant converges by
// replaying change:applied events in version order.
//
// Each accepted change is folded into a BLAKE2b chain digest over the log, so
// two replicas that replayed the same history can cheaply prove it.
package changelog

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// ErrFutureBase is returned for a proposal based on a version the session has
// never committed. No client can legitimately hold such a base, so the
// proposal is malformed rather than merely stale.
var ErrFutureBase = errors.New("changelog: base version ahead of session")

// ChangeType classifies an edit.
type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeDelete  ChangeType = "delete"
	ChangeReplace ChangeType = "replace"
	ChangeMove    ChangeType = "move"
	ChangeFormat  ChangeType = "format"
)

// ValidChangeType reports whether t names a known change type.
func ValidChangeType(t ChangeType) bool {
	switch t {
	case ChangeInsert, ChangeDelete, ChangeReplace, ChangeMove, ChangeFormat:
		return true
	}
	return false
}

// Change is one atomic edit. Immutable once accepted; rejected proposals are
// never appended to the log.
type Change struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	FieldPath   string          `json:"field_path"`
	Type        ChangeType      `json:"change_type"`
	OldValue    json.RawMessage `json:"old_value,omitempty"`
	NewValue    json.RawMessage `json:"new_value"`
	Position    *int            `json:"position,omitempty"`
	Length      *int            `json:"length,omitempty"`
	BaseVersion uint64          `json:"base_version"`
	Version     uint64          `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
	Digest      string          `json:"digest"`
}

// Authority owns one session's version counter and accepted-change log.
type Authority struct {
	mu        sync.Mutex
	sessionID string
	version   uint64
	log       []Change
	head      [32]byte
	conflicts map[string]*Conflict
	policy    Policy
}

// NewAuthority creates an authority for a session, starting at version 0.
func NewAuthority(sessionID string, policy Policy) *Authority {
	if policy == nil {
		policy = LastWriteWins{}
	}
	return &Authority{
		sessionID: sessionID,
		conflicts: make(map[string]*Conflict),
		policy:    policy,
	}
}

// Version returns the current committed version.
func (a *Authority) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// Apply serializes a proposal against the current version.
//
// A proposal based on the current version is accepted outright. A stale
// proposal is checked against every change committed since its base: if any
// of them overlaps it, a Conflict is surfaced instead of a silent overwrite;
// otherwise the proposal is rebased and accepted at the next version. A base
// ahead of the current version is rejected with ErrFutureBase.
func (a *Authority) Apply(proposed Change) (*Change, *Conflict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if proposed.BaseVersion > a.version {
		return nil, nil, ErrFutureBase
	}
	if proposed.BaseVersion != a.version {
		if winner := a.overlappingSince(proposed.BaseVersion, &proposed); winner != nil {
			c := a.recordConflict(winner, &proposed)
			return nil, c, nil
		}
		// Disjoint edit against a stale base: rebase onto the current tip.
	}

	accepted := a.commit(proposed)
	return accepted, nil, nil
}

// commit assigns the next version and appends. Caller holds a.mu.
func (a *Authority) commit(proposed Change) *Change {
	if proposed.ID == "" {
		proposed.ID = uuid.NewString()
	}
	proposed.SessionID = a.sessionID
	proposed.Version = a.version + 1
	proposed.Timestamp = time.Now().UTC()
	proposed.Digest = a.chain(&proposed)

	a.version = proposed.Version
	a.log = append(a.log, proposed)
	return &a.log[len(a.log)-1]
}

// chain folds a change into the session's digest chain and returns the new
// head as hex. Caller holds a.mu.
func (a *Authority) chain(c *Change) string {
	canonical, _ := json.Marshal(struct {
		ID        string          `json:"id"`
		UserID    string          `json:"user_id"`
		FieldPath string          `json:"field_path"`
		Type      ChangeType      `json:"change_type"`
		NewValue  json.RawMessage `json:"new_value"`
		Version   uint64          `json:"version"`
	}{c.ID, c.UserID, c.FieldPath, c.Type, c.NewValue, c.Version})

	h, _ := blake2b.New256(nil)
	h.Write(a.head[:])
	h.Write(canonical)
	copy(a.head[:], h.Sum(nil))
	return hex.EncodeToString(a.head[:])
}

// overlappingSince returns the latest committed change newer than base that
// overlaps the proposal, or nil. Caller holds a.mu.
func (a *Authority) overlappingSince(base uint64, proposed *Change) *Change {
	for i := len(a.log) - 1; i >= 0; i-- {
		c := &a.log[i]
		if c.Version <= base {
			break
		}
		if Overlaps(c, proposed) {
			return c
		}
	}
	return nil
}

// recordConflict registers a surfaced conflict. Caller holds a.mu.
func (a *Authority) recordConflict(local, remote *Change) *Conflict {
	c := &Conflict{
		ID:         uuid.NewString(),
		SessionID:  a.sessionID,
		Local:      *local,
		Remote:     *remote,
		Strategy:   a.policy.Name(),
		Proposed:   a.policy.Resolve(local, remote),
		DetectedAt: time.Now().UTC(),
	}
	a.conflicts[c.ID] = c
	return c
}

// Resolve settles a surfaced conflict with a final value, committing it as a
// fresh change on the disputed field. Resolving an unknown or already
// resolved conflict returns an error.
func (a *Authority) Resolve(conflictID, userID string, resolvedValue json.RawMessage) (*Change, *Conflict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.conflicts[conflictID]
	if !ok {
		return nil, nil, fmt.Errorf("changelog: conflict %s not found", conflictID)
	}
	if c.Resolved {
		return nil, nil, fmt.Errorf("changelog: conflict %s already resolved", conflictID)
	}

	accepted := a.commit(Change{
		UserID:      userID,
		FieldPath:   c.Remote.FieldPath,
		Type:        ChangeReplace,
		OldValue:    c.Local.NewValue,
		NewValue:    resolvedValue,
		BaseVersion: a.version,
	})

	now := time.Now().UTC()
	c.Resolved = true
	c.ResolvedValue = resolvedValue
	c.ResolvedBy = userID
	c.ResolvedAt = &now

	snapshot := *c
	return accepted, &snapshot, nil
}

// Conflict returns a snapshot of a conflict by id, or nil.
func (a *Authority) Conflict(id string) *Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.conflicts[id]
	if !ok {
		return nil
	}
	snapshot := *c
	return &snapshot
}

// Since returns all accepted changes with version > after, in version order.
// Used by reconnecting clients to catch up.
func (a *Authority) Since(after uint64) []Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Change, 0)
	for _, c := range a.log {
		if c.Version > after {
			out = append(out, c)
		}
	}
	return out
}

// Head returns the current chain digest as hex.
func (a *Authority) Head() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return hex.EncodeToString(a.head[:])
}

// Len returns the number of accepted changes.
func (a *Authority) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.log)
}
