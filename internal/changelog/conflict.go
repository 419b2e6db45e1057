package changelog

import (
	"encoding/json"
	"time"
)

// Conflict records two changes that targeted overlapping state from divergent
// base versions. The losing change is surfaced to its author rather than
// silently dropped, so the client can offer a manual merge.
type Conflict struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// Local is the committed change that won serialization.
	Local Change `json:"local"`

	// Remote is the stale proposal that lost.
	Remote Change `json:"remote"`

	// Strategy names the policy that produced the proposed value.
	Strategy string `json:"strategy"`

	// Proposed is the policy's provisional authoritative value. The client
	// may accept it or submit a manual merge via conflict:resolve.
	Proposed json.RawMessage `json:"proposed_value,omitempty"`

	Resolved      bool            `json:"resolved"`
	ResolvedValue json.RawMessage `json:"resolved_value,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// Policy decides the provisional value when two changes collide. The shipped
// policy is last-accepted-wins with the conflict surfaced; richer per-field
// merge strategies can be plugged in without touching the authority.
type Policy interface {
	Name() string
	Resolve(local, remote *Change) json.RawMessage
}

// LastWriteWins keeps the already-committed change's value as provisional.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "last_write_wins" }

func (LastWriteWins) Resolve(local, remote *Change) json.RawMessage {
	return local.NewValue
}

// Overlaps reports whether two changes target overlapping state: the same
// field path with intersecting position ranges. A change without a position
// claims the whole field.
func Overlaps(a, b *Change) bool {
	if a.FieldPath != b.FieldPath {
		return false
	}
	if a.Position == nil || b.Position == nil {
		return true
	}
	aStart, aEnd := *a.Position, *a.Position+spanLength(a)
	bStart, bEnd := *b.Position, *b.Position+spanLength(b)
	return aStart < bEnd && bStart < aEnd
}

func spanLength(c *Change) int {
	if c.Length == nil || *c.Length < 1 {
		// Zero-length edits (pure inserts) still occupy their position.
		return 1
	}
	return *c.Length
}

// DetectConflict reports whether a committed local change and an incoming
// remote proposal collide: overlapping state proposed from divergent base
// versions.
func DetectConflict(local, remote *Change) bool {
	if local.BaseVersion == remote.BaseVersion {
		return false
	}
	return Overlaps(local, remote)
}
