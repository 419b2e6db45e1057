// Package comment implements threaded, position-anchored comments.
//
// Replies always attach to the root of their thread regardless of nesting
// depth, so the flat reply list of a root is retrievable without recursion.
// Comments are never hard-deleted; resolve and wont_fix are status
// transitions recorded with the actor and time.
package comment

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a comment.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusWontFix  Status = "wont_fix"
)

// ErrNotFound is returned for unknown comment ids.
var ErrNotFound = errors.New("comment: not found")

// Anchor ties a comment to a position in the document.
type Anchor struct {
	FieldPath      string `json:"field_path"`
	SelectionStart *int   `json:"selection_start,omitempty"`
	SelectionEnd   *int   `json:"selection_end,omitempty"`
	QuotedText     string `json:"quoted_text,omitempty"`
}

// Comment is one comment or reply.
type Comment struct {
	ID           string     `json:"id"`
	EntityType   string     `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	AuthorID     string     `json:"author_id"`
	AuthorName   string     `json:"author_name,omitempty"`
	Content      string     `json:"content"`
	Anchor       *Anchor    `json:"anchor,omitempty"`
	ParentID     string     `json:"parent_id,omitempty"`
	ThreadRootID string     `json:"thread_root_id,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

type entityKey struct {
	entityType string
	entityID   string
}

// Store holds comments keyed per entity. Updates are keyed per comment and
// never require cross-key ordering, so one store-wide mutex suffices.
type Store struct {
	mu       sync.Mutex
	byID     map[string]*Comment
	byEntity map[entityKey][]string // insertion order
	replies  map[string][]string    // threadRootID -> reply ids, in order
}

// NewStore creates an empty comment store.
func NewStore() *Store {
	return &Store{
		byID:     make(map[string]*Comment),
		byEntity: make(map[entityKey][]string),
		replies:  make(map[string][]string),
	}
}

// Add posts a comment. A non-empty parentID makes it a reply: the reply is
// attached to the root of the parent's thread, however deep the parent is.
func (s *Store) Add(entityType, entityID, authorID, authorName, content string, anchor *Anchor, parentID string) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &Comment{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		Anchor:     anchor,
		Status:     StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}

	if parentID != "" {
		parent, ok := s.byID[parentID]
		if !ok {
			return nil, fmt.Errorf("comment: parent %s: %w", parentID, ErrNotFound)
		}
		root := parent.ThreadRootID
		if root == "" {
			root = parent.ID
		}
		c.ParentID = parentID
		c.ThreadRootID = root
		s.replies[root] = append(s.replies[root], c.ID)
	}

	s.byID[c.ID] = c
	key := entityKey{entityType, entityID}
	s.byEntity[key] = append(s.byEntity[key], c.ID)

	snapshot := *c
	return &snapshot, nil
}

// Resolve marks a comment resolved, recording who and when. Resolving an
// already-resolved comment is a no-op, not an error.
func (s *Store) Resolve(id, resolverID string) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status == StatusOpen {
		now := time.Now().UTC()
		c.Status = StatusResolved
		c.ResolvedBy = resolverID
		c.ResolvedAt = &now
	}

	snapshot := *c
	return &snapshot, nil
}

// WontFix closes a comment as wont_fix. Allowed from open or resolved;
// comments are never deleted.
func (s *Store) WontFix(id, byID string) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != StatusWontFix {
		now := time.Now().UTC()
		c.Status = StatusWontFix
		c.ResolvedBy = byID
		c.ResolvedAt = &now
	}

	snapshot := *c
	return &snapshot, nil
}

// Get returns a snapshot of a comment, or nil.
func (s *Store) Get(id string) *Comment {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil
	}
	snapshot := *c
	return &snapshot
}

// Replies returns the flat, ordered reply list of a thread root.
func (s *Store) Replies(rootID string) []Comment {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.replies[rootID]
	out := make([]Comment, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.byID[id])
	}
	return out
}

// ForEntity returns all comments on an entity in creation order, roots and
// replies alike.
func (s *Store) ForEntity(entityType, entityID string) []Comment {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byEntity[entityKey{entityType, entityID}]
	out := make([]Comment, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.byID[id])
	}
	return out
}

// Threads returns the open thread roots of an entity.
func (s *Store) Threads(entityType, entityID string) []Comment {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byEntity[entityKey{entityType, entityID}]
	out := make([]Comment, 0)
	for _, id := range ids {
		c := s.byID[id]
		if c.ThreadRootID == "" && c.Status == StatusOpen {
			out = append(out, *c)
		}
	}
	return out
}
