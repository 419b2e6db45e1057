// Package store archives accepted changes, surfaced conflicts and comments.
//
// The archive is written asynchronously: the in-memory authority decides
// first, then the record is queued for the single writer goroutine, so
// persistence never sits inside a session's serialized critical section.
// The archive is a durable record for replay and audit, not the source of
// truth; that is always the in-memory authority.
package store

import (
	"collabd/internal/changelog"
	"collabd/internal/comment"
)

// Archive persists collaboration records.
type Archive interface {
	// AppendChange queues an accepted change.
	AppendChange(c changelog.Change)

	// AppendConflict queues a surfaced conflict.
	AppendConflict(c changelog.Conflict)

	// AppendComment queues a comment.
	AppendComment(c comment.Comment)

	// ChangesSince returns a session's archived changes after a version.
	ChangesSince(sessionID string, after uint64) ([]changelog.Change, error)

	// Close flushes queued records and releases resources.
	Close() error
}

// Nop is the archive used when storage.type is "memory": nothing persists.
type Nop struct{}

func (Nop) AppendChange(changelog.Change)     {}
func (Nop) AppendConflict(changelog.Conflict) {}
func (Nop) AppendComment(comment.Comment)     {}
func (Nop) ChangesSince(string, uint64) ([]changelog.Change, error) {
	return nil, nil
}
func (Nop) Close() error { return nil }
