package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"collabd/internal/changelog"
	"collabd/internal/comment"
	"collabd/internal/logging"
)

// Schema for the collabd archive.
const schema = `
CREATE TABLE IF NOT EXISTS changes (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    field_path    TEXT NOT NULL,
    change_type   TEXT NOT NULL,
    old_value     TEXT,
    new_value     TEXT,
    position      INTEGER,
    length        INTEGER,
    base_version  INTEGER NOT NULL,
    version       INTEGER NOT NULL,
    timestamp_ns  INTEGER NOT NULL,
    digest        TEXT NOT NULL,
    UNIQUE (session_id, version)
);

CREATE INDEX IF NOT EXISTS idx_changes_session ON changes(session_id, version);
CREATE INDEX IF NOT EXISTS idx_changes_field ON changes(session_id, field_path);

CREATE TABLE IF NOT EXISTS conflicts (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    field_path    TEXT NOT NULL,
    strategy      TEXT NOT NULL,
    local_json    TEXT NOT NULL,
    remote_json   TEXT NOT NULL,
    detected_ns   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conflicts_session ON conflicts(session_id);

CREATE TABLE IF NOT EXISTS comments (
    id              TEXT PRIMARY KEY,
    entity_type     TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    author_id       TEXT NOT NULL,
    content         TEXT NOT NULL,
    anchor_json     TEXT,
    parent_id       TEXT,
    thread_root_id  TEXT,
    status          TEXT NOT NULL,
    created_ns      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comments_entity ON comments(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_comments_thread ON comments(thread_root_id);
`

type record struct {
	change   *changelog.Change
	conflict *changelog.Conflict
	comment  *comment.Comment
}

// SQLite is the sqlite-backed archive.
type SQLite struct {
	db    *sql.DB
	queue chan record

	closeOnce sync.Once
	done      chan struct{}
}

// Open opens or creates the archive database and starts the writer.
func Open(path string, busyTimeoutMs int) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLite{
		db:    db,
		queue: make(chan record, 256),
		done:  make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Close drains the queue and closes the database.
func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
	})
	return s.db.Close()
}

// AppendChange queues an accepted change; a full queue drops the record
// rather than stalling the caller.
func (s *SQLite) AppendChange(c changelog.Change) {
	s.enqueue(record{change: &c})
}

// AppendConflict queues a surfaced conflict.
func (s *SQLite) AppendConflict(c changelog.Conflict) {
	s.enqueue(record{conflict: &c})
}

// AppendComment queues a comment.
func (s *SQLite) AppendComment(c comment.Comment) {
	s.enqueue(record{comment: &c})
}

func (s *SQLite) enqueue(r record) {
	defer func() {
		// Appending after Close loses the record, by the same policy as a
		// full queue: the archive never stalls or crashes the engine.
		_ = recover()
	}()
	select {
	case s.queue <- r:
	default:
		logging.Warn("archive queue full, dropping record")
	}
}

func (s *SQLite) writeLoop() {
	defer close(s.done)
	for r := range s.queue {
		switch {
		case r.change != nil:
			s.insertChange(r.change)
		case r.conflict != nil:
			s.insertConflict(r.conflict)
		case r.comment != nil:
			s.insertComment(r.comment)
		}
	}
}

func (s *SQLite) insertChange(c *changelog.Change) {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO changes
			(id, session_id, user_id, field_path, change_type, old_value, new_value, position, length, base_version, version, timestamp_ns, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.UserID, c.FieldPath, string(c.Type),
		nullableJSON(c.OldValue), nullableJSON(c.NewValue),
		nullableInt(c.Position), nullableInt(c.Length),
		c.BaseVersion, c.Version, c.Timestamp.UnixNano(), c.Digest,
	)
	if err != nil {
		logging.Error("archive change", "change_id", c.ID, "err", err)
	}
}

func (s *SQLite) insertConflict(c *changelog.Conflict) {
	local, _ := json.Marshal(c.Local)
	remote, _ := json.Marshal(c.Remote)
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conflicts (id, session_id, field_path, strategy, local_json, remote_json, detected_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Remote.FieldPath, c.Strategy, string(local), string(remote), c.DetectedAt.UnixNano(),
	)
	if err != nil {
		logging.Error("archive conflict", "conflict_id", c.ID, "err", err)
	}
}

func (s *SQLite) insertComment(c *comment.Comment) {
	var anchor any
	if c.Anchor != nil {
		data, _ := json.Marshal(c.Anchor)
		anchor = string(data)
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO comments (id, entity_type, entity_id, author_id, content, anchor_json, parent_id, thread_root_id, status, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityType, c.EntityID, c.AuthorID, c.Content, anchor, c.ParentID, c.ThreadRootID, string(c.Status), c.CreatedAt.UnixNano(),
	)
	if err != nil {
		logging.Error("archive comment", "comment_id", c.ID, "err", err)
	}
}

// ChangesSince returns a session's archived changes with version > after,
// in version order.
func (s *SQLite) ChangesSince(sessionID string, after uint64) ([]changelog.Change, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, user_id, field_path, change_type, old_value, new_value, position, length, base_version, version, timestamp_ns, digest
		FROM changes
		WHERE session_id = ? AND version > ?
		ORDER BY version ASC`, sessionID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []changelog.Change
	for rows.Next() {
		var (
			c          changelog.Change
			changeType string
			oldValue   sql.NullString
			newValue   sql.NullString
			position   sql.NullInt64
			length     sql.NullInt64
			tsNs       int64
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.UserID, &c.FieldPath, &changeType,
			&oldValue, &newValue, &position, &length, &c.BaseVersion, &c.Version, &tsNs, &c.Digest); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Type = changelog.ChangeType(changeType)
		if oldValue.Valid {
			c.OldValue = json.RawMessage(oldValue.String)
		}
		if newValue.Valid {
			c.NewValue = json.RawMessage(newValue.String)
		}
		if position.Valid {
			p := int(position.Int64)
			c.Position = &p
		}
		if length.Valid {
			n := int(length.Int64)
			c.Length = &n
		}
		c.Timestamp = nanoTime(tsNs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func nanoTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
