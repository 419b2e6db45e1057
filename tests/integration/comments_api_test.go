//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"testing"

	"collabd/internal/changelog"
	"collabd/internal/comment"
	"collabd/internal/protocol"
	"collabd/internal/service"
	"collabd/internal/session"
)

func TestCommentFlow(t *testing.T) {
	env := NewTestEnv(t)

	alice := env.Connect("alice", "Alice")
	join(alice, "post", "p1")
	bob := env.Connect("bob", "Bob")
	join(bob, "post", "p1")

	start, end := 10, 24
	alice.Send(protocol.TypeCommentAdd, protocol.CommentAdd{
		EntityType:     "post",
		EntityID:       "p1",
		Content:        "tighten this up",
		FieldPath:      "body",
		SelectionStart: &start,
		SelectionEnd:   &end,
		QuotedText:     "the quick brown",
	})

	root := Decode[comment.Comment](t, bob.Expect(protocol.TypeCommentAdded))
	if root.AuthorID != "alice" || root.Status != comment.StatusOpen {
		t.Fatalf("root comment = %+v", root)
	}
	if root.Anchor == nil || root.Anchor.FieldPath != "body" {
		t.Errorf("anchor = %+v", root.Anchor)
	}

	// Replies flatten onto the thread root.
	bob.Send(protocol.TypeCommentAdd, protocol.CommentAdd{
		EntityType: "post",
		EntityID:   "p1",
		Content:    "done",
		ParentID:   root.ID,
	})
	reply := Decode[comment.Comment](t, alice.Expect(protocol.TypeCommentAdded))
	if reply.ParentID != root.ID || reply.ThreadRootID != root.ID {
		t.Errorf("reply threading = parent %q root %q", reply.ParentID, reply.ThreadRootID)
	}

	alice.Send(protocol.TypeCommentResolve, protocol.CommentResolve{CommentID: root.ID})
	resolved := Decode[comment.Comment](t, bob.Expect(protocol.TypeCommentResolved))
	if resolved.Status != comment.StatusResolved || resolved.ResolvedBy != "alice" {
		t.Errorf("resolved comment = %+v", resolved)
	}
}

// =============================================================================
// Tests for the HTTP API
// =============================================================================

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := NewTestEnv(t)

	alice := env.Connect("alice", "Alice")
	alice.Expect(protocol.TypePresenceJoined)
	join(alice, "post", "p1")

	var status service.StatusResponse
	getJSON(t, env.Server.URL+"/api/status", &status)
	if status.Status != "running" || status.Connections != 1 || status.Sessions != 1 {
		t.Errorf("status = %+v", status)
	}
	if len(status.Online) != 1 || status.Online[0].UserID != "alice" {
		t.Errorf("online = %+v", status.Online)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	env := NewTestEnv(t)

	alice := env.Connect("alice", "Alice")
	snap := join(alice, "post", "p1")
	apply(alice, snap.SessionID, "title", 0, `"v1"`)
	alice.Expect(protocol.TypeChangeApplied)

	var sessions []session.Snapshot
	getJSON(t, env.Server.URL+"/api/sessions", &sessions)
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].SessionID != snap.SessionID || sessions[0].Version != 1 {
		t.Errorf("session = %+v", sessions[0])
	}
}

func TestChangesEndpoint(t *testing.T) {
	env := NewTestEnv(t)

	alice := env.Connect("alice", "Alice")
	snap := join(alice, "post", "p1")
	for i := 0; i < 3; i++ {
		apply(alice, snap.SessionID, "body", uint64(i), `"x"`)
		alice.Expect(protocol.TypeChangeApplied)
	}

	var changes []changelog.Change
	getJSON(t, env.Server.URL+"/api/sessions/"+snap.SessionID+"/changes?since=1", &changes)
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].Version != 2 || changes[1].Version != 3 {
		t.Errorf("versions = %d, %d", changes[0].Version, changes[1].Version)
	}

	resp, err := http.Get(env.Server.URL + "/api/sessions/unknown/changes")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestCommentsEndpoint(t *testing.T) {
	env := NewTestEnv(t)

	alice := env.Connect("alice", "Alice")
	join(alice, "post", "p1")
	alice.Send(protocol.TypeCommentAdd, protocol.CommentAdd{
		EntityType: "post",
		EntityID:   "p1",
		Content:    "first",
	})
	alice.Expect(protocol.TypeCommentAdded)

	var comments []comment.Comment
	getJSON(t, env.Server.URL+"/api/comments?entity_type=post&entity_id=p1", &comments)
	if len(comments) != 1 || comments[0].Content != "first" {
		t.Errorf("comments = %+v", comments)
	}

	resp, err := http.Get(env.Server.URL + "/api/comments")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing entity params status = %d, want 400", resp.StatusCode)
	}
}
