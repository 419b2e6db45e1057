package presence

import (
	"sync"
	"testing"
	"time"

	"collabd/internal/protocol"
	"collabd/internal/pubsub"
)

type recorder struct {
	id string

	mu  sync.Mutex
	got []*protocol.Envelope
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(e *protocol.Envelope) {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(msgType string) []*protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Envelope
	for _, e := range r.got {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *recorder) {
	t.Helper()
	router := pubsub.NewRouter()
	rec := &recorder{id: "test"}
	router.Subscribe(Channel, rec)
	r := NewRegistry(cfg, router)
	t.Cleanup(r.Shutdown)
	return r, rec
}

// =============================================================================
// Tests for connection tracking
// =============================================================================

func TestFirstConnectionBroadcastsJoined(t *testing.T) {
	r, rec := newTestRegistry(t, DefaultConfig())

	r.ConnectionOpened("alice", "Alice")

	joined := rec.ofType(protocol.TypePresenceJoined)
	if len(joined) != 1 {
		t.Fatalf("got %d presence:joined, want 1", len(joined))
	}
	var got Record
	if err := joined[0].Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != "alice" || got.Status != StatusOnline {
		t.Errorf("record = %+v", got)
	}

	if r.Get("alice") == nil {
		t.Error("record should exist")
	}
}

// A second tab for the same user must not re-announce them.
func TestSecondConnectionNoRebroadcast(t *testing.T) {
	r, rec := newTestRegistry(t, DefaultConfig())

	r.ConnectionOpened("alice", "Alice")
	r.ConnectionOpened("alice", "Alice")

	if got := rec.ofType(protocol.TypePresenceJoined); len(got) != 1 {
		t.Errorf("got %d presence:joined, want 1", len(got))
	}
}

func TestLastDisconnectGoesOfflineAfterGrace(t *testing.T) {
	cfg := Config{OfflineGrace: 20 * time.Millisecond, TypingTTL: time.Second}
	r, rec := newTestRegistry(t, cfg)

	r.ConnectionOpened("alice", "Alice")
	r.ConnectionClosed("alice")

	// Still visible during the grace period.
	if r.Get("alice") == nil {
		t.Error("record should survive into the grace period")
	}

	waitFor(t, func() bool { return len(rec.ofType(protocol.TypePresenceLeft)) == 1 })

	var got Record
	rec.ofType(protocol.TypePresenceLeft)[0].Decode(&got) //nolint:errcheck
	if got.Status != StatusOffline {
		t.Errorf("final status = %q, want offline", got.Status)
	}
	if r.Get("alice") != nil {
		t.Error("record should be removed after grace")
	}
}

// A reconnect inside the grace window cancels the pending offline; other
// users never see a leave/join flicker.
func TestReconnectWithinGrace(t *testing.T) {
	cfg := Config{OfflineGrace: 50 * time.Millisecond, TypingTTL: time.Second}
	r, rec := newTestRegistry(t, cfg)

	r.ConnectionOpened("alice", "Alice")
	r.ConnectionClosed("alice")
	r.ConnectionOpened("alice", "Alice")

	time.Sleep(100 * time.Millisecond)

	if got := rec.ofType(protocol.TypePresenceLeft); len(got) != 0 {
		t.Errorf("got %d presence:left, want 0", len(got))
	}
	if got := rec.ofType(protocol.TypePresenceJoined); len(got) != 1 {
		t.Errorf("got %d presence:joined, want 1", len(got))
	}
	if r.Get("alice") == nil {
		t.Error("record should survive")
	}
}

func TestSecondConnectionSurvivesFirstClose(t *testing.T) {
	cfg := Config{OfflineGrace: 20 * time.Millisecond, TypingTTL: time.Second}
	r, rec := newTestRegistry(t, cfg)

	r.ConnectionOpened("alice", "Alice")
	r.ConnectionOpened("alice", "Alice")
	r.ConnectionClosed("alice")

	time.Sleep(60 * time.Millisecond)

	if got := rec.ofType(protocol.TypePresenceLeft); len(got) != 0 {
		t.Errorf("user with a live connection went offline")
	}
}

// =============================================================================
// Tests for status and location updates
// =============================================================================

func TestUpdateStatus(t *testing.T) {
	r, rec := newTestRegistry(t, DefaultConfig())

	r.ConnectionOpened("alice", "Alice")
	r.UpdateStatus("alice", StatusBusy, "in a meeting")

	changed := rec.ofType(protocol.TypePresenceChanged)
	if len(changed) != 1 {
		t.Fatalf("got %d presence:changed, want 1", len(changed))
	}
	var got Record
	changed[0].Decode(&got) //nolint:errcheck
	if got.Status != StatusBusy || got.StatusMessage != "in a meeting" {
		t.Errorf("record = %+v", got)
	}
}

func TestUpdateStatusUnknownUser(t *testing.T) {
	r, rec := newTestRegistry(t, DefaultConfig())

	r.UpdateStatus("ghost", StatusBusy, "")
	if len(rec.ofType(protocol.TypePresenceChanged)) != 0 {
		t.Error("update for unknown user should not broadcast")
	}
}

func TestUpdateLocation(t *testing.T) {
	r, rec := newTestRegistry(t, DefaultConfig())

	r.ConnectionOpened("alice", "Alice")
	r.UpdateLocation("alice", "/posts/p1", "post", "p1")

	changed := rec.ofType(protocol.TypePresenceChanged)
	if len(changed) != 1 {
		t.Fatalf("got %d presence:changed, want 1", len(changed))
	}
	var got Record
	changed[0].Decode(&got) //nolint:errcheck
	if got.Location == nil || got.Location.Page != "/posts/p1" || got.Location.EntityID != "p1" {
		t.Errorf("location = %+v", got.Location)
	}
}

func TestOnline(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	r.ConnectionOpened("alice", "Alice")
	r.ConnectionOpened("bob", "Bob")

	if got := len(r.Online()); got != 2 {
		t.Errorf("Online returned %d records, want 2", got)
	}
}

// =============================================================================
// Tests for typing indicators
// =============================================================================

func TestTypingStartStop(t *testing.T) {
	router := pubsub.NewRouter()
	rec := &recorder{id: "test"}
	router.Subscribe("session.s1", rec)
	r := NewRegistry(DefaultConfig(), router)
	defer r.Shutdown()

	r.StartTyping("session.s1", "s1", "alice", "body")
	r.StopTyping("session.s1", "s1", "alice", "body")

	if got := rec.ofType(protocol.TypeTypingStart); len(got) != 1 {
		t.Errorf("got %d typing:start, want 1", len(got))
	}
	stops := rec.ofType(protocol.TypeTypingStop)
	if len(stops) != 1 {
		t.Fatalf("got %d typing:stop, want 1", len(stops))
	}
	var ev TypingEvent
	stops[0].Decode(&ev) //nolint:errcheck
	if ev.UserID != "alice" || ev.Field != "body" {
		t.Errorf("event = %+v", ev)
	}
}

// An unrefreshed indicator expires into a server-side typing:stop, so a
// crashed client cannot leave one stuck.
func TestTypingAutoExpires(t *testing.T) {
	router := pubsub.NewRouter()
	rec := &recorder{id: "test"}
	router.Subscribe("session.s1", rec)
	r := NewRegistry(Config{OfflineGrace: time.Second, TypingTTL: 20 * time.Millisecond}, router)
	defer r.Shutdown()

	r.StartTyping("session.s1", "s1", "alice", "body")

	waitFor(t, func() bool { return len(rec.ofType(protocol.TypeTypingStop)) == 1 })
}

// Refreshing an indicator extends the timer without a duplicate broadcast.
func TestTypingRefresh(t *testing.T) {
	router := pubsub.NewRouter()
	rec := &recorder{id: "test"}
	router.Subscribe("session.s1", rec)
	r := NewRegistry(Config{OfflineGrace: time.Second, TypingTTL: 40 * time.Millisecond}, router)
	defer r.Shutdown()

	r.StartTyping("session.s1", "s1", "alice", "body")
	time.Sleep(25 * time.Millisecond)
	r.StartTyping("session.s1", "s1", "alice", "body")
	time.Sleep(25 * time.Millisecond)

	// Past the original TTL but inside the refreshed one.
	if got := rec.ofType(protocol.TypeTypingStart); len(got) != 1 {
		t.Errorf("got %d typing:start, want 1", len(got))
	}
	if got := rec.ofType(protocol.TypeTypingStop); len(got) != 0 {
		t.Errorf("indicator expired despite refresh")
	}

	waitFor(t, func() bool { return len(rec.ofType(protocol.TypeTypingStop)) == 1 })
}

func TestStopAllTyping(t *testing.T) {
	router := pubsub.NewRouter()
	rec := &recorder{id: "test"}
	router.Subscribe("session.s1", rec)
	router.Subscribe("session.s2", rec)
	r := NewRegistry(DefaultConfig(), router)
	defer r.Shutdown()

	r.StartTyping("session.s1", "s1", "alice", "body")
	r.StartTyping("session.s2", "s2", "alice", "title")
	r.StartTyping("session.s1", "s1", "bob", "body")

	r.StopAllTyping("alice")

	if got := rec.ofType(protocol.TypeTypingStop); len(got) != 2 {
		t.Errorf("got %d typing:stop, want 2", len(got))
	}
}
