package connection

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabd/internal/protocol"
)

// dialTestWS opens a real websocket pair and returns the server side.
// The returned conn is hijacked, so it stays usable after the handler returns.
func dialTestWS(t *testing.T) *websocket.Conn {
	t.Helper()

	up := websocket.Upgrader{}
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ch <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return <-ch
}

// newStalledConn registers a connection whose write pump never runs, so its
// send buffer fills and stays full.
func newStalledConn(t *testing.T, m *Manager, userID string, buffer int) *Conn {
	t.Helper()

	c := &Conn{
		id:            "conn-" + userID,
		userID:        userID,
		createdAt:     time.Now(),
		ws:            dialTestWS(t),
		send:          make(chan []byte, buffer),
		lastHeartbeat: time.Now(),
		mgr:           m,
	}
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
	return c
}

// =============================================================================
// Tests for Send / slow-consumer teardown
// =============================================================================

// A full send buffer must never run the disconnect cascade on the delivering
// goroutine: that goroutine is typically inside router and session locks the
// cascade re-enters.
func TestSlowConsumerClosedOffDeliveryGoroutine(t *testing.T) {
	m := NewManager(DefaultConfig())
	c := newStalledConn(t, m, "alice", 1)

	// fanout stands in for the locks a publishing goroutine holds while
	// delivering. The cascade takes it too, so an inline close deadlocks.
	var fanout sync.Mutex
	dropped := make(chan string, 1)
	m.OnDisconnect(func(c *Conn) {
		fanout.Lock()
		fanout.Unlock() //nolint:staticcheck // empty critical section is the point
		dropped <- c.id
	})

	env := protocol.NewEnvelope(protocol.TypeCursorMove, nil)

	fanout.Lock()
	sendDone := make(chan struct{})
	go func() {
		c.Send(env) // fills the one-slot buffer
		c.Send(env) // overflows it
		close(sendDone)
	}()

	select {
	case <-sendDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on its own disconnect cascade")
	}
	fanout.Unlock()

	select {
	case id := <-dropped:
		if id != c.id {
			t.Errorf("dropped connection = %q, want %q", id, c.id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect cascade never ran")
	}

	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
}

func TestSendAfterOverflowDropped(t *testing.T) {
	m := NewManager(DefaultConfig())
	c := newStalledConn(t, m, "alice", 1)

	env := protocol.NewEnvelope(protocol.TypeChangeApplied, nil)
	c.Send(env)
	c.Send(env) // overflow marks the connection closed

	// Must return immediately instead of touching the dead send channel.
	c.Send(env)
}

// =============================================================================
// Tests for Deliver echo suppression
// =============================================================================

func TestDeliverSuppressesOwnEcho(t *testing.T) {
	m := NewManager(DefaultConfig())
	c := newStalledConn(t, m, "alice", 4)

	c.Deliver(protocol.NewEnvelope(protocol.TypeCursorMove, nil).From("alice"))
	c.Deliver(protocol.NewEnvelope(protocol.TypeTypingStart, nil).From("alice"))
	if len(c.send) != 0 {
		t.Errorf("own cursor and typing echoes should be dropped, buffered %d", len(c.send))
	}

	c.Deliver(protocol.NewEnvelope(protocol.TypeCursorMove, nil).From("bob"))
	c.Deliver(protocol.NewEnvelope(protocol.TypeChangeApplied, nil).From("alice"))
	if len(c.send) != 2 {
		t.Errorf("peer cursor and own change ack should be delivered, buffered %d", len(c.send))
	}
}

// =============================================================================
// Tests for Manager bookkeeping
// =============================================================================

func TestDisconnectRemovesConn(t *testing.T) {
	m := NewManager(DefaultConfig())
	c := newStalledConn(t, m, "alice", 1)

	dropped := make(chan string, 1)
	m.OnDisconnect(func(c *Conn) { dropped <- c.id })

	m.Disconnect(c.id)

	select {
	case id := <-dropped:
		if id != c.id {
			t.Errorf("dropped connection = %q, want %q", id, c.id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook never ran")
	}
	if m.Get(c.id) != nil {
		t.Error("connection should be unregistered")
	}
}

func TestForUser(t *testing.T) {
	m := NewManager(DefaultConfig())
	newStalledConn(t, m, "alice", 1)
	newStalledConn(t, m, "bob", 1)

	if got := len(m.ForUser("alice")); got != 1 {
		t.Errorf("ForUser(alice) = %d conns, want 1", got)
	}
	if got := len(m.ForUser("carol")); got != 0 {
		t.Errorf("ForUser(carol) = %d conns, want 0", got)
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d, want 2", m.Count())
	}
}
