// Package connection manages the persistent websocket connections.
//
// One Conn exists per live socket. Each Conn runs a read pump and a buffered
// write pump; liveness is tracked with server pings plus client heartbeat
// envelopes, and a connection silent past the allowed window is forcibly
// closed. Closing cascades through the registered OnDisconnect hook to
// presence, session and lock cleanup. Reconnection is entirely client-driven;
// no session affinity survives a reconnect beyond what state reconstruction
// provides.
package connection

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabd/internal/logging"
	"collabd/internal/protocol"
)

// Config controls connection behavior.
type Config struct {
	// HeartbeatInterval is how often the server pings and how often clients
	// are expected to heartbeat.
	HeartbeatInterval time.Duration

	// MissedLimit is how many consecutive heartbeat intervals may elapse
	// without liveness before the connection is forcibly closed.
	MissedLimit int

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration

	// SendBuffer is the per-connection outbound queue. A consumer that
	// cannot drain it is disconnected rather than allowed to stall fan-out.
	SendBuffer int

	// AllowedOrigins limits websocket upgrades; empty allows all.
	AllowedOrigins []string

	// MaxMessageBytes bounds a single inbound frame.
	MaxMessageBytes int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MissedLimit:       2,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
		MaxMessageBytes:   64 * 1024,
	}
}

// Handler consumes inbound envelopes from a connection.
type Handler func(c *Conn, e *protocol.Envelope)

// Conn is one live websocket, tied to one user.
type Conn struct {
	id        string
	userID    string
	userName  string
	createdAt time.Time

	ws   *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	lastHeartbeat time.Time
	closed        bool

	closeOnce sync.Once
	mgr       *Manager
}

// ID returns the connection id. Implements pubsub.Subscriber.
func (c *Conn) ID() string { return c.id }

// UserID returns the owning user.
func (c *Conn) UserID() string { return c.userID }

// UserName returns the display name announced at upgrade time.
func (c *Conn) UserName() string { return c.userName }

// CreatedAt returns when the connection was opened.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastHeartbeat returns the last observed liveness signal.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Conn) beat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// Deliver queues an envelope for the client. Implements pubsub.Subscriber.
// Envelopes the connection's own user originated on cursor, selection and
// typing channels are dropped here so senders never see their own echoes.
func (c *Conn) Deliver(e *protocol.Envelope) {
	if e.SenderID == c.userID && suppressEcho(e.Type) {
		return
	}
	c.Send(e)
}

// suppressEcho lists broadcast types that are never echoed to their sender.
// change:applied deliberately is echoed: the sender needs the authoritative
// acknowledgment.
func suppressEcho(msgType string) bool {
	switch msgType {
	case protocol.TypeCursorMove, protocol.TypeSelectionChange,
		protocol.TypeTypingStart, protocol.TypeTypingStop:
		return true
	}
	return false
}

// Send queues an envelope for the client, disconnecting a consumer whose
// buffer is full rather than blocking fan-out.
func (c *Conn) Send(e *protocol.Envelope) {
	data, err := e.Encode()
	if err != nil {
		logging.Error("encode outbound envelope", "type", e.Type, "err", err)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		// Send runs on whatever goroutine is fanning out, usually inside
		// router and session locks. The disconnect cascade re-enters those
		// locks, so the teardown must not run inline here: mark the
		// connection dead so later sends drop, and close on its own
		// goroutine.
		c.closed = true
		c.mu.Unlock()
		logging.Warn("slow consumer, disconnecting", "connection_id", c.id, "user_id", c.userID)
		go c.close()
	}
}

// close tears the connection down once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		c.ws.Close()
		c.mgr.drop(c)
	})
}

// Manager accepts, tracks and multiplexes connections.
type Manager struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn

	handler      Handler
	onConnect    func(*Conn)
	onDisconnect func(*Conn)
}

// NewManager creates a connection manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:   cfg,
		conns: make(map[string]*Conn),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range m.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// OnMessage registers the inbound envelope handler.
func (m *Manager) OnMessage(h Handler) { m.handler = h }

// OnConnect registers the connect hook.
func (m *Manager) OnConnect(fn func(*Conn)) { m.onConnect = fn }

// OnDisconnect registers the disconnect cascade hook.
func (m *Manager) OnDisconnect(fn func(*Conn)) { m.onDisconnect = fn }

// ServeWS upgrades an HTTP request into a managed connection. Identity comes
// from the auth layer in front of the daemon; user_id is required.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	userName := r.URL.Query().Get("name")

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &Conn{
		id:            uuid.NewString(),
		userID:        userID,
		userName:      userName,
		createdAt:     time.Now(),
		ws:            ws,
		send:          make(chan []byte, m.cfg.SendBuffer),
		lastHeartbeat: time.Now(),
		mgr:           m,
	}

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	logging.Info("connection opened", "connection_id", c.id, "user_id", userID)
	if m.onConnect != nil {
		m.onConnect(c)
	}

	go c.writePump(m.cfg)
	go c.readPump(m.cfg, m.handler)
}

// Send queues an envelope on a connection by id.
func (m *Manager) Send(connID string, e *protocol.Envelope) error {
	m.mu.Lock()
	c, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection: %s not found", connID)
	}
	c.Send(e)
	return nil
}

// Disconnect forcibly closes a connection by id.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	m.mu.Unlock()
	if ok {
		c.close()
	}
}

// Get returns a connection by id, or nil.
func (m *Manager) Get(connID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[connID]
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ForUser returns all live connections of a user.
func (m *Manager) ForUser(userID string) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Conn
	for _, c := range m.conns {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

// Shutdown closes every connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// drop unregisters a closed connection and fires the disconnect cascade.
func (m *Manager) drop(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	logging.Info("connection closed", "connection_id", c.id, "user_id", c.userID)
	if m.onDisconnect != nil {
		m.onDisconnect(c)
	}
}

// readPump consumes inbound frames until the connection dies. The read
// deadline spans MissedLimit heartbeat intervals; any frame or pong extends
// it, so a silent client is treated as disconnected, not errored.
func (c *Conn) readPump(cfg Config, handler Handler) {
	defer c.close()

	window := cfg.HeartbeatInterval * time.Duration(cfg.MissedLimit+1)
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(window)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		c.beat()
		return c.ws.SetReadDeadline(time.Now().Add(window))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("read error", "connection_id", c.id, "err", err)
			}
			return
		}

		c.beat()
		c.ws.SetReadDeadline(time.Now().Add(window)) //nolint:errcheck

		e, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.Send(protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{
				Code:    protocol.CodeMalformed,
				Message: err.Error(),
			}))
			continue
		}

		if handler != nil {
			handler(c, e)
		}
	}
}

// writePump drains the send queue and pings on the heartbeat interval.
func (c *Conn) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.ws.WriteControl(websocket.CloseMessage, nil, time.Now().Add(time.Second)) //nolint:errcheck
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
