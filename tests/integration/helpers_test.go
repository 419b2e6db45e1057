//go:build integration

// Package integration exercises collabd end to end over real websocket
// connections against an httptest server.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabd/internal/config"
	"collabd/internal/logging"
	"collabd/internal/protocol"
	"collabd/internal/service"
	"collabd/internal/store"
)

const readTimeout = 3 * time.Second

// TestEnv is a running collabd service plus the HTTP server in front of it.
type TestEnv struct {
	T      *testing.T
	Svc    *service.Service
	Server *httptest.Server
}

func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LevelError
	log, err := logging.New(logCfg)
	if err != nil {
		t.Fatalf("logging.New failed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Storage.Type = "memory"
	// Shrink the offline grace so disconnect tests finish inside the read
	// timeout.
	cfg.Presence.OfflineGraceSec = 1

	svc, err := service.New(cfg, store.Nop{}, log)
	if err != nil {
		t.Fatalf("service.New failed: %v", err)
	}
	svc.Start(context.Background())

	srv := httptest.NewServer(svc.Routes())
	env := &TestEnv{T: t, Svc: svc, Server: srv}
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx) //nolint:errcheck
	})
	return env
}

// Client is one websocket connection acting as a user.
type Client struct {
	T      *testing.T
	UserID string
	conn   *websocket.Conn
}

// Connect dials the websocket endpoint as the given user.
func (e *TestEnv) Connect(userID, name string) *Client {
	e.T.Helper()

	url := "ws" + strings.TrimPrefix(e.Server.URL, "http") + "/ws?user_id=" + userID + "&name=" + name
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		e.T.Fatalf("dial %s failed: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close() //nolint:errcheck
	}

	c := &Client{T: e.T, UserID: userID, conn: conn}
	e.T.Cleanup(c.Close)
	return c
}

func (c *Client) Close() {
	c.conn.Close() //nolint:errcheck
}

// Send writes an envelope of the given type.
func (c *Client) Send(msgType string, payload any) {
	c.T.Helper()
	if err := c.conn.WriteJSON(protocol.NewEnvelope(msgType, payload)); err != nil {
		c.T.Fatalf("%s: write %s failed: %v", c.UserID, msgType, err)
	}
}

// Expect reads frames until one of the given type arrives, skipping
// everything else. Fails the test on timeout.
func (c *Client) Expect(msgType string) *protocol.Envelope {
	c.T.Helper()

	deadline := time.Now().Add(readTimeout)
	c.conn.SetReadDeadline(deadline) //nolint:errcheck
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.T.Fatalf("%s: waiting for %s: %v", c.UserID, msgType, err)
		}
		e, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.T.Fatalf("%s: bad frame: %v", c.UserID, err)
		}
		if e.Type == msgType {
			return e
		}
	}
}

// ExpectNone asserts that no frame of the given type arrives within the
// window. Other frames are ignored. The read deadline error this ends on
// poisons the connection, so this must be the client's last read.
func (c *Client) ExpectNone(msgType string, window time.Duration) {
	c.T.Helper()

	c.conn.SetReadDeadline(time.Now().Add(window)) //nolint:errcheck
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// The read deadline firing is how the window ends.
			return
		}
		e, err := protocol.ParseEnvelope(data)
		if err != nil {
			continue
		}
		if e.Type == msgType {
			c.T.Fatalf("%s: got unexpected %s: %s", c.UserID, msgType, e.Payload)
		}
	}
}

// Decode unmarshals an envelope payload, failing the test on error.
func Decode[T any](t *testing.T, e *protocol.Envelope) T {
	t.Helper()
	var v T
	if err := e.Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", e.Type, err)
	}
	return v
}
