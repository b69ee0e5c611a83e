// Package client is a WebSocket load test client for the roomchat sync
// gateway. It connects with gobwas/ws, records the session id from
// session_created and dispatches server messages to per-type handlers.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeLogin      = "login"
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeSend       = "send"
	TypeCreateRoom = "create_room"
	TypePing       = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeJoined         = "joined"
	TypeLeft           = "left"
	TypeMembers        = "members"
	TypeMessage        = "message"
	TypeMessages       = "messages"
	TypeStatus         = "status"
	TypeSent           = "sent"
	TypeRoomCreated    = "room_created"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated consumer connection.
type Client struct {
	conn      net.Conn
	r         io.Reader
	sessionID atomic.Value // string
	session   chan struct{}

	writeMu  sync.Mutex
	handlers sync.Map // type -> func(json.RawMessage)

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts the read loop.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		r:              conn,
		session:        make(chan struct{}),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	// Frames sent right after the handshake may already sit in br.
	if br != nil {
		c.r = io.MultiReader(br, conn)
	}

	go c.readLoop()
	return c, nil
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sent.Add(1)
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Join subscribes to roomID as userName.
func (c *Client) Join(roomID, userName, password string) error {
	return c.Send(map[string]string{"type": TypeJoin, "room_id": roomID, "user_name": userName, "password": password})
}

// SendText posts content to a joined room.
func (c *Client) SendText(roomID, content string) error {
	return c.Send(map[string]string{"type": TypeSend, "room_id": roomID, "content": content})
}

// CreateRoom asks the server to create a public room owned by userName.
func (c *Client) CreateRoom(name, userName string) error {
	return c.Send(map[string]interface{}{"type": TypeCreateRoom, "name": name, "user_name": userName, "is_private": false})
}

// On registers the handler for a server message type, replacing any
// previous one. Handlers run on the read loop and must not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers.Store(msgType, handler)
}

// WaitForSession blocks until session_created arrived.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the id assigned by the server, or "" before the handshake.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	rw := struct {
		io.Reader
		io.Writer
	}{bufio.NewReader(c.r), &lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
				c.Close()
			}
			return
		}
		c.received.Add(1)

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == TypeSessionCreated && envelope.SessionID != "" && c.SessionID() == "" {
			c.sessionID.Store(envelope.SessionID)
			close(c.session)
		}
		if envelope.Type == TypeError {
			c.errors.Add(1)
		}

		if h, ok := c.handlers.Load(envelope.Type); ok {
			h.(func(json.RawMessage))(json.RawMessage(data))
		}
	}
}

// lockedWriter serializes control frame replies with Send.
type lockedWriter struct{ c *Client }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
