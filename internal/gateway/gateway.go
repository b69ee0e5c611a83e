// Package gateway binds WebSocket consumers to the subscription registry.
// Each connection holds at most one subscription per room; a pump goroutine
// per subscription folds registry events into a view and forwards them as
// protocol messages.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/backend"
	"github.com/roomchat/chat-app/internal/model"
	"github.com/roomchat/chat-app/internal/protocol"
	"github.com/roomchat/chat-app/internal/ratelimit"
	"github.com/roomchat/chat-app/internal/realtime"
)

// Sender delivers encoded server messages to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Registry is the subscription registry the gateway registers consumers with.
type Registry interface {
	Register(ctx context.Context, roomID, identity string) (*realtime.Subscription, error)
	Unregister(sub *realtime.Subscription)
	Send(ctx context.Context, roomID, userName, content string) (model.Message, error)
}

// Backend is the subset of the storage client the gateway calls directly.
type Backend interface {
	Login(ctx context.Context, userName, password string) (backend.User, error)
	Rooms(ctx context.Context) ([]model.Room, error)
	CreateRoom(ctx context.Context, req backend.CreateRoomRequest) (model.Room, error)
	VerifyRoom(ctx context.Context, roomID, userName, password string) error
	UserRooms(ctx context.Context, userName string) ([]model.Room, error)
}

// Limiter throttles per-connection actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Config holds gateway limits.
type Config struct {
	SendRule       ratelimit.Rule
	JoinRule       ratelimit.Rule
	RequestTimeout time.Duration // deadline for backend calls made on behalf of a client
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SendRule:       ratelimit.RuleSend,
		JoinRule:       ratelimit.RuleJoin,
		RequestTimeout: 10 * time.Second,
	}
}

// Gateway tracks connected clients and their room subscriptions.
type Gateway struct {
	cfg      Config
	registry Registry
	backend  Backend
	limiter  Limiter
	sender   Sender
	log      *zap.SugaredLogger

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id string

	mu       sync.Mutex
	userName string
	rooms    map[string]*roomSub
	closed   bool
}

type roomSub struct {
	sub  *realtime.Subscription
	done chan struct{} // closed when the pump exits
}

// New creates a Gateway. limiter may be nil to disable throttling.
func New(cfg Config, registry Registry, be Backend, limiter Limiter, sender Sender, log *zap.SugaredLogger) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		backend:  be,
		limiter:  limiter,
		sender:   sender,
		log:      log.Named("gateway"),
		clients:  make(map[string]*client),
	}
}

// Connect starts tracking a connection.
func (g *Gateway) Connect(connID string) {
	g.mu.Lock()
	g.clients[connID] = &client{id: connID, rooms: make(map[string]*roomSub)}
	g.mu.Unlock()
}

// Disconnect unregisters every subscription of the connection and waits for
// their pumps to exit.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	c := g.clients[connID]
	delete(g.clients, connID)
	g.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	c.closed = true
	rooms := c.rooms
	c.rooms = make(map[string]*roomSub)
	c.mu.Unlock()

	for _, rs := range rooms {
		g.registry.Unregister(rs.sub)
		<-rs.done
	}
	if len(rooms) > 0 {
		g.log.Debugw("client disconnected", "conn", connID, "rooms", len(rooms))
	}
}

// Rooms returns the rooms a connection has joined.
func (g *Gateway) Rooms(connID string) []string {
	c := g.client(connID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (g *Gateway) client(connID string) *client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[connID]
}

func (c *client) name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userName
}

func (c *client) setName(name string) {
	c.mu.Lock()
	c.userName = name
	c.mu.Unlock()
}

func (c *client) room(roomID string) *roomSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

// send encodes and delivers a server message. Delivery failures are logged;
// the ws server removes broken connections on its own.
func (g *Gateway) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Errorw("encode failed", "type", msgType, "error", err)
		return
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		g.log.Debugw("deliver failed", "conn", connID, "type", msgType, "error", err)
	}
}

func (g *Gateway) sendError(connID, roomID, code, message string) {
	g.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message, RoomID: roomID})
}

// fail reports err to the client with a code derived from its kind.
func (g *Gateway) fail(connID, roomID, op string, err error) {
	code := protocol.CodeBackend
	msg := op + " failed"
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		code, msg = protocol.CodeUnauthorized, "access denied"
	case errors.Is(err, backend.ErrNotFound):
		code, msg = protocol.CodeNotFound, "not found"
	case errors.Is(err, backend.ErrConflict):
		code, msg = protocol.CodeConflict, "already taken"
	case errors.Is(err, realtime.ErrRegistryClosed):
		code, msg = protocol.CodeUnavailable, "server shutting down"
	default:
		g.log.Warnw(op+" failed", "conn", connID, "room", roomID, "error", err)
	}
	g.sendError(connID, roomID, code, msg)
}

// allow applies rule to the connection, telling the client when it is throttled.
func (g *Gateway) allow(ctx context.Context, connID string, rule ratelimit.Rule) bool {
	if g.limiter == nil || rule.Limit <= 0 {
		return true
	}
	ok, _ := g.limiter.Allow(ctx, connID, rule)
	if ok {
		return true
	}
	retry := g.limiter.RetryAfter(ctx, connID, rule)
	g.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: int(retry / time.Second)})
	return false
}
