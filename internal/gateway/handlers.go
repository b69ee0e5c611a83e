package gateway

import (
	"context"
	"strings"

	"github.com/roomchat/chat-app/internal/backend"
	"github.com/roomchat/chat-app/internal/model"
	"github.com/roomchat/chat-app/internal/protocol"
	"github.com/roomchat/chat-app/internal/ws"
)

// Bind registers the gateway's handlers on d.
func (g *Gateway) Bind(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeLogin, func(conn *ws.Connection, msg interface{}) {
		g.Login(conn.ID, msg.(protocol.LoginMsg))
	})
	d.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		g.Join(conn.ID, msg.(protocol.JoinMsg))
	})
	d.Register(protocol.TypeLeave, func(conn *ws.Connection, msg interface{}) {
		g.Leave(conn.ID, msg.(protocol.LeaveMsg))
	})
	d.Register(protocol.TypeSend, func(conn *ws.Connection, msg interface{}) {
		g.Send(conn.ID, msg.(protocol.SendMsg))
	})
	d.Register(protocol.TypeListRooms, func(conn *ws.Connection, msg interface{}) {
		g.ListRooms(conn.ID)
	})
	d.Register(protocol.TypeUserRooms, func(conn *ws.Connection, msg interface{}) {
		g.UserRooms(conn.ID, msg.(protocol.UserRoomsMsg))
	})
	d.Register(protocol.TypeCreateRoom, func(conn *ws.Connection, msg interface{}) {
		g.CreateRoom(conn.ID, msg.(protocol.CreateRoomMsg))
	})
}

func (g *Gateway) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
}

// Login signs the connection in under a user name.
func (g *Gateway) Login(connID string, msg protocol.LoginMsg) {
	c := g.client(connID)
	if c == nil {
		return
	}
	name := strings.TrimSpace(msg.UserName)
	if name == "" || msg.Password == "" {
		g.sendError(connID, "", protocol.CodeInvalidRequest, "user_name and password are required")
		return
	}

	ctx, cancel := g.requestContext()
	defer cancel()
	user, err := g.backend.Login(ctx, name, msg.Password)
	if err != nil {
		g.fail(connID, "", "login", err)
		return
	}
	c.setName(user.Name)
	g.send(connID, protocol.TypeLoggedIn, protocol.LoggedInMsg{UserID: user.ID, UserName: user.Name})
}

// Join verifies access to a room and subscribes the connection to it. The
// joined acknowledgment precedes the room's cached state.
func (g *Gateway) Join(connID string, msg protocol.JoinMsg) {
	c := g.client(connID)
	if c == nil {
		return
	}
	if msg.RoomID == "" {
		g.sendError(connID, "", protocol.CodeInvalidRequest, "room_id is required")
		return
	}
	userName := strings.TrimSpace(msg.UserName)
	if userName == "" {
		userName = c.name()
	}
	if userName == "" {
		g.sendError(connID, msg.RoomID, protocol.CodeNotLoggedIn, "user_name is required")
		return
	}
	if c.room(msg.RoomID) != nil {
		g.send(connID, protocol.TypeJoined, protocol.JoinedMsg{RoomID: msg.RoomID, UserName: userName})
		return
	}

	ctx, cancel := g.requestContext()
	defer cancel()
	if !g.allow(ctx, connID, g.cfg.JoinRule) {
		return
	}
	if err := g.backend.VerifyRoom(ctx, msg.RoomID, userName, msg.Password); err != nil {
		g.fail(connID, msg.RoomID, "join", err)
		return
	}

	sub, err := g.registry.Register(ctx, msg.RoomID, userName)
	if err != nil {
		g.fail(connID, msg.RoomID, "join", err)
		return
	}

	rs := &roomSub{sub: sub, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed || c.rooms[msg.RoomID] != nil {
		c.mu.Unlock()
		g.registry.Unregister(sub)
		return
	}
	c.rooms[msg.RoomID] = rs
	if c.userName == "" {
		c.userName = userName
	}
	c.mu.Unlock()

	g.send(connID, protocol.TypeJoined, protocol.JoinedMsg{RoomID: msg.RoomID, UserName: userName})
	go g.pump(c, rs)
}

// Leave ends the connection's subscription to a room.
func (g *Gateway) Leave(connID string, msg protocol.LeaveMsg) {
	c := g.client(connID)
	if c == nil {
		return
	}
	c.mu.Lock()
	rs := c.rooms[msg.RoomID]
	delete(c.rooms, msg.RoomID)
	c.mu.Unlock()
	if rs == nil {
		g.sendError(connID, msg.RoomID, protocol.CodeNotJoined, "not joined to room")
		return
	}

	g.registry.Unregister(rs.sub)
	<-rs.done
	g.send(connID, protocol.TypeLeft, protocol.LeftMsg{RoomID: msg.RoomID})
}

// Send posts a message to a joined room. The sender sees the message when
// it arrives through the room like everyone else; sent only acknowledges
// that it was stored.
func (g *Gateway) Send(connID string, msg protocol.SendMsg) {
	c := g.client(connID)
	if c == nil {
		return
	}
	rs := c.room(msg.RoomID)
	if rs == nil {
		g.sendError(connID, msg.RoomID, protocol.CodeNotJoined, "not joined to room")
		return
	}
	if err := model.ValidateContent(msg.Content); err != nil {
		g.sendError(connID, msg.RoomID, protocol.CodeInvalidMessage, err.Error())
		return
	}

	ctx, cancel := g.requestContext()
	defer cancel()
	if !g.allow(ctx, connID, g.cfg.SendRule) {
		return
	}

	stored, err := g.registry.Send(ctx, msg.RoomID, rs.sub.Identity(), msg.Content)
	if err != nil {
		g.fail(connID, msg.RoomID, "send", err)
		return
	}
	g.send(connID, protocol.TypeSent, protocol.SentMsg{RoomID: msg.RoomID, MessageID: stored.ID})
}

// ListRooms sends every room.
func (g *Gateway) ListRooms(connID string) {
	ctx, cancel := g.requestContext()
	defer cancel()
	rooms, err := g.backend.Rooms(ctx)
	if err != nil {
		g.fail(connID, "", "list rooms", err)
		return
	}
	g.send(connID, protocol.TypeRooms, protocol.RoomsMsg{Rooms: nonNil(rooms)})
}

// UserRooms sends the rooms a user has joined, defaulting to the
// connection's own user.
func (g *Gateway) UserRooms(connID string, msg protocol.UserRoomsMsg) {
	c := g.client(connID)
	if c == nil {
		return
	}
	name := strings.TrimSpace(msg.UserName)
	if name == "" {
		name = c.name()
	}
	if name == "" {
		g.sendError(connID, "", protocol.CodeNotLoggedIn, "user_name is required")
		return
	}

	ctx, cancel := g.requestContext()
	defer cancel()
	rooms, err := g.backend.UserRooms(ctx, name)
	if err != nil {
		g.fail(connID, "", "user rooms", err)
		return
	}
	g.send(connID, protocol.TypeRooms, protocol.RoomsMsg{Rooms: nonNil(rooms)})
}

// CreateRoom creates a room owned by the connection's user.
func (g *Gateway) CreateRoom(connID string, msg protocol.CreateRoomMsg) {
	c := g.client(connID)
	if c == nil {
		return
	}
	name := strings.TrimSpace(msg.UserName)
	if name == "" {
		name = c.name()
	}
	if name == "" {
		g.sendError(connID, "", protocol.CodeNotLoggedIn, "user_name is required")
		return
	}
	if strings.TrimSpace(msg.Name) == "" {
		g.sendError(connID, "", protocol.CodeInvalidRequest, "name is required")
		return
	}

	ctx, cancel := g.requestContext()
	defer cancel()
	room, err := g.backend.CreateRoom(ctx, backend.CreateRoomRequest{
		Name:      msg.Name,
		UserName:  name,
		IsPrivate: msg.IsPrivate,
		Password:  msg.Password,
	})
	if err != nil {
		g.fail(connID, "", "create room", err)
		return
	}
	g.send(connID, protocol.TypeRoomCreated, protocol.RoomCreatedMsg{Room: room})
}

func nonNil(rooms []model.Room) []model.Room {
	if rooms == nil {
		return []model.Room{}
	}
	return rooms
}
