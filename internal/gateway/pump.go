package gateway

import (
	"errors"

	"github.com/roomchat/chat-app/internal/protocol"
	"github.com/roomchat/chat-app/internal/realtime"
)

// pump forwards one subscription's events until its channel closes. When
// the registry ended the subscription, the client is told it left the room.
func (g *Gateway) pump(c *client, rs *roomSub) {
	defer close(rs.done)

	sub := rs.sub
	roomID := sub.RoomID()
	self := sub.Identity()
	view := realtime.NewView()

	for ev := range sub.Events() {
		// An unchanged message list is still sent so clients learn the
		// initial fetch completed.
		if !view.Apply(ev) && ev.Kind != realtime.MessagesReplaced {
			continue
		}
		switch ev.Kind {
		case realtime.MembersUpdated:
			g.sendMembers(c.id, roomID, view, self)
		case realtime.PresenceUpdated:
			g.send(c.id, protocol.TypePresence, protocol.PresenceMsg{RoomID: roomID, Online: view.OnlineUsers})
			g.sendMembers(c.id, roomID, view, self)
		case realtime.MessageReceived:
			g.send(c.id, protocol.TypeMessage, protocol.MessageMsg{RoomID: roomID, Message: ev.Message})
		case realtime.MessagesReplaced:
			g.send(c.id, protocol.TypeMessages, protocol.MessagesMsg{RoomID: roomID, Messages: view.Messages()})
		case realtime.StatusChanged:
			g.send(c.id, protocol.TypeStatus, statusMsg(roomID, view.Status))
		}
	}

	err := sub.Err()
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.rooms[roomID] == rs {
		delete(c.rooms, roomID)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	reason := protocol.CodeUnavailable
	if errors.Is(err, realtime.ErrSlowConsumer) {
		reason = protocol.CodeSlowConsumer
	}
	g.log.Infow("subscription ended by registry", "conn", c.id, "room", roomID, "error", err)
	g.send(c.id, protocol.TypeLeft, protocol.LeftMsg{RoomID: roomID, Reason: reason})
}

func (g *Gateway) sendMembers(connID, roomID string, view *realtime.View, self string) {
	ordered := view.Ordered(self)
	members := make([]protocol.Member, len(ordered))
	for i, m := range ordered {
		members[i] = protocol.Member{
			ID:             m.ID,
			Name:           m.Name,
			JoinedAt:       m.JoinedAt,
			LastAccessedAt: m.LastAccessedAt,
			Online:         m.Online,
			Self:           m.Self,
		}
	}
	g.send(connID, protocol.TypeMembers, protocol.MembersMsg{RoomID: roomID, Members: members})
}

func statusMsg(roomID string, s realtime.Status) protocol.StatusMsg {
	msg := protocol.StatusMsg{RoomID: roomID, Mode: s.Mode.String(), Loading: s.Loading}
	if s.Err != nil {
		msg.Error = s.Err.Error()
	}
	return msg
}
