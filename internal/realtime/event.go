package realtime

import (
	"slices"

	"github.com/roomchat/chat-app/internal/model"
)

// EventKind identifies the payload of an Event.
type EventKind int

const (
	MembersUpdated   EventKind = iota + 1 // Members holds the full roster
	PresenceUpdated                       // Online holds the full online list
	MessageReceived                       // Message holds one new message
	MessagesReplaced                      // Messages holds the full ordered list
	StatusChanged                         // Status is set
)

func (k EventKind) String() string {
	switch k {
	case MembersUpdated:
		return "members_updated"
	case PresenceUpdated:
		return "presence_updated"
	case MessageReceived:
		return "message_received"
	case MessagesReplaced:
		return "messages_replaced"
	case StatusChanged:
		return "status_changed"
	default:
		return "unknown"
	}
}

// Status is the delivery state reported alongside a room's data.
type Status struct {
	Mode    Mode
	Loading bool  // true until the first roster fetch completes
	Err     error // last fetch failure, nil once a fetch succeeds
}

// Event is one update fanned out to every consumer of a room. Each consumer
// receives its own copy of the slices.
type Event struct {
	Kind     EventKind
	RoomID   string
	Members  []model.Member
	Online   []model.OnlineUser
	Message  model.Message
	Messages []model.Message
	Status   Status
}

// clone returns ev with slices no other consumer or the registry holds.
func (ev Event) clone() Event {
	ev.Members = slices.Clone(ev.Members)
	ev.Online = slices.Clone(ev.Online)
	ev.Messages = slices.Clone(ev.Messages)
	return ev
}
