package realtime

import "github.com/roomchat/chat-app/internal/model"

// View is a consumer's reduced state of one room, built by applying the
// events of its subscription in order.
type View struct {
	Members     []model.Member
	OnlineUsers []model.OnlineUser
	Status      Status

	log *MessageLog
}

// NewView returns an empty view.
func NewView() *View {
	return &View{log: NewMessageLog(), Status: Status{Mode: Connecting, Loading: true}}
}

// Apply folds ev into the view. It reports whether the view changed.
func (v *View) Apply(ev Event) bool {
	switch ev.Kind {
	case MembersUpdated:
		v.Members = ev.Members
	case PresenceUpdated:
		v.OnlineUsers = ev.Online
	case MessageReceived:
		return v.log.Merge(ev.Message)
	case MessagesReplaced:
		return v.log.Replace(ev.Messages, v.log.Clock())
	case StatusChanged:
		v.Status = ev.Status
	default:
		return false
	}
	return true
}

// Messages returns the view's ordered message list.
func (v *View) Messages() []model.Message {
	return v.log.Messages()
}

// Ordered returns the roster in display order for self.
func (v *View) Ordered(self string) []DisplayMember {
	return OrderMembers(v.Members, v.OnlineUsers, self)
}
