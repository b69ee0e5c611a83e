package realtime

import (
	"github.com/roomchat/chat-app/internal/messaging"
	"github.com/roomchat/chat-app/internal/model"
)

// Requests processed by the registry loop. Asynchronous results carry the
// generation of the entry they were issued for and are dropped when the
// entry has since been replaced.

type registerReq struct {
	roomID   string
	identity string
	reply    chan *Subscription
}

type unregisterReq struct {
	sub *Subscription
	ack chan struct{}
}

type statusReq struct {
	roomID string
	gen    uint64
	status messaging.Status
	err    error
}

type roomEventReq struct {
	roomID string
	gen    uint64
	ev     messaging.RoomEvent
}

type fallbackReq struct {
	roomID string
	gen    uint64
}

type pollReq struct {
	roomID string
	gen    uint64
}

type membersResult struct {
	roomID  string
	gen     uint64
	seq     uint64
	members []model.Member
	err     error
}

type messagesResult struct {
	roomID   string
	gen      uint64
	seq      uint64
	since    uint64
	messages []model.Message
	err      error
}

type statsReq struct {
	reply chan []RoomStats
}
