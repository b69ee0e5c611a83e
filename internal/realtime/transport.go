package realtime

import (
	"context"

	"github.com/roomchat/chat-app/internal/messaging"
	"github.com/roomchat/chat-app/internal/model"
	"github.com/roomchat/chat-app/internal/presence"
)

// Backend is the storage collaborator the registry reads from and persists to.
type Backend interface {
	Members(ctx context.Context, roomID string) ([]model.Member, error)
	Messages(ctx context.Context, roomID string) ([]model.Message, error)
	CreateMessage(ctx context.Context, roomID, userName, content string) (model.Message, error)
}

// Channel is one room's open push channel.
type Channel interface {
	Track(key string, rec presence.Record) error
	Untrack(key, ref string) error
	Close() error
}

// Transport opens room channels and broadcasts messages. Join must not
// invoke the handlers before it returns.
type Transport interface {
	Join(roomID string, handlers messaging.RoomHandlers) (Channel, error)
	Publish(roomID string, msg model.Message) error
}

type natsTransport struct {
	client *messaging.NATSClient
}

// NewNATSTransport adapts a NATS client to the Transport interface.
func NewNATSTransport(client *messaging.NATSClient) Transport {
	return natsTransport{client: client}
}

func (t natsTransport) Join(roomID string, handlers messaging.RoomHandlers) (Channel, error) {
	rc, err := t.client.JoinRoom(roomID, handlers)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (t natsTransport) Publish(roomID string, msg model.Message) error {
	return t.client.PublishMessage(roomID, msg)
}
