// Package messaging provides the NATS client the roomchat services share.
// It manages the connection lifecycle, the per-room realtime channel used by
// the sync gateway, and the roster change notifications published by the
// storage service.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/model"
)

// NATS subject patterns. Every room event lives under room.<room_id>.
const (
	SubjectRoom        = "room"     // + .<room_id>.>
	SuffixMessage      = "message"  // canonical chat message broadcast
	SuffixMembers      = "members"  // roster changed, payload ignored
	SuffixPresence     = "presence" // full presence snapshot
	subjectWildcardEnd = ">"
)

// RoomSubject returns the subject for one kind of event in roomID.
func RoomSubject(roomID, suffix string) string {
	return SubjectRoom + "." + roomID + "." + suffix
}

// NATSClient wraps the NATS connection with the roomchat pub/sub helpers.
type NATSClient struct {
	conn   *nats.Conn
	log    *zap.SugaredLogger
	config NATSConfig

	mu       sync.Mutex
	subs     map[string]*nats.Subscription
	rooms    map[*RoomChannel]struct{}
	presence PresenceStore
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL              string        // nats://localhost:4222
	Name             string        // client name for identification
	ReconnectWait    time.Duration // time between reconnect attempts
	MaxReconnects    int           // max reconnect attempts (-1 for infinite)
	SubscribeTimeout time.Duration // how long a room subscription may wait for server acknowledgment
	PresenceRefresh  time.Duration // period of presence TTL refresh per open room, 0 disables
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:              "nats://localhost:4222",
		Name:             "roomchat",
		ReconnectWait:    2 * time.Second,
		MaxReconnects:    -1, // infinite reconnects
		SubscribeTimeout: 2 * time.Second,
		PresenceRefresh:  15 * time.Minute,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *zap.SugaredLogger) (*NATSClient, error) {
	c := &NATSClient{
		log:    log.Named("nats"),
		config: config,
		subs:   make(map[string]*nats.Subscription),
		rooms:  make(map[*RoomChannel]struct{}),
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warnw("disconnected", "error", err)
			} else {
				c.log.Warn("disconnected")
				err = nats.ErrConnectionClosed
			}
			c.broadcastStatus(StatusErrored, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Infow("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.log.Info("connection closed")
			c.broadcastStatus(StatusClosed, nats.ErrConnectionClosed)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = nc

	c.log.Infow("connected", "url", nc.ConnectedUrl())
	return c, nil
}

// UsePresence installs the store room channels use to track presence.
// Without one, Track and Untrack fail with ErrNoPresence.
func (c *NATSClient) UsePresence(store PresenceStore) {
	c.mu.Lock()
	c.presence = store
	c.mu.Unlock()
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishMembersChanged notifies every gateway that roomID's roster changed.
func (c *NATSClient) PublishMembersChanged(roomID string) error {
	return c.Publish(RoomSubject(roomID, SuffixMembers), nil)
}

// PublishMessage broadcasts the canonical copy of msg on roomID's channel.
// Subscribers on the publishing connection receive it too.
func (c *NATSClient) PublishMessage(roomID string, msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: marshal message: %w", err)
	}
	if err := c.Publish(RoomSubject(roomID, SuffixMessage), data); err != nil {
		return fmt.Errorf("messaging: publish message %s: %w", msg.ID, err)
	}
	return nil
}

// JoinRoom subscribes to every event of roomID and returns the room's
// channel. The subscription is acknowledged asynchronously: handlers.Status
// receives StatusSubscribed once the server has processed it, or a failure
// status otherwise.
func (c *NATSClient) JoinRoom(roomID string, handlers RoomHandlers) (*RoomChannel, error) {
	rc := &RoomChannel{
		client:   c,
		roomID:   roomID,
		key:      "roomsub:" + roomID + ":" + uuid.NewString(),
		handlers: handlers,
		log:      c.log.With("room", roomID),
		ops:      make(chan presenceOp, presenceQueueSize),
		done:     make(chan struct{}),
	}

	subject := SubjectRoom + "." + roomID + "." + subjectWildcardEnd
	sub, err := c.conn.Subscribe(subject, rc.handleMsg)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	rc.sub = sub

	c.mu.Lock()
	c.subs[rc.key] = sub
	c.rooms[rc] = struct{}{}
	c.mu.Unlock()

	go rc.presenceWorker(c.config.PresenceRefresh)
	go rc.awaitAck(c.config.SubscribeTimeout)

	return rc, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warnw("drain subscription", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		c.log.Warnw("connection drain", "error", err)
	}

	c.log.Info("client closed")
}

// broadcastStatus delivers a connection-level status to every open room.
func (c *NATSClient) broadcastStatus(status Status, err error) {
	c.mu.Lock()
	rooms := make([]*RoomChannel, 0, len(c.rooms))
	for rc := range c.rooms {
		rooms = append(rooms, rc)
	}
	c.mu.Unlock()

	for _, rc := range rooms {
		rc.reportStatus(status, err)
	}
}

// release forgets rc and unsubscribes it.
func (c *NATSClient) release(rc *RoomChannel) error {
	c.mu.Lock()
	delete(c.rooms, rc)
	sub, ok := c.subs[rc.key]
	delete(c.subs, rc.key)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		return fmt.Errorf("nats unsubscribe %s: %w", rc.key, err)
	}
	return nil
}

func (c *NATSClient) presenceStore() PresenceStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}
