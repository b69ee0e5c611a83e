package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/model"
	"github.com/roomchat/chat-app/internal/presence"
)

const (
	presenceQueueSize = 64
	presenceOpTimeout = 5 * time.Second
)

var (
	// ErrChannelClosed is returned by RoomChannel methods after Close.
	ErrChannelClosed = errors.New("messaging: room channel closed")

	// ErrNoPresence is returned by Track and Untrack when the client has no
	// presence store.
	ErrNoPresence = errors.New("messaging: presence store not configured")

	// ErrPresenceBacklog is returned when too many presence updates are pending.
	ErrPresenceBacklog = errors.New("messaging: presence queue full")
)

// Status is a room subscription's lifecycle signal.
type Status int

const (
	StatusSubscribed Status = iota + 1
	StatusErrored
	StatusTimedOut
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "subscribed"
	case StatusErrored:
		return "errored"
	case StatusTimedOut:
		return "timed_out"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// EventKind identifies what a RoomEvent carries.
type EventKind int

const (
	EventMessage  EventKind = iota + 1 // Message is set
	EventMembers                       // roster changed, refetch
	EventPresence                      // Presence is set
)

// RoomEvent is one inbound event on a room channel.
type RoomEvent struct {
	Kind     EventKind
	Message  model.Message
	Presence presence.Snapshot
}

// RoomHandlers receives a room channel's callbacks. Both are invoked from
// NATS goroutines and must not block for long.
type RoomHandlers struct {
	Event  func(RoomEvent)
	Status func(Status, error)
}

// PresenceStore persists presence records per room.
type PresenceStore interface {
	Track(ctx context.Context, roomID, key string, rec presence.Record) error
	Untrack(ctx context.Context, roomID, key, ref string) error
	Snapshot(ctx context.Context, roomID string) (presence.Snapshot, error)
	Refresh(ctx context.Context, roomID string) error
}

type presenceOp struct {
	track bool
	key   string
	rec   presence.Record
}

// RoomChannel is the realtime channel of one room: a single wildcard
// subscription plus the publish and presence operations for that room.
type RoomChannel struct {
	client   *NATSClient
	roomID   string
	key      string
	sub      *nats.Subscription
	handlers RoomHandlers
	log      *zap.SugaredLogger

	closed    atomic.Bool
	closeOnce sync.Once
	opsMu     sync.Mutex
	ops       chan presenceOp
	done      chan struct{}
}

// RoomID returns the room this channel belongs to.
func (rc *RoomChannel) RoomID() string { return rc.roomID }

// Publish broadcasts the canonical copy of msg to every subscriber of the
// room, including this one.
func (rc *RoomChannel) Publish(msg model.Message) error {
	if rc.closed.Load() {
		return ErrChannelClosed
	}
	return rc.client.PublishMessage(rc.roomID, msg)
}

// Track registers rec for identity key. The store write and the snapshot
// broadcast that follows happen asynchronously, in call order.
func (rc *RoomChannel) Track(key string, rec presence.Record) error {
	return rc.enqueue(presenceOp{track: true, key: key, rec: rec})
}

// Untrack removes the record ref of identity key.
func (rc *RoomChannel) Untrack(key, ref string) error {
	return rc.enqueue(presenceOp{key: key, rec: presence.Record{Ref: ref}})
}

// Close unsubscribes the channel. Pending presence updates still run.
// Calling Close more than once is a no-op.
func (rc *RoomChannel) Close() error {
	var err error
	rc.closeOnce.Do(func() {
		rc.closed.Store(true)
		rc.opsMu.Lock()
		close(rc.ops)
		rc.opsMu.Unlock()
		err = rc.client.release(rc)
	})
	return err
}

// Done is closed once every pending presence update has been processed
// after Close.
func (rc *RoomChannel) Done() <-chan struct{} { return rc.done }

func (rc *RoomChannel) enqueue(op presenceOp) error {
	if rc.client.presenceStore() == nil {
		return ErrNoPresence
	}
	rc.opsMu.Lock()
	defer rc.opsMu.Unlock()
	if rc.closed.Load() {
		return ErrChannelClosed
	}
	select {
	case rc.ops <- op:
		return nil
	default:
		return ErrPresenceBacklog
	}
}

func (rc *RoomChannel) presenceWorker(refresh time.Duration) {
	defer close(rc.done)

	var tick <-chan time.Time
	if refresh > 0 {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case op, ok := <-rc.ops:
			if !ok {
				return
			}
			rc.apply(op)
		case <-tick:
			rc.refresh()
		}
	}
}

func (rc *RoomChannel) apply(op presenceOp) {
	store := rc.client.presenceStore()
	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	defer cancel()

	var err error
	if op.track {
		err = store.Track(ctx, rc.roomID, op.key, op.rec)
	} else {
		err = store.Untrack(ctx, rc.roomID, op.key, op.rec.Ref)
	}
	if err != nil {
		rc.log.Warnw("presence update failed", "identity", op.key, "track", op.track, "error", err)
		return
	}
	if err := rc.broadcastPresence(ctx, store); err != nil {
		rc.log.Warnw("presence broadcast failed", "error", err)
	}
}

// refresh keeps the room's stored presence alive while the channel is open.
func (rc *RoomChannel) refresh() {
	store := rc.client.presenceStore()
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	defer cancel()
	if err := store.Refresh(ctx, rc.roomID); err != nil {
		rc.log.Warnw("presence refresh failed", "error", err)
	}
}

func (rc *RoomChannel) broadcastPresence(ctx context.Context, store PresenceStore) error {
	snap, err := store.Snapshot(ctx, rc.roomID)
	if err != nil {
		return err
	}
	return rc.client.Publish(RoomSubject(rc.roomID, SuffixPresence), presence.EncodeSnapshot(snap))
}

func (rc *RoomChannel) awaitAck(timeout time.Duration) {
	err := rc.client.conn.FlushTimeout(timeout)
	switch {
	case err == nil && rc.sub.IsValid():
		rc.reportStatus(StatusSubscribed, nil)
	case errors.Is(err, nats.ErrTimeout):
		rc.reportStatus(StatusTimedOut, err)
	case err == nil:
		rc.reportStatus(StatusClosed, nats.ErrBadSubscription)
	default:
		rc.reportStatus(StatusErrored, err)
	}
}

func (rc *RoomChannel) reportStatus(status Status, err error) {
	if rc.closed.Load() || rc.handlers.Status == nil {
		return
	}
	rc.handlers.Status(status, err)
}

func (rc *RoomChannel) handleMsg(msg *nats.Msg) {
	if rc.closed.Load() || rc.handlers.Event == nil {
		return
	}
	ev, err := ParseRoomEvent(rc.roomID, msg.Subject, msg.Data)
	if err != nil {
		rc.log.Warnw("dropping room event", "subject", msg.Subject, "error", err)
		return
	}
	rc.handlers.Event(ev)
}

// ParseRoomEvent decodes a message received on a subject under roomID.
func ParseRoomEvent(roomID, subject string, data []byte) (RoomEvent, error) {
	prefix := SubjectRoom + "." + roomID + "."
	if !strings.HasPrefix(subject, prefix) {
		return RoomEvent{}, fmt.Errorf("messaging: subject %q outside room %s", subject, roomID)
	}

	switch suffix := subject[len(prefix):]; suffix {
	case SuffixMessage:
		var m model.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return RoomEvent{}, fmt.Errorf("messaging: decode message: %w", err)
		}
		if m.ID == "" {
			return RoomEvent{}, fmt.Errorf("messaging: message without id")
		}
		return RoomEvent{Kind: EventMessage, Message: m}, nil
	case SuffixMembers:
		return RoomEvent{Kind: EventMembers}, nil
	case SuffixPresence:
		snap, err := presence.ParseSnapshot(data)
		if err != nil {
			return RoomEvent{}, err
		}
		return RoomEvent{Kind: EventPresence, Presence: snap}, nil
	default:
		return RoomEvent{}, fmt.Errorf("messaging: unknown room event %q", suffix)
	}
}
