package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ChannelRoomMembers is the LISTEN channel fed by the room_members trigger.
const ChannelRoomMembers = "room_members"

// MembersPublisher announces that a room's roster changed.
type MembersPublisher interface {
	PublishMembersChanged(roomID string) error
}

// Notifier forwards room_members notifications from PostgreSQL to a
// MembersPublisher.
type Notifier struct {
	dsn string
	pub MembersPublisher
	log *zap.SugaredLogger
}

// NewNotifier creates a Notifier listening with its own connection to dsn.
func NewNotifier(dsn string, pub MembersPublisher, log *zap.SugaredLogger) *Notifier {
	return &Notifier{dsn: dsn, pub: pub, log: log.Named("notifier")}
}

// Run listens until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	l := pq.NewListener(n.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.log.Warnw("listener event", "event", ev, "error", err)
		}
	})
	defer l.Close()

	if err := l.Listen(ChannelRoomMembers); err != nil {
		return fmt.Errorf("store: listen %s: %w", ChannelRoomMembers, err)
	}
	n.log.Infow("listening", "channel", ChannelRoomMembers)

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case note := <-l.Notify:
			n.dispatch(note)
		case <-ping.C:
			go func() {
				if err := l.Ping(); err != nil {
					n.log.Warnw("listener ping", "error", err)
				}
			}()
		}
	}
}

// dispatch publishes one notification. A nil notification follows a
// reconnect, after which any change may have been missed.
func (n *Notifier) dispatch(note *pq.Notification) {
	if note == nil {
		n.log.Info("listener reconnected")
		return
	}
	if note.Extra == "" {
		return
	}
	if err := n.pub.PublishMembersChanged(note.Extra); err != nil {
		n.log.Warnw("publish members changed", "room", note.Extra, "error", err)
	}
}
