package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/messaging"
	"github.com/roomchat/chat-app/internal/model"
	"github.com/roomchat/chat-app/internal/presence"
)

// fakeBackend serves rosters and message lists from memory. The optional
// hooks receive the 1-based call number per room.
type fakeBackend struct {
	mu            sync.Mutex
	members       map[string][]model.Member
	messages      map[string][]model.Message
	membersCalls  map[string]int
	messagesCalls map[string]int
	membersFn     func(call int) ([]model.Member, error)
	messagesFn    func(call int) ([]model.Message, error)
	messagesDelay time.Duration
	messagesErr   error
	inflight      int
	maxInflight   int
	createErr     error
	nextID        int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		members:       make(map[string][]model.Member),
		messages:      make(map[string][]model.Message),
		membersCalls:  make(map[string]int),
		messagesCalls: make(map[string]int),
	}
}

func (b *fakeBackend) Members(_ context.Context, roomID string) ([]model.Member, error) {
	b.mu.Lock()
	b.membersCalls[roomID]++
	call := b.membersCalls[roomID]
	fn := b.membersFn
	members := append([]model.Member(nil), b.members[roomID]...)
	b.mu.Unlock()

	if fn != nil {
		return fn(call)
	}
	return members, nil
}

func (b *fakeBackend) Messages(_ context.Context, roomID string) ([]model.Message, error) {
	b.mu.Lock()
	b.messagesCalls[roomID]++
	call := b.messagesCalls[roomID]
	fn, delay, err := b.messagesFn, b.messagesDelay, b.messagesErr
	msgs := append([]model.Message(nil), b.messages[roomID]...)
	b.inflight++
	b.maxInflight = max(b.maxInflight, b.inflight)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inflight--
		b.mu.Unlock()
	}()

	time.Sleep(delay)
	if fn != nil {
		return fn(call)
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (b *fakeBackend) peakInflight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInflight
}

func (b *fakeBackend) CreateMessage(_ context.Context, roomID, userName, content string) (model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return model.Message{}, b.createErr
	}
	b.nextID++
	msg := model.Message{
		ID:        fmt.Sprintf("srv-%d", b.nextID),
		RoomID:    roomID,
		UserID:    "id-" + userName,
		UserName:  userName,
		Content:   content,
		CreatedAt: t0.Add(time.Duration(100+b.nextID) * time.Second),
	}
	b.messages[roomID] = append(b.messages[roomID], msg)
	return msg, nil
}

func (b *fakeBackend) addMessage(roomID string, m model.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[roomID] = append(b.messages[roomID], m)
}

func (b *fakeBackend) setMembers(roomID string, members ...model.Member) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[roomID] = members
}

func (b *fakeBackend) setMessagesErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messagesErr = err
}

func (b *fakeBackend) messageCalls(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messagesCalls[roomID]
}

// fakeChannel records presence calls and lets tests drive the handlers.
type fakeChannel struct {
	roomID   string
	handlers messaging.RoomHandlers

	mu      sync.Mutex
	tracked map[string]presence.Record
	closed  bool
}

func (c *fakeChannel) Track(key string, rec presence.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return messaging.ErrChannelClosed
	}
	c.tracked[key+"/"+rec.Ref] = rec
	return nil
}

func (c *fakeChannel) Untrack(key, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, key+"/"+ref)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) trackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

func (c *fakeChannel) status(s messaging.Status) {
	c.handlers.Status(s, nil)
}

func (c *fakeChannel) message(m model.Message) {
	c.handlers.Event(messaging.RoomEvent{Kind: messaging.EventMessage, Message: m})
}

func (c *fakeChannel) membersChanged() {
	c.handlers.Event(messaging.RoomEvent{Kind: messaging.EventMembers})
}

func (c *fakeChannel) presenceSync(snap presence.Snapshot) {
	c.handlers.Event(messaging.RoomEvent{Kind: messaging.EventPresence, Presence: snap})
}

// fakeTransport hands out fakeChannels. With echo set, Publish delivers the
// message back on the room's open channel like a self-echoing broadcast.
type fakeTransport struct {
	mu         sync.Mutex
	channels   []*fakeChannel
	joinErr    error
	publishErr error
	published  []model.Message
	echo       bool
}

func (tr *fakeTransport) Join(roomID string, handlers messaging.RoomHandlers) (Channel, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.joinErr != nil {
		return nil, tr.joinErr
	}
	ch := &fakeChannel{roomID: roomID, handlers: handlers, tracked: make(map[string]presence.Record)}
	tr.channels = append(tr.channels, ch)
	return ch, nil
}

func (tr *fakeTransport) Publish(roomID string, msg model.Message) error {
	tr.mu.Lock()
	if tr.publishErr != nil {
		tr.mu.Unlock()
		return tr.publishErr
	}
	tr.published = append(tr.published, msg)
	var target *fakeChannel
	if tr.echo {
		for _, ch := range tr.channels {
			if ch.roomID == roomID && !ch.isClosed() {
				target = ch
			}
		}
	}
	tr.mu.Unlock()

	if target != nil {
		target.message(msg)
	}
	return nil
}

func (tr *fakeTransport) joins() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.channels)
}

func (tr *fakeTransport) channel(t *testing.T, i int) *fakeChannel {
	t.Helper()
	require.Eventually(t, func() bool { return tr.joins() > i }, time.Second, 5*time.Millisecond)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.channels[i]
}

func (tr *fakeTransport) publishedCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.published)
}

var errBackendDown = errors.New("backend down")

func testConfig() Config {
	return Config{
		PollInterval:     20 * time.Millisecond,
		FallbackGrace:    time.Hour,
		FetchTimeout:     time.Second,
		SubscriberBuffer: 64,
	}
}

func startRegistry(t *testing.T, cfg Config, b Backend, tr Transport) *Registry {
	t.Helper()
	r := NewRegistry(cfg, b, tr, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return r
}

// consumer drains a subscription into a View and keeps the raw events.
type consumer struct {
	sub *Subscription

	mu     sync.Mutex
	events []Event
	view   *View
	closed bool
}

func consume(sub *Subscription) *consumer {
	c := &consumer{sub: sub, view: NewView()}
	go func() {
		for ev := range sub.Events() {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.view.Apply(ev)
			c.mu.Unlock()
		}
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}()
	return c
}

func (c *consumer) messageIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ids(c.view.Messages())
}

func (c *consumer) memberNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.view.Members))
	for i, m := range c.view.Members {
		out[i] = m.Name
	}
	return out
}

func (c *consumer) online() []model.OnlineUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.OnlineUsers
}

func (c *consumer) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Status
}

func (c *consumer) eventLog() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *consumer) count(kind EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (c *consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func register(t *testing.T, r *Registry, roomID, identity string) *consumer {
	t.Helper()
	sub, err := r.Register(context.Background(), roomID, identity)
	require.NoError(t, err)
	return consume(sub)
}

// roomStats is safe to call from require.Eventually conditions.
func roomStats(r *Registry, roomID string) (RoomStats, bool) {
	stats, err := r.Stats(context.Background())
	if err != nil {
		return RoomStats{}, false
	}
	for _, s := range stats {
		if s.RoomID == roomID {
			return s, true
		}
	}
	return RoomStats{}, false
}

func modeOf(r *Registry, roomID string) string {
	s, _ := roomStats(r, roomID)
	return s.Mode
}
