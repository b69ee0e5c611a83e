package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/backend"
	"github.com/roomchat/chat-app/internal/messaging"
	"github.com/roomchat/chat-app/internal/model"
	"github.com/roomchat/chat-app/internal/presence"
	"github.com/roomchat/chat-app/internal/ratelimit"
	"github.com/roomchat/chat-app/internal/realtime"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type fakeBackend struct {
	mu        sync.Mutex
	members   map[string][]model.Member
	messages  map[string][]model.Message
	rooms     []model.Room
	verifyErr error
	loginErr  error
	createReq []backend.CreateRoomRequest
	nextID    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		members:  make(map[string][]model.Member),
		messages: make(map[string][]model.Message),
	}
}

func (b *fakeBackend) Login(_ context.Context, userName, _ string) (backend.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loginErr != nil {
		return backend.User{}, b.loginErr
	}
	return backend.User{ID: "id-" + userName, Name: userName}, nil
}

func (b *fakeBackend) Rooms(context.Context) ([]model.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms, nil
}

func (b *fakeBackend) CreateRoom(_ context.Context, req backend.CreateRoomRequest) (model.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createReq = append(b.createReq, req)
	return model.Room{ID: "new-room", Name: req.Name, IsPrivate: req.IsPrivate, CreatedAt: t0}, nil
}

func (b *fakeBackend) VerifyRoom(context.Context, string, string, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verifyErr
}

func (b *fakeBackend) UserRooms(_ context.Context, userName string) ([]model.Room, error) {
	return []model.Room{{ID: "room-of-" + userName}}, nil
}

func (b *fakeBackend) Members(_ context.Context, roomID string) ([]model.Member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Member(nil), b.members[roomID]...), nil
}

func (b *fakeBackend) Messages(_ context.Context, roomID string) ([]model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Message(nil), b.messages[roomID]...), nil
}

func (b *fakeBackend) CreateMessage(_ context.Context, roomID, userName, content string) (model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	msg := model.Message{
		ID:        fmt.Sprintf("srv-%d", b.nextID),
		RoomID:    roomID,
		UserID:    "id-" + userName,
		UserName:  userName,
		Content:   content,
		CreatedAt: t0.Add(time.Duration(b.nextID) * time.Minute),
	}
	b.messages[roomID] = append(b.messages[roomID], msg)
	return msg, nil
}

type fakeChannel struct {
	roomID   string
	handlers messaging.RoomHandlers

	mu     sync.Mutex
	closed bool
}

func (c *fakeChannel) Track(string, presence.Record) error { return nil }
func (c *fakeChannel) Untrack(string, string) error        { return nil }

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

// fakeTransport echoes every publish back on the room's open channel.
type fakeTransport struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (tr *fakeTransport) Join(roomID string, handlers messaging.RoomHandlers) (realtime.Channel, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	ch := &fakeChannel{roomID: roomID, handlers: handlers}
	tr.channels = append(tr.channels, ch)
	return ch, nil
}

func (tr *fakeTransport) Publish(roomID string, msg model.Message) error {
	tr.mu.Lock()
	var target *fakeChannel
	for _, ch := range tr.channels {
		if ch.roomID == roomID && !ch.isClosed() {
			target = ch
		}
	}
	tr.mu.Unlock()
	if target != nil {
		target.handlers.Event(messaging.RoomEvent{Kind: messaging.EventMessage, Message: msg})
	}
	return nil
}

func (tr *fakeTransport) joins() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.channels)
}

func (tr *fakeTransport) channel(i int) *fakeChannel {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.channels[i]
}

// fakeSender decodes every outbound message into a per-connection mailbox.
type fakeSender struct {
	mu    sync.Mutex
	boxes map[string]chan map[string]any
}

func (s *fakeSender) box(connID string) chan map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boxes == nil {
		s.boxes = make(map[string]chan map[string]any)
	}
	b, ok := s.boxes[connID]
	if !ok {
		b = make(chan map[string]any, 256)
		s.boxes[connID] = b
	}
	return b
}

func (s *fakeSender) SendMessage(connID string, data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.box(connID) <- m
	return nil
}

// expect returns the next message of type typ sent to connID, skipping
// messages of other types.
func (s *fakeSender) expect(t *testing.T, connID, typ string) map[string]any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.box(connID):
			if m["type"] == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("no %q message for %s", typ, connID)
			return nil
		}
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 7 * time.Second
}

type harness struct {
	g      *Gateway
	be     *fakeBackend
	tr     *fakeTransport
	out    *fakeSender
	reg    *realtime.Registry
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	h := &harness{be: newFakeBackend(), tr: &fakeTransport{}, out: &fakeSender{}, done: make(chan struct{})}
	h.reg = realtime.NewRegistry(realtime.Config{
		PollInterval:     50 * time.Millisecond,
		FallbackGrace:    time.Hour,
		FetchTimeout:     time.Second,
		SubscriberBuffer: 64,
	}, h.be, h.tr, zap.NewNop().Sugar())

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	go func() {
		_ = h.reg.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		h.cancel()
		<-h.done
	})

	h.g = New(DefaultConfig(), h.reg, h.be, limiter, h.out, zap.NewNop().Sugar())
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) joined(t *testing.T, connID, roomID, userName string) {
	t.Helper()
	h.g.Join(connID, protocolJoin(roomID, userName))
	m := h.out.expect(t, connID, "joined")
	require.Equal(t, roomID, m["room_id"])
}
