// Package realtime is the room synchronization core. A Registry keeps one
// subscription entry per room with at least one consumer, multiplexes a
// single push channel and polling loop across all of them, and fans every
// roster, presence and message update out to each consumer in the same order.
//
// All entry state is owned by the goroutine running Registry.Run. Transport
// callbacks, timers and fetch completions are posted to it as requests.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/metrics"
	"github.com/roomchat/chat-app/internal/model"
)

var (
	// ErrRegistryClosed is returned once Run has returned.
	ErrRegistryClosed = errors.New("realtime: registry closed")

	// ErrSlowConsumer is reported by Subscription.Err when the consumer was
	// evicted for letting its event buffer fill up.
	ErrSlowConsumer = errors.New("realtime: consumer evicted, event buffer full")
)

const minSubscriberBuffer = 8

// Config holds registry timing and buffering settings.
type Config struct {
	PollInterval     time.Duration // message re-fetch period while polling
	FallbackGrace    time.Duration // Connecting longer than this switches to polling
	FetchTimeout     time.Duration // deadline for a single storage fetch
	SubscriberBuffer int           // events buffered per consumer before eviction
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Second,
		FallbackGrace:    3 * time.Second,
		FetchTimeout:     5 * time.Second,
		SubscriberBuffer: 256,
	}
}

// Registry is the shared subscription registry.
type Registry struct {
	cfg       Config
	backend   Backend
	transport Transport
	log       *zap.SugaredLogger

	requests chan any
	done     chan struct{}
	started  atomic.Bool

	// Owned by the Run goroutine.
	ctx     context.Context
	entries map[string]*entry
	nextGen uint64
	nextSub uint64
}

// NewRegistry creates a registry. Call Run to start processing.
func NewRegistry(cfg Config, backend Backend, transport Transport, log *zap.SugaredLogger) *Registry {
	if cfg.SubscriberBuffer < minSubscriberBuffer {
		cfg.SubscriberBuffer = minSubscriberBuffer
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	return &Registry{
		cfg:       cfg,
		backend:   backend,
		transport: transport,
		log:       log.Named("registry"),
		requests:  make(chan any, 64),
		done:      make(chan struct{}),
		entries:   make(map[string]*entry),
	}
}

// Run processes requests until ctx is cancelled, then tears down every entry
// and closes every consumer's event channel.
func (r *Registry) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("realtime: registry already running")
	}
	r.ctx = ctx
	defer close(r.done)

	r.log.Info("registry started")
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			r.log.Info("registry stopped")
			return nil
		case req := <-r.requests:
			r.handle(req)
		}
	}
}

// Register adds a consumer for roomID. The returned subscription's event
// channel already holds the room's cached state when Register returns.
func (r *Registry) Register(ctx context.Context, roomID, identity string) (*Subscription, error) {
	if roomID == "" {
		return nil, fmt.Errorf("realtime: room id is required")
	}
	reply := make(chan *Subscription, 1)
	if err := r.submit(ctx, registerReq{roomID: roomID, identity: identity, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case sub := <-reply:
		return sub, nil
	case <-r.done:
		return nil, ErrRegistryClosed
	}
}

// Unregister removes sub. When sub was the last consumer of its room, the
// room's channel, poller and timer are torn down before Unregister returns.
// Calling it again, or on an evicted subscription, is a no-op.
func (r *Registry) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.unregister.Do(func() {
		ack := make(chan struct{})
		if !r.post(unregisterReq{sub: sub, ack: ack}) {
			return
		}
		select {
		case <-ack:
		case <-r.done:
		}
	})
}

// Send persists a message through the backend and broadcasts the canonical
// copy on the room's channel. A persist failure is returned and nothing is
// published. A publish failure is logged only: the message is stored and
// reaches consumers through polling or the next fetch.
func (r *Registry) Send(ctx context.Context, roomID, userName, content string) (model.Message, error) {
	if err := model.ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.Message{}, err
	}

	msg, err := r.backend.CreateMessage(ctx, roomID, userName, content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.Message{}, fmt.Errorf("realtime: persist message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	if err := r.transport.Publish(roomID, msg); err != nil {
		r.log.Warnw("publish failed, relying on fetch", "room", roomID, "message", msg.ID, "error", err)
	}
	return msg, nil
}

// RoomStats describes one live entry.
type RoomStats struct {
	RoomID    string `json:"room_id"`
	Mode      string `json:"mode"`
	Consumers int    `json:"consumers"`
	Messages  int    `json:"messages"`
}

// Stats returns a snapshot of every live entry.
func (r *Registry) Stats(ctx context.Context) ([]RoomStats, error) {
	reply := make(chan []RoomStats, 1)
	if err := r.submit(ctx, statsReq{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-r.done:
		return nil, ErrRegistryClosed
	}
}

// submit posts req on behalf of an external caller.
func (r *Registry) submit(ctx context.Context, req any) error {
	select {
	case r.requests <- req:
		return nil
	case <-r.done:
		return ErrRegistryClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers req to the loop unless the registry has stopped.
func (r *Registry) post(req any) bool {
	select {
	case r.requests <- req:
		return true
	case <-r.done:
		return false
	}
}

// postUnless is post that also gives up when stop closes.
func (r *Registry) postUnless(req any, stop <-chan struct{}) bool {
	select {
	case r.requests <- req:
		return true
	case <-stop:
		return false
	case <-r.done:
		return false
	}
}

func (r *Registry) handle(req any) {
	switch req := req.(type) {
	case registerReq:
		req.reply <- r.register(req.roomID, req.identity)
	case unregisterReq:
		if e := r.entries[req.sub.roomID]; e != nil && e.gen == req.sub.gen {
			r.detach(e, req.sub, nil)
		}
		close(req.ack)
	case statusReq:
		r.handleStatus(req)
	case roomEventReq:
		r.handleRoomEvent(req)
	case fallbackReq:
		if e := r.lookup(req.roomID, req.gen); e != nil {
			r.applyTrigger(e, FallbackDue, nil)
		}
	case pollReq:
		// A tick is skipped while a fetch is still in flight so a slow
		// backend is not sent overlapping requests.
		if e := r.lookup(req.roomID, req.gen); e != nil && e.mode.polls() && e.messagesPending == 0 {
			r.fetchMessages(e)
		}
	case membersResult:
		r.handleMembers(req)
	case messagesResult:
		r.handleMessages(req)
	case statsReq:
		stats := make([]RoomStats, 0, len(r.entries))
		for _, e := range r.entries {
			stats = append(stats, RoomStats{
				RoomID:    e.roomID,
				Mode:      e.mode.String(),
				Consumers: len(e.subs),
				Messages:  e.messages.Len(),
			})
		}
		req.reply <- stats
	default:
		r.log.Errorw("unknown request", "type", fmt.Sprintf("%T", req))
	}
}

func (r *Registry) lookup(roomID string, gen uint64) *entry {
	e := r.entries[roomID]
	if e == nil || e.gen != gen {
		return nil
	}
	return e
}

func (r *Registry) shutdown() {
	for _, e := range r.entries {
		for _, sub := range e.subs {
			r.detach(e, sub, ErrRegistryClosed)
		}
	}
}

// Subscription is one consumer's registration for a room.
type Subscription struct {
	id       uint64
	gen      uint64
	roomID   string
	identity string
	ref      string
	events   chan Event

	tracked bool // owned by the registry loop

	unregister sync.Once
	mu         sync.Mutex
	err        error
}

// Events returns the consumer's event stream. It is closed when the
// subscription ends; Err then reports why.
func (s *Subscription) Events() <-chan Event { return s.events }

// RoomID returns the room this subscription belongs to.
func (s *Subscription) RoomID() string { return s.roomID }

// Identity returns the consumer's identity.
func (s *Subscription) Identity() string { return s.identity }

// Err returns ErrSlowConsumer or ErrRegistryClosed when the registry ended
// the subscription, nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}
