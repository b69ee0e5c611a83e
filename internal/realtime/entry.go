package realtime

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/messaging"
	"github.com/roomchat/chat-app/internal/metrics"
	"github.com/roomchat/chat-app/internal/model"
	"github.com/roomchat/chat-app/internal/presence"
)

// entry is the cached live state of one room.
type entry struct {
	roomID string
	gen    uint64
	log    *zap.SugaredLogger

	mode    Mode
	loading bool
	closed  bool

	members        []model.Member
	membersLoaded  bool
	membersErr     error
	online         []model.OnlineUser
	presenceLoaded bool
	messages       *MessageLog
	messagesLoaded bool
	messagesErr    error

	membersSeq  uint64
	messagesSeq uint64
	// messagesApplied is the seq of the newest message fetch applied; older
	// results are discarded. messagesPending counts fetches in flight.
	messagesApplied uint64
	messagesPending int

	subs    map[uint64]*Subscription
	channel Channel
	grace   *time.Timer
	poller  chan struct{} // closed to stop the poller, nil when not polling
}

func (e *entry) status() Status {
	err := e.membersErr
	if err == nil {
		err = e.messagesErr
	}
	return Status{Mode: e.mode, Loading: e.loading, Err: err}
}

// cached returns the events that bring a new consumer up to date.
func (e *entry) cached() []Event {
	evs := []Event{{Kind: StatusChanged, RoomID: e.roomID, Status: e.status()}}
	if e.membersLoaded {
		evs = append(evs, Event{Kind: MembersUpdated, RoomID: e.roomID, Members: e.members})
	}
	if e.presenceLoaded {
		evs = append(evs, Event{Kind: PresenceUpdated, RoomID: e.roomID, Online: e.online})
	}
	if e.messagesLoaded {
		evs = append(evs, Event{Kind: MessagesReplaced, RoomID: e.roomID, Messages: e.messages.Messages()})
	}
	return evs
}

func (r *Registry) register(roomID, identity string) *Subscription {
	e := r.entries[roomID]
	if e == nil {
		e = r.createEntry(roomID)
	}

	r.nextSub++
	sub := &Subscription{
		id:       r.nextSub,
		gen:      e.gen,
		roomID:   roomID,
		identity: identity,
		ref:      uuid.NewString(),
		events:   make(chan Event, r.cfg.SubscriberBuffer),
	}
	for _, ev := range e.cached() {
		sub.events <- ev.clone()
	}
	e.subs[sub.id] = sub
	metrics.Consumers.Inc()

	if e.mode == Connected {
		r.track(e, sub)
	}
	e.log.Debugw("consumer registered", "identity", identity, "consumers", len(e.subs))
	return sub
}

func (r *Registry) createEntry(roomID string) *entry {
	r.nextGen++
	gen := r.nextGen
	e := &entry{
		roomID:   roomID,
		gen:      gen,
		log:      r.log.With("room", roomID, "gen", gen),
		mode:     Connecting,
		loading:  true,
		messages: NewMessageLog(),
		subs:     make(map[uint64]*Subscription),
	}
	r.entries[roomID] = e
	metrics.ActiveRooms.Inc()
	e.log.Info("room entry created")

	ch, err := r.transport.Join(roomID, messaging.RoomHandlers{
		Event: func(ev messaging.RoomEvent) {
			r.post(roomEventReq{roomID: roomID, gen: gen, ev: ev})
		},
		Status: func(s messaging.Status, err error) {
			r.post(statusReq{roomID: roomID, gen: gen, status: s, err: err})
		},
	})
	if err != nil {
		e.log.Warnw("push channel unavailable", "error", err)
		r.applyTrigger(e, Errored, err)
	} else {
		e.channel = ch
		if r.cfg.FallbackGrace > 0 {
			e.grace = time.AfterFunc(r.cfg.FallbackGrace, func() {
				r.post(fallbackReq{roomID: roomID, gen: gen})
			})
		}
	}

	r.fetchMembers(e)
	r.fetchMessages(e)
	return e
}

// detach removes sub from e and closes its event channel with reason.
// Removing the last consumer tears the entry down.
func (r *Registry) detach(e *entry, sub *Subscription, reason error) {
	if _, ok := e.subs[sub.id]; !ok {
		return
	}
	delete(e.subs, sub.id)
	metrics.Consumers.Dec()

	if sub.tracked && e.channel != nil {
		if err := e.channel.Untrack(sub.identity, sub.ref); err != nil {
			e.log.Warnw("untrack presence", "identity", sub.identity, "error", err)
		}
		sub.tracked = false
	}
	sub.finish(reason)
	e.log.Debugw("consumer removed", "identity", sub.identity, "consumers", len(e.subs), "reason", reason)

	if len(e.subs) == 0 {
		r.teardown(e)
	}
}

func (r *Registry) teardown(e *entry) {
	if e.closed {
		return
	}
	e.closed = true
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
	r.stopPoller(e)
	if e.channel != nil {
		if err := e.channel.Close(); err != nil {
			e.log.Warnw("close push channel", "error", err)
		}
	}
	if r.entries[e.roomID] == e {
		delete(r.entries, e.roomID)
	}
	metrics.ActiveRooms.Dec()
	e.log.Info("room entry removed")
}

func (r *Registry) track(e *entry, sub *Subscription) {
	if e.channel == nil || sub.tracked {
		return
	}
	rec := presence.Record{
		Ref:      sub.ref,
		UserID:   sub.identity,
		UserName: sub.identity,
		JoinedAt: time.Now().UTC(),
	}
	if err := e.channel.Track(sub.identity, rec); err != nil {
		e.log.Warnw("track presence", "identity", sub.identity, "error", err)
		return
	}
	sub.tracked = true
}

// broadcast delivers ev to every consumer of e. Consumers whose buffer is
// full are evicted, which may tear e down; callers must not touch e's
// resources after broadcasting.
func (r *Registry) broadcast(e *entry, ev Event) {
	ev.RoomID = e.roomID
	var slow []*Subscription
	for _, sub := range e.subs {
		select {
		case sub.events <- ev.clone():
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		metrics.SlowConsumers.Inc()
		e.log.Warnw("evicting slow consumer", "identity", sub.identity)
		r.detach(e, sub, ErrSlowConsumer)
	}
}

func (r *Registry) handleStatus(req statusReq) {
	e := r.lookup(req.roomID, req.gen)
	if e == nil {
		return
	}
	var trig Trigger
	switch req.status {
	case messaging.StatusSubscribed:
		trig = Subscribed
	case messaging.StatusErrored:
		trig = Errored
	case messaging.StatusTimedOut:
		trig = TimedOut
	case messaging.StatusClosed:
		trig = Closed
	default:
		e.log.Warnw("unknown channel status", "status", req.status)
		return
	}
	r.applyTrigger(e, trig, req.err)
}

// applyTrigger advances e's mode and performs the entry side effects of
// entering the new mode.
func (r *Registry) applyTrigger(e *entry, trig Trigger, cause error) {
	next, ok := transition(e.mode, trig)
	if !ok {
		e.log.Debugw("trigger ignored", "mode", e.mode, "trigger", trig)
		return
	}
	prev := e.mode
	e.mode = next
	metrics.ModeTransitions.WithLabelValues(prev.String(), next.String()).Inc()
	e.log.Infow("mode changed", "from", prev, "to", next, "trigger", trig, "cause", cause)

	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}

	switch {
	case next == Connected:
		r.stopPoller(e)
		for _, sub := range e.subs {
			r.track(e, sub)
		}
		if prev == Polling {
			// Roster notifications were not observed while polling.
			r.fetchMembers(e)
			r.fetchMessages(e)
		}
	case next.polls():
		r.startPoller(e)
	}

	r.broadcast(e, Event{Kind: StatusChanged, Status: e.status()})
}

func (r *Registry) handleRoomEvent(req roomEventReq) {
	e := r.lookup(req.roomID, req.gen)
	if e == nil {
		return
	}
	switch req.ev.Kind {
	case messaging.EventMessage:
		msg := req.ev.Message
		if msg.RoomID != "" && msg.RoomID != e.roomID {
			return
		}
		if !e.messages.Merge(msg) {
			metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
			return
		}
		metrics.MessagesTotal.WithLabelValues("push").Inc()
		r.broadcast(e, Event{Kind: MessageReceived, Message: msg})
	case messaging.EventMembers:
		r.fetchMembers(e)
	case messaging.EventPresence:
		e.online = presence.Decode(req.ev.Presence)
		e.presenceLoaded = true
		r.broadcast(e, Event{Kind: PresenceUpdated, Online: e.online})
	}
}
