package realtime

import (
	"context"
	"slices"
	"time"

	"github.com/roomchat/chat-app/internal/metrics"
	"github.com/roomchat/chat-app/internal/model"
)

// fetchMembers issues a roster fetch. Only the most recently issued fetch's
// result is applied.
func (r *Registry) fetchMembers(e *entry) {
	e.membersSeq++
	roomID, gen, seq := e.roomID, e.gen, e.membersSeq

	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.FetchTimeout)
		defer cancel()

		start := time.Now()
		members, err := r.backend.Members(ctx, roomID)
		metrics.FetchLatency.WithLabelValues("members").Observe(time.Since(start).Seconds())

		r.post(membersResult{roomID: roomID, gen: gen, seq: seq, members: members, err: err})
	}()
}

// fetchMessages issues a full message list fetch. Results are applied in
// issue order; one that resolves after a newer result was applied is
// discarded.
func (r *Registry) fetchMessages(e *entry) {
	e.messagesSeq++
	e.messagesPending++
	roomID, gen, seq, since := e.roomID, e.gen, e.messagesSeq, e.messages.Clock()

	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.FetchTimeout)
		defer cancel()

		start := time.Now()
		msgs, err := r.backend.Messages(ctx, roomID)
		metrics.FetchLatency.WithLabelValues("messages").Observe(time.Since(start).Seconds())

		r.post(messagesResult{roomID: roomID, gen: gen, seq: seq, since: since, messages: msgs, err: err})
	}()
}

func (r *Registry) handleMembers(res membersResult) {
	e := r.lookup(res.roomID, res.gen)
	if e == nil || res.seq != e.membersSeq {
		metrics.Fetches.WithLabelValues("members", "stale").Inc()
		return
	}

	wasLoading := e.loading
	e.loading = false
	if res.err != nil {
		metrics.Fetches.WithLabelValues("members", "error").Inc()
		e.log.Warnw("roster fetch failed", "error", res.err)
		e.membersErr = res.err
		r.broadcast(e, Event{Kind: StatusChanged, Status: e.status()})
		return
	}
	metrics.Fetches.WithLabelValues("members", "ok").Inc()

	hadErr := e.membersErr != nil
	e.membersErr = nil
	e.members = slices.Clone(res.members)
	if e.members == nil {
		e.members = []model.Member{}
	}
	e.membersLoaded = true

	r.broadcast(e, Event{Kind: MembersUpdated, Members: e.members})
	if (wasLoading || hadErr) && !e.closed {
		r.broadcast(e, Event{Kind: StatusChanged, Status: e.status()})
	}
}

func (r *Registry) handleMessages(res messagesResult) {
	e := r.lookup(res.roomID, res.gen)
	if e == nil {
		metrics.Fetches.WithLabelValues("messages", "stale").Inc()
		return
	}
	e.messagesPending--
	if res.seq <= e.messagesApplied {
		metrics.Fetches.WithLabelValues("messages", "stale").Inc()
		return
	}
	e.messagesApplied = res.seq

	if res.err != nil {
		metrics.Fetches.WithLabelValues("messages", "error").Inc()
		e.log.Warnw("message fetch failed", "mode", e.mode, "error", res.err)
		e.messagesErr = res.err
		r.broadcast(e, Event{Kind: StatusChanged, Status: e.status()})
		return
	}
	metrics.Fetches.WithLabelValues("messages", "ok").Inc()

	hadErr := e.messagesErr != nil
	e.messagesErr = nil
	first := !e.messagesLoaded
	e.messagesLoaded = true
	changed := e.messages.Replace(res.messages, res.since)
	if e.mode.polls() && changed {
		metrics.MessagesTotal.WithLabelValues("poll").Inc()
	}

	if changed || first {
		r.broadcast(e, Event{Kind: MessagesReplaced, Messages: e.messages.Messages()})
	}
	if hadErr && !e.closed {
		r.broadcast(e, Event{Kind: StatusChanged, Status: e.status()})
	}
}
