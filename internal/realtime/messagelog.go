package realtime

import (
	"sort"

	"github.com/roomchat/chat-app/internal/model"
)

// MessageLog is a room's ordered message list, deduplicated by message id.
// It is not safe for concurrent use.
type MessageLog struct {
	msgs   []model.Message
	stamps []uint64 // arrival stamp per message, 0 for fetched ones
	ids    map[string]struct{}
	clock  uint64
}

// NewMessageLog returns an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{ids: make(map[string]struct{})}
}

// Clock returns the stamp of the most recent Merge. Pass it to Replace for a
// fetch issued now.
func (l *MessageLog) Clock() uint64 { return l.clock }

// Len returns the number of messages in the log.
func (l *MessageLog) Len() int { return len(l.msgs) }

// Contains reports whether a message with id is in the log.
func (l *MessageLog) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Merge inserts m by created_at unless its id is already present. Messages
// with equal timestamps keep arrival order. It reports whether m was added.
func (l *MessageLog) Merge(m model.Message) bool {
	if _, dup := l.ids[m.ID]; dup {
		return false
	}
	i := sort.Search(len(l.msgs), func(i int) bool {
		return l.msgs[i].CreatedAt.After(m.CreatedAt)
	})

	l.clock++
	l.msgs = append(l.msgs, model.Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	l.stamps = append(l.stamps, 0)
	copy(l.stamps[i+1:], l.stamps[i:])
	l.stamps[i] = l.clock
	l.ids[m.ID] = struct{}{}
	return true
}

// Replace installs fetched as the whole log. since is the Clock value at the
// time the fetch was issued: messages merged after that point and missing
// from fetched are kept, so a fetch that raced a push cannot drop a message.
// It reports whether the visible list changed.
func (l *MessageLog) Replace(fetched []model.Message, since uint64) bool {
	ids := make(map[string]struct{}, len(fetched))
	msgs := make([]model.Message, 0, len(fetched))
	stamps := make([]uint64, 0, len(fetched))
	for _, m := range fetched {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		msgs = append(msgs, m)
		stamps = append(stamps, 0)
	}
	for i, m := range l.msgs {
		if _, ok := ids[m.ID]; ok || l.stamps[i] <= since {
			continue
		}
		ids[m.ID] = struct{}{}
		msgs = append(msgs, m)
		stamps = append(stamps, l.stamps[i])
	}

	idx := make([]int, len(msgs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return msgs[idx[a]].CreatedAt.Before(msgs[idx[b]].CreatedAt)
	})
	sorted := make([]model.Message, len(msgs))
	sortedStamps := make([]uint64, len(msgs))
	for i, j := range idx {
		sorted[i] = msgs[j]
		sortedStamps[i] = stamps[j]
	}

	changed := !sameIDs(l.msgs, sorted)
	l.msgs, l.stamps, l.ids = sorted, sortedStamps, ids
	return changed
}

// Messages returns a copy of the log in order.
func (l *MessageLog) Messages() []model.Message {
	out := make([]model.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func sameIDs(a, b []model.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
