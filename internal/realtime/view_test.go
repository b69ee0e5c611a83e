package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roomchat/chat-app/internal/model"
)

func TestView_Apply(t *testing.T) {
	v := NewView()
	assert.True(t, v.Status.Loading)

	assert.True(t, v.Apply(Event{Kind: MessagesReplaced, Messages: []model.Message{msgAt("a", 1), msgAt("c", 3)}}))
	assert.True(t, v.Apply(Event{Kind: MessageReceived, Message: msgAt("b", 2)}))
	assert.False(t, v.Apply(Event{Kind: MessageReceived, Message: msgAt("b", 2)}))
	assert.Equal(t, []string{"a", "b", "c"}, ids(v.Messages()))

	v.Apply(Event{Kind: MembersUpdated, Members: []model.Member{{Name: "zed"}, {Name: "me"}}})
	v.Apply(Event{Kind: PresenceUpdated, Online: []model.OnlineUser{{UserID: "zed", UserName: "zed"}}})
	v.Apply(Event{Kind: StatusChanged, Status: Status{Mode: Connected}})

	assert.Equal(t, Connected, v.Status.Mode)
	assert.False(t, v.Status.Loading)
	assert.Equal(t, []string{"me", "zed"}, names(v.Ordered("me")))
	assert.False(t, v.Apply(Event{}))
}
