package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roomchat/chat-app/internal/model"
)

func names(ds []DisplayMember) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}

func TestOrderMembers(t *testing.T) {
	members := []model.Member{
		{ID: "1", Name: "zoe"}, {ID: "2", Name: "Bob"}, {ID: "3", Name: "me"},
		{ID: "4", Name: "alice"}, {ID: "5", Name: "carl"},
	}
	online := []model.OnlineUser{
		{UserID: "carl", UserName: "carl"}, {UserID: "zoe", UserName: "zoe"}, {UserID: "me", UserName: "me"},
	}

	got := OrderMembers(members, online, "me")
	assert.Equal(t, []string{"me", "carl", "zoe", "alice", "Bob"}, names(got))
	assert.True(t, got[0].Self)
	assert.True(t, got[0].Online)
	assert.True(t, got[1].Online)
	assert.False(t, got[3].Online)
}

func TestOrderMembers_RecomputedFromInputs(t *testing.T) {
	members := []model.Member{{Name: "a"}, {Name: "b"}}

	before := OrderMembers(members, nil, "")
	after := OrderMembers(members, []model.OnlineUser{{UserID: "b", UserName: "b"}}, "")

	assert.Equal(t, []string{"a", "b"}, names(before))
	assert.Equal(t, []string{"b", "a"}, names(after))
	assert.Equal(t, "a", members[0].Name, "input must not be reordered")
}

func TestOrderMembers_Empty(t *testing.T) {
	assert.Empty(t, OrderMembers(nil, nil, "me"))
}
