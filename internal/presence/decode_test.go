package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomchat/chat-app/internal/model"
)

func TestDecode_FirstRecordPerIdentity(t *testing.T) {
	t1 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	snap := Snapshot{
		{Key: "alice", Records: []Record{
			{Ref: "r1", UserID: "alice", UserName: "alice", JoinedAt: t1},
			{Ref: "r2", UserID: "alice", UserName: "alice", JoinedAt: t2},
		}},
		{Key: "bob", Records: []Record{
			{Ref: "r3", UserID: "bob", UserName: "bob", JoinedAt: t2},
		}},
	}

	got := Decode(snap)
	assert.Equal(t, []model.OnlineUser{
		{UserID: "alice", UserName: "alice", JoinedAt: t1},
		{UserID: "bob", UserName: "bob", JoinedAt: t2},
	}, got)
}

func TestDecode_SkipsMalformed(t *testing.T) {
	snap := Snapshot{
		{Key: "noname", Records: []Record{{Ref: "a", UserID: "noname"}}},
		{Key: "noid", Records: []Record{{Ref: "b", UserName: "noid"}}},
		{Key: "empty"},
		{Key: "carol", Records: []Record{{Ref: "c", UserID: "carol", UserName: "carol"}}},
	}

	got := Decode(snap)
	require.Len(t, got, 1)
	assert.Equal(t, "carol", got[0].UserName)
}

func TestDecode_MalformedFirstRecordHidesIdentity(t *testing.T) {
	snap := Snapshot{
		{Key: "dave", Records: []Record{
			{Ref: "bad"},
			{Ref: "good", UserID: "dave", UserName: "dave"},
		}},
	}

	assert.Empty(t, Decode(snap))
}

func TestDecode_Pure(t *testing.T) {
	snap := Snapshot{
		{Key: "x", Records: []Record{{Ref: "1", UserID: "x", UserName: "x"}}},
		{Key: "y", Records: []Record{{Ref: "2", UserID: "y", UserName: "y"}}},
	}

	assert.Equal(t, Decode(snap), Decode(snap))
	assert.NotNil(t, Decode(nil))
	assert.Empty(t, Decode(nil))
}

func TestDecode_DuplicateIdentityInPayload(t *testing.T) {
	data := []byte(`{
		"u1": [{"presence_ref":"a","user_id":"u1","user_name":"alice","joined_at":"2026-01-02T03:04:05Z"}],
		"u2": [{"presence_ref":"b","user_id":"u2","user_name":"bob","joined_at":"2026-01-02T03:04:06Z"}],
		"u1": [{"presence_ref":"c","user_id":"u1","user_name":"alice","joined_at":"2026-01-02T03:04:07Z"}]
	}`)

	snap, err := ParseSnapshot(data)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "u1", snap[0].Key)
	assert.Equal(t, "u2", snap[1].Key)

	got := Decode(snap)
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 7, 0, time.UTC), got[0].JoinedAt)
	assert.Equal(t, "u2", got[1].UserID)
}

func TestDecode_RepeatedEntryKeepsFirst(t *testing.T) {
	t1 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := Snapshot{
		{Key: "u1", Records: []Record{{Ref: "a", UserID: "u1", UserName: "alice", JoinedAt: t1}}},
		{Key: "u1", Records: []Record{{Ref: "b", UserID: "u1", UserName: "alice", JoinedAt: t1.Add(time.Hour)}}},
	}

	assert.Equal(t, []model.OnlineUser{{UserID: "u1", UserName: "alice", JoinedAt: t1}}, Decode(snap))
}
