package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSnapshot_PreservesKeyOrder(t *testing.T) {
	data := []byte(`{
		"zed":   [{"presence_ref":"1","user_id":"zed","user_name":"zed","joined_at":"2026-01-01T00:00:00Z"}],
		"amy":   [{"presence_ref":"2","user_id":"amy","user_name":"amy"}],
		"mike":  [{"presence_ref":"3","user_id":"mike","user_name":"mike"}]
	}`)

	snap, err := ParseSnapshot(data)
	require.NoError(t, err)
	require.Len(t, snap, 3)

	assert.Equal(t, "zed", snap[0].Key)
	assert.Equal(t, "amy", snap[1].Key)
	assert.Equal(t, "mike", snap[2].Key)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), snap[0].Records[0].JoinedAt)

	users := Decode(snap)
	require.Len(t, users, 3)
	assert.Equal(t, "zed", users[0].UserName)
	assert.Equal(t, "mike", users[2].UserName)
}

func TestParseSnapshot_ToleratesBadRecords(t *testing.T) {
	data := []byte(`{
		"a": "not-a-list",
		"b": [42, {"user_id": 7, "user_name": "b"}],
		"c": [{"user_id":"c","user_name":"c","joined_at":"yesterday"}]
	}`)

	snap, err := ParseSnapshot(data)
	require.NoError(t, err)
	require.Len(t, snap, 3)
	assert.Empty(t, snap[0].Records)
	require.Len(t, snap[1].Records, 2)
	assert.Empty(t, snap[1].Records[1].UserID)
	assert.True(t, snap[2].Records[0].JoinedAt.IsZero())

	users := Decode(snap)
	require.Len(t, users, 1)
	assert.Equal(t, "c", users[0].UserID)
}

func TestParseSnapshot_Errors(t *testing.T) {
	_, err := ParseSnapshot([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = ParseSnapshot([]byte(`["a"]`))
	assert.Error(t, err)
}

func TestEncodeSnapshot_RoundTripKeepsOrder(t *testing.T) {
	joined := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	snap := Snapshot{
		{Key: "ward", Records: []Record{{Ref: "w1", UserID: "ward", UserName: "ward", JoinedAt: joined}}},
		{Key: "ann", Records: []Record{
			{Ref: "a1", UserID: "ann", UserName: "ann", JoinedAt: joined},
			{Ref: "a2", UserID: "ann", UserName: "ann", JoinedAt: joined.Add(time.Second)},
		}},
	}

	data := EncodeSnapshot(snap)
	assert.Less(t, indexOf(data, `"ward"`), indexOf(data, `"ann"`))

	got, err := ParseSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestEncodeSnapshot_Empty(t *testing.T) {
	assert.Equal(t, "{}", string(EncodeSnapshot(nil)))
}

func indexOf(data []byte, s string) int {
	for i := 0; i+len(s) <= len(data); i++ {
		if string(data[i:i+len(s)]) == s {
			return i
		}
	}
	return -1
}
