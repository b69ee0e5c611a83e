// Package model defines the rows the chat system exchanges between the
// storage collaborator, the realtime channel and UI consumers. Field names on
// the wire follow the storage API so a payload can travel unchanged from the
// backend through the gateway to the browser.
package model

import "time"

// Room is a named chat channel, optionally password protected.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	IsPrivate bool      `json:"is_private"`
}

// Member is a persisted roster row recording that an identity joined a room.
type Member struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// OnlineUser is an ephemeral presence entry. It exists only while some
// consumer holds a live presence registration for the identity.
type OnlineUser struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	JoinedAt time.Time `json:"joined_at"`
}

// Message is the canonical persisted chat message. ID is globally unique and
// is the dedup key on every delivery path.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UserName  string    `json:"user_name"`
}
