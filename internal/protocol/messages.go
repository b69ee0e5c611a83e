// Package protocol defines the WebSocket message types exchanged between UI
// consumers and the sync gateway. All messages are JSON objects carrying a
// "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roomchat/chat-app/internal/model"
)

// Client -> Server message types.
const (
	TypeLogin      = "login"
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeSend       = "send"
	TypeListRooms  = "list_rooms"
	TypeUserRooms  = "user_rooms"
	TypeCreateRoom = "create_room"
	TypePing       = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeLoggedIn       = "logged_in"
	TypeJoined         = "joined"
	TypeLeft           = "left"
	TypeMembers        = "members"
	TypePresence       = "presence"
	TypeMessage        = "message"
	TypeMessages       = "messages"
	TypeStatus         = "status"
	TypeSent           = "sent"
	TypeRooms          = "rooms"
	TypeRoomCreated    = "room_created"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidRequest  = "invalid_request"
	CodeNotLoggedIn     = "not_logged_in"
	CodeUnauthorized    = "unauthorized"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeNotJoined       = "not_joined"
	CodeInvalidMessage  = "invalid_message"
	CodeBackend         = "backend_error"
	CodeSlowConsumer    = "slow_consumer"
	CodeUnavailable     = "unavailable"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full payload and extracts only the type field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// LoginMsg binds a user name to the connection.
type LoginMsg struct {
	Type     string `json:"type"`
	UserName string `json:"user_name"`
	Password string `json:"password"`
}

// JoinMsg asks to start receiving a room's updates. UserName may be empty
// once the connection has logged in.
type JoinMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserName string `json:"user_name"`
	Password string `json:"password"`
}

// LeaveMsg stops a room subscription.
type LeaveMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMsg posts a message to a joined room.
type SendMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

// ListRoomsMsg requests every room.
type ListRoomsMsg struct {
	Type string `json:"type"`
}

// UserRoomsMsg requests the rooms a user has joined.
type UserRoomsMsg struct {
	Type     string `json:"type"`
	UserName string `json:"user_name"`
}

// CreateRoomMsg creates a room.
type CreateRoomMsg struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	UserName  string `json:"user_name"`
	IsPrivate bool   `json:"is_private"`
	Password  string `json:"password"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent when a connection is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// LoggedInMsg confirms a login.
type LoggedInMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// JoinedMsg confirms a room subscription. Cached room state follows it.
type JoinedMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserName string `json:"user_name"`
}

// LeftMsg confirms that a room subscription ended. Reason is set when the
// server ended it.
type LeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

// Member is a roster row in display order.
type Member struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	Online         bool      `json:"online"`
	Self           bool      `json:"self"`
}

// MembersMsg carries the full roster, already ordered for display.
type MembersMsg struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"room_id"`
	Members []Member `json:"members"`
}

// PresenceMsg carries the full online list.
type PresenceMsg struct {
	Type   string             `json:"type"`
	RoomID string             `json:"room_id"`
	Online []model.OnlineUser `json:"online"`
}

// MessageMsg carries one newly delivered message.
type MessageMsg struct {
	Type    string        `json:"type"`
	RoomID  string        `json:"room_id"`
	Message model.Message `json:"message"`
}

// MessagesMsg carries the full ordered message list.
type MessagesMsg struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"room_id"`
	Messages []model.Message `json:"messages"`
}

// StatusMsg reports a room's delivery mode.
type StatusMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Mode    string `json:"mode"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// SentMsg acknowledges a persisted message.
type SentMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// RoomsMsg carries a room list.
type RoomsMsg struct {
	Type  string       `json:"type"`
	Rooms []model.Room `json:"rooms"`
}

// RoomCreatedMsg carries a newly created room.
type RoomCreatedMsg struct {
	Type string     `json:"type"`
	Room model.Room `json:"room"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded struct and any parse error.
// Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeLogin:
		var m LoginMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListRooms:
		var m ListRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserRooms:
		var m UserRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateRoom:
		var m CreateRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as a server message of type msgType. The
// type field is injected regardless of what the payload carries.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
