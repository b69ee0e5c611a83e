package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/roomchat/chat-app/internal/model"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","room_id":"r-1","user_name":"alice","password":"pw"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}

	jm, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	if jm.RoomID != "r-1" || jm.UserName != "alice" || jm.Password != "pw" {
		t.Errorf("unexpected join payload: %+v", jm)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","room_id":"r-1","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.RoomID != "r-1" {
		t.Errorf("expected room_id %q, got %q", "r-1", sm.RoomID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a members server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Members(t *testing.T) {
	payload := MembersMsg{
		RoomID: "r-1",
		Members: []Member{
			{ID: "u1", Name: "alice", Online: true, Self: true},
			{ID: "u2", Name: "bob"},
		},
	}

	data, err := NewServerMessage(TypeMembers, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMembers {
		t.Errorf("expected type %q, got %v", TypeMembers, result["type"])
	}
	if result["room_id"] != "r-1" {
		t.Errorf("expected room_id %q, got %v", "r-1", result["room_id"])
	}

	members, ok := result["members"].([]interface{})
	if !ok {
		t.Fatalf("expected members to be an array, got %T", result["members"])
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	first, _ := members[0].(map[string]interface{})
	if first["name"] != "alice" || first["online"] != true || first["self"] != true {
		t.Errorf("unexpected first member: %v", first)
	}
}

// ---------------------------------------------------------------------------
// Test: The injected type wins over the payload's own type field
// ---------------------------------------------------------------------------

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "bogus"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerTypeRejected(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"members","room_id":"r"}`)); err == nil {
		t.Fatal("expected an error for a server-only message type")
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"send","content":42}`)); err == nil {
		t.Fatal("expected an error for a mistyped field")
	}
}

// ---------------------------------------------------------------------------
// Test: A server message decodes back into its struct
// ---------------------------------------------------------------------------

func TestServerMessage_MessageDecodes(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := MessageMsg{
		RoomID: "r-1",
		Message: model.Message{
			ID: "m1", RoomID: "r-1", UserID: "u1",
			Content: "hi", CreatedAt: created, UserName: "alice",
		},
	}

	data, err := NewServerMessage(TypeMessage, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	var decoded MessageMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypeMessage {
		t.Errorf("type mismatch: expected %q, got %q", TypeMessage, decoded.Type)
	}
	if decoded.Message.ID != "m1" || decoded.Message.UserName != "alice" {
		t.Errorf("message mismatch: %+v", decoded.Message)
	}
	if !decoded.Message.CreatedAt.Equal(created) {
		t.Errorf("created_at mismatch: expected %v, got %v", created, decoded.Message.CreatedAt)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"login", `{"type":"login","user_name":"alice","password":"pw"}`, TypeLogin},
		{"join", `{"type":"join","room_id":"r1"}`, TypeJoin},
		{"leave", `{"type":"leave","room_id":"r1"}`, TypeLeave},
		{"send", `{"type":"send","room_id":"r1","content":"hi"}`, TypeSend},
		{"list_rooms", `{"type":"list_rooms"}`, TypeListRooms},
		{"user_rooms", `{"type":"user_rooms","user_name":"alice"}`, TypeUserRooms},
		{"create_room", `{"type":"create_room","name":"general","user_name":"alice"}`, TypeCreateRoom},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
