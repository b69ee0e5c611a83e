package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomchat/chat-app/internal/model"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", 2*time.Second)
	require.NoError(t, err)
	return c
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewClient("localhost:9000", time.Second)
	assert.Error(t, err)
}

func TestClient_Endpoints(t *testing.T) {
	created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"rooms": []model.Room{{ID: "r1", Name: "general", CreatedAt: created}}})
	})
	mux.HandleFunc("POST /rooms", func(w http.ResponseWriter, r *http.Request) {
		var req CreateRoomRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, CreateRoomRequest{Name: "secret", UserName: "ann", IsPrivate: true, Password: "pw"}, req)
		writeJSON(w, 200, map[string]any{"room": model.Room{ID: "r2", Name: req.Name, IsPrivate: true}})
	})
	mux.HandleFunc("GET /rooms/{id}/members", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "r1", r.PathValue("id"))
		writeJSON(w, 200, map[string]any{"members": []model.Member{{ID: "u1", Name: "ann"}}})
	})
	mux.HandleFunc("GET /rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"messages": []model.Message{{ID: "m1", RoomID: "r1"}, {ID: "m2", RoomID: "r1"}}})
	})
	mux.HandleFunc("POST /rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, 200, map[string]any{"message": model.Message{
			ID: "m3", RoomID: r.PathValue("id"), UserName: body["userName"], Content: body["content"], CreatedAt: created,
		}})
	})
	mux.HandleFunc("GET /users/{name}/rooms", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "kim lee", r.PathValue("name"))
		writeJSON(w, 200, map[string]any{"rooms": []model.Room{{ID: "r1"}}})
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"success": true, "user": User{ID: "u1", Name: "ann"}})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	rooms, err := c.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, created, rooms[0].CreatedAt)

	room, err := c.CreateRoom(ctx, CreateRoomRequest{Name: "secret", UserName: "ann", IsPrivate: true, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "r2", room.ID)

	members, err := c.Members(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "ann", members[0].Name)

	msgs, err := c.Messages(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msg, err := c.CreateMessage(ctx, "r1", "ann", "hello")
	require.NoError(t, err)
	assert.Equal(t, model.Message{ID: "m3", RoomID: "r1", UserName: "ann", Content: "hello", CreatedAt: created}, msg)

	userRooms, err := c.UserRooms(ctx, "kim lee")
	require.NoError(t, err)
	assert.Len(t, userRooms, 1)

	user, err := c.Login(ctx, "ann", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
}

func TestClient_VerifyRoomErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms/{id}/verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch {
		case r.PathValue("id") == "missing":
			writeJSON(w, 404, map[string]string{"error": "room not found"})
		case body["password"] != "pw":
			writeJSON(w, 401, map[string]string{"error": "wrong password"})
		default:
			writeJSON(w, 200, map[string]bool{"success": true})
		}
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.VerifyRoom(ctx, "r1", "ann", "pw"))

	err := c.VerifyRoom(ctx, "r1", "ann", "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 401, se.Code)
	assert.Equal(t, "wrong password", se.Message)

	err = c.VerifyRoom(ctx, "missing", "ann", "pw")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestClient_ServerErrorAndBadBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{id}/members", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})
	mux.HandleFunc("POST /rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"message": map[string]string{}})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	_, err := c.Members(ctx, "r1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 500, se.Code)

	_, err = c.Messages(ctx, "r1")
	assert.Error(t, err)

	_, err = c.CreateMessage(ctx, "r1", "ann", "x")
	assert.Error(t, err)
}

func TestClient_ContextCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Rooms(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
