package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/model"
	"github.com/roomchat/chat-app/internal/store"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Login(ctx context.Context, name, password string) (store.User, error) {
	args := m.Called(ctx, name, password)
	return args.Get(0).(store.User), args.Error(1)
}

func (m *mockStore) Rooms(ctx context.Context) ([]model.Room, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Room), args.Error(1)
}

func (m *mockStore) CreateRoom(ctx context.Context, name, userName string, isPrivate bool, password string) (model.Room, error) {
	args := m.Called(ctx, name, userName, isPrivate, password)
	return args.Get(0).(model.Room), args.Error(1)
}

func (m *mockStore) VerifyRoom(ctx context.Context, roomID, userName, password string) error {
	return m.Called(ctx, roomID, userName, password).Error(0)
}

func (m *mockStore) Members(ctx context.Context, roomID string) ([]model.Member, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).([]model.Member), args.Error(1)
}

func (m *mockStore) Messages(ctx context.Context, roomID string) ([]model.Message, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *mockStore) CreateMessage(ctx context.Context, roomID, userName, content string) (model.Message, error) {
	args := m.Called(ctx, roomID, userName, content)
	return args.Get(0).(model.Message), args.Error(1)
}

func (m *mockStore) UserRooms(ctx context.Context, userName string) ([]model.Room, error) {
	args := m.Called(ctx, userName)
	return args.Get(0).([]model.Room), args.Error(1)
}

func setup(t *testing.T) (*mockStore, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &mockStore{}
	t.Cleanup(func() { s.AssertExpectations(t) })
	return s, NewHandler(s, zap.NewNop().Sugar()).Router()
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	_, r := setup(t)
	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestListRooms(t *testing.T) {
	s, r := setup(t)
	rooms := []model.Room{{ID: "r1", Name: "general", CreatedAt: time.Unix(100, 0).UTC()}}
	s.On("Rooms", mock.Anything).Return(rooms, nil)

	w := do(r, http.MethodGet, "/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got []model.Room
	require.NoError(t, json.Unmarshal(decode(t, w)["rooms"], &got))
	assert.Equal(t, rooms, got)
}

func TestCreateRoom(t *testing.T) {
	s, r := setup(t)
	room := model.Room{ID: "r1", Name: "secret", IsPrivate: true}
	s.On("CreateRoom", mock.Anything, "secret", "alice", true, "pw").Return(room, nil)

	w := do(r, http.MethodPost, "/rooms", `{"name":"  secret ","userName":"alice","isPrivate":true,"password":"pw"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var got model.Room
	require.NoError(t, json.Unmarshal(decode(t, w)["room"], &got))
	assert.Equal(t, room, got)
}

func TestCreateRoomValidation(t *testing.T) {
	_, r := setup(t)
	cases := map[string]string{
		"empty name":       `{"name":"   ","userName":"alice"}`,
		"long name":        `{"name":"` + strings.Repeat("x", 101) + `","userName":"alice"}`,
		"missing user":     `{"name":"general"}`,
		"private no pass":  `{"name":"general","userName":"alice","isPrivate":true}`,
		"malformed bodies": `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/rooms", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestVerifyRoom(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"wrong password", store.ErrWrongPassword, http.StatusUnauthorized},
		{"unknown room", store.ErrRoomNotFound, http.StatusNotFound},
		{"database down", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r := setup(t)
			s.On("VerifyRoom", mock.Anything, "r1", "alice", "pw").Return(tt.err)

			w := do(r, http.MethodPost, "/rooms/r1/verify", `{"userName":"alice","password":"pw"}`)
			assert.Equal(t, tt.code, w.Code)
			if tt.err == nil {
				assert.JSONEq(t, `{"success":true}`, w.Body.String())
			}
		})
	}
}

func TestListMembers(t *testing.T) {
	s, r := setup(t)
	members := []model.Member{{ID: "u1", Name: "alice"}}
	s.On("Members", mock.Anything, "r1").Return(members, nil)

	w := do(r, http.MethodGet, "/rooms/r1/members", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got []model.Member
	require.NoError(t, json.Unmarshal(decode(t, w)["members"], &got))
	assert.Equal(t, "alice", got[0].Name)
}

func TestListMessagesUnknownRoom(t *testing.T) {
	s, r := setup(t)
	s.On("Messages", mock.Anything, "nope").Return([]model.Message(nil), store.ErrRoomNotFound)

	w := do(r, http.MethodGet, "/rooms/nope/messages", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateMessage(t *testing.T) {
	s, r := setup(t)
	msg := model.Message{ID: "m1", RoomID: "r1", UserID: "u1", Content: "hi", UserName: "alice"}
	s.On("CreateMessage", mock.Anything, "r1", "alice", "hi").Return(msg, nil)

	w := do(r, http.MethodPost, "/rooms/r1/messages", `{"content":"hi","userName":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var got model.Message
	require.NoError(t, json.Unmarshal(decode(t, w)["message"], &got))
	assert.Equal(t, "m1", got.ID)
}

func TestCreateMessageRejectsEmptyContent(t *testing.T) {
	_, r := setup(t)
	w := do(r, http.MethodPost, "/rooms/r1/messages", `{"content":"","userName":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateMessageUnknownUser(t *testing.T) {
	s, r := setup(t)
	s.On("CreateMessage", mock.Anything, "r1", "ghost", "hi").Return(model.Message{}, store.ErrUserNotFound)

	w := do(r, http.MethodPost, "/rooms/r1/messages", `{"content":"hi","userName":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListUserRooms(t *testing.T) {
	s, r := setup(t)
	s.On("UserRooms", mock.Anything, "alice").Return([]model.Room{{ID: "r2"}, {ID: "r1"}}, nil)

	w := do(r, http.MethodGet, "/users/alice/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got []model.Room
	require.NoError(t, json.Unmarshal(decode(t, w)["rooms"], &got))
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].ID)
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"wrong password", store.ErrWrongPassword, http.StatusUnauthorized},
		{"name taken", store.ErrNameTaken, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r := setup(t)
			s.On("Login", mock.Anything, "alice", "pw").Return(store.User{ID: "u1", Name: "alice"}, tt.err)

			w := do(r, http.MethodPost, "/auth/login", `{"userName":"alice","password":"pw"}`)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestLoginRequiresCredentials(t *testing.T) {
	_, r := setup(t)
	w := do(r, http.MethodPost, "/auth/login", `{"userName":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
