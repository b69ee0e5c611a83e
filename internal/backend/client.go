// Package backend is the HTTP client for the roomchat storage service. It
// covers room listing and creation, access verification, rosters, message
// history and persistence, and the per-user room list.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roomchat/chat-app/internal/model"
)

var (
	// ErrNotFound is matched by errors for 404 responses.
	ErrNotFound = errors.New("backend: not found")

	// ErrUnauthorized is matched by errors for 401 responses.
	ErrUnauthorized = errors.New("backend: unauthorized")

	// ErrConflict is matched by errors for 409 responses.
	ErrConflict = errors.New("backend: conflict")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Code)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Message)
}

// Is lets errors.Is match status errors against the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case ErrConflict:
		return e.Code == http.StatusConflict
	}
	return false
}

// Client calls the storage service REST API.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend: base url %q must be absolute", baseURL)
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

// CreateRoomRequest is the body of POST /rooms.
type CreateRoomRequest struct {
	Name      string `json:"name"`
	UserName  string `json:"userName"`
	IsPrivate bool   `json:"isPrivate"`
	Password  string `json:"password,omitempty"`
}

// User is the identity returned by Login.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Login signs in userName, registering it on first use.
func (c *Client) Login(ctx context.Context, userName, password string) (User, error) {
	var out struct {
		User User `json:"user"`
	}
	body := map[string]string{"userName": userName, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return User{}, err
	}
	return out.User, nil
}

// Rooms lists every room, newest first.
func (c *Client) Rooms(ctx context.Context) ([]model.Room, error) {
	var out struct {
		Rooms []model.Room `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

// CreateRoom creates a room with the requesting user as its first member.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (model.Room, error) {
	var out struct {
		Room model.Room `json:"room"`
	}
	if err := c.do(ctx, http.MethodPost, "/rooms", req, &out); err != nil {
		return model.Room{}, err
	}
	return out.Room, nil
}

// VerifyRoom checks userName's access to roomID and records the visit.
// A wrong password yields ErrUnauthorized, an unknown room ErrNotFound.
func (c *Client) VerifyRoom(ctx context.Context, roomID, userName, password string) error {
	body := map[string]string{"userName": userName, "password": password}
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/verify", body, nil)
}

// Members returns roomID's roster, most recently active first.
func (c *Client) Members(ctx context.Context, roomID string) ([]model.Member, error) {
	var out struct {
		Members []model.Member `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/members", nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// Messages returns roomID's messages in created_at order.
func (c *Client) Messages(ctx context.Context, roomID string) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CreateMessage persists a message and returns the canonical copy.
func (c *Client) CreateMessage(ctx context.Context, roomID, userName, content string) (model.Message, error) {
	var out struct {
		Message model.Message `json:"message"`
	}
	body := map[string]string{"content": content, "userName": userName}
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/messages", body, &out); err != nil {
		return model.Message{}, err
	}
	if out.Message.ID == "" {
		return model.Message{}, fmt.Errorf("backend: create message: response has no message id")
	}
	return out.Message, nil
}

// UserRooms lists the rooms userName has joined, most recently accessed first.
func (c *Client) UserRooms(ctx context.Context, userName string) ([]model.Room, error) {
	var out struct {
		Rooms []model.Room `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userName)+"/rooms", nil, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: marshal %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return fmt.Errorf("backend: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return fmt.Errorf("backend: %s %s: %w", method, path, &StatusError{Code: resp.StatusCode, Message: e.Error})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s %s: %w", method, path, err)
	}
	return nil
}
