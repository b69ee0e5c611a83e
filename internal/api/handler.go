// Package api serves the roomchat storage REST endpoints over gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/metrics"
	"github.com/roomchat/chat-app/internal/model"
	"github.com/roomchat/chat-app/internal/store"
)

// Store is the persistence the handlers need.
type Store interface {
	Login(ctx context.Context, name, password string) (store.User, error)
	Rooms(ctx context.Context) ([]model.Room, error)
	CreateRoom(ctx context.Context, name, userName string, isPrivate bool, password string) (model.Room, error)
	VerifyRoom(ctx context.Context, roomID, userName, password string) error
	Members(ctx context.Context, roomID string) ([]model.Member, error)
	Messages(ctx context.Context, roomID string) ([]model.Message, error)
	CreateMessage(ctx context.Context, roomID, userName, content string) (model.Message, error)
	UserRooms(ctx context.Context, userName string) ([]model.Room, error)
}

const maxRoomName = 100

// Handler holds the dependencies of the REST handlers.
type Handler struct {
	store Store
	log   *zap.SugaredLogger
}

// NewHandler creates a Handler.
func NewHandler(s Store, log *zap.SugaredLogger) *Handler {
	return &Handler{store: s, log: log.Named("api")}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog())

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/auth/login", h.Login)
	r.GET("/rooms", h.ListRooms)
	r.POST("/rooms", h.CreateRoom)
	r.POST("/rooms/:id/verify", h.VerifyRoom)
	r.GET("/rooms/:id/members", h.ListMembers)
	r.GET("/rooms/:id/messages", h.ListMessages)
	r.POST("/rooms/:id/messages", h.CreateMessage)
	r.GET("/users/:userName/rooms", h.ListUserRooms)
	return r
}

type loginRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

// Login signs a user in, registering the name on first use.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserName == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userName and password are required"})
		return
	}
	user, err := h.store.Login(c.Request.Context(), req.UserName, req.Password)
	if err != nil {
		h.fail(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

// ListRooms returns every room, newest first.
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.store.Rooms(c.Request.Context())
	if err != nil {
		h.fail(c, "list rooms", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

type createRoomRequest struct {
	Name      string `json:"name"`
	UserName  string `json:"userName"`
	IsPrivate bool   `json:"isPrivate"`
	Password  string `json:"password"`
}

// CreateRoom creates a room owned by the requesting user.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.Name == "" || len([]rune(req.Name)) > maxRoomName:
		c.JSON(http.StatusBadRequest, gin.H{"error": "room name must be 1-100 characters"})
		return
	case req.UserName == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "userName is required"})
		return
	case req.IsPrivate && req.Password == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "private rooms need a password"})
		return
	}

	room, err := h.store.CreateRoom(c.Request.Context(), req.Name, req.UserName, req.IsPrivate, req.Password)
	if err != nil {
		h.fail(c, "create room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

type verifyRequest struct {
	Password string `json:"password"`
	UserName string `json:"userName"`
}

// VerifyRoom checks room access and records the visit.
func (h *Handler) VerifyRoom(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userName is required"})
		return
	}
	if err := h.store.VerifyRoom(c.Request.Context(), c.Param("id"), req.UserName, req.Password); err != nil {
		h.fail(c, "verify room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListMembers returns a room's roster.
func (h *Handler) ListMembers(c *gin.Context) {
	members, err := h.store.Members(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "list members", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// ListMessages returns a room's messages in created_at order.
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.store.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type createMessageRequest struct {
	Content  string `json:"content"`
	UserName string `json:"userName"`
}

// CreateMessage persists a message and returns the canonical copy.
func (h *Handler) CreateMessage(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userName is required"})
		return
	}
	if err := model.ValidateContent(req.Content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.store.CreateMessage(c.Request.Context(), c.Param("id"), req.UserName, req.Content)
	if err != nil {
		h.fail(c, "create message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// ListUserRooms returns the rooms a user has joined, most recent first.
func (h *Handler) ListUserRooms(c *gin.Context) {
	rooms, err := h.store.UserRooms(c.Request.Context(), c.Param("userName"))
	if err != nil {
		h.fail(c, "list user rooms", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// fail maps store errors to HTTP responses.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, store.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, store.ErrWrongPassword):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong password"})
	case errors.Is(err, store.ErrNameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "user name already taken"})
	default:
		h.log.Errorw(op+" failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debugw("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
