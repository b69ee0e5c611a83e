// Package store provides PostgreSQL-backed storage for users, rooms, room
// membership and messages. Passwords are stored and compared in plaintext.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/roomchat/chat-app/internal/model"
)

var (
	ErrRoomNotFound  = errors.New("store: room not found")
	ErrUserNotFound  = errors.New("store: user not found")
	ErrWrongPassword = errors.New("store: wrong password")
	ErrNameTaken     = errors.New("store: user name already taken")
)

// PostgreSQL error codes the store translates.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeInvalidText         = "22P02" // malformed uuid
)

// User is an account row without its password.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Store manages chat data in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}
	return db, nil
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Login returns the user named name, creating it with password on first use.
// An existing user with a different password yields ErrWrongPassword.
func (s *Store) Login(ctx context.Context, name, password string) (User, error) {
	var (
		u      User
		stored sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, password FROM users WHERE name = $1`, name,
	).Scan(&u.ID, &u.Name, &stored)
	switch {
	case err == nil:
		if !stored.Valid {
			// Created implicitly by joining a room; the first login sets the password.
			if _, err := s.db.ExecContext(ctx,
				`UPDATE users SET password = $2 WHERE id = $1 AND password IS NULL`, u.ID, password,
			); err != nil {
				return User{}, fmt.Errorf("store: set password: %w", err)
			}
			return u, nil
		}
		if stored.String != password {
			return User{}, ErrWrongPassword
		}
		return u, nil
	case !errors.Is(err, sql.ErrNoRows):
		return User{}, fmt.Errorf("store: find user: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO users (name, password) VALUES ($1, $2) RETURNING id, name`, name, password,
	).Scan(&u.ID, &u.Name)
	if isCode(err, codeUniqueViolation) {
		return User{}, ErrNameTaken
	}
	if err != nil {
		return User{}, fmt.Errorf("store: insert user: %w", err)
	}
	return u, nil
}

// Rooms lists every room, newest first.
func (s *Store) Rooms(ctx context.Context) ([]model.Room, error) {
	const query = `
		SELECT id, name, created_at, is_private
		FROM rooms
		ORDER BY created_at DESC`

	return s.queryRooms(ctx, query)
}

// CreateRoom inserts a room and makes its creator the first member.
func (s *Store) CreateRoom(ctx context.Context, name, userName string, isPrivate bool, password string) (model.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Room{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	userID, err := ensureUser(ctx, tx, userName)
	if err != nil {
		return model.Room{}, err
	}

	var pw sql.NullString
	if isPrivate {
		pw = sql.NullString{String: password, Valid: true}
	}
	var room model.Room
	err = tx.QueryRowContext(ctx, `
		INSERT INTO rooms (name, created_by, is_private, password)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, created_at, is_private`,
		name, userID, isPrivate, pw,
	).Scan(&room.ID, &room.Name, &room.CreatedAt, &room.IsPrivate)
	if err != nil {
		return model.Room{}, fmt.Errorf("store: insert room: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`, room.ID, userID,
	); err != nil {
		return model.Room{}, fmt.Errorf("store: insert creator membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Room{}, fmt.Errorf("store: commit: %w", err)
	}
	return room, nil
}

// VerifyRoom checks userName's access to roomID and records the visit by
// upserting a membership row with a fresh last_accessed_at.
func (s *Store) VerifyRoom(ctx context.Context, roomID, userName, password string) error {
	var (
		isPrivate bool
		stored    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT is_private, password FROM rooms WHERE id = $1`, roomID,
	).Scan(&isPrivate, &stored)
	if errors.Is(err, sql.ErrNoRows) || isCode(err, codeInvalidText) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("store: find room: %w", err)
	}

	userID, err := ensureUser(ctx, s.db, userName)
	if err != nil {
		return err
	}

	if isPrivate && stored.String != password {
		return ErrWrongPassword
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, last_accessed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (room_id, user_id) DO UPDATE SET last_accessed_at = EXCLUDED.last_accessed_at`,
		roomID, userID,
	); err != nil {
		return fmt.Errorf("store: upsert membership: %w", err)
	}
	return nil
}

// Members returns the roster of roomID, most recently active first.
func (s *Store) Members(ctx context.Context, roomID string) ([]model.Member, error) {
	const query = `
		SELECT u.id, u.name, m.joined_at, m.last_accessed_at
		FROM room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1
		ORDER BY m.last_accessed_at DESC`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if isCode(err, codeInvalidText) {
		return []model.Member{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query members: %w", err)
	}
	defer rows.Close()

	members := []model.Member{}
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.ID, &m.Name, &m.JoinedAt, &m.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Messages returns the messages of roomID in created_at order.
func (s *Store) Messages(ctx context.Context, roomID string) ([]model.Message, error) {
	const query = `
		SELECT m.id, m.room_id, m.user_id, m.content, m.created_at, u.name
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1
		ORDER BY m.created_at ASC, m.id ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if isCode(err, codeInvalidText) {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.CreatedAt, &m.UserName); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreateMessage persists content from userName in roomID and returns the
// canonical row. The user must already exist.
func (s *Store) CreateMessage(ctx context.Context, roomID, userName, content string) (model.Message, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE name = $1`, userName).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrUserNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("store: find user: %w", err)
	}

	m := model.Message{UserName: userName}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (room_id, user_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, room_id, user_id, content, created_at`,
		roomID, userID, content,
	).Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.CreatedAt)
	if isCode(err, codeForeignKeyViolation) || isCode(err, codeInvalidText) {
		return model.Message{}, ErrRoomNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return m, nil
}

// UserRooms lists the rooms userName has joined, most recently accessed
// first. An unknown user has no rooms.
func (s *Store) UserRooms(ctx context.Context, userName string) ([]model.Room, error) {
	const query = `
		SELECT r.id, r.name, r.created_at, r.is_private
		FROM room_members m
		JOIN rooms r ON r.id = m.room_id
		JOIN users u ON u.id = m.user_id
		WHERE u.name = $1
		ORDER BY m.last_accessed_at DESC`

	return s.queryRooms(ctx, query, userName)
}

func (s *Store) queryRooms(ctx context.Context, query string, args ...any) ([]model.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []model.Room{}
	for rows.Next() {
		var r model.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.IsPrivate); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ensureUser returns the id of the user named name, creating it if needed.
func ensureUser(ctx context.Context, q queryer, name string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO users (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, name,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: ensure user: %w", err)
	}
	return id, nil
}

func isCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
